// Package middleware carries the cross-cutting HTTP concerns: correlation
// ids, access logging, CORS, and tenant scoping.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader is read from the request and echoed on every response.
const CorrelationHeader = "X-Correlation-ID"

type contextKey string

const correlationKey contextKey = "correlation_id"

// Correlation stamps the request with the inbound X-Correlation-ID, or a
// fresh token when the caller sent none. Every row persisted during the
// request carries this id.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationHeader)
		if cid == "" {
			cid = uuid.New().String()
		}
		w.Header().Set(CorrelationHeader, cid)
		ctx := context.WithValue(r.Context(), correlationKey, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationID returns the request's correlation id, empty outside a request.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

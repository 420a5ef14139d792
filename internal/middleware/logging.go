package middleware

import (
	"log"
	"net/http"
	"time"
)

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging writes one structured access-log line per request.
func Logging(next http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logger.Printf(`{"method":%q,"path":%q,"status":%d,"duration_ms":%d,"correlation_id":%q}`,
			r.Method, r.URL.Path, rec.status,
			time.Since(start).Milliseconds(), CorrelationID(r.Context()))
	})
}

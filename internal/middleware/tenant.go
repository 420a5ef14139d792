package middleware

import (
	"net/http"

	"github.com/flowsentry/backend/internal/multitenancy"
)

// TenantHeader scopes list endpoints to one tenant.
const TenantHeader = "X-Tenant-ID"

// Tenant copies the X-Tenant-ID header into the request context. Handlers
// that list tenant-scoped resources read it from there; a request without
// the header stays unscoped.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tid := r.Header.Get(TenantHeader); tid != "" {
			r = r.WithContext(multitenancy.WithTenant(r.Context(), tid))
		}
		next.ServeHTTP(w, r)
	})
}

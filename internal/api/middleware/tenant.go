package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pipeflow-io/pipeflow/internal/api/response"
)

const (
	tenantHeader = "X-Tenant-ID"
	userHeader   = "X-User-ID"
)

// Tenant extracts the tenant and optional user identity from request
// headers. Requests without a valid X-Tenant-ID are rejected; X-User-ID is
// optional but must be a UUID when present.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(tenantHeader)
		if raw == "" {
			response.Error(w, http.StatusBadRequest, "Missing X-Tenant-ID header", nil)
			return
		}
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "Invalid X-Tenant-ID header", nil)
			return
		}

		ctx := SetTenantID(r.Context(), tenantID)

		if rawUser := r.Header.Get(userHeader); rawUser != "" {
			userID, err := uuid.Parse(rawUser)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "Invalid X-User-ID header", nil)
				return
			}
			ctx = SetUserID(ctx, userID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

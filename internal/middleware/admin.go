package middleware

import (
	"net/http"

	"github.com/workloom/backend/internal/contextkeys"
	"github.com/workloom/backend/internal/handler"
)

// RequireRole lets the request through only for the given roles.
// Must be used AFTER Auth middleware which sets contextkeys.UserRole in context.
func RequireRole(roles ...string) func(next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := r.Context().Value(contextkeys.UserRole).(string)
			if !allowed[role] {
				handler.JSON(w, http.StatusForbidden, map[string]string{"error": "forbidden: operator access required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

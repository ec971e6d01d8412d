package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/seomcp/gateway/internal/logger"
)

// Middleware creates HTTP middleware for authentication. Only Bearer
// token authentication is supported; every request re-authenticates,
// session tokens alone are never sufficient.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				jsonError(w, "Authentication required (Bearer token)", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			identity, err := store.Lookup(token)
			if err != nil {
				logger.Slog().Info("credential lookup failed", "token", maskToken(token), "error", err)
				jsonError(w, "Invalid or revoked credential", http.StatusUnauthorized)
				return
			}

			ctx := WithContext(r.Context(), identity)
			ctx = logger.WithTenantID(ctx, identity.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    -32001,
			"message": message,
		},
		"id": nil,
	})
}

func maskToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

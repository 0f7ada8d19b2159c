// ABOUTME: HTTP middleware authenticating inspection API requests with bearer tokens
// ABOUTME: Shares the TokenVerifier used by the BackRPC stream interceptor

package auth

import (
	"net/http"
	"strings"
)

// HTTPMiddleware rejects requests without a valid bearer token and attaches
// the verified principal to the request context.
func HTTPMiddleware(tokens TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			p, err := tokens.Verify(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

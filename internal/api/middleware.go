package api

import (
	"net/http"
	"strings"

	"groupscan/internal/core"
)

// AuthMiddleware resolves the caller's owner from a bearer token or a token
// query param and stores it in the request context. With no tokens configured
// every request acts for defaultOwner.
func AuthMiddleware(tokens map[string]string, defaultOwner string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(tokens) == 0 {
				next.ServeHTTP(w, r.WithContext(core.WithOwner(r.Context(), defaultOwner)))
				return
			}

			token := r.URL.Query().Get("token")
			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				token = authHeader[7:]
			}
			owner, ok := tokens[token]
			if token == "" || !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or unknown token")
				return
			}
			next.ServeHTTP(w, r.WithContext(core.WithOwner(r.Context(), owner)))
		})
	}
}

func ownerOf(r *http.Request) string {
	owner, _ := core.OwnerFrom(r.Context())
	return owner
}

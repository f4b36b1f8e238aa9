package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authChallenge is sent with every 401 so clients know which token to use.
const authChallenge = `Bearer realm="diary"`

// BearerAuth guards the diary API with the token kept in the secret store.
// An empty token rejects every request.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := bearerToken(r)
			if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", authChallenge)
				httpError(w, http.StatusUnauthorized, "authentication_error",
					"invalid or missing bearer token; the diary CLI reads it from the secret store")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the credentials of an "Authorization: Bearer" header.
// The scheme is case-insensitive.
func bearerToken(r *http.Request) (string, bool) {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

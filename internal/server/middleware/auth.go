package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth requires the keeper API key on every request except OPTIONS and the
// exact paths in public. The key is accepted as "Authorization: Bearer <key>"
// or in X-API-Key. An empty apiKey disables the check.
func Auth(apiKey string, public ...string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" || r.Method == http.MethodOptions || isPublic(r.URL.Path, public) {
				next.ServeHTTP(w, r)
				return
			}
			key := apiKeyFrom(r)
			if key == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="perpkeeper"`)
				writeError(w, http.StatusUnauthorized, "missing api key")
				return
			}
			// Hashing first keeps the comparison length independent of the key.
			got := sha256.Sum256([]byte(key))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isPublic(path string, public []string) bool {
	for _, p := range public {
		if path == p {
			return true
		}
	}
	return false
}

func apiKeyFrom(r *http.Request) string {
	if scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

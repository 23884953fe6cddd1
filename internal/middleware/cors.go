// Package middleware provides HTTP middleware for the Aura API.
package middleware

import (
	"net/http"
	"net/url"
	"slices"
)

// CORS returns middleware that handles CORS headers. Origins must be listed
// explicitly; "*" echoes any origin but never allows credentials. When
// allowLocalhost is set, any http://localhost or 127.0.0.1 origin is treated
// as explicit.
func CORS(allowedOrigins []string, allowLocalhost bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			explicit := origin != "" && (slices.Contains(allowedOrigins, origin) || (allowLocalhost && isLocalOrigin(origin)))
			wildcard := origin != "" && slices.Contains(allowedOrigins, "*")

			if explicit || wildcard {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Add("Vary", "Origin")
				// Allow-Credentials with a wildcard-echoed origin enables CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

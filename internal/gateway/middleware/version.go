package middleware

import "net/http"

// APIVersion is the REST API revision served under /api/v1.
const APIVersion = "1"

// Version returns middleware that stamps every response with the API
// revision and the gateway build version. A client pinning a different
// revision through Accept-Version is refused with 406.
func Version(build string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("API-Version", APIVersion)
			if build != "" {
				w.Header().Set("X-Atelier-Version", build)
			}

			if v := r.Header.Get("Accept-Version"); v != "" && v != APIVersion {
				w.WriteHeader(http.StatusNotAcceptable)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

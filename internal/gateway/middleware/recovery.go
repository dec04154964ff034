// Package middleware holds the HTTP middleware chain of the gateway.
package middleware

import (
	"net/http"
	"runtime/debug"

	"atelier/internal/gateway/handlers"
	"atelier/pkg/logger"
)

// Recovery returns a middleware that turns a handler panic into a 500.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}

				logger.Error().
					Interface("error", err).
					Str("request_id", w.Header().Get(RequestIDHeader)).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

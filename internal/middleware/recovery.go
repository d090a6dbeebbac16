package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/rgould/guardcore/internal/apierror"
)

// Recovery is the outermost middleware: a panic anywhere below it is
// caught here, logged with its stack, and turned into a 500 with the
// standard error body. The server process itself must never die because
// one handler misbehaved.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("panic recovered",
						"panic", v,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
					apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

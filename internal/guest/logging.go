// logging.go -- Request-scoped logging helpers.
//
// Wraps slog with automatic extraction of request context (request id, IP,
// method, path) so handlers don't have to repeat these fields on every call.
package guest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

// reqAttrs returns standard request-scoped attributes for logging.
// The user agent is left out; guests are identified by session only.
func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"ip", clientIP(r),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	return attrs
}

// logInfo logs at info level with automatic request context.
func logInfo(r *http.Request, msg string, args ...any) {
	slog.InfoContext(r.Context(), msg, append(reqAttrs(r), args...)...)
}

// logWarn logs at warn level with automatic request context.
func logWarn(r *http.Request, msg string, args ...any) {
	slog.WarnContext(r.Context(), msg, append(reqAttrs(r), args...)...)
}

// logError logs at error level with automatic request context.
func logError(r *http.Request, msg string, args ...any) {
	slog.ErrorContext(r.Context(), msg, append(reqAttrs(r), args...)...)
}

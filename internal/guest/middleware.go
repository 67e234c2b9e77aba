// middleware.go

// Session, CSRF and admin authentication middleware.
package guest

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/MGallo-Code/eduinvite/internal/store"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const sessionKeyCtx contextKey = "session_key"

// SessionKeyFromContext retrieves the registry key injected by RequireSession.
func SessionKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(sessionKeyCtx).(string)
	return key, ok && key != ""
}

// RequireSession resolves the onboarding cookie to a registry key.
// Safe requests without a usable cookie get a new one; state-changing
// requests without one are rejected, since they could not carry a CSRF token.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token, key string
		var ok bool
		if c, err := r.Cookie(sessionCookie); err == nil {
			token = c.Value
			key, ok = SessionKey(token)
		}

		if !ok {
			if !isSafeMethod(r.Method) {
				logWarn(r, "require session failed", "reason", "missing_session_cookie")
				Forbidden(w)
				return
			}
			var err error
			if token, err = GenerateToken(); err != nil {
				InternalServerError(w, r, err)
				return
			}
			key, _ = SessionKey(token)
		}
		// Refresh on every request so the cookie outlives the idle TTL only while in use.
		SetSessionCookie(w, token, h.SessionTTL)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKeyCtx, key)))
	})
}

// CSRFMiddleware enforces CSRF protection on state-changing requests.
// Reads the token from the X-CSRF-Token header and compares it against the
// session's token in constant time; mismatches get 403.
// Must run after RequireSession.
func (h *Handler) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		key, ok := SessionKeyFromContext(r.Context())
		if !ok {
			logError(r, "csrf check without session context")
			Forbidden(w)
			return
		}
		provided := r.Header.Get("X-CSRF-Token")
		if provided == "" {
			logWarn(r, "csrf check failed", "reason", "missing_header")
			Forbidden(w)
			return
		}
		view, err := h.Flow.View(r.Context(), key)
		if err != nil {
			Failure(w, err, nil)
			return
		}
		if !ValidateCSRFToken(provided, view.CSRFToken) {
			logWarn(r, "csrf check failed", "reason", "token_mismatch")
			Forbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ValidateCSRFToken compares tokens in constant time. An empty stored token never matches.
func ValidateCSRFToken(provided, stored string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(stored)) == 1
}

// RequireAdmin checks the bearer token against AdminTokenHash.
// Admin routes answer 404 when no hash is configured. Every request counts
// against AdminPolicy for the client IP before the token is hashed, so a
// locked-out client cannot keep guessing.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminTokenHash == "" {
			NotFound(w)
			return
		}
		if h.RL != nil {
			if err := h.RL.Allow(r.Context(), "admin:ip:"+clientIP(r), h.AdminPolicy); err != nil {
				if errors.Is(err, store.ErrRateLimitExceeded) {
					logWarn(r, "admin auth rate limited")
					if h.Metrics != nil {
						h.Metrics.RateLimited.Inc()
					}
					TooManyRequests(w)
					return
				}
				InternalServerError(w, r, err)
				return
			}
		}
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || token == "" {
			logWarn(r, "admin auth failed", "reason", "missing_bearer")
			Unauthorized(w, r, "unauthorized")
			return
		}
		valid, err := VerifyToken(token, h.AdminTokenHash)
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		if !valid {
			logWarn(r, "admin auth failed", "reason", "token_mismatch")
			Unauthorized(w, r, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isSafeMethod(m string) bool {
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodOptions
}

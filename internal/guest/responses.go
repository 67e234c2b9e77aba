// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Fixed messages are plain ASCII with no
// user-controlled input; anything else goes through writeJSON.
package guest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/eduinvite/internal/oauth"
	"github.com/MGallo-Code/eduinvite/internal/onboarding"
)

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"message":"internal server error"}`))
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusBadRequest, message)
}

// Unauthorized returns a 401 JSON response with a generic message.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusUnauthorized, message)
}

// Forbidden returns a 403 JSON response with a generic message.
// Intentionally vague, avoids leaking which validation stage failed.
func Forbidden(w http.ResponseWriter) {
	writeMessage(w, http.StatusForbidden, "forbidden")
}

// NotFound returns a 404 JSON response.
func NotFound(w http.ResponseWriter) {
	writeMessage(w, http.StatusNotFound, "not found")
}

// TooManyRequests returns a 429 JSON response.
func TooManyRequests(w http.ResponseWriter) {
	writeMessage(w, http.StatusTooManyRequests, "too many attempts, try again later")
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusOK, message)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"message":"` + message + `"}`))
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// failure is the body of an onboarding error response. It carries the
// sanitized notice and the session as it stands after the failed step.
type failure struct {
	Message  string              `json:"message"`
	Kind     string              `json:"kind"`
	Recovery onboarding.Recovery `json:"recovery"`
	Session  *onboarding.View    `json:"session,omitempty"`
}

// Failure writes the notice for err. view may be nil when no session could be loaded.
// The full error is logged by the orchestrator, never written to the client.
func Failure(w http.ResponseWriter, err error, view *onboarding.View) {
	notice, _ := onboarding.NoticeFor(err)
	writeJSON(w, statusFor(err), failure{
		Message:  notice.Message,
		Kind:     notice.Kind,
		Recovery: notice.Recovery,
		Session:  view,
	})
}

// statusFor maps an onboarding error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, onboarding.ErrInvitationExpired):
		return http.StatusGone
	case errors.Is(err, onboarding.ErrInvalidCode),
		errors.Is(err, onboarding.ErrInvalidMail),
		errors.Is(err, onboarding.ErrNoPendingLogin),
		errors.Is(err, onboarding.ErrMalformedCallback):
		return http.StatusBadRequest
	case errors.Is(err, onboarding.ErrProviderDenied):
		return http.StatusUnauthorized
	case errors.Is(err, onboarding.ErrStepUpRequired),
		errors.Is(err, onboarding.ErrMailNotEditable):
		return http.StatusForbidden
	case errors.Is(err, onboarding.ErrCodeAlreadyLocked),
		errors.Is(err, onboarding.ErrStepOrder),
		errors.Is(err, onboarding.ErrIdentityMismatch):
		return http.StatusConflict
	case errors.Is(err, oauth.ErrTokenExchange),
		errors.Is(err, oauth.ErrUserinfo):
		return http.StatusBadGateway
	case errors.Is(err, onboarding.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

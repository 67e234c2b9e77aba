// errors.go -- onboarding error taxonomy and the guest-facing notices derived from it.
package onboarding

import (
	"errors"
	"log/slog"

	"github.com/MGallo-Code/eduinvite/internal/oauth"
)

var (
	// ErrInvalidCode is returned for empty, malformed, unknown or expired invite codes.
	ErrInvalidCode = errors.New("invalid invite code")
	// ErrInvitationExpired is wrapped by ErrInvalidCode when the group's validity window has passed.
	ErrInvitationExpired = errors.New("invitation expired")
	// ErrCodeAlreadyLocked is returned when a session bound to one code is given another.
	ErrCodeAlreadyLocked = errors.New("session already bound to a different code")
	// ErrNoPendingLogin is returned by a callback with no (or an expired) pending PKCE login.
	ErrNoPendingLogin = errors.New("no pending login")
	// ErrMalformedCallback is returned when the callback carries neither code nor error.
	ErrMalformedCallback = errors.New("malformed callback")
	// ErrProviderDenied is returned when the provider redirects back with an error parameter.
	ErrProviderDenied = errors.New("provider returned an error")
	// ErrStepOrder is returned when an operation is invoked before its prerequisite step.
	ErrStepOrder = errors.New("step not available")
	// ErrStepUpRequired is returned when the group requires MFA and the login did not provide it.
	ErrStepUpRequired = errors.New("multi-factor login required")
	// ErrIdentityMismatch is returned when a repeat login yields a different subject.
	ErrIdentityMismatch = errors.New("login returned a different identity")
	// ErrMailNotEditable is returned when the group does not allow changing the mail address.
	ErrMailNotEditable = errors.New("mail address cannot be changed")
	// ErrInvalidMail is returned for a malformed replacement mail address.
	ErrInvalidMail = errors.New("invalid mail address")
	// ErrStoreUnavailable wraps infrastructure failures of the invitation or session store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Recovery is the single action offered to the guest after an error.
type Recovery string

const (
	RecoveryReenterCode  Recovery = "reenter_code"
	RecoveryRestartLogin Recovery = "restart_login"
	RecoveryRetry        Recovery = "retry"
)

// Notice is the sanitized, guest-facing form of an error.
type Notice struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	Recovery Recovery `json:"recovery"`
}

// noticeRule maps one sentinel to its notice and log level.
type noticeRule struct {
	err    error
	notice Notice
	level  slog.Level
}

// noticeRules is checked in order; the first errors.Is match wins.
// Replay signals log at WARN, ordinary guest mistakes at INFO.
var noticeRules = []noticeRule{
	{ErrInvitationExpired, Notice{"invitation_expired", "This invitation has expired. Please ask for a new one.", RecoveryReenterCode}, slog.LevelInfo},
	{ErrInvalidCode, Notice{"invalid_code", "The invite code is not valid.", RecoveryReenterCode}, slog.LevelInfo},
	{ErrCodeAlreadyLocked, Notice{"code_locked", "This session is already using a different invite code.", RecoveryReenterCode}, slog.LevelWarn},
	{ErrNoPendingLogin, Notice{"no_pending_login", "This login link is no longer valid. Please start the login again.", RecoveryRestartLogin}, slog.LevelWarn},
	{ErrMalformedCallback, Notice{"malformed_callback", "The login response was incomplete. Please start the login again.", RecoveryRestartLogin}, slog.LevelWarn},
	{ErrProviderDenied, Notice{"login_failed", "The login was not completed. Please start the login again.", RecoveryRestartLogin}, slog.LevelInfo},
	{oauth.ErrTokenExchange, Notice{"login_failed", "The login could not be completed. Please start the login again.", RecoveryRestartLogin}, slog.LevelError},
	{oauth.ErrUserinfo, Notice{"login_failed", "Your account details could not be retrieved. Please start the login again.", RecoveryRestartLogin}, slog.LevelError},
	{ErrIdentityMismatch, Notice{"identity_mismatch", "Please log in with the same account you used before.", RecoveryRestartLogin}, slog.LevelWarn},
	{ErrStepUpRequired, Notice{"mfa_required", "This invitation requires a login with multi-factor authentication.", RecoveryRestartLogin}, slog.LevelInfo},
	{ErrStepOrder, Notice{"step_order", "Please complete the previous step first.", RecoveryReenterCode}, slog.LevelInfo},
	{ErrMailNotEditable, Notice{"mail_not_editable", "The mail address of this invitation cannot be changed.", RecoveryRetry}, slog.LevelInfo},
	{ErrInvalidMail, Notice{"invalid_mail", "Please enter a valid mail address.", RecoveryRetry}, slog.LevelInfo},
	{ErrStoreUnavailable, Notice{"unavailable", "The service is temporarily unavailable. Please try again.", RecoveryRetry}, slog.LevelError},
}

// fallbackNotice covers errors outside the taxonomy.
var fallbackNotice = Notice{"unavailable", "Something went wrong. Please try again.", RecoveryRetry}

// NoticeFor maps err to its guest-facing notice and log level.
func NoticeFor(err error) (Notice, slog.Level) {
	for _, r := range noticeRules {
		if errors.Is(err, r.err) {
			return r.notice, r.level
		}
	}
	return fallbackNotice, slog.LevelError
}

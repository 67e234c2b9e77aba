package onboarding

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MGallo-Code/eduinvite/internal/oauth"
)

func TestSessionStateAndActions(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(s *Session)
		state   State
		actions []Action
	}{
		{"fresh", func(*Session) {}, StateNoCode, []Action{ActionSubmitCode}},
		{"code entered", func(s *Session) {
			s.Steps.CodeEntered = true
		}, StateCodeEntered, []Action{ActionLogin}},
		{"code entered, mail editable", func(s *Session) {
			s.Steps.CodeEntered = true
			s.Policy.CanEditMailAddress = true
		}, StateCodeEntered, []Action{ActionEditMail, ActionLogin}},
		{"login pending", func(s *Session) {
			s.Steps.CodeEntered = true
			s.Pending = &PendingLogin{Verifier: "v"}
		}, StateIdentityVerifying, []Action{ActionLogin}},
		{"logged in", func(s *Session) {
			s.Steps.CodeEntered, s.Steps.IdentityLogin = true, true
		}, StateIdentityVerified, []Action{ActionVerify}},
		{"logged in, mfa outstanding", func(s *Session) {
			s.Steps.CodeEntered, s.Steps.IdentityLogin = true, true
			s.Policy.MFARequired = true
		}, StateIdentityVerified, []Action{ActionStepUp, ActionVerify}},
		{"completed with redirect", func(s *Session) {
			s.Steps = Steps{true, true, true, true}
			s.RedirectURL = "https://wiki.example.org"
		}, StateCompleted, []Action{ActionContinue}},
		{"completed without redirect", func(s *Session) {
			s.Steps = Steps{true, true, true, true}
		}, StateCompleted, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := NewSession(time.Now())
			tt.setup(s)
			if got := s.State(); got != tt.state {
				t.Errorf("state: expected %s, got %s", tt.state, got)
			}
			if got := s.Actions(); !slices.Equal(got, tt.actions) {
				t.Errorf("actions: expected %v, got %v", tt.actions, got)
			}
		})
	}
}

func TestNewSession_CSRFToken(t *testing.T) {
	a, _ := NewSession(time.Now())
	b, _ := NewSession(time.Now())
	if len(a.CSRFToken) != 43 {
		t.Errorf("csrf token length: expected 43, got %d", len(a.CSRFToken))
	}
	if a.CSRFToken == b.CSRFToken {
		t.Error("csrf tokens must differ between sessions")
	}
}

func TestView_OmitsSecrets(t *testing.T) {
	s, _ := NewSession(time.Now())
	s.Steps = Steps{CodeEntered: true, IdentityLogin: true}
	s.Pending = &PendingLogin{Verifier: "super-secret-verifier"}
	s.IdentityClaims = map[string]any{"sub": "sub-1", EPPNClaim: "g@eduid.ch", "phone": "+41 00"}

	raw, err := json.Marshal(NewView(s))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	json.Unmarshal(raw, &got)

	for _, leak := range []string{"super-secret-verifier", "+41 00"} {
		if strings.Contains(string(raw), leak) {
			t.Errorf("view leaks %q: %s", leak, raw)
		}
	}
	if got["state"] != "identity_verified" {
		t.Errorf("state: expected identity_verified, got %v", got["state"])
	}
	id, _ := got["identity"].(map[string]any)
	if id["sub"] != "sub-1" || id["eppn"] != "g@eduid.ch" {
		t.Errorf("identity: got %v", id)
	}
}

func TestView_ActionsNeverNull(t *testing.T) {
	s, _ := NewSession(time.Now())
	s.Steps = Steps{true, true, true, true}
	raw, _ := json.Marshal(NewView(s))
	if !strings.Contains(string(raw), `"actions":[]`) {
		t.Errorf("expected empty actions array, got %s", raw)
	}
}

func TestNoticeFor(t *testing.T) {
	tests := []struct {
		err      error
		kind     string
		recovery Recovery
		level    slog.Level
	}{
		{fmt.Errorf("%w: %w", ErrInvalidCode, ErrInvitationExpired), "invitation_expired", RecoveryReenterCode, slog.LevelInfo},
		{ErrInvalidCode, "invalid_code", RecoveryReenterCode, slog.LevelInfo},
		{ErrCodeAlreadyLocked, "code_locked", RecoveryReenterCode, slog.LevelWarn},
		{ErrNoPendingLogin, "no_pending_login", RecoveryRestartLogin, slog.LevelWarn},
		{ErrMalformedCallback, "malformed_callback", RecoveryRestartLogin, slog.LevelWarn},
		{fmt.Errorf("%w: access_denied", ErrProviderDenied), "login_failed", RecoveryRestartLogin, slog.LevelInfo},
		{&oauth.TokenExchangeError{StatusCode: 400}, "login_failed", RecoveryRestartLogin, slog.LevelError},
		{&oauth.UserinfoError{StatusCode: 500}, "login_failed", RecoveryRestartLogin, slog.LevelError},
		{ErrIdentityMismatch, "identity_mismatch", RecoveryRestartLogin, slog.LevelWarn},
		{ErrStepUpRequired, "mfa_required", RecoveryRestartLogin, slog.LevelInfo},
		{ErrMailNotEditable, "mail_not_editable", RecoveryRetry, slog.LevelInfo},
		{fmt.Errorf("%w: saving session: %w", ErrStoreUnavailable, errors.New("dial tcp")), "unavailable", RecoveryRetry, slog.LevelError},
		{errors.New("anything else"), "unavailable", RecoveryRetry, slog.LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			n, level := NoticeFor(tt.err)
			if n.Kind != tt.kind || n.Recovery != tt.recovery || level != tt.level {
				t.Errorf("%v: expected %s/%s/%s, got %s/%s/%s",
					tt.err, tt.kind, tt.recovery, tt.level, n.Kind, n.Recovery, level)
			}
			if strings.Contains(n.Message, "dial tcp") || n.Message == "" {
				t.Errorf("message: %q", n.Message)
			}
		})
	}
}

func TestStateText(t *testing.T) {
	for st := StateNoCode; st <= StateCompleted; st++ {
		raw, _ := st.MarshalText()
		var got State
		if err := got.UnmarshalText(raw); err != nil || got != st {
			t.Errorf("%s: round trip gave %v, %v", raw, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("expected error for unknown state, got nil")
	}
}

// Package onboarding implements the guest onboarding state machine and the
// orchestration that binds an eduID identity to an invitation exactly once.
//
// session.go -- per-browser onboarding session and its derived state.
package onboarding

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// State is derived from a Session's steps; it is never stored.
type State int

const (
	StateNoCode State = iota
	StateCodeEntered
	StateIdentityVerifying
	StateIdentityVerified
	StateAttributesOrMfaVerified
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNoCode:
		return "no_code"
	case StateCodeEntered:
		return "code_entered"
	case StateIdentityVerifying:
		return "identity_verifying"
	case StateIdentityVerified:
		return "identity_verified"
	case StateAttributesOrMfaVerified:
		return "attributes_or_mfa_verified"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON views.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateNoCode; st <= StateCompleted; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// Steps are the ordered completion flags. Once true, a flag stays true.
type Steps struct {
	CodeEntered             bool `json:"code_entered"`
	IdentityLogin           bool `json:"identity_login"`
	AttributesOrMfaVerified bool `json:"attributes_or_mfa_verified"`
	Completed               bool `json:"completed"`
}

// union returns the flags set in either s or o.
func (s Steps) union(o Steps) Steps {
	return Steps{
		CodeEntered:             s.CodeEntered || o.CodeEntered,
		IdentityLogin:           s.IdentityLogin || o.IdentityLogin,
		AttributesOrMfaVerified: s.AttributesOrMfaVerified || o.AttributesOrMfaVerified,
		Completed:               s.Completed || o.Completed,
	}
}

// Policy is the slice of the invitation's group that gates the flow.
type Policy struct {
	MFARequired        bool `json:"mfa_required"`
	IdinRequired       bool `json:"idin_required"`
	CanEditMailAddress bool `json:"can_edit_mail_address"`
}

// PendingLogin exists between BeginLogin and the matching callback.
type PendingLogin struct {
	Verifier  string    `json:"verifier"`
	StartedAt time.Time `json:"started_at"`
	StepUp    bool      `json:"step_up"`
}

// Session is one guest's progress through onboarding.
// Owned by the Registry; mutate only inside Registry.With.
type Session struct {
	InviteCode   string    `json:"invite_code,omitempty"`
	GuestID      uuid.UUID `json:"guest_id"`
	GroupID      uuid.UUID `json:"group_id"`
	GroupName    string    `json:"group_name,omitempty"`
	RedirectURL  string    `json:"redirect_url,omitempty"`
	RedirectText string    `json:"redirect_text,omitempty"`
	Policy       Policy    `json:"policy"`

	// MailAddress is the address the invitation was sent to; EditedMail is
	// the guest's replacement, written to the store only on acceptance.
	MailAddress string  `json:"mail_address,omitempty"`
	EditedMail  *string `json:"edited_mail,omitempty"`

	Steps          Steps          `json:"steps"`
	Pending        *PendingLogin  `json:"pending,omitempty"`
	IdentityClaims map[string]any `json:"identity_claims,omitempty"`
	ACR            string         `json:"acr,omitempty"`

	LastError       string `json:"last_error,omitempty"`
	AlreadyAccepted bool   `json:"already_accepted"`
	CSRFToken       string `json:"csrf_token"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns an empty session with a fresh CSRF token.
func NewSession(now time.Time) (*Session, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("generating csrf token: %w", err)
	}
	return &Session{
		CSRFToken: base64.RawURLEncoding.EncodeToString(raw[:]),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// State derives the current state from the step flags and pending login.
func (s *Session) State() State {
	switch {
	case s.Steps.Completed:
		return StateCompleted
	case s.Steps.AttributesOrMfaVerified:
		return StateAttributesOrMfaVerified
	case s.Steps.IdentityLogin:
		return StateIdentityVerified
	case s.Pending != nil:
		return StateIdentityVerifying
	case s.Steps.CodeEntered:
		return StateCodeEntered
	default:
		return StateNoCode
	}
}

// EffectiveMail is the address that will be stored on acceptance.
func (s *Session) EffectiveMail() string {
	if s.EditedMail != nil {
		return *s.EditedMail
	}
	return s.MailAddress
}

// Subject returns the provider's sub claim, or "" before login.
func (s *Session) Subject() string {
	sub, _ := s.IdentityClaims["sub"].(string)
	return sub
}

// Action names an affordance the guest may use next.
type Action string

const (
	ActionSubmitCode Action = "submit_code"
	ActionEditMail   Action = "edit_mail"
	ActionLogin      Action = "login"
	ActionStepUp     Action = "step_up"
	ActionVerify     Action = "verify"
	ActionContinue   Action = "continue"
)

// Actions lists the affordances available in the current state.
// A step is never offered while the step before it is incomplete.
func (s *Session) Actions() []Action {
	st := s.Steps
	var out []Action
	switch {
	case st.Completed:
		if s.RedirectURL != "" {
			out = append(out, ActionContinue)
		}
		return out
	case !st.CodeEntered:
		return []Action{ActionSubmitCode}
	}

	if s.Policy.CanEditMailAddress {
		out = append(out, ActionEditMail)
	}
	if !st.IdentityLogin {
		return append(out, ActionLogin)
	}
	if s.Policy.MFARequired && !st.AttributesOrMfaVerified {
		out = append(out, ActionStepUp)
	}
	return append(out, ActionVerify)
}

// machine.go -- the onboarding state machine.
//
// Machine methods mutate a *Session in place and never touch it outside the
// call. Callers serialize calls per session (Registry.With).
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"maps"
	netmail "net/mail"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/eduinvite/internal/oauth"
	"github.com/MGallo-Code/eduinvite/internal/store"
)

// EPPNClaim is the userinfo claim bound to the invitation as eppn.
const EPPNClaim = "eduperson_principal_name"

// DefaultMFAACR is the authentication context accepted as multi-factor by default.
const DefaultMFAACR = "https://refeds.org/profile/mfa"

// InvitationStore is the narrow invitation interface the flow depends on.
// Satisfied by *store.PostgresStore and *store.MemoryStore.
type InvitationStore interface {
	// FindInvitationByCode returns store.ErrNotFound for an unknown code.
	FindInvitationByCode(ctx context.Context, code string) (*store.Invitation, error)

	// TryAccept binds attrs to the invitation at most once.
	// The time is the stored acceptance instant, also for AlreadyAccepted.
	TryAccept(ctx context.Context, code string, attrs store.Attributes) (store.AcceptOutcome, time.Time, error)
}

// GroupReader resolves an invitation's group. Satisfied by *store.GroupCache.
type GroupReader interface {
	GetGroup(ctx context.Context, id uuid.UUID) (*store.Group, error)
}

// ACRPolicy decides whether an acr claim counts as multi-factor. Exact match only.
type ACRPolicy struct {
	values []string
}

// NewACRPolicy returns a policy accepting any of values; empty means DefaultMFAACR.
func NewACRPolicy(values ...string) ACRPolicy {
	var vs []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" && !slices.Contains(vs, v) {
			vs = append(vs, v)
		}
	}
	if len(vs) == 0 {
		vs = []string{DefaultMFAACR}
	}
	return ACRPolicy{values: vs}
}

// Satisfied reports whether acr is one of the accepted values.
func (p ACRPolicy) Satisfied(acr string) bool {
	return acr != "" && slices.Contains(p.values, acr)
}

// RequestValue is the acr_values parameter sent to the provider.
func (p ACRPolicy) RequestValue() string { return strings.Join(p.values, " ") }

// MachineConfig holds the collaborators and tunables for a Machine.
type MachineConfig struct {
	Invitations InvitationStore
	Groups      GroupReader
	Provider    oauth.Provider
	MFA         ACRPolicy
	PKCETTL     time.Duration // default 10m
	Now         func() time.Time
}

// Machine implements the onboarding transitions.
type Machine struct {
	invitations InvitationStore
	groups      GroupReader
	provider    oauth.Provider
	mfa         ACRPolicy
	pkceTTL     time.Duration
	now         func() time.Time
}

// NewMachine applies defaults to cfg.
func NewMachine(cfg MachineConfig) *Machine {
	m := &Machine{
		invitations: cfg.Invitations,
		groups:      cfg.Groups,
		provider:    cfg.Provider,
		mfa:         cfg.MFA,
		pkceTTL:     cfg.PKCETTL,
		now:         cfg.Now,
	}
	if len(m.mfa.values) == 0 {
		m.mfa = NewACRPolicy()
	}
	if m.pkceTTL <= 0 {
		m.pkceTTL = 10 * time.Minute
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// SubmitResult reports a successful code submission.
type SubmitResult struct {
	// AlreadyAccepted is informational: the invitation was completed earlier.
	AlreadyAccepted bool
}

// normalizeCode trims whitespace and lowercases hex input.
func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// SubmitCode binds s to the invitation identified by code.
// Resubmitting the bound code is a no-op; any other code is ErrCodeAlreadyLocked.
func (m *Machine) SubmitCode(ctx context.Context, s *Session, code string) (*SubmitResult, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, ErrInvalidCode
	}
	if s.Steps.CodeEntered {
		if code == s.InviteCode {
			return &SubmitResult{AlreadyAccepted: s.AlreadyAccepted}, nil
		}
		return nil, ErrCodeAlreadyLocked
	}
	if !store.ValidCode(code) {
		return nil, ErrInvalidCode
	}

	inv, err := m.invitations.FindInvitationByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("%w: finding invitation: %w", ErrStoreUnavailable, err)
	}
	g, err := m.groups.GetGroup(ctx, inv.GroupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: group %s missing", ErrInvalidCode, inv.GroupID)
		}
		return nil, fmt.Errorf("%w: fetching group: %w", ErrStoreUnavailable, err)
	}
	if inv.Expired(g, m.now()) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCode, ErrInvitationExpired)
	}

	s.InviteCode = inv.InvitationID
	s.GuestID = inv.GuestID
	s.GroupID = g.ID
	s.GroupName = g.Name
	s.RedirectURL = g.RedirectURL
	s.RedirectText = g.RedirectText
	s.Policy = Policy{
		MFARequired:        g.MFARequired,
		IdinRequired:       g.IdinRequired,
		CanEditMailAddress: g.CanEditMailAddress,
	}
	s.MailAddress = inv.MailAddress
	s.AlreadyAccepted = inv.Accepted()
	s.Steps.CodeEntered = true
	return &SubmitResult{AlreadyAccepted: s.AlreadyAccepted}, nil
}

// SetMailAddress records the guest's replacement mail address.
// It reaches the store only through TryAccept.
func (m *Machine) SetMailAddress(s *Session, mail string) error {
	if !s.Steps.CodeEntered || s.Steps.Completed {
		return ErrStepOrder
	}
	if !s.Policy.CanEditMailAddress {
		return ErrMailNotEditable
	}
	mail = strings.TrimSpace(mail)
	if len(mail) < 3 || len(mail) > 254 {
		return ErrInvalidMail
	}
	addr, err := netmail.ParseAddress(mail)
	if err != nil || addr.Address != mail {
		return ErrInvalidMail
	}
	s.EditedMail = &mail
	return nil
}

// BeginLogin starts a PKCE login and returns the provider redirect URL.
// Any earlier pending login is replaced and its verifier becomes unusable.
// stepUp forces re-authentication (prompt=login) after a first login.
func (m *Machine) BeginLogin(s *Session, stepUp bool) (string, error) {
	if !s.Steps.CodeEntered || s.Steps.Completed {
		return "", ErrStepOrder
	}

	verifier, challenge, err := oauth.GeneratePKCE()
	if err != nil {
		return "", err
	}

	opts := oauth.AuthOptions{LoginHint: s.EffectiveMail()}
	if s.Policy.MFARequired {
		opts.ACRValues = m.mfa.RequestValue()
		if s.Steps.IdentityLogin && !m.mfa.Satisfied(s.ACR) {
			stepUp = true
		}
	}
	stepUp = stepUp && s.Steps.IdentityLogin
	if stepUp {
		opts.Prompt = "login"
	}

	authURL, err := m.provider.AuthCodeURL(challenge, opts)
	if err != nil {
		return "", fmt.Errorf("building authorization url: %w", err)
	}

	s.Pending = &PendingLogin{Verifier: verifier, StartedAt: m.now(), StepUp: stepUp}
	s.LastError = ""
	return authURL, nil
}

// CompleteLogin consumes the pending login and exchanges code for the guest's claims.
// The pending login is discarded before the provider is contacted, so a replayed
// callback always fails with ErrNoPendingLogin. An expired pending login is
// discarded too. Until the gate passes, a login by the same subject replaces
// the stored claims, so a step-up login's acr is what gets recorded.
func (m *Machine) CompleteLogin(ctx context.Context, s *Session, code string) error {
	p := s.Pending
	if p == nil {
		return ErrNoPendingLogin
	}
	if m.now().Sub(p.StartedAt) > m.pkceTTL {
		s.Pending = nil
		return ErrNoPendingLogin
	}
	if code == "" {
		return ErrMalformedCallback
	}
	s.Pending = nil

	token, err := m.provider.Exchange(ctx, code, p.Verifier)
	if err != nil {
		s.LastError = "login_failed"
		return err
	}
	claims, err := m.provider.UserInfo(ctx, token)
	if err != nil {
		s.LastError = "login_failed"
		return err
	}
	sub := claims.Subject()
	if sub == "" {
		s.LastError = "login_failed"
		return fmt.Errorf("%w: userinfo has no sub claim", oauth.ErrUserinfo)
	}

	if s.IdentityClaims != nil && s.Subject() != sub {
		s.LastError = "identity_mismatch"
		return ErrIdentityMismatch
	}
	if s.IdentityClaims == nil || !s.Steps.AttributesOrMfaVerified {
		s.IdentityClaims = maps.Clone(claims)
	}
	s.ACR = claims.String("acr")
	s.Steps.IdentityLogin = true
	return nil
}

// FailLogin records a provider error callback. The pending login is discarded.
func (m *Machine) FailLogin(s *Session, providerErr string) error {
	if s.Pending == nil {
		return ErrNoPendingLogin
	}
	s.Pending = nil
	s.LastError = "login_failed"
	return fmt.Errorf("%w: %s", ErrProviderDenied, providerErr)
}

// AcceptResult reports the outcome of VerifyAttributes.
type AcceptResult struct {
	Outcome store.AcceptOutcome
	EPPN    string
	// AcceptedAt is the stored acceptance time. Zero for a session completed earlier.
	AcceptedAt time.Time
	// Performed is true only for the call that wrote the acceptance.
	Performed bool
}

// SplitClaims separates the eppn claim from the remaining claims.
func SplitClaims(claims map[string]any) (eppn string, props map[string]any) {
	props = maps.Clone(claims)
	if props == nil {
		props = map[string]any{}
	}
	eppn, _ = props[EPPNClaim].(string)
	delete(props, EPPNClaim)
	return eppn, props
}

// VerifyAttributes applies the group's verification gate and records acceptance.
// Both Accepted and AlreadyAccepted complete the session.
func (m *Machine) VerifyAttributes(ctx context.Context, s *Session) (*AcceptResult, error) {
	eppn, props := SplitClaims(s.IdentityClaims)
	if s.Steps.Completed {
		return &AcceptResult{Outcome: store.AlreadyAccepted, EPPN: eppn}, nil
	}
	if !s.Steps.IdentityLogin {
		return nil, ErrStepOrder
	}
	if s.Policy.MFARequired && !m.mfa.Satisfied(s.ACR) {
		s.LastError = "mfa_required"
		return nil, ErrStepUpRequired
	}
	s.Steps.AttributesOrMfaVerified = true

	out, acceptedAt, err := m.invitations.TryAccept(ctx, s.InviteCode, store.Attributes{
		EPPN:        eppn,
		Props:       props,
		MailAddress: s.EditedMail,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: invitation %s no longer exists", ErrInvalidCode, s.InviteCode)
		}
		return nil, fmt.Errorf("%w: accepting invitation: %w", ErrStoreUnavailable, err)
	}

	s.Steps.Completed = true
	s.LastError = ""
	s.AlreadyAccepted = out == store.AlreadyAccepted
	return &AcceptResult{Outcome: out, EPPN: eppn, AcceptedAt: acceptedAt, Performed: out == store.Accepted}, nil
}

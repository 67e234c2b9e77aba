// models.go -- Shared domain types for the store package.
// Used by the Postgres and in-memory invitation stores and the Redis helpers.
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned when no invitation or group matches the lookup.
// Callers use errors.Is to distinguish a miss from an infrastructure failure.
var ErrNotFound = errors.New("not found")

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCacheMiss is returned by RedisSessionStore.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Invitation represents a row in the invitations table.
// AcceptedAt, EPPN and EduIDProps are written together by TryAccept and never cleared.
type Invitation struct {
	InvitationID string // 32 lowercase hex chars, doubles as the invite code
	GuestID      uuid.UUID
	GroupID      uuid.UUID
	MailAddress  string
	InvitedAt    time.Time
	AcceptedAt   *time.Time
	EPPN         *string
	EduIDProps   map[string]any
}

// Accepted reports whether the invitation has been bound to an identity.
func (i *Invitation) Accepted() bool { return i.AcceptedAt != nil }

// Expired reports whether an unaccepted invitation has outlived g's validity window.
// ValidityDays of 0 means invitations never expire.
func (i *Invitation) Expired(g *Group, now time.Time) bool {
	if i.Accepted() || g == nil || g.ValidityDays <= 0 {
		return false
	}
	return now.After(i.InvitedAt.AddDate(0, 0, g.ValidityDays))
}

// Group represents a row in the groups table. Read-only to the onboarding flow.
type Group struct {
	ID                 uuid.UUID `toml:"id" json:"id"`
	Name               string    `toml:"name" json:"name"`
	RedirectURL        string    `toml:"redirect_url" json:"redirect_url"`
	RedirectText       string    `toml:"redirect_text" json:"redirect_text"`
	IdinRequired       bool      `toml:"idin_required" json:"idin_required"`
	MFARequired        bool      `toml:"mfa_required" json:"mfa_required"`
	CanEditMailAddress bool      `toml:"can_edit_mail_address" json:"can_edit_mail_address"`
	ValidityDays       int       `toml:"validity_days" json:"validity_days"`
}

// Attributes is the identity data bound to an invitation on acceptance.
// MailAddress is nil unless the guest edited it; nil keeps the stored address.
type Attributes struct {
	EPPN        string
	Props       map[string]any
	MailAddress *string
}

// AcceptOutcome is the result of a successful TryAccept call.
type AcceptOutcome int

const (
	// Accepted means this call performed the acceptance.
	Accepted AcceptOutcome = iota + 1
	// AlreadyAccepted means an earlier call won; the stored fields are untouched.
	AlreadyAccepted
)

func (o AcceptOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case AlreadyAccepted:
		return "already_accepted"
	default:
		return "unknown"
	}
}

// ListFilter narrows ListInvitations. Zero value lists everything up to DefaultListLimit.
type ListFilter struct {
	GroupID     uuid.UUID // uuid.Nil = all groups
	PendingOnly bool
	Limit       int
}

// DefaultListLimit caps ListInvitations when ListFilter.Limit is unset.
const DefaultListLimit = 100

// limit returns the effective row cap for f.
func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultListLimit
	}
	return f.Limit
}

// RateLimit defines the policy for a rate-limited action.
// Zero MaxAttempts disables limiting.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}

// memory.go -- in-process invitation store and rate limiter.
//
// Used when STORE_BACKEND=memory (local development, tests). Same semantics
// as PostgresStore: TryAccept is a compare-and-set under one mutex.
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// MemoryStore implements the invitation and group operations in memory.
type MemoryStore struct {
	mu          sync.Mutex
	invitations map[string]*Invitation
	groups      map[uuid.UUID]*Group

	// now is swappable for tests.
	now func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		invitations: make(map[string]*Invitation),
		groups:      make(map[uuid.UUID]*Group),
		now:         time.Now,
	}
}

// CheckHealth always succeeds.
func (m *MemoryStore) CheckHealth(context.Context) error { return nil }

// copyInvitation returns a deep copy so callers never alias stored state.
func copyInvitation(inv *Invitation) *Invitation {
	c := *inv
	if inv.AcceptedAt != nil {
		t := *inv.AcceptedAt
		c.AcceptedAt = &t
	}
	if inv.EPPN != nil {
		e := *inv.EPPN
		c.EPPN = &e
	}
	c.EduIDProps = maps.Clone(inv.EduIDProps)
	return &c
}

func (m *MemoryStore) FindInvitationByCode(_ context.Context, code string) (*Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[code]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInvitation(inv), nil
}

func (m *MemoryStore) CreateInvitation(_ context.Context, guestID, groupID uuid.UUID, mailAddress string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return "", fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	for range codeAttempts {
		code, err := NewInvitationCode()
		if err != nil {
			return "", err
		}
		if _, taken := m.invitations[code]; taken {
			continue
		}
		m.invitations[code] = &Invitation{
			InvitationID: code,
			GuestID:      guestID,
			GroupID:      groupID,
			MailAddress:  mailAddress,
			InvitedAt:    m.now().UTC(),
		}
		return code, nil
	}
	return "", fmt.Errorf("inserting invitation: code collided %d times", codeAttempts)
}

// PutInvitation stores inv as-is, replacing any invitation with the same id.
// Used to seed fixtures with known codes.
func (m *MemoryStore) PutInvitation(inv Invitation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invitations[inv.InvitationID] = copyInvitation(&inv)
}

func (m *MemoryStore) TryAccept(_ context.Context, code string, attrs Attributes) (AcceptOutcome, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[code]
	if !ok {
		return 0, time.Time{}, ErrNotFound
	}
	if inv.AcceptedAt != nil {
		return AlreadyAccepted, *inv.AcceptedAt, nil
	}
	now := m.now().UTC()
	eppn := attrs.EPPN
	props := maps.Clone(attrs.Props)
	if props == nil {
		props = map[string]any{}
	}
	inv.AcceptedAt = &now
	inv.EPPN = &eppn
	inv.EduIDProps = props
	if attrs.MailAddress != nil {
		inv.MailAddress = *attrs.MailAddress
	}
	return Accepted, now, nil
}

func (m *MemoryStore) ListInvitations(_ context.Context, f ListFilter) ([]Invitation, error) {
	m.mu.Lock()
	out := make([]Invitation, 0, len(m.invitations))
	for _, inv := range m.invitations {
		if f.GroupID != uuid.Nil && inv.GroupID != f.GroupID {
			continue
		}
		if f.PendingOnly && inv.Accepted() {
			continue
		}
		out = append(out, *copyInvitation(inv))
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Invitation) int { return b.InvitedAt.Compare(a.InvitedAt) })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (m *MemoryStore) GetGroup(_ context.Context, id uuid.UUID) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *g
	return &c, nil
}

func (m *MemoryStore) UpsertGroup(_ context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *g
	m.groups[g.ID] = &c
	return nil
}

// MemoryRateLimiter is a fixed-window limiter for single-process deployments
// without Redis. Same policy semantics as RedisRateLimiter.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	count       int
	resetAt     time.Time
	lockedUntil time.Time
}

// NewMemoryRateLimiter returns an empty limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{windows: make(map[string]*rateWindow), now: time.Now}
}

// Allow records an attempt for key. Returns ErrRateLimitExceeded while locked out.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string, policy RateLimit) error {
	if policy.MaxAttempts <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || (now.After(w.resetAt) && now.After(w.lockedUntil)) {
		w = &rateWindow{resetAt: now.Add(policy.Window)}
		l.windows[key] = w
	}
	if now.Before(w.lockedUntil) {
		return ErrRateLimitExceeded
	}
	w.count++
	if w.count > policy.MaxAttempts {
		w.count = 0
		w.lockedUntil = now.Add(policy.LockoutTTL)
		w.resetAt = w.lockedUntil
		return ErrRateLimitExceeded
	}
	return nil
}

// Sweep drops windows that are neither counting nor locked. Call periodically.
func (l *MemoryRateLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, w := range l.windows {
		if now.After(w.resetAt) && now.After(w.lockedUntil) {
			delete(l.windows, k)
		}
	}
}

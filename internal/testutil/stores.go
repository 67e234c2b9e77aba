// stores.go
//
// Shared fixtures and failure-injecting wrappers around the in-memory store.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/eduinvite/internal/provision"
	"github.com/MGallo-Code/eduinvite/internal/store"
)

// SeedInvitation creates a group (adjusted by mutate) and one pending invitation
// in ms, returning the invite code and the group.
func SeedInvitation(t *testing.T, ms *store.MemoryStore, mutate func(*store.Group)) (string, *store.Group) {
	t.Helper()
	ctx := context.Background()
	g := &store.Group{
		ID:           uuid.Must(uuid.NewV7()),
		Name:         "Visiting researchers",
		RedirectURL:  "https://wiki.example.org/",
		RedirectText: "Go to the wiki",
	}
	if mutate != nil {
		mutate(g)
	}
	if err := ms.UpsertGroup(ctx, g); err != nil {
		t.Fatalf("UpsertGroup: %v", err)
	}
	code, err := ms.CreateInvitation(ctx, uuid.Must(uuid.NewV4()), g.ID, "guest@example.org")
	if err != nil {
		t.Fatalf("CreateInvitation: %v", err)
	}
	return code, g
}

// SeedAgedInvitation stores an invitation with a fixed invited time.
func SeedAgedInvitation(ms *store.MemoryStore, groupID uuid.UUID, invitedAt time.Time) string {
	code, _ := store.NewInvitationCode()
	ms.PutInvitation(store.Invitation{
		InvitationID: code,
		GuestID:      uuid.Must(uuid.NewV4()),
		GroupID:      groupID,
		MailAddress:  "guest@example.org",
		InvitedAt:    invitedAt,
	})
	return code
}

// FlakyStore wraps a MemoryStore; non-nil *Err fields replace the result of that call.
type FlakyStore struct {
	*store.MemoryStore
	FindErr   error
	AcceptErr error
}

func (f *FlakyStore) FindInvitationByCode(ctx context.Context, code string) (*store.Invitation, error) {
	if f.FindErr != nil {
		return nil, f.FindErr
	}
	return f.MemoryStore.FindInvitationByCode(ctx, code)
}

func (f *FlakyStore) TryAccept(ctx context.Context, code string, attrs store.Attributes) (store.AcceptOutcome, time.Time, error) {
	if f.AcceptErr != nil {
		return 0, time.Time{}, f.AcceptErr
	}
	return f.MemoryStore.TryAccept(ctx, code, attrs)
}

// RecordingEmitter implements provision.Emitter by collecting events.
type RecordingEmitter struct {
	Err error

	mu     sync.Mutex
	events []provision.Event
}

func (r *RecordingEmitter) Emit(_ context.Context, ev provision.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything emitted so far.
func (r *RecordingEmitter) Events() []provision.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]provision.Event(nil), r.events...)
}

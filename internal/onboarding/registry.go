// registry.go -- keyed session storage with per-key serialization.
package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MGallo-Code/eduinvite/internal/store"
)

// BlobStore holds encoded sessions with a TTL.
// Satisfied by *store.RedisSessionStore and *store.MemorySessionStore.
type BlobStore interface {
	// Get returns store.ErrCacheMiss for an absent or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// keyLock is a reference-counted mutex for one session key.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Registry loads, mutates and saves sessions one key at a time.
// Serialization is per process; multi-replica deployments need session affinity.
type Registry struct {
	blobs BlobStore
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewRegistry returns a registry storing sessions in blobs for ttl after their last use.
func NewRegistry(blobs BlobStore, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{blobs: blobs, ttl: ttl, now: time.Now, locks: make(map[string]*keyLock)}
}

func (r *Registry) lock(key string) *keyLock {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return l
}

func (r *Registry) unlock(key string, l *keyLock) {
	l.mu.Unlock()

	r.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()
}

// With runs fn on the session stored under key, creating it if absent, and
// saves the result even when fn fails (a consumed login must stay consumed).
// Calls for the same key never overlap. fn's error is returned unchanged.
func (r *Registry) With(ctx context.Context, key string, fn func(*Session) error) error {
	l := r.lock(key)
	defer r.unlock(key, l)

	s, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	before := s.Steps

	fnErr := fn(s)

	// Steps never regress, whatever fn did.
	s.Steps = s.Steps.union(before)
	s.UpdatedAt = r.now()
	if err := r.save(ctx, key, s); err != nil {
		return err
	}
	return fnErr
}

// Delete drops the session under key.
func (r *Registry) Delete(ctx context.Context, key string) error {
	l := r.lock(key)
	defer r.unlock(key, l)
	if err := r.blobs.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: deleting session: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context, key string) (*Session, error) {
	raw, err := r.blobs.Get(ctx, key)
	if errors.Is(err, store.ErrCacheMiss) {
		return NewSession(r.now())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading session: %w", ErrStoreUnavailable, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		// An unreadable session would otherwise fail every request for this key.
		slog.Warn("discarding undecodable session", "error", err)
		return NewSession(r.now())
	}
	return &s, nil
}

func (r *Registry) save(ctx context.Context, key string, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := r.blobs.Set(ctx, key, raw, r.ttl); err != nil {
		return fmt.Errorf("%w: saving session: %w", ErrStoreUnavailable, err)
	}
	return nil
}

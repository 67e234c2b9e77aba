// session_memory.go -- in-process session blobs for deployments without Redis.
package store

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemorySessionStore has the same contract as RedisSessionStore, backed by an
// unbounded expirable LRU. Every entry lives for the store's TTL; the
// library evicts expired entries itself.
type MemorySessionStore struct {
	blobs *expirable.LRU[string, []byte]
}

// NewMemorySessionStore returns an empty store whose entries expire after ttl.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{blobs: expirable.NewLRU[string, []byte](0, nil, ttl)}
}

func (m *MemorySessionStore) Get(_ context.Context, key string) ([]byte, error) {
	b, ok := m.blobs.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), b...), nil
}

// Set stores a copy of data. ttl is ignored; the store-wide TTL applies,
// and the registry always passes that same value.
func (m *MemorySessionStore) Set(_ context.Context, key string, data []byte, _ time.Duration) error {
	m.blobs.Add(key, append([]byte(nil), data...))
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, key string) error {
	m.blobs.Remove(key)
	return nil
}

// CheckHealth always succeeds.
func (m *MemorySessionStore) CheckHealth(context.Context) error { return nil }

// Len returns the number of live entries.
func (m *MemorySessionStore) Len() int { return m.blobs.Len() }

// groupcache.go -- expirable LRU in front of group lookups.
//
// Groups change rarely and are read on every code submission.
package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// GroupSource is the backing lookup wrapped by GroupCache.
type GroupSource interface {
	GetGroup(ctx context.Context, id uuid.UUID) (*Group, error)
}

// GroupCache caches successful GetGroup results for a fixed TTL.
// Misses and errors are never cached.
type GroupCache struct {
	src   GroupSource
	cache *expirable.LRU[uuid.UUID, Group]
}

// NewGroupCache returns a cache holding at most size groups for ttl each.
func NewGroupCache(src GroupSource, size int, ttl time.Duration) *GroupCache {
	return &GroupCache{
		src:   src,
		cache: expirable.NewLRU[uuid.UUID, Group](size, nil, ttl),
	}
}

// GetGroup returns the cached group or loads it from the source.
func (c *GroupCache) GetGroup(ctx context.Context, id uuid.UUID) (*Group, error) {
	if g, ok := c.cache.Get(id); ok {
		return &g, nil
	}
	g, err := c.src.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, *g)
	return g, nil
}

// Invalidate drops id so the next lookup reloads it.
func (c *GroupCache) Invalidate(id uuid.UUID) {
	c.cache.Remove(id)
}

// redis.go -- go-redis helpers: shared client, onboarding session blobs, rate limiting.
//
// Sessions are opaque byte blobs keyed by the hashed session token; the
// onboarding package owns the encoding. Key TTL is the only expiry mechanism.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to Redis and verifies connectivity.
// Returns a shared client; all Redis-backed structs use the same connection pool.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// sessionKeyPrefix namespaces onboarding session keys.
const sessionKeyPrefix = "eduinvite:session:"

// RedisSessionStore holds onboarding session blobs in Redis with a TTL.
type RedisSessionStore struct {
	rdb *redis.Client
}

// NewRedisSessionStore wraps rdb.
func NewRedisSessionStore(rdb *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb}
}

// Get returns the blob stored under key, or ErrCacheMiss.
func (s *RedisSessionStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return raw, nil
}

// Set stores data under key, resetting its TTL.
func (s *RedisSessionStore) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, sessionKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *RedisSessionStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, sessionKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// CheckHealth pings Redis.
func (s *RedisSessionStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// RedisRateLimiter enforces RateLimit policies with a counter and lockout key per subject.
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter wraps rdb.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb}
}

// allowScript counts an attempt and trips the lockout atomically.
// KEYS[1] = attempts counter, KEYS[2] = lockout flag.
// ARGV[1] = max attempts, ARGV[2] = window ms, ARGV[3] = lockout ms.
// Returns 1 if allowed, 0 if locked out.
var allowScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    redis.call('DEL', KEYS[1])
    if tonumber(ARGV[3]) > 0 then
        redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
    end
    return 0
end
return 1
`)

// Allow records an attempt for key under policy.
// Returns ErrRateLimitExceeded when locked out; other errors are Redis failures.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) error {
	if policy.MaxAttempts <= 0 {
		return nil
	}
	keys := []string{"eduinvite:rl:" + key, "eduinvite:rl:lock:" + key}
	ok, err := allowScript.Run(ctx, l.rdb, keys,
		policy.MaxAttempts, policy.Window.Milliseconds(), policy.LockoutTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if ok == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}

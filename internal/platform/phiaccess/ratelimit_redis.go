package phiaccess

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// emergencyConsumeScript performs the window check and increment in one step.
// KEYS[1] = counter key
// ARGV[1] = ceiling
// ARGV[2] = window in milliseconds
// Returns 1 when the attempt is admitted, 0 when the ceiling is reached.
var emergencyConsumeScript = redis.NewScript(`
local key = KEYS[1]
local ceiling = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local current = redis.call("GET", key)
if not current then
    redis.call("SET", key, 1, "PX", window)
    return 1
end

if tonumber(current) >= ceiling then
    return 0
end

redis.call("INCR", key)
return 1
`)

// RedisLimiterStore shares emergency counters between instances. The window
// is anchored on the first attempt and enforced by the key's TTL, so the
// caller's clock is not consulted.
type RedisLimiterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLimiterStore parses a redis:// URL and returns a store using it.
func NewRedisLimiterStore(redisURL string) (*RedisLimiterStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLimiterStoreWithClient(redis.NewClient(opts)), nil
}

// NewRedisLimiterStoreWithClient wraps an existing client.
func NewRedisLimiterStoreWithClient(client redis.UniversalClient) *RedisLimiterStore {
	return &RedisLimiterStore{client: client, prefix: "phigate:emergency:"}
}

// Ping checks connectivity.
func (s *RedisLimiterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisLimiterStore) Close() error {
	return s.client.Close()
}

func (s *RedisLimiterStore) TryConsume(ctx context.Context, principalID string, _ time.Time, ceiling int, window time.Duration) (bool, error) {
	key := s.prefix + principalID
	res, err := emergencyConsumeScript.Run(ctx, s.client, []string{key}, ceiling, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis emergency limiter: %w", err)
	}
	return res == 1, nil
}

package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientProvider hands out the current Redis client, which may change
// after a reconnect.
type ClientProvider interface {
	GetClient() *redis.Client
}

// fixed window: one hash per client and category holding the count and the
// window start, expired by Redis once the window passes
var windowScript = redis.NewScript(`
local key = KEYS[1]
local max_requests = tonumber(ARGV[1])
local window_size = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local count = tonumber(redis.call('HGET', key, 'count')) or 0
local window_start = tonumber(redis.call('HGET', key, 'window_start')) or now

if now - window_start >= window_size then
	count = 0
	window_start = now
end

local allowed = count < max_requests
if allowed then
	count = count + 1
end

local retry_after = 0
if not allowed then
	retry_after = (window_start + window_size) - now
end

redis.call('HSET', key, 'count', count, 'window_start', window_start)
redis.call('PEXPIRE', key, window_size)

return {allowed and 1 or 0, retry_after}
`)

// RedisRateLimiter implements RateLimiter using Redis as the backend, so
// limits hold across every API instance.
type RedisRateLimiter struct {
	provider ClientProvider
	config   *Config
	now      func() time.Time

	total   atomic.Int64
	blocked atomic.Int64
	mu      sync.Mutex
	clients map[string]struct{}
}

// NewRedisRateLimiter creates a new Redis-backed rate limiter
func NewRedisRateLimiter(provider ClientProvider, config *Config) *RedisRateLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	return &RedisRateLimiter{
		provider: provider,
		config:   config,
		now:      time.Now,
		clients:  make(map[string]struct{}),
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, clientID, category string) (bool, time.Duration, error) {
	if !r.config.Enabled {
		return true, 0, nil
	}
	r.total.Add(1)

	limit := r.config.Limit(category)
	window := limit.WindowSize
	if window <= 0 {
		window = time.Minute
	}
	maxRequests := int64(math.Ceil(float64(limit.RequestsPerMinute) * window.Minutes()))
	key := fmt.Sprintf("%s%s:%s", r.config.KeyPrefix, category, clientID)

	result, err := windowScript.Run(ctx, r.provider.GetClient(), []string{key},
		maxRequests, window.Milliseconds(), r.now().UnixMilli()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script result %v", result)
	}

	r.mu.Lock()
	r.clients[clientID] = struct{}{}
	r.mu.Unlock()

	if result[0] != 1 {
		r.blocked.Add(1)
		return false, time.Duration(result[1]) * time.Millisecond, nil
	}
	return true, 0, nil
}

func (r *RedisRateLimiter) Limit(category string) RateLimit {
	return r.config.Limit(category)
}

// GetStats returns current rate limiter statistics
func (r *RedisRateLimiter) GetStats() RateLimiterStats {
	r.mu.Lock()
	active := len(r.clients)
	r.mu.Unlock()
	return RateLimiterStats{
		TotalRequests:   r.total.Load(),
		BlockedRequests: r.blocked.Load(),
		ActiveClients:   active,
	}
}

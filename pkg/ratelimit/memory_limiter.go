package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// MemoryRateLimiter implements RateLimiter with per-process token buckets.
// Used when Redis is disabled.
type MemoryRateLimiter struct {
	config *Config
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	stats   RateLimiterStats
}

// NewMemoryRateLimiter creates a new in-memory rate limiter
func NewMemoryRateLimiter(config *Config) *MemoryRateLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	return &MemoryRateLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

func (r *MemoryRateLimiter) Allow(ctx context.Context, clientID, category string) (bool, time.Duration, error) {
	if !r.config.Enabled {
		return true, 0, nil
	}
	limit := r.config.Limit(category)
	ratePerSecond := float64(limit.RequestsPerMinute) / 60
	capacity := float64(limit.BurstSize)
	now := r.now()
	key := category + ":" + clientID

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.TotalRequests++

	bucket, ok := r.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: capacity, lastRefill: now}
		r.buckets[key] = bucket
	}
	elapsed := now.Sub(bucket.lastRefill).Seconds()
	if elapsed > 0 {
		bucket.tokens = math.Min(capacity, bucket.tokens+elapsed*ratePerSecond)
		bucket.lastRefill = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0, nil
	}

	r.stats.BlockedRequests++
	if ratePerSecond <= 0 {
		return false, time.Minute, nil
	}
	wait := (1 - bucket.tokens) / ratePerSecond
	return false, time.Duration(math.Ceil(wait*1000)) * time.Millisecond, nil
}

func (r *MemoryRateLimiter) Limit(category string) RateLimit {
	return r.config.Limit(category)
}

func (r *MemoryRateLimiter) GetStats() RateLimiterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.ActiveClients = len(r.buckets)
	return stats
}

// Sweep drops buckets idle since before; a refilled bucket carries no state.
func (r *MemoryRateLimiter) Sweep(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, bucket := range r.buckets {
		if bucket.lastRefill.Before(before) {
			delete(r.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets until ctx is done.
func (r *MemoryRateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(r.now().Add(-time.Hour))
		}
	}
}

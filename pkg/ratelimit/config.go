package ratelimit

import (
	"time"

	"transport-backend/internal/config"
)

const (
	CategoryDefault   = "default"
	CategoryLocations = "locations"
	CategoryAssign    = "assign"
	CategorySnapshot  = "snapshot"
)

// Config holds the configuration for rate limiting
type Config struct {
	Limits          map[string]RateLimit
	KeyPrefix       string
	CleanupInterval time.Duration
	Enabled         bool
}

// DefaultConfig returns a default rate limiting configuration
func DefaultConfig() *Config {
	return &Config{
		Limits: map[string]RateLimit{
			// a device reporting every 3-5 seconds stays well inside this
			CategoryLocations: {RequestsPerMinute: 30, BurstSize: 10, WindowSize: time.Minute},
			CategoryAssign:    {RequestsPerMinute: 30, BurstSize: 10, WindowSize: time.Minute},
			CategorySnapshot:  {RequestsPerMinute: 60, BurstSize: 20, WindowSize: time.Minute},
			CategoryDefault:   {RequestsPerMinute: 120, BurstSize: 30, WindowSize: time.Minute},
		},
		KeyPrefix:       "ratelimit:",
		CleanupInterval: 5 * time.Minute,
		Enabled:         true,
	}
}

// FromConfig applies the environment overrides to the defaults.
func FromConfig(cfg config.RateLimitConfig) *Config {
	c := DefaultConfig()
	c.Enabled = cfg.Enabled
	if cfg.DefaultPerMinute > 0 {
		c.Limits[CategoryDefault] = scaled(cfg.DefaultPerMinute)
	}
	if cfg.LocationsPerMinute > 0 {
		c.Limits[CategoryLocations] = scaled(cfg.LocationsPerMinute)
	}
	return c
}

func scaled(perMinute int) RateLimit {
	burst := perMinute / 4
	if burst < 1 {
		burst = 1
	}
	return RateLimit{RequestsPerMinute: perMinute, BurstSize: burst, WindowSize: time.Minute}
}

// Limit returns the limit of a category, falling back to the default.
func (c *Config) Limit(category string) RateLimit {
	if limit, ok := c.Limits[category]; ok {
		return limit
	}
	if limit, ok := c.Limits[CategoryDefault]; ok {
		return limit
	}
	return RateLimit{RequestsPerMinute: 60, BurstSize: 15, WindowSize: time.Minute}
}

package batch

import (
	"time"

	"transport-backend/internal/config"
)

// DefaultBatchConfig returns the default configuration for batch processing
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:  100,
		BatchInterval: 5 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  500 * time.Millisecond,
		MirrorTTL:     30 * time.Minute,
	}
}

// FromTrackingConfig derives the batch settings from the tracking section
// of the application config.
func FromTrackingConfig(cfg config.TrackingConfig) BatchConfig {
	out := DefaultBatchConfig()
	if cfg.PersistInterval > 0 {
		out.BatchInterval = cfg.PersistInterval
	}
	if cfg.SnapshotCacheTTL > 0 {
		out.MirrorTTL = cfg.SnapshotCacheTTL
	}
	return out
}

// ValidateConfig validates the batch configuration
func ValidateConfig(config BatchConfig) error {
	if config.MaxBatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if config.BatchInterval <= 0 {
		return ErrInvalidBatchInterval
	}
	if config.RetryAttempts < 0 {
		return ErrInvalidRetryAttempts
	}
	if config.RetryBackoff < 0 {
		return ErrInvalidRetryBackoff
	}
	return nil
}

package cache

import "time"

// CacheConfig holds TTLs and key layout for the cache
type CacheConfig struct {
	CandidateListTTL time.Duration `json:"candidateListTTL"` // stale suggestions are acceptable
	SnapshotTTL      time.Duration `json:"snapshotTTL"`
	TagTTL           time.Duration `json:"tagTTL"`
	KeyPrefix        string        `json:"keyPrefix"`
	TagPrefix        string        `json:"tagPrefix"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		CandidateListTTL: 15 * time.Second,
		SnapshotTTL:      30 * time.Minute,
		TagTTL:           time.Hour,
		KeyPrefix:        "transport:",
		TagPrefix:        "tag:",
	}
}

func (c CacheConfig) GetTTLForDataType(dataType string) time.Duration {
	switch dataType {
	case "vehicle_list", "driver_list":
		return c.CandidateListTTL
	case "snapshot":
		return c.SnapshotTTL
	default:
		return c.CandidateListTTL
	}
}

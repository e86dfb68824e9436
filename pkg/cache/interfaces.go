package cache

import (
	"time"

	"transport-backend/internal/models"
)

// Tags used for grouped invalidation.
const (
	TagCatalog  = "catalog"
	TagVehicles = "vehicles"
	TagDrivers  = "drivers"
)

// CacheManager caches catalog reads for candidate proposals and mirrors the
// latest tracking snapshots. Getters return nil, nil on a miss.
type CacheManager interface {
	// Candidate list operations
	GetVehicleList(key string) ([]*models.Vehicle, error)
	SetVehicleList(key string, vehicles []*models.Vehicle, ttl time.Duration) error
	GetDriverList(key string) ([]*models.Driver, error)
	SetDriverList(key string, drivers []*models.Driver, ttl time.Duration) error
	InvalidateCatalog() error

	// Snapshot mirror
	GetSnapshot(sessionID string) (*models.Snapshot, error)
	SetSnapshots(snapshots []*models.Snapshot, ttl time.Duration) error
	DeleteSnapshot(sessionID string) error

	// Generic operations
	Get(key string, dest interface{}) (bool, error)
	Set(key string, value interface{}, ttl time.Duration) error
	Delete(key string) error

	// Tag operations for grouped invalidation
	TagKey(key string, tags ...string) error
	InvalidateByTag(tag string) error

	// Statistics and health
	GetCacheStats() CacheStats
	HealthCheck() error
	Close() error
}

type CacheStats struct {
	HitRate       float64 `json:"hitRate"`
	MissRate      float64 `json:"missRate"`
	MemoryUsage   int64   `json:"memoryUsage"`
	KeyCount      int     `json:"keyCount"`
	EvictionCount int     `json:"evictionCount"`
	TotalHits     int64   `json:"totalHits"`
	TotalMisses   int64   `json:"totalMisses"`
}

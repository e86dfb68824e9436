package batch

import (
	"context"
	"errors"
	"time"

	"transport-backend/internal/models"
)

// BatchProcessor coalesces tracking snapshots and persists the latest one
// per session on an interval.
type BatchProcessor interface {
	AddSnapshot(snapshot *models.Snapshot) error
	ProcessBatch(ctx context.Context) error
	GetBatchStats() BatchStats
	Start() error
	Stop() error
}

// BatchStats provides statistics about batch processing
type BatchStats struct {
	BatchesProcessed int           `json:"batchesProcessed"`
	AverageSize      float64       `json:"averageSize"`
	ProcessingTime   time.Duration `json:"processingTime"`
	ErrorRate        float64       `json:"errorRate"`
	TotalSnapshots   int64         `json:"totalSnapshots"`
	FailedSnapshots  int64         `json:"failedSnapshots"`
	Pending          int           `json:"pending"`
	LastProcessedAt  time.Time     `json:"lastProcessedAt"`
}

// BatchConfig holds configuration for batch processing
type BatchConfig struct {
	MaxBatchSize  int           `json:"maxBatchSize"`
	BatchInterval time.Duration `json:"batchInterval"`
	RetryAttempts int           `json:"retryAttempts"`
	RetryBackoff  time.Duration `json:"retryBackoff"` // doubled per attempt
	MirrorTTL     time.Duration `json:"mirrorTTL"`
}

// SnapshotRepository is the durable store for snapshots. Implementations
// must not overwrite a snapshot with a lower sequence number.
type SnapshotRepository interface {
	UpsertSnapshots(ctx context.Context, snapshots []*models.Snapshot) error
}

// SnapshotMirror is an optional fast read copy, such as the Redis cache.
type SnapshotMirror interface {
	SetSnapshots(snapshots []*models.Snapshot, ttl time.Duration) error
}

var (
	ErrInvalidBatchSize     = errors.New("invalid batch size: must be greater than 0")
	ErrInvalidBatchInterval = errors.New("invalid batch interval: must be greater than 0")
	ErrInvalidRetryAttempts = errors.New("invalid retry attempts: must be greater than or equal to 0")
	ErrInvalidRetryBackoff  = errors.New("invalid retry backoff: must be greater than or equal to 0")
	ErrProcessorStopped     = errors.New("batch processor is stopped")
)

package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"transport-backend/internal/models"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// SnapshotProcessor implements BatchProcessor. Snapshots for the same
// session are coalesced so only the highest sequence number is written.
type SnapshotProcessor struct {
	config     BatchConfig
	repository SnapshotRepository
	mirror     SnapshotMirror
	log        logrus.FieldLogger

	pending    map[string]*models.Snapshot
	pendingMux sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	started  bool

	stats    BatchStats
	statsMux sync.RWMutex

	flushChan chan struct{}
}

// NewBatchProcessor creates a processor writing to repository. mirror may be nil.
func NewBatchProcessor(config BatchConfig, repository SnapshotRepository, mirror SnapshotMirror, log logrus.FieldLogger) *SnapshotProcessor {
	ctx, cancel := context.WithCancel(context.Background())

	return &SnapshotProcessor{
		config:     config,
		repository: repository,
		mirror:     mirror,
		log:        log.WithField("component", "snapshot_batch"),
		pending:    make(map[string]*models.Snapshot),
		ctx:        ctx,
		cancel:     cancel,
		flushChan:  make(chan struct{}, 1),
		stats: BatchStats{
			LastProcessedAt: time.Now(),
		},
	}
}

// AddSnapshot queues a snapshot. It never blocks; a newer snapshot for the
// same session replaces the queued one.
func (bp *SnapshotProcessor) AddSnapshot(snapshot *models.Snapshot) error {
	if snapshot == nil {
		return nil
	}
	select {
	case <-bp.ctx.Done():
		return ErrProcessorStopped
	default:
	}

	bp.pendingMux.Lock()
	if queued, ok := bp.pending[snapshot.SessionID]; !ok || queued.Seq < snapshot.Seq {
		bp.pending[snapshot.SessionID] = snapshot
	}
	full := len(bp.pending) >= bp.config.MaxBatchSize
	bp.pendingMux.Unlock()

	if full {
		select {
		case bp.flushChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// ProcessBatch drains the queue and writes it in chunks of MaxBatchSize.
// Snapshots that could not be written go back on the queue unless a newer
// one for the same session arrived meanwhile.
func (bp *SnapshotProcessor) ProcessBatch(ctx context.Context) error {
	bp.pendingMux.Lock()
	current := bp.pending
	bp.pending = make(map[string]*models.Snapshot)
	bp.pendingMux.Unlock()

	if len(current) == 0 {
		return nil
	}

	startTime := time.Now()
	batches := bp.splitIntoBatches(current)

	var (
		errs    error
		failed  int
		unsaved []*models.Snapshot
	)
	for _, batch := range batches {
		lost, err := bp.processSingleBatch(ctx, batch)
		if err != nil {
			bp.log.WithError(err).WithField("size", len(batch)).Error("failed to persist snapshot batch")
			errs = multierr.Append(errs, err)
			failed++
		}
		unsaved = append(unsaved, lost...)
	}
	bp.requeue(unsaved)

	bp.updateStats(len(batches), len(current), time.Since(startTime))

	if failed > 0 {
		return fmt.Errorf("failed to process %d out of %d batches: %w", failed, len(batches), errs)
	}
	return nil
}

// requeue puts unsaved snapshots back, keeping the higher sequence number
// when the session was queued again meanwhile.
func (bp *SnapshotProcessor) requeue(snapshots []*models.Snapshot) {
	if len(snapshots) == 0 {
		return
	}
	bp.pendingMux.Lock()
	defer bp.pendingMux.Unlock()
	for _, snap := range snapshots {
		if queued, ok := bp.pending[snap.SessionID]; !ok || queued.Seq < snap.Seq {
			bp.pending[snap.SessionID] = snap
		}
	}
	bp.log.WithField("count", len(snapshots)).Warn("requeued unsaved snapshots")
}

// processSingleBatch returns the snapshots it could not write.
func (bp *SnapshotProcessor) processSingleBatch(ctx context.Context, batch []*models.Snapshot) ([]*models.Snapshot, error) {
	var err error
	for attempt := 0; attempt <= bp.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := bp.config.RetryBackoff << (attempt - 1)
			bp.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff,
			}).Warn("retrying snapshot batch")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return batch, fmt.Errorf("batch processor stopped during retry: %w", ctx.Err())
			}
		}

		if err = bp.repository.UpsertSnapshots(ctx, batch); err == nil {
			bp.mirrorBatch(batch)
			return nil, nil
		}
	}

	bp.log.WithError(err).Warn("all batch retries failed, falling back to individual writes")
	return bp.fallbackToIndividualWrites(ctx, batch)
}

func (bp *SnapshotProcessor) fallbackToIndividualWrites(ctx context.Context, batch []*models.Snapshot) ([]*models.Snapshot, error) {
	var (
		errs    error
		written []*models.Snapshot
		lost    []*models.Snapshot
	)
	for _, snap := range batch {
		if err := bp.repository.UpsertSnapshots(ctx, []*models.Snapshot{snap}); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", snap.SessionID, err))
			bp.incrementFailed()
			lost = append(lost, snap)
			continue
		}
		written = append(written, snap)
	}
	bp.mirrorBatch(written)
	return lost, errs
}

func (bp *SnapshotProcessor) mirrorBatch(batch []*models.Snapshot) {
	if bp.mirror == nil || len(batch) == 0 {
		return
	}
	if err := bp.mirror.SetSnapshots(batch, bp.config.MirrorTTL); err != nil {
		bp.log.WithError(err).Warn("failed to mirror snapshots to cache")
	}
}

// splitIntoBatches orders snapshots by session so retries are deterministic.
func (bp *SnapshotProcessor) splitIntoBatches(pending map[string]*models.Snapshot) [][]*models.Snapshot {
	all := make([]*models.Snapshot, 0, len(pending))
	for _, snap := range pending {
		all = append(all, snap)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SessionID < all[j].SessionID })

	var batches [][]*models.Snapshot
	for len(all) > bp.config.MaxBatchSize {
		batches = append(batches, all[:bp.config.MaxBatchSize])
		all = all[bp.config.MaxBatchSize:]
	}
	return append(batches, all)
}

// Start starts the batch processing worker
func (bp *SnapshotProcessor) Start() error {
	if err := ValidateConfig(bp.config); err != nil {
		return err
	}
	bp.started = true
	bp.workerWg.Add(1)
	go bp.worker()
	bp.log.Info("snapshot batch processor started")
	return nil
}

// Stop flushes what is queued and stops the worker.
func (bp *SnapshotProcessor) Stop() error {
	bp.cancel()
	if bp.started {
		bp.workerWg.Wait()
	}
	bp.log.Info("snapshot batch processor stopped")
	return nil
}

func (bp *SnapshotProcessor) worker() {
	defer bp.workerWg.Done()

	ticker := time.NewTicker(bp.config.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bp.flushChan:
			if err := bp.ProcessBatch(bp.ctx); err != nil {
				bp.log.WithError(err).Error("error processing full batch")
			}

		case <-ticker.C:
			if err := bp.ProcessBatch(bp.ctx); err != nil {
				bp.log.WithError(err).Error("error processing interval batch")
			}

		case <-bp.ctx.Done():
			// bp.ctx is already cancelled; give the final flush its own deadline
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := bp.ProcessBatch(ctx); err != nil {
				bp.log.WithError(err).Error("error processing final batch")
			}
			cancel()
			return
		}
	}
}

// GetBatchStats returns current batch processing statistics
func (bp *SnapshotProcessor) GetBatchStats() BatchStats {
	bp.statsMux.RLock()
	stats := bp.stats
	bp.statsMux.RUnlock()

	bp.pendingMux.Lock()
	stats.Pending = len(bp.pending)
	bp.pendingMux.Unlock()
	return stats
}

func (bp *SnapshotProcessor) updateStats(batchCount, snapshotCount int, processingTime time.Duration) {
	bp.statsMux.Lock()
	defer bp.statsMux.Unlock()

	bp.stats.BatchesProcessed += batchCount
	bp.stats.TotalSnapshots += int64(snapshotCount)
	bp.stats.LastProcessedAt = time.Now()
	bp.stats.ProcessingTime = processingTime

	if bp.stats.BatchesProcessed > 0 {
		bp.stats.AverageSize = float64(bp.stats.TotalSnapshots) / float64(bp.stats.BatchesProcessed)
	}
	if bp.stats.TotalSnapshots > 0 {
		bp.stats.ErrorRate = float64(bp.stats.FailedSnapshots) / float64(bp.stats.TotalSnapshots)
	}
}

func (bp *SnapshotProcessor) incrementFailed() {
	bp.statsMux.Lock()
	defer bp.statsMux.Unlock()
	bp.stats.FailedSnapshots++
}

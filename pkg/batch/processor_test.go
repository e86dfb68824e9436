package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"transport-backend/internal/config"
	"transport-backend/internal/models"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSnapshotRepository is a mock implementation of SnapshotRepository
type MockSnapshotRepository struct {
	mock.Mock
	mu      sync.Mutex
	written []*models.Snapshot
}

func (m *MockSnapshotRepository) UpsertSnapshots(ctx context.Context, snapshots []*models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	args := m.Called(ctx, snapshots)
	if args.Error(0) == nil {
		m.written = append(m.written, snapshots...)
	}
	return args.Error(0)
}

func (m *MockSnapshotRepository) Written() []*models.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Snapshot(nil), m.written...)
}

type MockSnapshotMirror struct {
	mock.Mock
}

func (m *MockSnapshotMirror) SetSnapshots(snapshots []*models.Snapshot, ttl time.Duration) error {
	args := m.Called(snapshots, ttl)
	return args.Error(0)
}

func testConfig() BatchConfig {
	return BatchConfig{
		MaxBatchSize:  10,
		BatchInterval: time.Hour,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
		MirrorTTL:     time.Minute,
	}
}

func newProcessor(cfg BatchConfig, repo SnapshotRepository, mirror SnapshotMirror) *SnapshotProcessor {
	log, _ := test.NewNullLogger()
	return NewBatchProcessor(cfg, repo, mirror, log)
}

func snap(session string, seq uint64) *models.Snapshot {
	return &models.Snapshot{SessionID: session, Seq: seq, Status: models.SessionActive}
}

func TestBatchProcessor_CoalescesBySession(t *testing.T) {
	repo := &MockSnapshotRepository{}
	repo.On("UpsertSnapshots", mock.Anything, mock.Anything).Return(nil)

	processor := newProcessor(testConfig(), repo, nil)

	require.NoError(t, processor.AddSnapshot(snap("a", 1)))
	require.NoError(t, processor.AddSnapshot(snap("a", 3)))
	require.NoError(t, processor.AddSnapshot(snap("a", 2))) // stale, ignored
	require.NoError(t, processor.AddSnapshot(snap("b", 1)))

	assert.Equal(t, 2, processor.GetBatchStats().Pending)
	require.NoError(t, processor.ProcessBatch(context.Background()))

	written := repo.Written()
	require.Len(t, written, 2)
	assert.Equal(t, "a", written[0].SessionID)
	assert.Equal(t, uint64(3), written[0].Seq)
	assert.Equal(t, "b", written[1].SessionID)
	assert.Equal(t, 0, processor.GetBatchStats().Pending)
}

func TestBatchProcessor_EmptyBatchIsNoop(t *testing.T) {
	repo := &MockSnapshotRepository{}
	processor := newProcessor(testConfig(), repo, nil)

	assert.NoError(t, processor.ProcessBatch(context.Background()))
	repo.AssertNotCalled(t, "UpsertSnapshots", mock.Anything, mock.Anything)
}

func TestBatchProcessor_RetryThenSucceed(t *testing.T) {
	repo := &MockSnapshotRepository{}
	repo.On("UpsertSnapshots", mock.Anything, mock.Anything).Return(errors.New("write conflict")).Once()
	repo.On("UpsertSnapshots", mock.Anything, mock.Anything).Return(nil).Once()

	mirror := &MockSnapshotMirror{}
	mirror.On("SetSnapshots", mock.Anything, time.Minute).Return(nil).Once()

	processor := newProcessor(testConfig(), repo, mirror)
	require.NoError(t, processor.AddSnapshot(snap("a", 1)))
	require.NoError(t, processor.ProcessBatch(context.Background()))

	repo.AssertNumberOfCalls(t, "UpsertSnapshots", 2)
	mirror.AssertExpectations(t)
}

func TestBatchProcessor_FallbackToIndividualWrites(t *testing.T) {
	repo := &MockSnapshotRepository{}
	// the batch of two always fails, single writes succeed for "a" only
	repo.On("UpsertSnapshots", mock.Anything, mock.MatchedBy(func(s []*models.Snapshot) bool {
		return len(s) == 2
	})).Return(errors.New("bulk write failed"))
	repo.On("UpsertSnapshots", mock.Anything, mock.MatchedBy(func(s []*models.Snapshot) bool {
		return len(s) == 1 && s[0].SessionID == "a"
	})).Return(nil)
	repo.On("UpsertSnapshots", mock.Anything, mock.MatchedBy(func(s []*models.Snapshot) bool {
		return len(s) == 1 && s[0].SessionID == "b"
	})).Return(errors.New("bad document"))

	mirror := &MockSnapshotMirror{}
	mirror.On("SetSnapshots", mock.MatchedBy(func(s []*models.Snapshot) bool {
		return len(s) == 1 && s[0].SessionID == "a"
	}), time.Minute).Return(nil).Once()

	processor := newProcessor(testConfig(), repo, mirror)
	require.NoError(t, processor.AddSnapshot(snap("a", 1)))
	require.NoError(t, processor.AddSnapshot(snap("b", 1)))

	err := processor.ProcessBatch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session b")

	stats := processor.GetBatchStats()
	assert.Equal(t, int64(1), stats.FailedSnapshots)
	assert.Equal(t, int64(2), stats.TotalSnapshots)
	assert.Equal(t, 1, stats.Pending, "the unsaved snapshot is queued again")
	mirror.AssertExpectations(t)
}

func TestBatchProcessor_RequeuesUnsavedUntilStoreRecovers(t *testing.T) {
	repo := &MockSnapshotRepository{}
	repo.On("UpsertSnapshots", mock.Anything, mock.Anything).Return(errors.New("no primary")).Times(4)
	repo.On("UpsertSnapshots", mock.Anything, mock.Anything).Return(nil)

	cfg := testConfig()
	cfg.RetryAttempts = 2
	processor := newProcessor(cfg, repo, nil)
	require.NoError(t, processor.AddSnapshot(snap("a", 4)))

	// three batch attempts and one single write fail
	require.Error(t, processor.ProcessBatch(context.Background()))
	assert.Equal(t, 1, processor.GetBatchStats().Pending)
	assert.Empty(t, repo.Written())

	require.NoError(t, processor.ProcessBatch(context.Background()))
	written := repo.Written()
	require.Len(t, written, 1)
	assert.Equal(t, uint64(4), written[0].Seq)
	assert.Equal(t, 0, processor.GetBatchStats().Pending)
}

func TestBatchProcessor_RequeueKeepsNewerSnapshot(t *testing.T) {
	processor := newProcessor(testConfig(), &MockSnapshotRepository{}, nil)
	require.NoError(t, processor.AddSnapshot(snap("a", 7)))

	processor.requeue([]*models.Snapshot{snap("a", 5), snap("b", 2)})

	processor.pendingMux.Lock()
	defer processor.pendingMux.Unlock()
	assert.Equal(t, uint64(7), processor.pending["a"].Seq)
	assert.Equal(t, uint64(2), processor.pending["b"].Seq)
}

func TestBatchProcessor_MirrorFailureIsNotFatal(t *testing.T) {
	repo := &MockSnapshotRepository{}
	repo.On("UpsertSnapshots", mock.Anything, mock.Anything).Return(nil)
	mirror := &MockSnapshotMirror{}
	mirror.On("SetSnapshots", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	processor := newProcessor(testConfig(), repo, mirror)
	require.NoError(t, processor.AddSnapshot(snap("a", 1)))
	assert.NoError(t, processor.ProcessBatch(context.Background()))
}

func TestBatchProcessor_SplitIntoBatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 2
	processor := newProcessor(cfg, &MockSnapshotRepository{}, nil)

	pending := map[string]*models.Snapshot{}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		pending[id] = snap(id, 1)
	}

	batches := processor.splitIntoBatches(pending)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "s0", batches[0][0].SessionID)
}

func TestBatchProcessor_WorkerFlushesWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 2

	repo := &MockSnapshotRepository{}
	repo.On("UpsertSnapshots", mock.Anything, mock.Anything).Return(nil)

	processor := newProcessor(cfg, repo, nil)
	require.NoError(t, processor.Start())
	defer processor.Stop()

	require.NoError(t, processor.AddSnapshot(snap("a", 1)))
	require.NoError(t, processor.AddSnapshot(snap("b", 1)))

	assert.Eventually(t, func() bool { return len(repo.Written()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestBatchProcessor_StopFlushesRemaining(t *testing.T) {
	repo := &MockSnapshotRepository{}
	repo.On("UpsertSnapshots", mock.Anything, mock.Anything).Return(nil)

	processor := newProcessor(testConfig(), repo, nil)
	require.NoError(t, processor.Start())
	require.NoError(t, processor.AddSnapshot(snap("a", 4)))
	require.NoError(t, processor.Stop())

	written := repo.Written()
	require.Len(t, written, 1)
	assert.Equal(t, uint64(4), written[0].Seq)

	assert.ErrorIs(t, processor.AddSnapshot(snap("a", 5)), ErrProcessorStopped)
}

func TestBatchProcessor_ConcurrentAdds(t *testing.T) {
	repo := &MockSnapshotRepository{}
	repo.On("UpsertSnapshots", mock.Anything, mock.Anything).Return(nil)
	cfg := testConfig()
	cfg.MaxBatchSize = 1000
	processor := newProcessor(cfg, repo, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for seq := uint64(1); seq <= 50; seq++ {
				_ = processor.AddSnapshot(snap(fmt.Sprintf("s%d", g), seq))
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, processor.ProcessBatch(context.Background()))
	written := repo.Written()
	require.Len(t, written, 8)
	for _, s := range written {
		assert.Equal(t, uint64(50), s.Seq)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BatchConfig)
		want   error
	}{
		{"default", func(*BatchConfig) {}, nil},
		{"zero size", func(c *BatchConfig) { c.MaxBatchSize = 0 }, ErrInvalidBatchSize},
		{"zero interval", func(c *BatchConfig) { c.BatchInterval = 0 }, ErrInvalidBatchInterval},
		{"negative retries", func(c *BatchConfig) { c.RetryAttempts = -1 }, ErrInvalidRetryAttempts},
		{"negative backoff", func(c *BatchConfig) { c.RetryBackoff = -time.Second }, ErrInvalidRetryBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultBatchConfig()
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, ValidateConfig(cfg))
		})
	}
}

func TestFromTrackingConfig(t *testing.T) {
	cfg := FromTrackingConfig(config.TrackingConfig{PersistInterval: 2 * time.Second, SnapshotCacheTTL: time.Minute})
	assert.Equal(t, 2*time.Second, cfg.BatchInterval)
	assert.Equal(t, time.Minute, cfg.MirrorTTL)
	assert.Equal(t, DefaultBatchConfig().MaxBatchSize, cfg.MaxBatchSize)
}

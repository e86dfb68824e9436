package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"transport-backend/internal/config"
	"transport-backend/internal/models"
	"transport-backend/internal/repository"
	apperrors "transport-backend/pkg/errors"
	"transport-backend/pkg/events"
	"transport-backend/pkg/geo"
	"transport-backend/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// ErrSessionClosed is returned for a report that arrives after its session
// was torn down. Such reports are dropped, not failures.
var ErrSessionClosed = errors.New("tracking session closed")

// SnapshotMirror is a shared read copy of recent snapshots, used when a
// session is not held by this process.
type SnapshotMirror interface {
	GetSnapshot(sessionID string) (*models.Snapshot, error)
}

// TrackingService owns one live session per in-progress assignment. Each
// session has a single writer lock; readers load the last published
// snapshot without taking it.
type TrackingService struct {
	cfg config.TrackingConfig
	log logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]*session
	closed   map[string]*models.Snapshot

	publisher events.Publisher
	sink      SnapshotSink
	mirror    SnapshotMirror
	metrics   *metrics.Metrics
	now       func() time.Time
}

type session struct {
	mu     sync.Mutex
	latest atomic.Pointer[models.Snapshot]
	closed bool

	id           string
	assignmentID string
	requestID    string
	vehicleID    string
	driverID     string
	origin       *models.Coordinates
	destination  *models.Coordinates
	startedAt    time.Time

	seq     uint64
	current *models.TrackPoint
	heading *float64
	moving  bool
	path    []models.TrackPoint
}

func NewTrackingService(cfg config.TrackingConfig, log logrus.FieldLogger) *TrackingService {
	return &TrackingService{
		cfg:      cfg,
		log:      log.WithField("component", "tracking"),
		sessions: make(map[string]*session),
		closed:   make(map[string]*models.Snapshot),
		now:      time.Now,
	}
}

func (s *TrackingService) SetPublisher(publisher events.Publisher) {
	s.publisher = publisher
}

// SetSink wires the background snapshot writer.
func (s *TrackingService) SetSink(sink SnapshotSink) {
	s.sink = sink
}

func (s *TrackingService) SetMirror(mirror SnapshotMirror) {
	s.mirror = mirror
}

func (s *TrackingService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// OpenSession starts tracking for an assignment. Opening an already open
// session returns its current snapshot. A session that was closed, even
// before it opened, stays closed and ErrSessionClosed is returned.
func (s *TrackingService) OpenSession(a *models.Assignment, r *models.Request) (*models.Snapshot, error) {
	id := a.SessionID()

	s.mu.Lock()
	if existing, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return existing.latest.Load(), nil
	}
	if _, closed := s.closed[id]; closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	started := s.now().UTC()
	if a.StartedAt != nil {
		started = a.StartedAt.UTC()
	}
	sess := &session{
		id:           id,
		assignmentID: a.ID.Hex(),
		requestID:    a.RequestID.Hex(),
		vehicleID:    a.VehicleID.Hex(),
		driverID:     a.DriverID.Hex(),
		startedAt:    started,
		seq:          1,
	}
	if r != nil {
		sess.origin = copyCoordinates(r.Origin.Coordinates)
		sess.destination = copyCoordinates(r.Destination.Coordinates)
	}
	snap := s.snapshotLocked(sess, nil, started)
	sess.latest.Store(snap)

	s.sessions[id] = sess
	active := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(active)
	s.log.WithFields(logrus.Fields{
		"session_id":    id,
		"assignment_id": sess.assignmentID,
	}).Info("tracking session opened")
	s.emit(context.Background(), snap)
	return snap, nil
}

// RestoreSession rebuilds a session from its last persisted snapshot. The
// sequence number jumps ahead by restoreSeqMargin because reports accepted
// after the last persist were lost with the previous process, and clients
// may already have seen their sequence numbers.
func (s *TrackingService) RestoreSession(snap *models.Snapshot) {
	seq := snap.Seq + s.restoreSeqMargin()
	sess := &session{
		id:           snap.SessionID,
		assignmentID: snap.AssignmentID,
		requestID:    snap.RequestID,
		vehicleID:    snap.VehicleID,
		driverID:     snap.DriverID,
		origin:       copyCoordinates(snap.Origin),
		destination:  copyCoordinates(snap.Destination),
		startedAt:    snap.StartedAt,
		seq:          seq,
		heading:      copyFloat(snap.Heading),
		moving:       snap.IsMoving,
		path:         append([]models.TrackPoint(nil), snap.PathHistory...),
	}
	if snap.Current != nil {
		cur := *snap.Current
		sess.current = &cur
	}
	restored := *snap
	restored.Seq = seq
	restored.Status = models.SessionActive
	restored.ClosedAt = nil
	sess.latest.Store(&restored)

	s.mu.Lock()
	s.sessions[sess.id] = sess
	active := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetActiveSessions(active)
}

// restoreSeqMargin bounds how many reports one persist interval can hold,
// at no more than one report per second.
func (s *TrackingService) restoreSeqMargin() uint64 {
	return uint64(s.cfg.PersistInterval/time.Second) + 1
}

// Recover reopens sessions for every in-progress assignment, resuming from
// the persisted snapshot when there is one.
func (s *TrackingService) Recover(ctx context.Context, store Store) (int, error) {
	active, err := store.ListActiveAssignments(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, a := range active {
		if a.Status != models.AssignmentInProgress {
			continue
		}
		snap, err := store.FindSnapshot(ctx, a.SessionID())
		switch {
		case err == nil:
			s.RestoreSession(snap)
		case errors.Is(err, repository.ErrNotFound):
			req, reqErr := store.FindRequest(ctx, a.RequestID.Hex())
			if reqErr != nil {
				s.log.WithError(reqErr).WithField("assignment_id", a.ID.Hex()).Warn("request missing during recovery")
			}
			if _, err := s.OpenSession(a, req); err != nil {
				return recovered, err
			}
		default:
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// CloseSession ends a session and returns its final snapshot, with the path
// frozen. It returns nil when there was no open session; the ID is still
// tombstoned so that a start racing this close cannot reopen it.
func (s *TrackingService) CloseSession(sessionID string, at time.Time) (*models.Snapshot, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		if _, closed := s.closed[sessionID]; !closed {
			closedAt := at.UTC()
			s.closed[sessionID] = &models.Snapshot{
				SessionID:    sessionID,
				AssignmentID: sessionID,
				Status:       models.SessionClosed,
				PathHistory:  []models.TrackPoint{},
				UpdatedAt:    closedAt,
				ClosedAt:     &closedAt,
			}
		}
		s.mu.Unlock()
		return nil, nil
	}
	delete(s.sessions, sessionID)
	// tombstone first so racing readers see "closed", not "unknown"
	s.closed[sessionID] = sess.latest.Load()
	active := len(s.sessions)
	s.mu.Unlock()

	sess.mu.Lock()
	sess.closed = true
	sess.seq++
	final := *sess.latest.Load()
	final.Seq = sess.seq
	final.Status = models.SessionClosed
	final.IsMoving = false
	closedAt := at.UTC()
	final.ClosedAt = &closedAt
	final.UpdatedAt = closedAt
	sess.latest.Store(&final)
	sess.mu.Unlock()

	s.mu.Lock()
	s.closed[sessionID] = &final
	s.mu.Unlock()

	s.metrics.SetActiveSessions(active)
	s.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"points":     len(final.PathHistory),
	}).Info("tracking session closed")
	s.emit(context.Background(), &final)
	return &final, nil
}

// Ingest applies one location report and returns the resulting snapshot.
// Rejected reports leave the session untouched.
func (s *TrackingService) Ingest(ctx context.Context, sessionID string, report models.LocationReport) (*models.Snapshot, error) {
	log := s.log.WithField("session_id", sessionID)

	if err := validateReport(report); err != nil {
		s.metrics.IncReport("out_of_range")
		log.WithError(err).Warn("location report rejected")
		return nil, err
	}

	s.mu.RLock()
	sess, open := s.sessions[sessionID]
	_, closed := s.closed[sessionID]
	s.mu.RUnlock()
	if !open {
		if closed {
			s.metrics.IncReport("dropped")
			log.Debug("report after session teardown dropped")
			return nil, ErrSessionClosed
		}
		s.metrics.IncReport("unknown_session")
		return nil, apperrors.New(apperrors.CodeNotFound, "tracking session not found")
	}

	now := s.now().UTC()
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		s.metrics.IncReport("dropped")
		log.Debug("report after session teardown dropped")
		return nil, ErrSessionClosed
	}

	ts := report.Timestamp.UTC()
	if report.Timestamp.IsZero() {
		ts = now
	}
	if sess.current != nil && !ts.After(sess.current.Timestamp) {
		last := sess.current.Timestamp
		sess.mu.Unlock()
		s.metrics.IncReport("out_of_range")
		log.WithFields(logrus.Fields{"timestamp": ts, "last": last}).Warn("non-monotonic location report rejected")
		return nil, apperrors.New(apperrors.CodeOutOfRangeReport, "timestamp must be after the last accepted report").
			WithDetails(map[string]any{"timestamp": ts, "lastAccepted": last})
	}

	point := models.TrackPoint{
		Lat:       report.Lat,
		Lng:       report.Lng,
		Timestamp: ts,
		Speed:     copyFloat(report.Speed),
		Accuracy:  copyFloat(report.Accuracy),
	}
	if sess.current == nil {
		sess.moving = false
		sess.path = append(sess.path, point)
	} else {
		sess.moving = geo.DistanceKm(sess.current.Point(), point.Point()) > s.cfg.MovementThresholdKm
		if sess.moving {
			heading := geo.BearingDegrees(sess.current.Point(), point.Point())
			sess.heading = &heading
			sess.path = append(sess.path, point)
		}
	}
	if limit := s.cfg.PathHistoryLimit; len(sess.path) > limit {
		n := copy(sess.path, sess.path[len(sess.path)-limit:])
		sess.path = sess.path[:n]
	}
	sess.current = &point
	sess.seq++

	snap := s.snapshotLocked(sess, report.Speed, now)
	sess.latest.Store(snap)
	sess.mu.Unlock()

	s.metrics.IncReport("accepted")
	s.emit(ctx, snap)
	return snap, nil
}

// snapshotLocked derives telemetry from the session state. sess.mu must be
// held, or sess must not yet be shared.
func (s *TrackingService) snapshotLocked(sess *session, reportedSpeed *float64, at time.Time) *models.Snapshot {
	snap := &models.Snapshot{
		SessionID:    sess.id,
		AssignmentID: sess.assignmentID,
		RequestID:    sess.requestID,
		VehicleID:    sess.vehicleID,
		DriverID:     sess.driverID,
		Seq:          sess.seq,
		Status:       models.SessionActive,
		Heading:      copyFloat(sess.heading),
		IsMoving:     sess.moving,
		Origin:       sess.origin,
		Destination:  sess.destination,
		PathHistory:  append([]models.TrackPoint{}, sess.path...),
		StartedAt:    sess.startedAt,
		UpdatedAt:    at,
	}
	if sess.current == nil {
		return snap
	}
	current := *sess.current
	snap.Current = &current

	if sess.destination == nil {
		return snap
	}
	remaining := geo.DistanceKm(current.Point(), sess.destination.Point())
	eta := geo.ETAFromDistance(at, remaining, s.etaSpeed(sess.moving, reportedSpeed))
	snap.DistanceRemainingKm = &remaining
	snap.ETA = &eta

	if sess.origin != nil {
		progress := progressPct(remaining, geo.DistanceKm(sess.origin.Point(), sess.destination.Point()))
		snap.ProgressPct = &progress
	}
	return snap
}

// etaSpeed trusts the device speed only while the vehicle is actually
// moving at a plausible pace.
func (s *TrackingService) etaSpeed(moving bool, reported *float64) float64 {
	if moving && reported != nil && *reported >= s.cfg.MinReportedSpeedKmh && *reported > 0 {
		return *reported
	}
	return s.cfg.AssumedSpeedKmh
}

func progressPct(remaining, total float64) float64 {
	if total <= 0 {
		return 100
	}
	pct := (1 - remaining/total) * 100
	pct = math.Max(0, math.Min(100, pct))
	return math.Round(pct*10) / 10
}

// GetSnapshot returns the latest snapshot of an open or recently closed
// session. Repeated calls between reports return the same value.
func (s *TrackingService) GetSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	s.mu.RLock()
	sess, open := s.sessions[sessionID]
	tombstone := s.closed[sessionID]
	s.mu.RUnlock()

	if open {
		return sess.latest.Load(), nil
	}
	if tombstone != nil {
		return tombstone, nil
	}
	if s.mirror != nil {
		snap, err := s.mirror.GetSnapshot(sessionID)
		if err != nil {
			s.log.WithError(err).WithField("session_id", sessionID).Warn("snapshot mirror read failed")
		} else if snap != nil {
			return snap, nil
		}
	}
	return nil, apperrors.New(apperrors.CodeNotFound, "tracking session not found")
}

// SnapshotSince returns the latest snapshot only if it is newer than seq.
// The boolean is false when the caller is already up to date.
func (s *TrackingService) SnapshotSince(ctx context.Context, sessionID string, seq uint64) (*models.Snapshot, bool, error) {
	snap, err := s.GetSnapshot(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if snap.Seq <= seq {
		return nil, false, nil
	}
	return snap, true, nil
}

// ActiveSessions lists open session IDs in sorted order.
func (s *TrackingService) ActiveSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PurgeClosed forgets closed sessions whose final snapshot is older than before.
func (s *TrackingService) PurgeClosed(before time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, snap := range s.closed {
		if snap.ClosedAt != nil && snap.ClosedAt.Before(before) {
			delete(s.closed, id)
			purged++
		}
	}
	return purged
}

func (s *TrackingService) emit(ctx context.Context, snap *models.Snapshot) {
	if s.sink != nil {
		if err := s.sink.AddSnapshot(snap); err != nil {
			s.log.WithError(err).WithField("session_id", snap.SessionID).Warn("snapshot not queued for persistence")
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, events.ForSnapshot(snap)); err != nil {
			s.log.WithError(err).WithField("session_id", snap.SessionID).Warn("failed to publish snapshot")
		}
	}
}

func validateReport(report models.LocationReport) error {
	if !(geo.Point{Lat: report.Lat, Lng: report.Lng}).Valid() {
		return apperrors.Newf(apperrors.CodeOutOfRangeReport, "coordinates out of range: %f,%f", report.Lat, report.Lng)
	}
	if report.Speed != nil && (*report.Speed < 0 || math.IsNaN(*report.Speed)) {
		return apperrors.New(apperrors.CodeOutOfRangeReport, "speed must not be negative")
	}
	if report.Accuracy != nil && (*report.Accuracy < 0 || math.IsNaN(*report.Accuracy)) {
		return apperrors.New(apperrors.CodeOutOfRangeReport, "accuracy must not be negative")
	}
	return nil
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyCoordinates(c *models.Coordinates) *models.Coordinates {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

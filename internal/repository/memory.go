package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"transport-backend/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore keeps the whole resource pool in process. A single mutex guards
// every read-modify-write, which makes CommitAssignment's check-and-insert atomic.
type MemoryStore struct {
	mu          sync.Mutex
	vehicles    map[primitive.ObjectID]*models.Vehicle
	drivers     map[primitive.ObjectID]*models.Driver
	requests    map[primitive.ObjectID]*models.Request
	assignments map[primitive.ObjectID]*models.Assignment
	snapshots   map[string]*models.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vehicles:    make(map[primitive.ObjectID]*models.Vehicle),
		drivers:     make(map[primitive.ObjectID]*models.Driver),
		requests:    make(map[primitive.ObjectID]*models.Request),
		assignments: make(map[primitive.ObjectID]*models.Assignment),
		snapshots:   make(map[string]*models.Snapshot),
	}
}

func (s *MemoryStore) AddVehicle(v *models.Vehicle) *models.Vehicle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID.IsZero() {
		v.ID = primitive.NewObjectID()
	}
	cp := *v
	s.vehicles[v.ID] = &cp
	return v
}

func (s *MemoryStore) AddDriver(d *models.Driver) *models.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID.IsZero() {
		d.ID = primitive.NewObjectID()
	}
	cp := *d
	s.drivers[d.ID] = &cp
	return d
}

func (s *MemoryStore) AddRequest(r *models.Request) *models.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID.IsZero() {
		r.ID = primitive.NewObjectID()
	}
	if r.Status == "" {
		r.Status = models.RequestPending
	}
	cp := *r
	s.requests[r.ID] = &cp
	return r
}

func (s *MemoryStore) ListVehicles(ctx context.Context, filter models.VehicleFilter) ([]*models.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Vehicle
	for _, v := range s.vehicles {
		if filter.Matches(v) {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out, nil
}

func (s *MemoryStore) ListDrivers(ctx context.Context, filter models.DriverFilter) ([]*models.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Driver
	for _, d := range s.drivers {
		if filter.Matches(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out, nil
}

func (s *MemoryStore) FindVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.vehicles[oid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (s *MemoryStore) FindDriver(ctx context.Context, id string) (*models.Driver, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drivers[oid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) FindRequest(ctx context.Context, id string) (*models.Request, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[oid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) RejectRequest(ctx context.Context, id, reason, actor string, at time.Time) (*models.Request, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[oid]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.RequestPending {
		return nil, ErrInvalidState
	}
	r.Status = models.RequestRejected
	r.RejectionReason = reason
	r.RejectedBy = actor
	r.UpdatedAt = at
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) CancelRequest(ctx context.Context, id, actor string, at time.Time) (*CancelResult, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[oid]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Status.Cancellable() {
		return nil, ErrInvalidState
	}

	result := &CancelResult{}
	for _, a := range s.assignments {
		if a.RequestID == oid && a.Status.IsActive() {
			if a.Status == models.AssignmentInProgress {
				s.restoreDriverLocked(a.DriverID, at, false)
			}
			a.ApplyTransition(models.AssignmentCancelled, actor, at)
			result.Assignment = cloneAssignment(a)
		}
	}

	r.Status = models.RequestCancelled
	r.CancelledBy = actor
	r.UpdatedAt = at
	cp := *r
	result.Request = &cp
	return result, nil
}

func (s *MemoryStore) CountRequestsByStatus(ctx context.Context) (map[models.RequestStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.RequestStatus]int)
	for _, r := range s.requests {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) CommitAssignment(ctx context.Context, cmd CommitAssignment) (*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := cmd.Assignment
	req, ok := s.requests[a.RequestID]
	if !ok {
		return nil, ErrNotFound
	}
	vehicle, ok := s.vehicles[a.VehicleID]
	if !ok {
		return nil, ErrNotFound
	}
	driver, ok := s.drivers[a.DriverID]
	if !ok {
		return nil, ErrNotFound
	}
	if !req.Status.Assignable() {
		return nil, ErrInvalidState
	}
	if !cmd.Override && !eligible(vehicle, driver) {
		return nil, ErrIneligible
	}

	for _, existing := range s.assignments {
		if existing.RequestID == a.RequestID && existing.Status.IsActive() {
			return nil, ErrInvalidState
		}
	}
	if conflict := s.conflictLocked(a.VehicleID, a.DriverID, a.Window); conflict != nil {
		return nil, conflict
	}

	if a.ID.IsZero() {
		a.ID = primitive.NewObjectID()
	}
	a.Status = models.AssignmentAssigned
	a.AssignedAt = cmd.At
	a.UpdatedAt = cmd.At
	s.assignments[a.ID] = cloneAssignment(a)

	vehicle.BookingVersion++
	driver.BookingVersion++

	if req.Status == models.RequestPending {
		req.Status = models.RequestApproved
		req.ApprovedBy = cmd.ApprovedBy
		approvedAt := cmd.At
		req.ApprovedAt = &approvedAt
	}
	req.UpdatedAt = cmd.At

	return cloneAssignment(a), nil
}

func (s *MemoryStore) conflictLocked(vehicleID, driverID primitive.ObjectID, window models.Window) *ConflictError {
	conflict := &ConflictError{Window: window}
	for _, existing := range s.assignments {
		if !existing.Status.IsActive() || !existing.Window.Overlaps(window) {
			continue
		}
		if existing.VehicleID == vehicleID && conflict.Vehicle == nil {
			conflict.Vehicle = cloneAssignment(existing)
		}
		if existing.DriverID == driverID && conflict.Driver == nil {
			conflict.Driver = cloneAssignment(existing)
		}
	}
	if conflict.Vehicle == nil && conflict.Driver == nil {
		return nil
	}
	return conflict
}

func (s *MemoryStore) ApplyTransition(ctx context.Context, cmd TransitionCommand) (*TransitionResult, error) {
	oid, err := parseID(cmd.AssignmentID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[oid]
	if !ok {
		return nil, ErrNotFound
	}
	next, ok := models.NextStatus(a.Status, cmd.Action)
	if !ok {
		return nil, ErrInvalidTransition
	}

	previous := a.Status
	a.ApplyTransition(next, cmd.Actor, cmd.At)

	switch {
	case cmd.Action == models.ActionStart:
		if d, ok := s.drivers[a.DriverID]; ok {
			d.IsAvailable = false
			d.UpdatedAt = cmd.At
		}
	case previous == models.AssignmentInProgress:
		s.restoreDriverLocked(a.DriverID, cmd.At, cmd.Action == models.ActionComplete)
	}

	result := &TransitionResult{Assignment: cloneAssignment(a), Previous: previous}
	if r, ok := s.requests[a.RequestID]; ok {
		r.Status = models.RequestStatusAfter(cmd.Action)
		r.UpdatedAt = cmd.At
		cp := *r
		result.Request = &cp
	}
	return result, nil
}

func (s *MemoryStore) restoreDriverLocked(driverID primitive.ObjectID, at time.Time, completed bool) {
	d, ok := s.drivers[driverID]
	if !ok {
		return
	}
	d.IsAvailable = true
	if completed {
		d.CompletedTrips++
	}
	d.UpdatedAt = at
}

func (s *MemoryStore) FindAssignment(ctx context.Context, id string) (*models.Assignment, error) {
	oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[oid]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAssignment(a), nil
}

func (s *MemoryStore) ListActiveAssignments(ctx context.Context) ([]*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Assignment
	for _, a := range s.assignments {
		if a.Status.IsActive() {
			out = append(out, cloneAssignment(a))
		}
	}
	sortByDeparture(out)
	return out, nil
}

func (s *MemoryStore) ListOverlapping(ctx context.Context, window models.Window) ([]*models.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Assignment
	for _, a := range s.assignments {
		if a.Status.IsActive() && a.Window.Overlaps(window) {
			out = append(out, cloneAssignment(a))
		}
	}
	sortByDeparture(out)
	return out, nil
}

func (s *MemoryStore) SavePathHistory(ctx context.Context, assignmentID string, path []models.TrackPoint) error {
	oid, err := parseID(assignmentID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[oid]
	if !ok {
		return ErrNotFound
	}
	a.PathHistory = append([]models.TrackPoint(nil), path...)
	return nil
}

// UpsertSnapshots keeps the highest Seq seen per session.
func (s *MemoryStore) UpsertSnapshots(ctx context.Context, snapshots []*models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snapshots {
		if snap == nil {
			continue
		}
		if existing, ok := s.snapshots[snap.SessionID]; ok && existing.Seq > snap.Seq {
			continue
		}
		cp := *snap
		cp.PathHistory = append([]models.TrackPoint(nil), snap.PathHistory...)
		s.snapshots[snap.SessionID] = &cp
	}
	return nil
}

func (s *MemoryStore) FindSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	cp.PathHistory = append([]models.TrackPoint(nil), snap.PathHistory...)
	return &cp, nil
}

func cloneAssignment(a *models.Assignment) *models.Assignment {
	cp := *a
	cp.SafetyIssues = append([]string(nil), a.SafetyIssues...)
	cp.SafetyWarnings = append([]string(nil), a.SafetyWarnings...)
	cp.PathHistory = append([]models.TrackPoint(nil), a.PathHistory...)
	return &cp
}

func sortByDeparture(list []*models.Assignment) {
	sort.Slice(list, func(i, j int) bool {
		return list[i].Window.Departure.Before(list[j].Window.Departure)
	})
}

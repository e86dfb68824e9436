package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"transport-backend/internal/config"
	"transport-backend/internal/models"
	"transport-backend/internal/repository"
	"transport-backend/pkg/cache"
	apperrors "transport-backend/pkg/errors"
	"transport-backend/pkg/events"
	"transport-backend/pkg/metrics"

	"github.com/sirupsen/logrus"
)

const (
	catalogVehiclesKey = "active"
	catalogDriversKey  = "active_available"
)

// AssignmentService matches requests to vehicles and drivers and drives the
// assignment lifecycle.
type AssignmentService struct {
	store     Store
	validator *SafetyValidator
	cfg       config.MatcherConfig
	log       logrus.FieldLogger

	cacheManager cache.CacheManager
	publisher    events.Publisher
	tracker      TripTracker
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewAssignmentService(store Store, validator *SafetyValidator, cfg config.MatcherConfig, log logrus.FieldLogger) *AssignmentService {
	return &AssignmentService{
		store:     store,
		validator: validator,
		cfg:       cfg,
		log:       log.WithField("component", "assignment"),
		now:       time.Now,
	}
}

// SetCacheManager enables cache-aside reads of the candidate catalog.
func (s *AssignmentService) SetCacheManager(cacheManager cache.CacheManager) {
	s.cacheManager = cacheManager
}

func (s *AssignmentService) SetPublisher(publisher events.Publisher) {
	s.publisher = publisher
}

// SetTracker wires the tracking sessions opened on start and closed on
// complete or cancel.
func (s *AssignmentService) SetTracker(tracker TripTracker) {
	s.tracker = tracker
}

func (s *AssignmentService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

type CandidateSet struct {
	Vehicles []VehicleCandidate `json:"vehicles"`
	Drivers  []DriverCandidate  `json:"drivers"`
}

type Proposal struct {
	RequestID      string         `json:"requestId"`
	PassengerCount int            `json:"passengerCount"`
	AsOf           time.Time      `json:"asOf"`
	Window         *models.Window `json:"window,omitempty"`
	Suggested      CandidateSet   `json:"suggested"`
	Available      CandidateSet   `json:"available"`
}

// ProposeCandidates lists every vehicle that fits the request and every
// active, available driver, each with its safety result. Unsafe or booked
// candidates are flagged, never excluded. window is optional.
func (s *AssignmentService) ProposeCandidates(ctx context.Context, requestID string, window *models.Window) (*Proposal, error) {
	req, err := s.store.FindRequest(ctx, requestID)
	if err != nil {
		return nil, storeError(err, "request not found")
	}
	if !req.Status.Assignable() {
		return nil, invalidState(req)
	}
	if window != nil {
		if err := window.Validate(); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, err, err.Error())
		}
	}

	vehicles, err := s.activeVehicles(ctx)
	if err != nil {
		return nil, err
	}
	drivers, err := s.availableDrivers(ctx)
	if err != nil {
		return nil, err
	}

	bookedVehicles, bookedDrivers, err := s.booked(ctx, window)
	if err != nil {
		return nil, err
	}

	asOf := s.asOf(req)
	fit := models.VehicleFilter{MinCapacity: req.PassengerCount, ActiveOnly: true}

	available := CandidateSet{
		Vehicles: make([]VehicleCandidate, 0, len(vehicles)),
		Drivers:  make([]DriverCandidate, 0, len(drivers)),
	}
	for _, v := range vehicles {
		if !fit.Matches(v) {
			continue
		}
		available.Vehicles = append(available.Vehicles, VehicleCandidate{
			Vehicle:     v,
			Safety:      s.validator.ValidateVehicle(v, asOf),
			CapacityGap: capacityGap(v, req.PassengerCount),
			Booked:      bookedVehicles[v.ID.Hex()],
		})
	}
	for _, d := range drivers {
		available.Drivers = append(available.Drivers, DriverCandidate{
			Driver:        d,
			Safety:        s.validator.ValidateDriver(d, asOf),
			LicenseStatus: d.LicenseStatus(asOf, s.cfg.ExpiryWarningDays),
			Booked:        bookedDrivers[d.ID.Hex()],
		})
	}
	RankVehicles(available.Vehicles, req.PassengerCount)
	RankDrivers(available.Drivers)

	return &Proposal{
		RequestID:      req.ID.Hex(),
		PassengerCount: req.PassengerCount,
		AsOf:           asOf,
		Window:         window,
		Suggested: CandidateSet{
			Vehicles: available.Vehicles[:min(s.cfg.SuggestionLimit, len(available.Vehicles))],
			Drivers:  available.Drivers[:min(s.cfg.SuggestionLimit, len(available.Drivers))],
		},
		Available: available,
	}, nil
}

func (s *AssignmentService) activeVehicles(ctx context.Context) ([]*models.Vehicle, error) {
	if s.cacheManager != nil {
		cached, err := s.cacheManager.GetVehicleList(catalogVehiclesKey)
		if err == nil && cached != nil {
			return cached, nil
		}
		if err != nil {
			s.log.WithError(err).Warn("cache error reading vehicle catalog")
		}
	}

	vehicles, err := s.store.ListVehicles(ctx, models.VehicleFilter{ActiveOnly: true})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "failed to list vehicles")
	}

	if s.cacheManager != nil {
		if err := s.cacheManager.SetVehicleList(catalogVehiclesKey, vehicles, s.cfg.CandidateCacheTTL); err != nil {
			s.log.WithError(err).Warn("failed to cache vehicle catalog")
		}
	}
	return vehicles, nil
}

func (s *AssignmentService) availableDrivers(ctx context.Context) ([]*models.Driver, error) {
	if s.cacheManager != nil {
		cached, err := s.cacheManager.GetDriverList(catalogDriversKey)
		if err == nil && cached != nil {
			return cached, nil
		}
		if err != nil {
			s.log.WithError(err).Warn("cache error reading driver catalog")
		}
	}

	drivers, err := s.store.ListDrivers(ctx, models.DriverFilter{ActiveOnly: true, AvailableOnly: true})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "failed to list drivers")
	}

	if s.cacheManager != nil {
		if err := s.cacheManager.SetDriverList(catalogDriversKey, drivers, s.cfg.CandidateCacheTTL); err != nil {
			s.log.WithError(err).Warn("failed to cache driver catalog")
		}
	}
	return drivers, nil
}

func (s *AssignmentService) invalidateCatalog() {
	if s.cacheManager == nil {
		return
	}
	if err := s.cacheManager.InvalidateCatalog(); err != nil {
		s.log.WithError(err).Warn("failed to invalidate catalog cache")
	}
}

// booked returns the IDs of vehicles and drivers held by an active
// assignment overlapping window.
func (s *AssignmentService) booked(ctx context.Context, window *models.Window) (map[string]bool, map[string]bool, error) {
	vehicles, drivers := map[string]bool{}, map[string]bool{}
	if window == nil {
		return vehicles, drivers, nil
	}
	overlapping, err := s.store.ListOverlapping(ctx, *window)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeDependency, err, "failed to list bookings")
	}
	for _, a := range overlapping {
		vehicles[a.VehicleID.Hex()] = true
		drivers[a.DriverID.Hex()] = true
	}
	return vehicles, drivers, nil
}

func (s *AssignmentService) asOf(req *models.Request) time.Time {
	if req.RequestedAt.IsZero() {
		return s.now()
	}
	return req.RequestedAt
}

type AssignCommand struct {
	RequestID      string
	VehicleID      string
	DriverID       string
	Window         models.Window
	SafetyOverride bool
	OverrideReason string
	Caller         models.Caller
}

// ConflictDetails is attached to RESOURCE_UNAVAILABLE errors.
type ConflictDetails struct {
	Resource               string        `json:"resource"`
	ConflictingAssignments []string      `json:"conflictingAssignments"`
	Window                 models.Window `json:"window"`
	AlternativeVehicles    []string      `json:"alternativeVehicles"`
	AlternativeDrivers     []string      `json:"alternativeDrivers"`
}

// Assign books vehicle and driver for the request's window and approves the
// request in the same unit of work.
func (s *AssignmentService) Assign(ctx context.Context, cmd AssignCommand) (*models.Assignment, error) {
	started := s.now()
	assignment, err := s.assign(ctx, cmd)
	s.metrics.ObserveAssign(string(resultOf(err)), s.now().Sub(started))
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": cmd.RequestID,
			"vehicle_id": cmd.VehicleID,
			"driver_id":  cmd.DriverID,
			"code":       apperrors.CodeOf(err),
		}).WithError(err).Info("assignment refused")
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"request_id":    cmd.RequestID,
		"assignment_id": assignment.ID.Hex(),
		"override":      assignment.SafetyOverride,
	}).Info("assignment created")
	s.publish(ctx, events.ForAssignment(events.AssignmentCreated, assignment, cmd.Caller.UserID, assignment.AssignedAt))
	return assignment, nil
}

func (s *AssignmentService) assign(ctx context.Context, cmd AssignCommand) (*models.Assignment, error) {
	if !cmd.Caller.IsAdmin() {
		return nil, apperrors.New(apperrors.CodeForbidden, "only administrators may assign resources")
	}
	if err := cmd.Window.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, err.Error())
	}
	reason := strings.TrimSpace(cmd.OverrideReason)
	if cmd.SafetyOverride && reason == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "a safety override requires a reason")
	}

	req, err := s.store.FindRequest(ctx, cmd.RequestID)
	if err != nil {
		return nil, storeError(err, "request not found")
	}
	if !req.Status.Assignable() {
		return nil, invalidState(req)
	}
	vehicle, err := s.store.FindVehicle(ctx, cmd.VehicleID)
	if err != nil {
		return nil, storeError(err, "vehicle not found")
	}
	driver, err := s.store.FindDriver(ctx, cmd.DriverID)
	if err != nil {
		return nil, storeError(err, "driver not found")
	}

	if vehicle.Capacity < req.PassengerCount {
		return nil, apperrors.Newf(apperrors.CodeValidation,
			"vehicle capacity %d is below passenger count %d", vehicle.Capacity, req.PassengerCount)
	}

	safety := s.validator.ValidatePair(vehicle, driver, s.asOf(req))
	if !safety.IsSafe && !cmd.SafetyOverride {
		return nil, apperrors.New(apperrors.CodeSafetyRejected, strings.Join(safety.Issues, "; ")).WithDetails(safety)
	}

	assignment := &models.Assignment{
		RequestID:      req.ID,
		VehicleID:      vehicle.ID,
		DriverID:       driver.ID,
		Window:         cmd.Window,
		SafetyIssues:   safety.Issues,
		SafetyWarnings: safety.Warnings,
		AssignedBy:     cmd.Caller.UserID,
	}
	// an override that bypassed nothing is not recorded
	override := cmd.SafetyOverride && !safety.IsSafe
	if override {
		assignment.SafetyOverride = true
		assignment.OverrideReason = reason
		assignment.OverriddenBy = cmd.Caller.UserID
	}

	committed, err := s.store.CommitAssignment(ctx, repository.CommitAssignment{
		Assignment: assignment,
		ApprovedBy: cmd.Caller.UserID,
		Override:   override,
		At:         s.now().UTC(),
	})
	if err != nil {
		var conflict *repository.ConflictError
		if errors.As(err, &conflict) {
			return nil, s.conflictError(ctx, req, conflict)
		}
		if errors.Is(err, repository.ErrIneligible) {
			return nil, apperrors.Wrap(apperrors.CodeResourceUnavailable, err, "vehicle or driver became unavailable")
		}
		if errors.Is(err, repository.ErrInvalidState) {
			return nil, apperrors.Wrap(apperrors.CodeInvalidState, err, "request is no longer assignable or already has an active assignment")
		}
		return nil, storeError(err, "request, vehicle or driver not found")
	}
	return committed, nil
}

func (s *AssignmentService) conflictError(ctx context.Context, req *models.Request, conflict *repository.ConflictError) error {
	details := ConflictDetails{
		Resource:               conflict.Resource(),
		ConflictingAssignments: []string{},
		Window:                 conflict.Window,
		AlternativeVehicles:    []string{},
		AlternativeDrivers:     []string{},
	}
	for _, a := range []*models.Assignment{conflict.Vehicle, conflict.Driver} {
		if a == nil {
			continue
		}
		id := a.ID.Hex()
		if len(details.ConflictingAssignments) == 0 || details.ConflictingAssignments[0] != id {
			details.ConflictingAssignments = append(details.ConflictingAssignments, id)
		}
	}

	// Alternatives are best effort; the refusal stands without them.
	if proposal, err := s.ProposeCandidates(ctx, req.ID.Hex(), &conflict.Window); err == nil {
		for _, v := range proposal.Available.Vehicles {
			if len(details.AlternativeVehicles) == s.cfg.SuggestionLimit {
				break
			}
			if !v.Booked && v.Safety.IsSafe {
				details.AlternativeVehicles = append(details.AlternativeVehicles, v.Vehicle.ID.Hex())
			}
		}
		for _, d := range proposal.Available.Drivers {
			if len(details.AlternativeDrivers) == s.cfg.SuggestionLimit {
				break
			}
			if !d.Booked && d.Safety.IsSafe {
				details.AlternativeDrivers = append(details.AlternativeDrivers, d.Driver.ID.Hex())
			}
		}
	} else {
		s.log.WithError(err).Debug("could not compute alternatives")
	}

	return apperrors.Wrap(apperrors.CodeResourceUnavailable, conflict, conflict.Error()).WithDetails(details)
}

// Transition applies start, complete or cancel to an assignment. The
// transition is validated before anything is written.
func (s *AssignmentService) Transition(ctx context.Context, assignmentID string, action models.TransitionAction, caller models.Caller) (*models.Assignment, error) {
	result, err := s.transition(ctx, assignmentID, action, caller)
	s.metrics.IncTransition(string(action), string(resultOf(err)))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AssignmentService) transition(ctx context.Context, assignmentID string, action models.TransitionAction, caller models.Caller) (*models.Assignment, error) {
	current, err := s.store.FindAssignment(ctx, assignmentID)
	if err != nil {
		return nil, storeError(err, "assignment not found")
	}
	if err := authorizeTransition(current, action, caller); err != nil {
		return nil, err
	}
	if _, ok := models.NextStatus(current.Status, action); !ok {
		return nil, invalidTransition(current.Status, action)
	}

	at := s.now().UTC()
	result, err := s.store.ApplyTransition(ctx, repository.TransitionCommand{
		AssignmentID: assignmentID,
		Action:       action,
		Actor:        caller.UserID,
		At:           at,
	})
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			// lost a race with another transition
			return nil, invalidTransition(current.Status, action)
		}
		return nil, storeError(err, "assignment not found")
	}
	assignment := result.Assignment

	log := s.log.WithFields(logrus.Fields{
		"assignment_id": assignment.ID.Hex(),
		"request_id":    assignment.RequestID.Hex(),
		"action":        action,
		"from":          result.Previous,
	})

	switch action {
	case models.ActionStart:
		s.openSession(ctx, assignment, result.Request, log)
	default:
		if result.Previous == models.AssignmentInProgress {
			assignment.PathHistory = s.closeSession(ctx, assignment, at, log)
		}
	}
	s.invalidateCatalog()

	log.Info("assignment transitioned")
	s.publish(ctx, events.ForAssignment(tripEvent(action), assignment, caller.UserID, at))
	return assignment, nil
}

func (s *AssignmentService) openSession(ctx context.Context, a *models.Assignment, req *models.Request, log logrus.FieldLogger) {
	if s.tracker == nil {
		return
	}
	if req == nil {
		found, err := s.store.FindRequest(ctx, a.RequestID.Hex())
		if err != nil {
			log.WithError(err).Warn("request missing while opening tracking session")
			found = &models.Request{ID: a.RequestID}
		}
		req = found
	}
	if _, err := s.tracker.OpenSession(a, req); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			log.Info("assignment ended before its tracking session opened")
			return
		}
		log.WithError(err).Error("failed to open tracking session")
	}
}

// closeSession tears down the tracking session and freezes its path on the
// assignment.
func (s *AssignmentService) closeSession(ctx context.Context, a *models.Assignment, at time.Time, log logrus.FieldLogger) []models.TrackPoint {
	if s.tracker == nil {
		return a.PathHistory
	}
	final, err := s.tracker.CloseSession(a.SessionID(), at)
	if err != nil {
		log.WithError(err).Error("failed to close tracking session")
		return a.PathHistory
	}
	if final == nil {
		return a.PathHistory
	}
	if err := s.store.SavePathHistory(ctx, a.ID.Hex(), final.PathHistory); err != nil {
		log.WithError(err).Error("failed to freeze path history")
	}
	return final.PathHistory
}

// Reject refuses a pending request.
func (s *AssignmentService) Reject(ctx context.Context, requestID, reason string, caller models.Caller) (*models.Request, error) {
	if !caller.IsAdmin() {
		return nil, apperrors.New(apperrors.CodeForbidden, "only administrators may reject requests")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "a rejection reason is required")
	}

	req, err := s.store.RejectRequest(ctx, requestID, reason, caller.UserID, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrInvalidState) {
			return nil, apperrors.Wrap(apperrors.CodeInvalidState, err, "only pending requests can be rejected")
		}
		return nil, storeError(err, "request not found")
	}

	s.log.WithField("request_id", requestID).Info("request rejected")
	s.publish(ctx, events.ForRequest(events.RequestRejected, req, caller.UserID, req.UpdatedAt))
	return req, nil
}

// CancelRequest cancels a pending or approved request together with its
// active assignment, if any. Admins and the requester may cancel.
func (s *AssignmentService) CancelRequest(ctx context.Context, requestID string, caller models.Caller) (*models.Request, error) {
	req, err := s.store.FindRequest(ctx, requestID)
	if err != nil {
		return nil, storeError(err, "request not found")
	}
	if !caller.IsAdmin() && req.RequesterID != caller.UserID {
		return nil, apperrors.New(apperrors.CodeForbidden, "only the requester or an administrator may cancel")
	}

	at := s.now().UTC()
	result, err := s.store.CancelRequest(ctx, requestID, caller.UserID, at)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidState) {
			return nil, apperrors.Wrap(apperrors.CodeInvalidState, err, "request can no longer be cancelled").
				WithDetails(map[string]any{"status": req.Status})
		}
		return nil, storeError(err, "request not found")
	}

	log := s.log.WithField("request_id", requestID)
	if a := result.Assignment; a != nil {
		log = log.WithField("assignment_id", a.ID.Hex())
		a.PathHistory = s.closeSession(ctx, a, at, log)
		s.invalidateCatalog()
		s.publish(ctx, events.ForAssignment(events.TripCancelled, a, caller.UserID, at))
	}
	log.Info("request cancelled")
	s.publish(ctx, events.ForRequest(events.RequestCancelled, result.Request, caller.UserID, at))
	return result.Request, nil
}

// GetAssignment is visible to admins and the assigned driver.
func (s *AssignmentService) GetAssignment(ctx context.Context, id string, caller models.Caller) (*models.Assignment, error) {
	a, err := s.store.FindAssignment(ctx, id)
	if err != nil {
		return nil, storeError(err, "assignment not found")
	}
	if !caller.IsAdmin() && !caller.Drives(a.DriverID.Hex()) {
		return nil, apperrors.New(apperrors.CodeForbidden, "not allowed to view this assignment")
	}
	return a, nil
}

func (s *AssignmentService) ListActiveAssignments(ctx context.Context) ([]*models.Assignment, error) {
	list, err := s.store.ListActiveAssignments(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "failed to list assignments")
	}
	if list == nil {
		list = []*models.Assignment{}
	}
	return list, nil
}

func (s *AssignmentService) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.WithError(err).WithField("event", event.Type).Warn("failed to publish event")
	}
}

func authorizeTransition(a *models.Assignment, action models.TransitionAction, caller models.Caller) error {
	if caller.IsAdmin() {
		return nil
	}
	if action != models.ActionCancel && caller.Drives(a.DriverID.Hex()) {
		return nil
	}
	return apperrors.Newf(apperrors.CodeForbidden, "not allowed to %s this trip", action)
}

func tripEvent(action models.TransitionAction) events.Type {
	switch action {
	case models.ActionStart:
		return events.TripStarted
	case models.ActionComplete:
		return events.TripCompleted
	default:
		return events.TripCancelled
	}
}

func invalidState(req *models.Request) error {
	return apperrors.Newf(apperrors.CodeInvalidState, "request is %s", req.Status).
		WithDetails(map[string]any{
			"status":     req.Status,
			"assignable": models.AssignableRequestStatuses,
		})
}

func invalidTransition(from models.AssignmentStatus, action models.TransitionAction) error {
	return apperrors.Newf(apperrors.CodeInvalidTransition, "cannot %s an assignment that is %s", action, from).
		WithDetails(map[string]any{
			"status":  from,
			"action":  action,
			"allowed": models.SourceStatuses(action),
		})
}

// storeError maps repository sentinels onto typed errors.
func storeError(err error, notFoundMsg string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrInvalidID):
		return apperrors.Wrap(apperrors.CodeNotFound, err, notFoundMsg)
	case apperrors.As(err) != nil:
		return err
	default:
		return apperrors.Wrap(apperrors.CodeDependency, err, "storage unavailable")
	}
}

type outcome string

const (
	outcomeOK outcome = "ok"
)

// resultOf is the metric label for an operation outcome.
func resultOf(err error) outcome {
	if err == nil {
		return outcomeOK
	}
	return outcome(strings.ToLower(string(apperrors.CodeOf(err))))
}

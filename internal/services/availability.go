package services

import (
	"context"
	"math"

	"transport-backend/internal/models"
	apperrors "transport-backend/pkg/errors"
)

type HealthStatus string

const (
	StatusGood     HealthStatus = "good"
	StatusWarning  HealthStatus = "warning"
	StatusCritical HealthStatus = "critical"
)

const (
	goodAvailablePct    = 70.0
	warningAvailablePct = 30.0
	backlogCritical     = 10
	backlogWarning      = 5
)

type ResourceSummary struct {
	Total        int          `json:"total"`
	Available    int          `json:"available"`
	Busy         int          `json:"busy"`
	AvailablePct float64      `json:"availablePct"`
	Status       HealthStatus `json:"status"`
}

type AvailabilityReport struct {
	Vehicles          ResourceSummary `json:"vehicles"`
	Drivers           ResourceSummary `json:"drivers"`
	ActiveAssignments int             `json:"activeAssignments"`
	PendingRequests   int             `json:"pendingRequests"`
	BacklogStatus     HealthStatus    `json:"backlogStatus"`
}

// AvailabilityService summarizes how much of the fleet is free right now.
type AvailabilityService struct {
	store Store
}

func NewAvailabilityService(store Store) *AvailabilityService {
	return &AvailabilityService{store: store}
}

// Report counts a vehicle busy while an active assignment holds it and a
// driver busy while unavailable or held.
func (s *AvailabilityService) Report(ctx context.Context) (*AvailabilityReport, error) {
	vehicles, err := s.store.ListVehicles(ctx, models.VehicleFilter{ActiveOnly: true})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "failed to list vehicles")
	}
	drivers, err := s.store.ListDrivers(ctx, models.DriverFilter{ActiveOnly: true})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "failed to list drivers")
	}
	active, err := s.store.ListActiveAssignments(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "failed to list assignments")
	}
	counts, err := s.store.CountRequestsByStatus(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "failed to count requests")
	}

	heldVehicles := make(map[string]bool, len(active))
	heldDrivers := make(map[string]bool, len(active))
	for _, a := range active {
		heldVehicles[a.VehicleID.Hex()] = true
		heldDrivers[a.DriverID.Hex()] = true
	}

	freeVehicles := 0
	for _, v := range vehicles {
		if !heldVehicles[v.ID.Hex()] {
			freeVehicles++
		}
	}
	freeDrivers := 0
	for _, d := range drivers {
		if d.IsAvailable && !heldDrivers[d.ID.Hex()] {
			freeDrivers++
		}
	}

	pending := counts[models.RequestPending]
	return &AvailabilityReport{
		Vehicles:          summarize(len(vehicles), freeVehicles),
		Drivers:           summarize(len(drivers), freeDrivers),
		ActiveAssignments: len(active),
		PendingRequests:   pending,
		BacklogStatus:     backlogStatus(pending),
	}, nil
}

func summarize(total, available int) ResourceSummary {
	summary := ResourceSummary{Total: total, Available: available, Busy: total - available}
	if total > 0 {
		summary.AvailablePct = math.Round(float64(available)/float64(total)*1000) / 10
	}
	switch {
	case summary.AvailablePct >= goodAvailablePct:
		summary.Status = StatusGood
	case summary.AvailablePct >= warningAvailablePct:
		summary.Status = StatusWarning
	default:
		summary.Status = StatusCritical
	}
	return summary
}

func backlogStatus(pending int) HealthStatus {
	switch {
	case pending > backlogCritical:
		return StatusCritical
	case pending > backlogWarning:
		return StatusWarning
	default:
		return StatusGood
	}
}

package models

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type AssignmentStatus string

const (
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentCancelled  AssignmentStatus = "cancelled"
)

// ActiveAssignmentStatuses are the statuses that hold a vehicle and driver.
var ActiveAssignmentStatuses = []AssignmentStatus{AssignmentAssigned, AssignmentInProgress}

func (s AssignmentStatus) IsActive() bool {
	return s == AssignmentAssigned || s == AssignmentInProgress
}

type TransitionAction string

const (
	ActionStart    TransitionAction = "start"
	ActionComplete TransitionAction = "complete"
	ActionCancel   TransitionAction = "cancel"
)

var assignmentTransitions = map[AssignmentStatus]map[TransitionAction]AssignmentStatus{
	AssignmentAssigned: {
		ActionStart:  AssignmentInProgress,
		ActionCancel: AssignmentCancelled,
	},
	AssignmentInProgress: {
		ActionComplete: AssignmentCompleted,
		ActionCancel:   AssignmentCancelled,
	},
}

// NextStatus returns the status reached by applying action to current.
func NextStatus(current AssignmentStatus, action TransitionAction) (AssignmentStatus, bool) {
	next, ok := assignmentTransitions[current][action]
	return next, ok
}

// SourceStatuses lists every status action may be applied from.
func SourceStatuses(action TransitionAction) []AssignmentStatus {
	var out []AssignmentStatus
	for _, from := range []AssignmentStatus{AssignmentAssigned, AssignmentInProgress} {
		if _, ok := assignmentTransitions[from][action]; ok {
			out = append(out, from)
		}
	}
	return out
}

// RequestStatusAfter is the request status that follows a successful assignment transition.
func RequestStatusAfter(action TransitionAction) RequestStatus {
	switch action {
	case ActionStart:
		return RequestInProgress
	case ActionComplete:
		return RequestCompleted
	default:
		return RequestCancelled
	}
}

func ParseAction(s string) (TransitionAction, bool) {
	switch a := TransitionAction(s); a {
	case ActionStart, ActionComplete, ActionCancel:
		return a, true
	}
	return "", false
}

var ErrInvalidWindow = errors.New("estimated arrival must be after estimated departure")

// Window is the booked interval [Departure, Arrival).
type Window struct {
	Departure time.Time `bson:"estimated_departure" json:"estimatedDeparture" binding:"required"`
	Arrival   time.Time `bson:"estimated_arrival" json:"estimatedArrival" binding:"required"`
}

func (w Window) Validate() error {
	if w.Departure.IsZero() || w.Arrival.IsZero() || !w.Arrival.After(w.Departure) {
		return ErrInvalidWindow
	}
	return nil
}

// Overlaps treats windows as half-open, so back-to-back bookings do not collide.
func (w Window) Overlaps(other Window) bool {
	return w.Departure.Before(other.Arrival) && other.Departure.Before(w.Arrival)
}

type Assignment struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RequestID      primitive.ObjectID `bson:"request_id" json:"requestId"`
	VehicleID      primitive.ObjectID `bson:"vehicle_id" json:"vehicleId"`
	DriverID       primitive.ObjectID `bson:"driver_id" json:"driverId"`
	Window         Window             `bson:"window" json:"window"`
	Status         AssignmentStatus   `bson:"status" json:"status"`
	SafetyOverride bool               `bson:"safety_override" json:"safetyOverride"`
	OverrideReason string             `bson:"override_reason,omitempty" json:"overrideReason,omitempty"`
	OverriddenBy   string             `bson:"overridden_by,omitempty" json:"overriddenBy,omitempty"`
	SafetyIssues   []string           `bson:"safety_issues,omitempty" json:"safetyIssues,omitempty"`
	SafetyWarnings []string           `bson:"safety_warnings,omitempty" json:"safetyWarnings,omitempty"`
	AssignedBy     string             `bson:"assigned_by" json:"assignedBy"`
	AssignedAt     time.Time          `bson:"assigned_at" json:"assignedAt"`
	StartedAt      *time.Time         `bson:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt    *time.Time         `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
	CancelledAt    *time.Time         `bson:"cancelled_at,omitempty" json:"cancelledAt,omitempty"`
	CancelledBy    string             `bson:"cancelled_by,omitempty" json:"cancelledBy,omitempty"`
	PathHistory    []TrackPoint       `bson:"path_history,omitempty" json:"pathHistory,omitempty"`
	UpdatedAt      time.Time          `bson:"updated_at" json:"updatedAt"`
}

// SessionID is the identifier of the tracking session owned by this assignment.
func (a *Assignment) SessionID() string {
	return a.ID.Hex()
}

// ApplyTransition stamps the timestamp matching the new status.
func (a *Assignment) ApplyTransition(next AssignmentStatus, actor string, at time.Time) {
	a.Status = next
	a.UpdatedAt = at
	switch next {
	case AssignmentInProgress:
		a.StartedAt = &at
	case AssignmentCompleted:
		a.CompletedAt = &at
	case AssignmentCancelled:
		a.CancelledAt = &at
		a.CancelledBy = actor
	}
}

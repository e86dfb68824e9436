package repository

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"transport-backend/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidState      = errors.New("request is not in an assignable state")
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrIneligible        = errors.New("vehicle or driver no longer eligible")
)

// ConflictError reports the active assignments that overlap a requested window.
type ConflictError struct {
	Window  models.Window
	Vehicle *models.Assignment
	Driver  *models.Assignment
}

// Resource names what is double-booked: "vehicle", "driver" or "vehicle and driver".
func (e *ConflictError) Resource() string {
	var parts []string
	if e.Vehicle != nil {
		parts = append(parts, "vehicle")
	}
	if e.Driver != nil {
		parts = append(parts, "driver")
	}
	return strings.Join(parts, " and ")
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already booked between %s and %s",
		e.Resource(), e.Window.Departure.Format(time.RFC3339), e.Window.Arrival.Format(time.RFC3339))
}

// CommitAssignment is the unit of work that approves a request and books its
// vehicle and driver. The overlap check and the insert run atomically.
type CommitAssignment struct {
	Assignment *models.Assignment
	ApprovedBy string
	// Override skips the in-transaction eligibility re-check.
	Override bool
	At       time.Time
}

type TransitionCommand struct {
	AssignmentID string
	Action       models.TransitionAction
	Actor        string
	At           time.Time
}

type TransitionResult struct {
	Assignment *models.Assignment
	Request    *models.Request
	// Previous is the assignment status before the transition was applied.
	Previous models.AssignmentStatus
}

type CancelResult struct {
	Request    *models.Request
	Assignment *models.Assignment
}

func parseID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return oid, nil
}

func eligible(v *models.Vehicle, d *models.Driver) bool {
	return v.IsActive && d.IsActive && d.IsAvailable
}

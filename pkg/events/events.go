// Package events carries assignment and trip lifecycle notifications to
// push subscribers and the message bus.
package events

import (
	"context"
	"time"

	"transport-backend/internal/models"

	"github.com/google/uuid"
)

type Type string

const (
	AssignmentCreated Type = "assignment.created"
	TripStarted       Type = "trip.started"
	TripCompleted     Type = "trip.completed"
	TripCancelled     Type = "trip.cancelled"
	RequestRejected   Type = "request.rejected"
	RequestCancelled  Type = "request.cancelled"
	SnapshotUpdated   Type = "snapshot.updated"
)

type Event struct {
	ID           string           `json:"id"`
	Type         Type             `json:"type"`
	OccurredAt   time.Time        `json:"occurredAt"`
	RequestID    string           `json:"requestId,omitempty"`
	AssignmentID string           `json:"assignmentId,omitempty"`
	SessionID    string           `json:"sessionId,omitempty"`
	Actor        string           `json:"actor,omitempty"`
	Snapshot     *models.Snapshot `json:"snapshot,omitempty"`
	Data         map[string]any   `json:"data,omitempty"`
}

// Publisher delivers events somewhere. Implementations must not block the
// caller for long; tracking ingest publishes on its hot path.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

func newEvent(t Type, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, OccurredAt: at.UTC()}
}

// ForAssignment builds a lifecycle event for an assignment.
func ForAssignment(t Type, a *models.Assignment, actor string, at time.Time) Event {
	e := newEvent(t, at)
	e.RequestID = a.RequestID.Hex()
	e.AssignmentID = a.ID.Hex()
	e.SessionID = a.SessionID()
	e.Actor = actor
	e.Data = map[string]any{
		"status":    a.Status,
		"vehicleId": a.VehicleID.Hex(),
		"driverId":  a.DriverID.Hex(),
	}
	return e
}

func ForRequest(t Type, r *models.Request, actor string, at time.Time) Event {
	e := newEvent(t, at)
	e.RequestID = r.ID.Hex()
	e.Actor = actor
	e.Data = map[string]any{"status": r.Status}
	if r.RejectionReason != "" {
		e.Data["reason"] = r.RejectionReason
	}
	return e
}

func ForSnapshot(s *models.Snapshot) Event {
	e := newEvent(SnapshotUpdated, s.UpdatedAt)
	e.RequestID = s.RequestID
	e.AssignmentID = s.AssignmentID
	e.SessionID = s.SessionID
	e.Snapshot = s
	return e
}

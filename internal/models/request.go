package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestApproved   RequestStatus = "approved"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestRejected   RequestStatus = "rejected"
	RequestCancelled  RequestStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestCompleted || s == RequestRejected || s == RequestCancelled
}

// Assignable reports whether a vehicle and driver may still be assigned.
func (s RequestStatus) Assignable() bool {
	return s == RequestPending || s == RequestApproved
}

// Cancellable covers the states a requester or admin may cancel from.
func (s RequestStatus) Cancellable() bool {
	return s == RequestPending || s == RequestApproved
}

var AssignableRequestStatuses = []RequestStatus{RequestPending, RequestApproved}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Place is a free-text location with optionally resolved coordinates.
type Place struct {
	Address     string       `bson:"address" json:"address"`
	Coordinates *Coordinates `bson:"coordinates,omitempty" json:"coordinates,omitempty"`
}

type Request struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RequesterID     string             `bson:"requester_id" json:"requesterId"`
	Origin          Place              `bson:"origin" json:"origin"`
	Destination     Place              `bson:"destination" json:"destination"`
	RequestedAt     time.Time          `bson:"requested_at" json:"requestedAt"`
	PassengerCount  int                `bson:"passenger_count" json:"passengerCount" validate:"min=1"`
	Priority        Priority           `bson:"priority" json:"priority" validate:"oneof=low medium high urgent"`
	Purpose         string             `bson:"purpose" json:"purpose"`
	Status          RequestStatus      `bson:"status" json:"status"`
	ApprovedBy      string             `bson:"approved_by,omitempty" json:"approvedBy,omitempty"`
	ApprovedAt      *time.Time         `bson:"approved_at,omitempty" json:"approvedAt,omitempty"`
	RejectionReason string             `bson:"rejection_reason,omitempty" json:"rejectionReason,omitempty"`
	RejectedBy      string             `bson:"rejected_by,omitempty" json:"rejectedBy,omitempty"`
	CancelledBy     string             `bson:"cancelled_by,omitempty" json:"cancelledBy,omitempty"`
	CreatedAt       time.Time          `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updatedAt"`
}

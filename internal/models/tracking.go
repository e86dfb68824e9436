package models

import (
	"time"

	"transport-backend/pkg/geo"
)

type Coordinates struct {
	Lat float64 `bson:"lat" json:"lat"`
	Lng float64 `bson:"lng" json:"lng"`
}

func (c Coordinates) Point() geo.Point {
	return geo.Point{Lat: c.Lat, Lng: c.Lng}
}

// LocationReport is one raw position sample sent by the driver's device.
type LocationReport struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	Speed     *float64  `json:"speed,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
}

type TrackPoint struct {
	Lat       float64   `bson:"lat" json:"lat"`
	Lng       float64   `bson:"lng" json:"lng"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Speed     *float64  `bson:"speed,omitempty" json:"speed,omitempty"`
	Accuracy  *float64  `bson:"accuracy,omitempty" json:"accuracy,omitempty"`
}

func (p TrackPoint) Point() geo.Point {
	return geo.Point{Lat: p.Lat, Lng: p.Lng}
}

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Snapshot is the latest computed telemetry of a tracking session. Snapshots
// are immutable once published; Seq grows by one per accepted report.
type Snapshot struct {
	SessionID           string        `bson:"session_id" json:"sessionId"`
	AssignmentID        string        `bson:"assignment_id" json:"assignmentId"`
	RequestID           string        `bson:"request_id" json:"requestId"`
	VehicleID           string        `bson:"vehicle_id" json:"vehicleId"`
	DriverID            string        `bson:"driver_id" json:"driverId"`
	Seq                 uint64        `bson:"seq" json:"seq"`
	Status              SessionStatus `bson:"status" json:"status"`
	Current             *TrackPoint   `bson:"current,omitempty" json:"current,omitempty"`
	Heading             *float64      `bson:"heading,omitempty" json:"heading,omitempty"`
	IsMoving            bool          `bson:"is_moving" json:"isMoving"`
	DistanceRemainingKm *float64      `bson:"distance_remaining_km,omitempty" json:"distanceRemainingKm,omitempty"`
	ETA                 *time.Time    `bson:"eta,omitempty" json:"eta,omitempty"`
	ProgressPct         *float64      `bson:"progress_pct,omitempty" json:"progressPct,omitempty"`
	Origin              *Coordinates  `bson:"origin,omitempty" json:"origin,omitempty"`
	Destination         *Coordinates  `bson:"destination,omitempty" json:"destination,omitempty"`
	PathHistory         []TrackPoint  `bson:"path_history" json:"pathHistory"`
	StartedAt           time.Time     `bson:"started_at" json:"startedAt"`
	UpdatedAt           time.Time     `bson:"updated_at" json:"updatedAt"`
	ClosedAt            *time.Time    `bson:"closed_at,omitempty" json:"closedAt,omitempty"`
}

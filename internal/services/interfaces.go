package services

import (
	"context"
	"time"

	"transport-backend/internal/models"
	"transport-backend/internal/repository"
)

// ResourceCatalog is the read side over vehicles and drivers.
type ResourceCatalog interface {
	ListVehicles(ctx context.Context, filter models.VehicleFilter) ([]*models.Vehicle, error)
	ListDrivers(ctx context.Context, filter models.DriverFilter) ([]*models.Driver, error)
	FindVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	FindDriver(ctx context.Context, id string) (*models.Driver, error)
}

type RequestStore interface {
	FindRequest(ctx context.Context, id string) (*models.Request, error)
	RejectRequest(ctx context.Context, id, reason, actor string, at time.Time) (*models.Request, error)
	CountRequestsByStatus(ctx context.Context) (map[models.RequestStatus]int, error)
}

// AssignmentStore owns the transactional unit of work around assignments.
type AssignmentStore interface {
	CommitAssignment(ctx context.Context, cmd repository.CommitAssignment) (*models.Assignment, error)
	ApplyTransition(ctx context.Context, cmd repository.TransitionCommand) (*repository.TransitionResult, error)
	CancelRequest(ctx context.Context, id, actor string, at time.Time) (*repository.CancelResult, error)
	FindAssignment(ctx context.Context, id string) (*models.Assignment, error)
	ListActiveAssignments(ctx context.Context) ([]*models.Assignment, error)
	ListOverlapping(ctx context.Context, window models.Window) ([]*models.Assignment, error)
	SavePathHistory(ctx context.Context, assignmentID string, path []models.TrackPoint) error
}

type SnapshotStore interface {
	UpsertSnapshots(ctx context.Context, snapshots []*models.Snapshot) error
	FindSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error)
}

// Store is satisfied by repository.MemoryStore and repository.MongoStore.
type Store interface {
	ResourceCatalog
	RequestStore
	AssignmentStore
	SnapshotStore
}

// TripTracker opens and closes the tracking session owned by an assignment.
type TripTracker interface {
	OpenSession(a *models.Assignment, r *models.Request) (*models.Snapshot, error)
	CloseSession(sessionID string, at time.Time) (*models.Snapshot, error)
}

// SnapshotSink receives every published snapshot for persistence. AddSnapshot
// must not block.
type SnapshotSink interface {
	AddSnapshot(snapshot *models.Snapshot) error
}

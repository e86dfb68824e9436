package repository

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/multierr"
)

// MongoStore bundles the collection repositories behind one value so it can
// stand in wherever a MemoryStore is used.
type MongoStore struct {
	*VehicleRepository
	*DriverRepository
	*RequestRepository
	*AssignmentRepository
	*SnapshotRepository
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		VehicleRepository:    NewVehicleRepository(db),
		DriverRepository:     NewDriverRepository(db),
		RequestRepository:    NewRequestRepository(db),
		AssignmentRepository: NewAssignmentRepository(db),
		SnapshotRepository:   NewSnapshotRepository(db),
	}
}

func (s *MongoStore) CreateIndexes(ctx context.Context) error {
	return multierr.Combine(
		s.VehicleRepository.CreateIndexes(ctx),
		s.DriverRepository.CreateIndexes(ctx),
		s.RequestRepository.CreateIndexes(ctx),
		s.AssignmentRepository.CreateIndexes(ctx),
		s.SnapshotRepository.CreateIndexes(ctx),
	)
}

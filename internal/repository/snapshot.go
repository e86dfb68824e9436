package repository

import (
	"context"
	"errors"

	"transport-backend/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SnapshotRepository persists the latest snapshot per tracking session so
// sessions can be recovered after a restart.
type SnapshotRepository struct {
	collection *mongo.Collection
}

func NewSnapshotRepository(db *mongo.Database) *SnapshotRepository {
	return &SnapshotRepository{
		collection: db.Collection("tracking_snapshots"),
	}
}

// UpsertSnapshots writes each snapshot unless a newer one is already stored.
func (r *SnapshotRepository) UpsertSnapshots(ctx context.Context, snapshots []*models.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	writes := make([]mongo.WriteModel, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap == nil {
			continue
		}
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"session_id": snap.SessionID, "seq": bson.M{"$lte": snap.Seq}}).
			SetReplacement(snap).
			SetUpsert(true))
	}

	_, err := r.collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if onlyStaleUpserts(err) {
		// every failed upsert lost to a newer snapshot on the unique index
		return nil
	}
	return err
}

const duplicateKeyCode = 11000

// onlyStaleUpserts reports whether err is a bulk write failure made up of
// duplicate key errors alone. Any other write error, or a write concern
// error, means some snapshot was not stored.
func onlyStaleUpserts(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return false
	}
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != duplicateKeyCode {
			return false
		}
	}
	return true
}

func (r *SnapshotRepository) FindSnapshot(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var snap models.Snapshot
	if err := r.collection.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&snap); err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

func (r *SnapshotRepository) CreateIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

package repository

import (
	"context"
	"errors"
	"time"

	"transport-backend/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type RequestRepository struct {
	collection *mongo.Collection
}

func NewRequestRepository(db *mongo.Database) *RequestRepository {
	return &RequestRepository{
		collection: db.Collection("requests"),
	}
}

func (r *RequestRepository) FindRequest(ctx context.Context, id string) (*models.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	objectID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var request models.Request
	if err := r.collection.FindOne(ctx, bson.M{"_id": objectID}).Decode(&request); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &request, nil
}

// RejectRequest moves a pending request to rejected. Any other status yields ErrInvalidState.
func (r *RequestRepository) RejectRequest(ctx context.Context, id, reason, actor string, at time.Time) (*models.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	objectID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	update := bson.M{"$set": bson.M{
		"status":           models.RequestRejected,
		"rejection_reason": reason,
		"rejected_by":      actor,
		"updated_at":       at,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var request models.Request
	err = r.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": objectID, "status": models.RequestPending}, update, opts).Decode(&request)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, r.missingOrState(ctx, objectID)
	}
	if err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *RequestRepository) CountRequestsByStatus(ctx context.Context) (map[models.RequestStatus]int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status models.RequestStatus `bson:"_id"`
		Count  int                  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	counts := make(map[models.RequestStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// missingOrState distinguishes an unknown request from one in the wrong status.
func (r *RequestRepository) missingOrState(ctx context.Context, id interface{}) error {
	count, err := r.collection.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrInvalidState
}

func (r *RequestRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "requester_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

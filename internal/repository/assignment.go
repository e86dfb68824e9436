package repository

import (
	"context"
	"errors"
	"time"

	"transport-backend/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const txnTimeout = 15 * time.Second

// AssignmentRepository owns every write that spans requests, assignments and
// drivers. Those writes run inside multi-document transactions.
type AssignmentRepository struct {
	client      *mongo.Client
	assignments *mongo.Collection
	requests    *mongo.Collection
	vehicles    *mongo.Collection
	drivers     *mongo.Collection
}

func NewAssignmentRepository(db *mongo.Database) *AssignmentRepository {
	return &AssignmentRepository{
		client:      db.Client(),
		assignments: db.Collection("assignments"),
		requests:    db.Collection("requests"),
		vehicles:    db.Collection("vehicles"),
		drivers:     db.Collection("drivers"),
	}
}

func (r *AssignmentRepository) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, txnTimeout)
	defer cancel()

	session, err := r.client.StartSession()
	if err != nil {
		return nil, err
	}
	defer session.EndSession(ctx)

	opts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	return session.WithTransaction(ctx, fn, opts)
}

// CommitAssignment books the vehicle and driver for the window. Bumping
// booking_version on both documents first makes concurrent commits for the same
// resource collide with a write conflict, so the loser re-runs and sees the
// winner's assignment.
func (r *AssignmentRepository) CommitAssignment(ctx context.Context, cmd CommitAssignment) (*models.Assignment, error) {
	a := cmd.Assignment
	if a.ID.IsZero() {
		a.ID = primitive.NewObjectID()
	}

	result, err := r.withTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		bump := bson.M{"$inc": bson.M{"booking_version": 1}}

		var vehicle models.Vehicle
		if err := r.vehicles.FindOneAndUpdate(sc, bson.M{"_id": a.VehicleID}, bump).Decode(&vehicle); err != nil {
			return nil, notFound(err)
		}
		var driver models.Driver
		if err := r.drivers.FindOneAndUpdate(sc, bson.M{"_id": a.DriverID}, bump).Decode(&driver); err != nil {
			return nil, notFound(err)
		}
		if !cmd.Override && !eligible(&vehicle, &driver) {
			return nil, ErrIneligible
		}

		var request models.Request
		if err := r.requests.FindOne(sc, bson.M{"_id": a.RequestID}).Decode(&request); err != nil {
			return nil, notFound(err)
		}
		if !request.Status.Assignable() {
			return nil, ErrInvalidState
		}

		existing, err := r.assignments.CountDocuments(sc, bson.M{
			"request_id": a.RequestID,
			"status":     bson.M{"$in": models.ActiveAssignmentStatuses},
		})
		if err != nil {
			return nil, err
		}
		if existing > 0 {
			return nil, ErrInvalidState
		}

		conflict, err := r.findConflict(sc, a.VehicleID, a.DriverID, a.Window)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			return nil, conflict
		}

		a.Status = models.AssignmentAssigned
		a.AssignedAt = cmd.At
		a.UpdatedAt = cmd.At
		if _, err := r.assignments.InsertOne(sc, a); err != nil {
			return nil, err
		}

		set := bson.M{"status": models.RequestApproved, "updated_at": cmd.At}
		if request.Status == models.RequestPending {
			set["approved_by"] = cmd.ApprovedBy
			set["approved_at"] = cmd.At
		}
		if _, err := r.requests.UpdateOne(sc, bson.M{"_id": a.RequestID}, bson.M{"$set": set}); err != nil {
			return nil, err
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Assignment), nil
}

func (r *AssignmentRepository) findConflict(ctx context.Context, vehicleID, driverID primitive.ObjectID, window models.Window) (*ConflictError, error) {
	overlapping := func(field string, id primitive.ObjectID) (*models.Assignment, error) {
		filter := bson.M{
			field:                        id,
			"status":                     bson.M{"$in": models.ActiveAssignmentStatuses},
			"window.estimated_departure": bson.M{"$lt": window.Arrival},
			"window.estimated_arrival":   bson.M{"$gt": window.Departure},
		}
		var found models.Assignment
		err := r.assignments.FindOne(ctx, filter).Decode(&found)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &found, nil
	}

	vehicleConflict, err := overlapping("vehicle_id", vehicleID)
	if err != nil {
		return nil, err
	}
	driverConflict, err := overlapping("driver_id", driverID)
	if err != nil {
		return nil, err
	}
	if vehicleConflict == nil && driverConflict == nil {
		return nil, nil
	}
	return &ConflictError{Window: window, Vehicle: vehicleConflict, Driver: driverConflict}, nil
}

// ApplyTransition compare-and-sets the assignment status and carries the
// request status and driver availability along in the same transaction.
func (r *AssignmentRepository) ApplyTransition(ctx context.Context, cmd TransitionCommand) (*TransitionResult, error) {
	objectID, err := parseID(cmd.AssignmentID)
	if err != nil {
		return nil, err
	}

	result, err := r.withTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var current models.Assignment
		if err := r.assignments.FindOne(sc, bson.M{"_id": objectID}).Decode(&current); err != nil {
			return nil, notFound(err)
		}
		next, ok := models.NextStatus(current.Status, cmd.Action)
		if !ok {
			return nil, ErrInvalidTransition
		}

		updated := current
		updated.ApplyTransition(next, cmd.Actor, cmd.At)

		set := bson.M{"status": next, "updated_at": cmd.At}
		switch next {
		case models.AssignmentInProgress:
			set["started_at"] = cmd.At
		case models.AssignmentCompleted:
			set["completed_at"] = cmd.At
		case models.AssignmentCancelled:
			set["cancelled_at"] = cmd.At
			set["cancelled_by"] = cmd.Actor
		}
		res, err := r.assignments.UpdateOne(sc,
			bson.M{"_id": objectID, "status": current.Status}, bson.M{"$set": set})
		if err != nil {
			return nil, err
		}
		if res.ModifiedCount == 0 {
			return nil, ErrInvalidTransition
		}

		if err := r.updateDriverForTransition(sc, current.DriverID, current.Status, cmd); err != nil {
			return nil, err
		}

		var request models.Request
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		err = r.requests.FindOneAndUpdate(sc, bson.M{"_id": current.RequestID}, bson.M{"$set": bson.M{
			"status":     models.RequestStatusAfter(cmd.Action),
			"updated_at": cmd.At,
		}}, opts).Decode(&request)
		if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}

		out := &TransitionResult{Assignment: &updated, Previous: current.Status}
		if err == nil {
			out.Request = &request
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*TransitionResult), nil
}

func (r *AssignmentRepository) updateDriverForTransition(ctx context.Context, driverID primitive.ObjectID, previous models.AssignmentStatus, cmd TransitionCommand) error {
	var update bson.M
	switch {
	case cmd.Action == models.ActionStart:
		update = bson.M{"$set": bson.M{"is_available": false, "updated_at": cmd.At}}
	case previous == models.AssignmentInProgress && cmd.Action == models.ActionComplete:
		update = bson.M{
			"$set": bson.M{"is_available": true, "updated_at": cmd.At},
			"$inc": bson.M{"completed_trips": 1},
		}
	case previous == models.AssignmentInProgress:
		update = bson.M{"$set": bson.M{"is_available": true, "updated_at": cmd.At}}
	default:
		return nil
	}
	_, err := r.drivers.UpdateOne(ctx, bson.M{"_id": driverID}, update)
	return err
}

// CancelRequest cancels a pending or approved request together with its active assignment.
func (r *AssignmentRepository) CancelRequest(ctx context.Context, id, actor string, at time.Time) (*CancelResult, error) {
	objectID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	result, err := r.withTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		var request models.Request
		err := r.requests.FindOneAndUpdate(sc,
			bson.M{"_id": objectID, "status": bson.M{"$in": []models.RequestStatus{models.RequestPending, models.RequestApproved}}},
			bson.M{"$set": bson.M{"status": models.RequestCancelled, "cancelled_by": actor, "updated_at": at}},
			opts).Decode(&request)
		if errors.Is(err, mongo.ErrNoDocuments) {
			count, countErr := r.requests.CountDocuments(sc, bson.M{"_id": objectID})
			if countErr != nil {
				return nil, countErr
			}
			if count == 0 {
				return nil, ErrNotFound
			}
			return nil, ErrInvalidState
		}
		if err != nil {
			return nil, err
		}

		out := &CancelResult{Request: &request}
		var assignment models.Assignment
		err = r.assignments.FindOneAndUpdate(sc,
			bson.M{"request_id": objectID, "status": models.AssignmentAssigned},
			bson.M{"$set": bson.M{
				"status":       models.AssignmentCancelled,
				"cancelled_at": at,
				"cancelled_by": actor,
				"updated_at":   at,
			}}, opts).Decode(&assignment)
		switch {
		case err == nil:
			out.Assignment = &assignment
		case !errors.Is(err, mongo.ErrNoDocuments):
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*CancelResult), nil
}

func (r *AssignmentRepository) FindAssignment(ctx context.Context, id string) (*models.Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	objectID, err := parseID(id)
	if err != nil {
		return nil, err
	}
	var assignment models.Assignment
	if err := r.assignments.FindOne(ctx, bson.M{"_id": objectID}).Decode(&assignment); err != nil {
		return nil, notFound(err)
	}
	return &assignment, nil
}

func (r *AssignmentRepository) ListActiveAssignments(ctx context.Context) ([]*models.Assignment, error) {
	return r.list(ctx, bson.M{"status": bson.M{"$in": models.ActiveAssignmentStatuses}})
}

func (r *AssignmentRepository) ListOverlapping(ctx context.Context, window models.Window) ([]*models.Assignment, error) {
	return r.list(ctx, bson.M{
		"status":                     bson.M{"$in": models.ActiveAssignmentStatuses},
		"window.estimated_departure": bson.M{"$lt": window.Arrival},
		"window.estimated_arrival":   bson.M{"$gt": window.Departure},
	})
}

func (r *AssignmentRepository) list(ctx context.Context, filter bson.M) ([]*models.Assignment, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "window.estimated_departure", Value: 1}})
	cursor, err := r.assignments.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var assignments []*models.Assignment
	if err := cursor.All(ctx, &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

// SavePathHistory freezes the final path of a closed session onto its assignment.
func (r *AssignmentRepository) SavePathHistory(ctx context.Context, assignmentID string, path []models.TrackPoint) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	objectID, err := parseID(assignmentID)
	if err != nil {
		return err
	}
	res, err := r.assignments.UpdateOne(ctx, bson.M{"_id": objectID},
		bson.M{"$set": bson.M{"path_history": path}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AssignmentRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "vehicle_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "window.estimated_departure", Value: 1}}},
	}
	_, err := r.assignments.Indexes().CreateMany(ctx, indexes)
	return err
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"live-quiz-service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

type SessionRepository struct {
	Col *mongo.Collection
}

func NewSessionRepository(db *mongo.Database) *SessionRepository {
	return &SessionRepository{Col: db.Collection("sessions")}
}

func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	_, err := r.Col.InsertOne(ctx, session)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	err := r.Col.FindOne(ctx, bson.M{"_id": id}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepository) CompareAndSwapStatus(ctx context.Context, id string, from, to models.SessionStatus, patch models.SessionPatch) (bool, error) {
	set := bson.M{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if patch.StartedBy != "" {
		set["started_by"] = patch.StartedBy
	}
	if patch.CountdownEndsAt != nil {
		set["countdown_ends_at"] = *patch.CountdownEndsAt
	}
	if patch.StartedAt != nil {
		set["started_at"] = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		set["completed_at"] = *patch.CompletedAt
	}
	if patch.CompletionReason != "" {
		set["completion_reason"] = patch.CompletionReason
	}

	res, err := r.Col.UpdateOne(ctx, bson.M{"_id": id, "status": from}, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("failed to update session status: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	// Tell a lost race apart from a missing session.
	n, err := r.Col.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *SessionRepository) ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	cur, err := r.Col.Find(ctx, bson.M{"status": bson.M{"$in": statuses}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var sessions []models.Session
	if err := cur.All(ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *SessionRepository) CountOpenByGroup(ctx context.Context, groupID string) (int64, error) {
	return r.Col.CountDocuments(ctx, bson.M{
		"group_id": groupID,
		"status": bson.M{"$in": []models.SessionStatus{
			models.StatusScheduled,
			models.StatusLobby,
			models.StatusStarting,
			models.StatusActive,
		}},
	})
}

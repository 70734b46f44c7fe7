package repository

import (
	"context"
	"errors"
	"fmt"

	"live-quiz-service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type ProgressRepository struct {
	Col *mongo.Collection
}

func NewProgressRepository(db *mongo.Database) *ProgressRepository {
	return &ProgressRepository{Col: db.Collection("progress")}
}

func (r *ProgressRepository) FindByID(ctx context.Context, sessionID, userID string) (*models.ProgressRecord, error) {
	var record models.ProgressRecord
	err := r.Col.FindOne(ctx, bson.M{"_id": models.Key(sessionID, userID)}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *ProgressRepository) Upsert(ctx context.Context, record *models.ProgressRecord) error {
	record.ID = models.Key(record.SessionID, record.UserID)
	_, err := r.Col.ReplaceOne(ctx, bson.M{"_id": record.ID}, record, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert progress: %w", err)
	}
	return nil
}

func (r *ProgressRepository) ListBySession(ctx context.Context, sessionID string) ([]models.ProgressRecord, error) {
	cur, err := r.Col.Find(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var records []models.ProgressRecord
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

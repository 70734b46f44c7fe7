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

type ResultRepository struct {
	Col *mongo.Collection
}

func NewResultRepository(db *mongo.Database) *ResultRepository {
	return &ResultRepository{Col: db.Collection("results")}
}

func (r *ResultRepository) FindByID(ctx context.Context, sessionID, userID string) (*models.QuizResult, error) {
	var result models.QuizResult
	err := r.Col.FindOne(ctx, bson.M{"_id": models.Key(sessionID, userID)}).Decode(&result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *ResultRepository) Insert(ctx context.Context, result *models.QuizResult) (bool, error) {
	result.ID = models.Key(result.SessionID, result.UserID)
	_, err := r.Col.InsertOne(ctx, result)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert result: %w", err)
	}
	return true, nil
}

func (r *ResultRepository) Upsert(ctx context.Context, result *models.QuizResult) error {
	result.ID = models.Key(result.SessionID, result.UserID)
	_, err := r.Col.ReplaceOne(ctx, bson.M{"_id": result.ID}, result, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert result: %w", err)
	}
	return nil
}

func (r *ResultRepository) ListBySession(ctx context.Context, sessionID string) ([]models.QuizResult, error) {
	cur, err := r.Col.Find(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []models.QuizResult
	if err := cur.All(ctx, &results); err != nil {
		return nil, err
	}
	return results, nil
}

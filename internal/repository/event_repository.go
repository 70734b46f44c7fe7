package repository

import (
	"context"
	"fmt"
	"iter"

	"live-quiz-service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type EventRepository struct {
	Col *mongo.Collection
}

func NewEventRepository(db *mongo.Database) *EventRepository {
	return &EventRepository{Col: db.Collection("progress_events")}
}

func (r *EventRepository) Append(ctx context.Context, event *models.ProgressEvent) error {
	if _, err := r.Col.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("failed to append progress event: %w", err)
	}
	return nil
}

func (r *EventRepository) Stream(ctx context.Context, sessionID, userID string) iter.Seq2[models.ProgressEvent, error] {
	return func(yield func(models.ProgressEvent, error) bool) {
		filter := bson.M{"session_id": sessionID}
		if userID != "" {
			filter["user_id"] = userID
		}
		opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})

		cur, err := r.Col.Find(ctx, filter, opts)
		if err != nil {
			yield(models.ProgressEvent{}, err)
			return
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			var ev models.ProgressEvent
			if err := cur.Decode(&ev); err != nil {
				yield(models.ProgressEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(models.ProgressEvent{}, err)
		}
	}
}

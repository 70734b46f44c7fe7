package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// NewMongoStore wires every collection to the given database.
func NewMongoStore(db *mongo.Database) *Store {
	return &Store{
		Sessions:     NewSessionRepository(db),
		Participants: NewParticipantRepository(db),
		Progress:     NewProgressRepository(db),
		Events:       NewEventRepository(db),
		Results:      NewResultRepository(db),
	}
}

// CreateIndexes declares the secondary indexes the list queries rely on.
func CreateIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		"sessions": {
			{Keys: bson.D{{Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		"participants": {
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "joined_at", Value: 1}}},
			{Keys: bson.D{{Key: "online", Value: 1}}},
		},
		"progress": {
			{Keys: bson.D{{Key: "session_id", Value: 1}}},
		},
		"progress_events": {
			{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "timestamp", Value: 1}}},
		},
		"results": {
			{Keys: bson.D{{Key: "session_id", Value: 1}}},
		},
	}

	for name, models := range indexes {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}
	return nil
}

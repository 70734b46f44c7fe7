package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"live-quiz-service/internal/models"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type ParticipantRepository struct {
	Col *mongo.Collection
}

func NewParticipantRepository(db *mongo.Database) *ParticipantRepository {
	return &ParticipantRepository{Col: db.Collection("participants")}
}

func (r *ParticipantRepository) FindByID(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	var p models.Participant
	err := r.Col.FindOne(ctx, bson.M{"_id": models.Key(sessionID, userID)}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ParticipantRepository) Join(ctx context.Context, p *models.Participant) (*models.Participant, error) {
	filter := bson.M{"_id": models.Key(p.SessionID, p.UserID)}
	update := bson.M{
		"$set": bson.M{
			"online":       true,
			"ever_online":  true,
			"last_seen":    p.LastSeen,
			"display_name": p.DisplayName,
		},
		"$setOnInsert": bson.M{
			"session_id": p.SessionID,
			"user_id":    p.UserID,
			"role":       p.Role,
			"joined_at":  p.JoinedAt,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var stored models.Participant
	if err := r.Col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to upsert participant: %w", err)
	}
	return &stored, nil
}

func (r *ParticipantRepository) MarkPresence(ctx context.Context, sessionID, userID string, online bool, at time.Time) (*models.Participant, error) {
	set := bson.M{"online": online, "last_seen": at}
	if online {
		set["ever_online"] = true
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var before models.Participant
	err := r.Col.FindOneAndUpdate(ctx, bson.M{"_id": models.Key(sessionID, userID)}, bson.M{"$set": set}, opts).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update presence: %w", err)
	}
	return &before, nil
}

func (r *ParticipantRepository) ListBySession(ctx context.Context, sessionID string) ([]models.Participant, error) {
	return r.find(ctx, bson.M{"session_id": sessionID})
}

func (r *ParticipantRepository) ListOnline(ctx context.Context) ([]models.Participant, error) {
	return r.find(ctx, bson.M{"online": true})
}

func (r *ParticipantRepository) find(ctx context.Context, filter bson.M) ([]models.Participant, error) {
	opts := options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}})
	cur, err := r.Col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var participants []models.Participant
	if err := cur.All(ctx, &participants); err != nil {
		return nil, err
	}
	return participants, nil
}

package models

import "time"

type ProgressRecord struct {
	ID                   string    `bson:"_id" json:"-"`
	SessionID            string    `bson:"session_id" json:"session_id"`
	UserID               string    `bson:"user_id" json:"user_id"`
	CurrentQuestionIndex int       `bson:"current_question_index" json:"current_question_index"`
	TotalAnswered        int       `bson:"total_answered" json:"total_answered"`
	CorrectAnswers       int       `bson:"correct_answers" json:"correct_answers"`
	TimeSpentSeconds     int       `bson:"time_spent_seconds" json:"time_spent_seconds"`
	ConfidenceLevel      *int      `bson:"confidence_level,omitempty" json:"confidence_level,omitempty"`
	Completed            bool      `bson:"completed" json:"completed"`
	LastActivityAt       time.Time `bson:"last_activity_at" json:"last_activity_at"`
}

// NewProgressRecord returns the initial record for a participant.
func NewProgressRecord(sessionID, userID string) *ProgressRecord {
	return &ProgressRecord{
		ID:        Key(sessionID, userID),
		SessionID: sessionID,
		UserID:    userID,
	}
}

type EventType string

const (
	EventQuestionAnswered EventType = "question_answered"
	EventSessionJoined    EventType = "session_joined"
	EventSessionLeft      EventType = "session_left"
	EventCompleted        EventType = "completed"
)

type EventPayload struct {
	QuestionIndex    *int   `bson:"question_index,omitempty" json:"question_index,omitempty"`
	QuestionID       string `bson:"question_id,omitempty" json:"question_id,omitempty"`
	Answer           string `bson:"answer,omitempty" json:"answer,omitempty"`
	Correct          *bool  `bson:"correct,omitempty" json:"correct,omitempty"`
	TimeSpentSeconds int    `bson:"time_spent_seconds,omitempty" json:"time_spent_seconds,omitempty"`
	Confidence       *int   `bson:"confidence,omitempty" json:"confidence,omitempty"`
}

// ProgressEvent is written once and never updated.
type ProgressEvent struct {
	ID        string       `bson:"_id" json:"id"`
	SessionID string       `bson:"session_id" json:"session_id"`
	UserID    string       `bson:"user_id" json:"user_id"`
	Type      EventType    `bson:"type" json:"type"`
	Payload   EventPayload `bson:"payload" json:"payload"`
	Timestamp time.Time    `bson:"timestamp" json:"timestamp"`
}

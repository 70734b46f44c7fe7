package models

import "time"

type QuizResult struct {
	ID               string         `bson:"_id" json:"-"`
	SessionID        string         `bson:"session_id" json:"session_id"`
	UserID           string         `bson:"user_id" json:"user_id"`
	Score            float64        `bson:"score" json:"score"`
	TotalQuestions   int            `bson:"total_questions" json:"total_questions"`
	CorrectAnswers   int            `bson:"correct_answers" json:"correct_answers"`
	TimeTakenSeconds int            `bson:"time_taken_seconds" json:"time_taken_seconds"`
	Payload          map[string]any `bson:"payload,omitempty" json:"payload,omitempty"`
	CompletedAt      time.Time      `bson:"completed_at" json:"completed_at"`
}

type RankedResult struct {
	Rank             int     `json:"rank"`
	UserID           string  `json:"user_id"`
	DisplayName      string  `json:"display_name"`
	Score            float64 `json:"score"`
	CorrectAnswers   int     `json:"correct_answers"`
	TotalQuestions   int     `json:"total_questions"`
	TimeTakenSeconds int     `json:"time_taken_seconds"`
}

type ResultSummary struct {
	SessionID        string         `json:"session_id"`
	Status           SessionStatus  `json:"status"`
	ParticipantCount int            `json:"participant_count"`
	CompletedCount   int            `json:"completed_count"`
	AverageScore     float64        `json:"average_score"`
	HighestScore     float64        `json:"highest_score"`
	CompletionRate   float64        `json:"completion_rate"`
	Ranking          []RankedResult `json:"ranking"`
}

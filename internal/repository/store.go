package repository

import (
	"context"
	"errors"
	"iter"
	"time"

	"live-quiz-service/internal/models"
)

// ErrNotFound is returned by point reads when the document is absent.
var ErrNotFound = errors.New("record not found")

type Sessions interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	// CompareAndSwapStatus writes `to` only while the stored status equals
	// `from`. It returns false when the stored status differs.
	CompareAndSwapStatus(ctx context.Context, id string, from, to models.SessionStatus, patch models.SessionPatch) (bool, error)
	ListByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error)
	CountOpenByGroup(ctx context.Context, groupID string) (int64, error)
}

type Participants interface {
	FindByID(ctx context.Context, sessionID, userID string) (*models.Participant, error)
	// Join creates the participant on first call and marks it online. The
	// stored document after the write is returned.
	Join(ctx context.Context, p *models.Participant) (*models.Participant, error)
	// MarkPresence sets the online flag and last-seen time and returns the
	// document as it was before the write.
	MarkPresence(ctx context.Context, sessionID, userID string, online bool, at time.Time) (*models.Participant, error)
	ListBySession(ctx context.Context, sessionID string) ([]models.Participant, error)
	ListOnline(ctx context.Context) ([]models.Participant, error)
}

type Progress interface {
	FindByID(ctx context.Context, sessionID, userID string) (*models.ProgressRecord, error)
	Upsert(ctx context.Context, record *models.ProgressRecord) error
	ListBySession(ctx context.Context, sessionID string) ([]models.ProgressRecord, error)
}

type Events interface {
	Append(ctx context.Context, event *models.ProgressEvent) error
	// Stream yields events ordered by timestamp. An empty userID selects the
	// whole session. Each range runs a fresh query.
	Stream(ctx context.Context, sessionID, userID string) iter.Seq2[models.ProgressEvent, error]
}

type Results interface {
	FindByID(ctx context.Context, sessionID, userID string) (*models.QuizResult, error)
	// Insert stores the result unless one already exists for the participant,
	// in which case it returns false.
	Insert(ctx context.Context, result *models.QuizResult) (bool, error)
	Upsert(ctx context.Context, result *models.QuizResult) error
	ListBySession(ctx context.Context, sessionID string) ([]models.QuizResult, error)
}

// Store groups the collections the live session engine reads and writes.
type Store struct {
	Sessions     Sessions
	Participants Participants
	Progress     Progress
	Events       Events
	Results      Results
}

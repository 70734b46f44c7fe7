package event

import (
	"context"
	"time"

	"live-quiz-service/internal/models"
)

const (
	TypeSessionStatusChanged = "session.status_changed"
	TypePresenceChanged      = "participant.presence_changed"
	TypeProgressUpdated      = "progress.updated"
	TypeResultSubmitted      = "result.submitted"
	TypeSummaryReady         = "session.summary_ready"
)

// Envelope is a row-change notification. Subscribers treat it as a hint and
// re-read canonical state from the store.
type Envelope struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	SessionID  string               `json:"session_id"`
	UserID     string               `json:"user_id,omitempty"`
	Status     models.SessionStatus `json:"status,omitempty"`
	Online     *bool                `json:"online,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

type Handler func(ctx context.Context, env Envelope)

// Bus is a publish/subscribe channel keyed by session id. Delivery is
// at-least-once and may be reordered.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, sessionID string, handler Handler) (unsubscribe func(), err error)
	Close() error
}

package progress

import (
	"context"
	"log"
	"sync"
	"time"

	"live-quiz-service/internal/metrics"
	"live-quiz-service/internal/models"
	"live-quiz-service/internal/repository"

	"github.com/google/uuid"
)

// EventLog appends ProgressEvents in the background. Append failures are
// logged and counted, never returned to the caller.
type EventLog struct {
	repo    repository.Events
	now     func() time.Time
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewEventLog(repo repository.Events, now func() time.Time) *EventLog {
	if now == nil {
		now = time.Now
	}
	return &EventLog{repo: repo, now: now, timeout: 5 * time.Second}
}

// Record stamps the event now and writes it asynchronously.
func (l *EventLog) Record(sessionID, userID string, typ models.EventType, payload models.EventPayload) {
	ev := &models.ProgressEvent{
		ID:        newEventID(),
		SessionID: sessionID,
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		Timestamp: l.now().UTC(),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		if err := l.repo.Append(ctx, ev); err != nil {
			metrics.EventLogFailures.Inc()
			log.Printf("[EventLog] warning: failed to log %s for %s in session %s: %v", typ, userID, sessionID, err)
		}
	}()
}

// Wait blocks until every pending append has finished.
func (l *EventLog) Wait() {
	l.wg.Wait()
}

// newEventID returns a time-ordered id so equal timestamps still sort by
// creation order.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

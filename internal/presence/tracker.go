package presence

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"live-quiz-service/internal/apperr"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/metrics"
	"live-quiz-service/internal/models"
	"live-quiz-service/internal/repository"
)

// Recorder appends membership events to the progress event log.
type Recorder interface {
	Record(sessionID, userID string, typ models.EventType, payload models.EventPayload)
}

type Options struct {
	// Timeout is how long a participant stays online without a heartbeat.
	Timeout time.Duration
	Now     func() time.Time
}

// Tracker maintains the online flag and last-seen time of participants.
type Tracker struct {
	participants repository.Participants
	leases       LeaseStore
	bus          event.Bus
	recorder     Recorder
	timeout      time.Duration
	now          func() time.Time

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

func NewTracker(participants repository.Participants, leases LeaseStore, bus event.Bus, recorder Recorder, opts Options) *Tracker {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		participants: participants,
		leases:       leases,
		bus:          bus,
		recorder:     recorder,
		timeout:      opts.Timeout,
		now:          opts.Now,
		lastWrite:    make(map[string]time.Time),
	}
}

// Join creates the participant on first call and marks it online. Repeated
// joins keep the original role and join time.
func (t *Tracker) Join(ctx context.Context, sessionID, userID, displayName string, role models.Role) (*models.Participant, error) {
	now := t.now().UTC()
	was, err := t.participants.FindByID(ctx, sessionID, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Wrap(apperr.PersistenceFailure, "presence.join", err)
	}

	p, err := t.participants.Join(ctx, &models.Participant{
		ID:          models.Key(sessionID, userID),
		SessionID:   sessionID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
		JoinedAt:    now,
		LastSeen:    now,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, "presence.join", err)
	}
	t.renew(ctx, sessionID, userID, now)

	if was == nil || !was.Online {
		t.changed(ctx, sessionID, userID, true, "join")
	}
	if t.recorder != nil {
		t.recorder.Record(sessionID, userID, models.EventSessionJoined, models.EventPayload{})
	}
	return p, nil
}

// Heartbeat renews the participant's lease. The stored last-seen time is
// refreshed at most once per half timeout unless the participant was offline.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	const op = "presence.heartbeat"
	now := t.now().UTC()

	p, err := t.participants.FindByID(ctx, sessionID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.E(apperr.NotFound, op, "participant has not joined the session")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
	}

	key := models.Key(sessionID, userID)
	t.mu.Lock()
	last, seen := t.lastWrite[key]
	t.mu.Unlock()

	if p.Online && seen && now.Sub(last) < t.timeout/2 {
		if err := t.leases.Touch(ctx, sessionID, userID, t.timeout); err != nil {
			log.Printf("[Presence] %v", err)
		}
		return p, nil
	}

	before, err := t.participants.MarkPresence(ctx, sessionID, userID, true, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
	}
	t.renew(ctx, sessionID, userID, now)
	if !before.Online {
		t.changed(ctx, sessionID, userID, true, "heartbeat")
	}

	after := *before
	after.Online, after.EverOnline, after.LastSeen = true, true, now
	return &after, nil
}

// Leave marks the participant offline. Leaving twice is not an error.
func (t *Tracker) Leave(ctx context.Context, sessionID, userID string) (*models.Participant, error) {
	const op = "presence.leave"
	now := t.now().UTC()

	before, err := t.participants.MarkPresence(ctx, sessionID, userID, false, now)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.E(apperr.NotFound, op, "participant has not joined the session")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
	}
	t.forget(ctx, sessionID, userID)

	if before.Online {
		t.changed(ctx, sessionID, userID, false, "leave")
		if t.recorder != nil {
			t.recorder.Record(sessionID, userID, models.EventSessionLeft, models.EventPayload{})
		}
	}

	after := *before
	after.Online, after.LastSeen = false, now
	return &after, nil
}

// Sweep marks offline every online participant whose lease expired. It
// returns how many participants went offline.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	online, err := t.participants.ListOnline(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.PersistenceFailure, "presence.sweep", err)
	}

	now := t.now().UTC()
	expired := 0
	for _, p := range online {
		alive, err := t.leases.Alive(ctx, p.SessionID, p.UserID)
		if err != nil {
			log.Printf("[Presence] %v, falling back to last seen", err)
			alive = now.Sub(p.LastSeen) < t.timeout
		}
		if alive {
			continue
		}

		before, err := t.participants.MarkPresence(ctx, p.SessionID, p.UserID, false, p.LastSeen)
		if err != nil {
			log.Printf("[Presence] failed to mark %s offline in session %s: %v", p.UserID, p.SessionID, err)
			continue
		}
		t.forget(ctx, p.SessionID, p.UserID)
		if before.Online {
			expired++
			t.changed(ctx, p.SessionID, p.UserID, false, "timeout")
		}
	}
	return expired, nil
}

// Run sweeps on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := t.Sweep(ctx)
			if err != nil {
				log.Printf("[Presence] sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[Presence] %d participant(s) timed out", n)
			}
		}
	}
}

func (t *Tracker) renew(ctx context.Context, sessionID, userID string, at time.Time) {
	if err := t.leases.Touch(ctx, sessionID, userID, t.timeout); err != nil {
		log.Printf("[Presence] %v", err)
	}
	t.mu.Lock()
	t.lastWrite[models.Key(sessionID, userID)] = at
	t.mu.Unlock()
}

func (t *Tracker) forget(ctx context.Context, sessionID, userID string) {
	if err := t.leases.Drop(ctx, sessionID, userID); err != nil {
		log.Printf("[Presence] %v", err)
	}
	t.mu.Lock()
	delete(t.lastWrite, models.Key(sessionID, userID))
	t.mu.Unlock()
}

func (t *Tracker) changed(ctx context.Context, sessionID, userID string, online bool, cause string) {
	metrics.PresenceChanges.WithLabelValues(strconv.FormatBool(online), cause).Inc()
	if t.bus == nil {
		return
	}
	err := t.bus.Publish(ctx, event.Envelope{
		Type:      event.TypePresenceChanged,
		SessionID: sessionID,
		UserID:    userID,
		Online:    &online,
	})
	if err != nil {
		log.Printf("[Presence] failed to publish presence for %s in session %s: %v", userID, sessionID, err)
	}
}

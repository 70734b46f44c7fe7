package readmodel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"live-quiz-service/internal/event"
	"live-quiz-service/internal/models"
	"live-quiz-service/internal/repository"
	"live-quiz-service/internal/results"
)

var ErrSessionNotFound = errors.New("session not found")

// Snapshot is the canonical state of one session as clients render it.
type Snapshot struct {
	Session      *models.Session         `json:"session"`
	Participants []models.Participant    `json:"participants"`
	Progress     []models.ProgressRecord `json:"progress"`
	Summary      *models.ResultSummary   `json:"summary,omitempty"`
}

// Loader reads snapshots straight from the store.
type Loader struct {
	store      *repository.Store
	aggregator *results.Aggregator
}

func NewLoader(store *repository.Store, aggregator *results.Aggregator) *Loader {
	return &Loader{store: store, aggregator: aggregator}
}

func (l *Loader) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	s, err := l.store.Sessions.FindByID(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error loading session: %w", err)
	}

	participants, err := l.store.Participants.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error loading participants: %w", err)
	}
	progress, err := l.store.Progress.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("error loading progress: %w", err)
	}

	snap := &Snapshot{Session: s, Participants: participants, Progress: progress}
	if s.Status == models.StatusCompleted {
		if snap.Summary, err = l.aggregator.Summarize(ctx, s); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// View keeps a session snapshot fresh. Bus envelopes only signal that
// something changed; the view re-reads the store, so duplicated or
// reordered deliveries are harmless and bursts collapse into one reload.
type View struct {
	sessionID string
	load      func(ctx context.Context, sessionID string) (*Snapshot, error)

	mu      sync.RWMutex
	current *Snapshot

	notify      chan struct{}
	updates     chan *Snapshot
	unsubscribe func()
	cancel      context.CancelFunc
	done        chan struct{}
}

// Open loads the first snapshot and subscribes to the session's events.
func Open(ctx context.Context, bus event.Bus, sessionID string, load func(ctx context.Context, sessionID string) (*Snapshot, error)) (*View, error) {
	first, err := load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	v := &View{
		sessionID: sessionID,
		load:      load,
		current:   first,
		notify:    make(chan struct{}, 1),
		updates:   make(chan *Snapshot, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	v.unsubscribe, err = bus.Subscribe(ctx, sessionID, func(context.Context, event.Envelope) {
		select {
		case v.notify <- struct{}{}:
		default:
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error subscribing to session %s: %w", sessionID, err)
	}

	go v.run(ctx)
	return v, nil
}

func (v *View) run(ctx context.Context) {
	defer close(v.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.notify:
		}

		snap, err := v.load(ctx, v.sessionID)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[ReadModel] failed to refresh session %s: %v", v.sessionID, err)
			}
			continue
		}

		v.mu.Lock()
		v.current = snap
		v.mu.Unlock()

		// Keep only the newest snapshot for a slow reader.
		select {
		case <-v.updates:
		default:
		}
		v.updates <- snap
	}
}

// Current returns the latest snapshot.
func (v *View) Current() *Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Updates delivers refreshed snapshots. Intermediate snapshots may be
// skipped.
func (v *View) Updates() <-chan *Snapshot {
	return v.updates
}

func (v *View) Close() {
	v.unsubscribe()
	v.cancel()
	<-v.done
}

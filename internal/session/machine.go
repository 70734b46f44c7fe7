package session

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
	"live-quiz-service/internal/permission"
	"live-quiz-service/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const cancelAttempts = 5

type Options struct {
	// Countdown is the pause between starting and active.
	Countdown time.Duration
	// OnComplete runs after a session reaches completed.
	OnComplete func(ctx context.Context, sessionID string)
	Now        func() time.Time
}

// TransitionResult reports a status change attempt. Applied is false when
// another caller already moved the session or the current status no longer
// allows the move; that is not an error.
type TransitionResult struct {
	SessionID string               `json:"session_id"`
	From      models.SessionStatus `json:"from"`
	To        models.SessionStatus `json:"to"`
	Applied   bool                 `json:"applied"`
	Notice    string               `json:"notice,omitempty"`
}

// Machine drives sessions through their lifecycle. Every transition is a
// compare-and-swap on the stored status, so concurrent callers and other
// instances agree on a single winner.
type Machine struct {
	sessions repository.Sessions
	checker  permission.Checker
	bus      event.Bus
	validate *validator.Validate
	opts     Options

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

func NewMachine(sessions repository.Sessions, checker permission.Checker, bus event.Bus, opts Options) *Machine {
	if opts.Countdown < 0 {
		opts.Countdown = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		sessions: sessions,
		checker:  checker,
		bus:      bus,
		validate: validator.New(),
		opts:     opts,
		timers:   make(map[string]*time.Timer),
	}
}

// Get loads a session.
func (m *Machine) Get(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.sessions.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.E(apperr.NotFound, "session.get", "session not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, "session.get", err)
	}
	return s, nil
}

// Create stores a new session. A future scheduled-at keeps it scheduled until
// the lobby opens; otherwise it goes straight to the lobby.
func (m *Machine) Create(ctx context.Context, actor models.Actor, in models.Session) (*models.Session, error) {
	const op = "session.create"

	if err := m.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.ValidationFailure, op, err)
	}
	if in.Settings.StartPolicy == "" {
		in.Settings.StartPolicy = models.StartAdminOnly
	}
	if in.Settings.RetakePolicy == "" {
		in.Settings.RetakePolicy = models.RetakeNone
	}

	if limit := in.Settings.MaxConcurrentSessions; limit > 0 {
		open, err := m.sessions.CountOpenByGroup(ctx, in.GroupID)
		if err != nil {
			return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
		}
		if open >= int64(limit) {
			return nil, apperr.E(apperr.Conflict, op, "group already runs the maximum number of sessions")
		}
	}

	now := m.opts.Now().UTC()
	s := in
	s.ID = uuid.NewString()
	s.CreatedBy = actor.UserID
	s.CreatedAt, s.UpdatedAt = now, now
	s.StartedBy, s.CountdownEndsAt, s.StartedAt, s.CompletedAt, s.CompletionReason = "", nil, nil, nil, ""
	s.Status = models.StatusLobby
	if s.ScheduledAt != nil && s.ScheduledAt.After(now) {
		s.Status = models.StatusScheduled
	}

	if err := m.sessions.Create(ctx, &s); err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
	}
	log.Printf("[Session] created %s in group %s as %s", s.ID, s.GroupID, s.Status)

	if s.Status == models.StatusScheduled {
		m.arm(s.ID, s.ScheduledAt.Sub(now), m.openLobby)
	}
	m.publish(ctx, s.ID, s.Status)
	return &s, nil
}

// OpenLobby moves a scheduled session into the lobby.
func (m *Machine) OpenLobby(ctx context.Context, id string) (TransitionResult, error) {
	return m.transition(ctx, id, models.StatusScheduled, models.StatusLobby, models.SessionPatch{})
}

// Start begins the countdown. The session turns active once it elapses.
func (m *Machine) Start(ctx context.Context, id string, actor models.Actor) (TransitionResult, error) {
	s, err := m.authorize(ctx, id, actor, "session.start")
	if err != nil {
		return TransitionResult{}, err
	}
	if s.Status != models.StatusLobby {
		return notApplied(s, models.StatusStarting), nil
	}

	endsAt := m.opts.Now().UTC().Add(m.opts.Countdown)
	res, err := m.transition(ctx, id, models.StatusLobby, models.StatusStarting, models.SessionPatch{
		StartedBy:       actor.UserID,
		CountdownEndsAt: &endsAt,
	})
	if err != nil || !res.Applied {
		return res, err
	}
	log.Printf("[Session] %s starting by %s, active at %s", id, actor.UserID, endsAt.Format(time.RFC3339))
	m.arm(id, m.opts.Countdown, m.activate)
	return res, nil
}

// Complete ends an active session for the given reason.
func (m *Machine) Complete(ctx context.Context, id string, reason models.CompletionReason) (TransitionResult, error) {
	now := m.opts.Now().UTC()
	res, err := m.transition(ctx, id, models.StatusActive, models.StatusCompleted, models.SessionPatch{
		CompletedAt:      &now,
		CompletionReason: reason,
	})
	if err != nil || !res.Applied {
		return res, err
	}
	log.Printf("[Session] %s completed: %s", id, reason)
	m.disarm(id)
	if m.opts.OnComplete != nil {
		m.opts.OnComplete(ctx, id)
	}
	return res, nil
}

// ForceComplete ends an active session on behalf of a privileged actor.
func (m *Machine) ForceComplete(ctx context.Context, id string, actor models.Actor) (TransitionResult, error) {
	s, err := m.authorize(ctx, id, actor, "session.force_complete")
	if err != nil {
		return TransitionResult{}, err
	}
	if s.Status != models.StatusActive {
		return notApplied(s, models.StatusCompleted), nil
	}
	return m.Complete(ctx, id, models.CompletedForced)
}

// Cancel moves any non-terminal session to canceled. The swap is retried
// while the status keeps moving under it.
func (m *Machine) Cancel(ctx context.Context, id string, actor models.Actor) (TransitionResult, error) {
	s, err := m.authorize(ctx, id, actor, "session.cancel")
	if err != nil {
		return TransitionResult{}, err
	}

	for attempt := 0; attempt < cancelAttempts; attempt++ {
		if s.Status.Terminal() {
			return notApplied(s, models.StatusCanceled), nil
		}
		res, err := m.transition(ctx, id, s.Status, models.StatusCanceled, models.SessionPatch{})
		if err != nil {
			return res, err
		}
		if res.Applied {
			log.Printf("[Session] %s canceled by %s", id, actor.UserID)
			m.disarm(id)
			return res, nil
		}
		if s, err = m.Get(ctx, id); err != nil {
			return TransitionResult{}, err
		}
	}
	return notApplied(s, models.StatusCanceled), nil
}

// Resume re-arms the timers of sessions left mid-lifecycle by a restart.
func (m *Machine) Resume(ctx context.Context) error {
	open, err := m.sessions.ListByStatus(ctx, models.StatusScheduled, models.StatusStarting, models.StatusActive)
	if err != nil {
		return apperr.Wrap(apperr.PersistenceFailure, "session.resume", err)
	}

	now := m.opts.Now().UTC()
	for _, s := range open {
		switch s.Status {
		case models.StatusScheduled:
			at := now
			if s.ScheduledAt != nil {
				at = *s.ScheduledAt
			}
			m.arm(s.ID, at.Sub(now), m.openLobby)
		case models.StatusStarting:
			at := now
			if s.CountdownEndsAt != nil {
				at = *s.CountdownEndsAt
			}
			m.arm(s.ID, at.Sub(now), m.activate)
		case models.StatusActive:
			if limit := s.Settings.TimeLimit(); limit > 0 && s.StartedAt != nil {
				m.arm(s.ID, s.StartedAt.Add(limit).Sub(now), m.expire)
			}
		}
	}
	log.Printf("[Session] resumed timers for %d session(s)", len(open))
	return nil
}

// Close stops every timer and waits for timer callbacks in flight.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Machine) openLobby(ctx context.Context, id string) {
	if _, err := m.OpenLobby(ctx, id); err != nil {
		log.Printf("[Session] failed to open lobby for %s: %v", id, err)
	}
}

func (m *Machine) activate(ctx context.Context, id string) {
	now := m.opts.Now().UTC()
	res, err := m.transition(ctx, id, models.StatusStarting, models.StatusActive, models.SessionPatch{StartedAt: &now})
	if err != nil {
		log.Printf("[Session] failed to activate %s: %v", id, err)
		return
	}
	if !res.Applied {
		return
	}

	s, err := m.Get(ctx, id)
	if err != nil {
		log.Printf("[Session] failed to reload %s: %v", id, err)
		return
	}
	if limit := s.Settings.TimeLimit(); limit > 0 {
		m.arm(id, limit, m.expire)
	}
}

func (m *Machine) expire(ctx context.Context, id string) {
	if _, err := m.Complete(ctx, id, models.CompletedTimeLimit); err != nil {
		log.Printf("[Session] failed to complete %s on time limit: %v", id, err)
	}
}

func (m *Machine) authorize(ctx context.Context, id string, actor models.Actor, op string) (*models.Session, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := m.checker.CanManage(ctx, actor, s)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
	}
	if !ok {
		return nil, apperr.E(apperr.Forbidden, op, "not allowed to manage this session")
	}
	return s, nil
}

func (m *Machine) transition(ctx context.Context, id string, from, to models.SessionStatus, patch models.SessionPatch) (TransitionResult, error) {
	res := TransitionResult{SessionID: id, From: from, To: to}
	if !from.CanTransition(to) {
		res.Notice = "transition not allowed from " + string(from)
		return res, nil
	}

	applied, err := m.sessions.CompareAndSwapStatus(ctx, id, from, to, patch)
	if errors.Is(err, repository.ErrNotFound) {
		return res, apperr.E(apperr.NotFound, "session.transition", "session not found")
	}
	if err != nil {
		return res, apperr.Wrap(apperr.PersistenceFailure, "session.transition", err)
	}

	metrics.Transitions.WithLabelValues(string(to), strconv.FormatBool(applied)).Inc()
	res.Applied = applied
	if !applied {
		res.Notice = "already transitioned"
		return res, nil
	}
	m.publish(ctx, id, to)
	return res, nil
}

// Conflict returns the benign Conflict outcome of a transition that did not
// apply, or nil.
func (r TransitionResult) Conflict() error {
	if r.Applied {
		return nil
	}
	return apperr.E(apperr.Conflict, "session.transition", r.Notice)
}

func notApplied(s *models.Session, to models.SessionStatus) TransitionResult {
	return TransitionResult{
		SessionID: s.ID,
		From:      s.Status,
		To:        to,
		Notice:    "session is " + string(s.Status),
	}
}

func (m *Machine) publish(ctx context.Context, id string, status models.SessionStatus) {
	if m.bus == nil {
		return
	}
	err := m.bus.Publish(ctx, event.Envelope{
		Type:      event.TypeSessionStatusChanged,
		SessionID: id,
		Status:    status,
	})
	if err != nil {
		log.Printf("[Session] failed to publish status %s for %s: %v", status, id, err)
	}
}

// arm replaces the session's pending timer with fn after d.
func (m *Machine) arm(id string, d time.Duration, fn func(ctx context.Context, id string)) {
	if d < 0 {
		d = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.closed || m.timers[id] != t {
			m.mu.Unlock()
			return
		}
		delete(m.timers, id)
		m.wg.Add(1)
		m.mu.Unlock()
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx, id)
	})
	m.timers[id] = t
}

func (m *Machine) disarm(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

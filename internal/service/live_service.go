package service

import (
	"context"
	"errors"
	"iter"
	"log"
	"time"

	"live-quiz-service/internal/apperr"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/models"
	"live-quiz-service/internal/permission"
	"live-quiz-service/internal/presence"
	"live-quiz-service/internal/progress"
	"live-quiz-service/internal/readmodel"
	"live-quiz-service/internal/repository"
	"live-quiz-service/internal/results"
	"live-quiz-service/internal/session"

	"github.com/go-playground/validator/v10"
)

type Options struct {
	Countdown        time.Duration
	CoalesceWindow   time.Duration
	RetryBackoff     time.Duration
	HeartbeatTimeout time.Duration
	FlushOnLeave     bool
	Now              func() time.Time
}

// LiveService is the client-facing surface of the live session engine.
type LiveService struct {
	store        *repository.Store
	bus          event.Bus
	checker      permission.Checker
	machine      *session.Machine
	reconciler   *progress.Reconciler
	tracker      *presence.Tracker
	aggregator   *results.Aggregator
	loader       *readmodel.Loader
	validate     *validator.Validate
	flushOnLeave bool
	now          func() time.Time
}

func NewLiveService(store *repository.Store, bus event.Bus, checker permission.Checker, leases presence.LeaseStore, opts Options) *LiveService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &LiveService{
		store:        store,
		bus:          bus,
		checker:      checker,
		validate:     validator.New(),
		flushOnLeave: opts.FlushOnLeave,
		now:          opts.Now,
	}
	s.reconciler = progress.NewReconciler(store.Progress, store.Events, bus, progress.Options{
		Window:       opts.CoalesceWindow,
		RetryBackoff: opts.RetryBackoff,
		Now:          opts.Now,
	})
	s.tracker = presence.NewTracker(store.Participants, leases, bus, s.reconciler.EventLog(), presence.Options{
		Timeout: opts.HeartbeatTimeout,
		Now:     opts.Now,
	})
	s.machine = session.NewMachine(store.Sessions, checker, bus, session.Options{
		Countdown:  opts.Countdown,
		OnComplete: s.summaryReady,
		Now:        opts.Now,
	})
	s.aggregator = results.NewAggregator(store.Participants, store.Results)
	s.loader = readmodel.NewLoader(store, s.aggregator)
	return s
}

type JoinOutcome struct {
	Session     *models.Session        `json:"session"`
	Participant *models.Participant    `json:"participant"`
	Progress    *models.ProgressRecord `json:"progress"`
}

type HeartbeatOutcome struct {
	Participant *models.Participant `json:"participant"`
	Progress    *progress.Outcome   `json:"progress,omitempty"`
}

// ResultInput is the final score a participant's client submits.
type ResultInput struct {
	Score            float64        `json:"score" validate:"gte=0"`
	TotalQuestions   int            `json:"total_questions" validate:"gte=0"`
	CorrectAnswers   int            `json:"correct_answers" validate:"gte=0,ltefield=TotalQuestions"`
	TimeTakenSeconds int            `json:"time_taken_seconds" validate:"gte=0"`
	Payload          map[string]any `json:"payload,omitempty"`
}

func (s *LiveService) CreateSession(ctx context.Context, actor models.Actor, in models.Session) (*models.Session, error) {
	return s.machine.Create(ctx, actor, in)
}

func (s *LiveService) JoinSession(ctx context.Context, sessionID string, actor models.Actor) (*JoinOutcome, error) {
	sess, err := s.machine.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, apperr.E(apperr.Conflict, "live.join", "session is "+string(sess.Status))
	}

	role := actor.Role
	switch {
	case actor.UserID == sess.CreatedBy:
		role = models.RoleOwner
	case role == "":
		role = models.RoleMember
	}
	p, err := s.tracker.Join(ctx, sessionID, actor.UserID, actor.DisplayName, role)
	if err != nil {
		return nil, err
	}
	rec, err := s.reconciler.Record(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, err
	}
	return &JoinOutcome{Session: sess, Participant: p, Progress: rec}, nil
}

// LeaveSession marks the participant offline. A pending coalesced update is
// dropped unless the service flushes on leave.
func (s *LiveService) LeaveSession(ctx context.Context, sessionID string, actor models.Actor) (*models.Participant, error) {
	p, err := s.tracker.Leave(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, err
	}
	if s.flushOnLeave {
		s.reconciler.Flush(ctx, sessionID, actor.UserID)
	} else {
		s.reconciler.Discard(sessionID, actor.UserID)
	}
	return p, nil
}

func (s *LiveService) SubmitAnswer(ctx context.Context, sessionID string, actor models.Actor, delta progress.Delta) (*progress.Outcome, error) {
	sess, err := s.activeParticipant(ctx, sessionID, actor, "live.answer")
	if err != nil {
		return nil, err
	}
	return s.reconciler.Update(ctx, sess, actor.UserID, delta)
}

// Heartbeat renews presence. Time spent and confidence carried by the
// heartbeat go through the coalesced write path.
func (s *LiveService) Heartbeat(ctx context.Context, sessionID string, actor models.Actor, delta *progress.Delta) (*HeartbeatOutcome, error) {
	p, err := s.tracker.Heartbeat(ctx, sessionID, actor.UserID)
	if err != nil {
		return nil, err
	}
	out := &HeartbeatOutcome{Participant: p}
	if delta == nil || delta.Empty() {
		return out, nil
	}

	sess, err := s.machine.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusActive {
		return out, nil
	}
	if out.Progress, err = s.reconciler.Update(ctx, sess, actor.UserID, *delta); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LiveService) StartSession(ctx context.Context, sessionID string, actor models.Actor) (session.TransitionResult, error) {
	return s.machine.Start(ctx, sessionID, actor)
}

func (s *LiveService) ForceComplete(ctx context.Context, sessionID string, actor models.Actor) (session.TransitionResult, error) {
	return s.machine.ForceComplete(ctx, sessionID, actor)
}

func (s *LiveService) CancelSession(ctx context.Context, sessionID string, actor models.Actor) (session.TransitionResult, error) {
	return s.machine.Cancel(ctx, sessionID, actor)
}

// SubmitResult stores the participant's final score, marks its progress
// completed and completes the session once every participant who was ever
// online has a result.
func (s *LiveService) SubmitResult(ctx context.Context, sessionID string, actor models.Actor, in ResultInput) (*models.QuizResult, error) {
	const op = "live.result"

	if err := s.validate.Struct(in); err != nil {
		return nil, apperr.Wrap(apperr.ValidationFailure, op, err)
	}
	sess, err := s.activeParticipant(ctx, sessionID, actor, op)
	if err != nil {
		return nil, err
	}

	result := &models.QuizResult{
		ID:               models.Key(sessionID, actor.UserID),
		SessionID:        sessionID,
		UserID:           actor.UserID,
		Score:            in.Score,
		TotalQuestions:   in.TotalQuestions,
		CorrectAnswers:   in.CorrectAnswers,
		TimeTakenSeconds: in.TimeTakenSeconds,
		Payload:          in.Payload,
		CompletedAt:      s.now().UTC(),
	}

	if sess.Settings.RetakePolicy == models.RetakeOverwrite {
		if err := s.store.Results.Upsert(ctx, result); err != nil {
			return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
		}
	} else {
		created, err := s.store.Results.Insert(ctx, result)
		if err != nil {
			return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
		}
		if !created {
			return nil, apperr.E(apperr.Conflict, op, "result already submitted")
		}
	}

	if _, err := s.reconciler.Update(ctx, sess, actor.UserID, progress.Delta{Completed: true}); err != nil {
		log.Printf("[LiveService] failed to mark progress completed for %s in session %s: %v", actor.UserID, sessionID, err)
	}
	s.publish(ctx, event.Envelope{Type: event.TypeResultSubmitted, SessionID: sessionID, UserID: actor.UserID})

	if err := s.completeIfAllSubmitted(ctx, sessionID); err != nil {
		log.Printf("[LiveService] completion check failed for session %s: %v", sessionID, err)
	}
	return result, nil
}

func (s *LiveService) completeIfAllSubmitted(ctx context.Context, sessionID string) error {
	participants, err := s.store.Participants.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	stored, err := s.store.Results.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	submitted := make(map[string]struct{}, len(stored))
	for _, r := range stored {
		submitted[r.UserID] = struct{}{}
	}
	expected := 0
	for _, p := range participants {
		if !p.EverOnline {
			continue
		}
		expected++
		if _, ok := submitted[p.UserID]; !ok {
			return nil
		}
	}
	if expected == 0 {
		return nil
	}

	_, err = s.machine.Complete(ctx, sessionID, models.CompletedAllSubmitted)
	return err
}

// GetResults returns the summary of a completed session to anyone, and of a
// running one to managers only.
func (s *LiveService) GetResults(ctx context.Context, sessionID string, actor models.Actor) (*models.ResultSummary, error) {
	sess, err := s.machine.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusCompleted {
		ok, err := s.checker.CanManage(ctx, actor, sess)
		if err != nil {
			return nil, apperr.Wrap(apperr.PersistenceFailure, "live.results", err)
		}
		if !ok {
			return nil, apperr.E(apperr.Forbidden, "live.results", "results are available once the session completes")
		}
	}

	summary, err := s.aggregator.Summarize(ctx, sess)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, "live.results", err)
	}
	return summary, nil
}

// ResetProgress restores a participant's initial progress. Resetting someone
// else requires manage rights.
func (s *LiveService) ResetProgress(ctx context.Context, sessionID string, actor models.Actor, userID string) (*models.ProgressRecord, error) {
	const op = "live.reset"
	if userID == "" {
		userID = actor.UserID
	}

	sess, err := s.machine.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// Resetting moves the index backwards, so members may only reset
	// themselves when retakes overwrite. Managers may always reset.
	if userID != actor.UserID || sess.Settings.RetakePolicy != models.RetakeOverwrite {
		ok, err := s.checker.CanManage(ctx, actor, sess)
		if err != nil {
			return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
		}
		switch {
		case ok:
		case userID != actor.UserID:
			return nil, apperr.E(apperr.Forbidden, op, "cannot reset another participant")
		default:
			return nil, apperr.E(apperr.Forbidden, op, "retakes are not permitted in this session")
		}
	}
	if sess.Status.Terminal() {
		return nil, apperr.E(apperr.Conflict, op, "session is "+string(sess.Status))
	}
	return s.reconciler.Reset(ctx, sess, userID)
}

// ProgressEvents returns the session's event log, limited to one
// participant when userID is set.
func (s *LiveService) ProgressEvents(ctx context.Context, sessionID, userID string) (iter.Seq2[models.ProgressEvent, error], error) {
	if _, err := s.machine.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.reconciler.Events(ctx, sessionID, userID), nil
}

func (s *LiveService) Snapshot(ctx context.Context, sessionID string) (*readmodel.Snapshot, error) {
	snap, err := s.loader.Load(ctx, sessionID)
	return snap, s.mapLoadErr(err)
}

// Watch opens a read model that refreshes on every session event.
func (s *LiveService) Watch(ctx context.Context, sessionID string) (*readmodel.View, error) {
	view, err := readmodel.Open(ctx, s.bus, sessionID, s.loader.Load)
	return view, s.mapLoadErr(err)
}

// Resume re-arms session timers after a restart.
func (s *LiveService) Resume(ctx context.Context) error {
	return s.machine.Resume(ctx)
}

// RunPresence sweeps expired presence leases until ctx is done.
func (s *LiveService) RunPresence(ctx context.Context, interval time.Duration) {
	s.tracker.Run(ctx, interval)
}

// Close stops session timers and flushes pending progress.
func (s *LiveService) Close() {
	s.machine.Close()
	s.reconciler.Close()
}

func (s *LiveService) activeParticipant(ctx context.Context, sessionID string, actor models.Actor, op string) (*models.Session, error) {
	sess, err := s.machine.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.StatusActive {
		return nil, apperr.E(apperr.Conflict, op, "session is "+string(sess.Status))
	}
	_, err = s.store.Participants.FindByID(ctx, sessionID, actor.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.E(apperr.NotFound, op, "participant has not joined the session")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, op, err)
	}
	return sess, nil
}

func (s *LiveService) summaryReady(ctx context.Context, sessionID string) {
	s.publish(ctx, event.Envelope{Type: event.TypeSummaryReady, SessionID: sessionID})
}

func (s *LiveService) publish(ctx context.Context, env event.Envelope) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		log.Printf("[LiveService] failed to publish %s for session %s: %v", env.Type, env.SessionID, err)
	}
}

func (s *LiveService) mapLoadErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, readmodel.ErrSessionNotFound):
		return apperr.E(apperr.NotFound, "live.snapshot", "session not found")
	case apperr.KindOf(err) != "":
		return err
	default:
		return apperr.Wrap(apperr.PersistenceFailure, "live.snapshot", err)
	}
}

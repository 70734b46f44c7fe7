package progress

import (
	"context"
	"errors"
	"iter"
	"log"
	"sync"
	"time"

	"live-quiz-service/internal/apperr"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/metrics"
	"live-quiz-service/internal/models"
	"live-quiz-service/internal/repository"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
)

type Options struct {
	// Window is how long deferred updates for one participant are collected
	// before the last one is written.
	Window time.Duration
	// RetryBackoff is the pause before the single retry of a failed write.
	RetryBackoff time.Duration
	// FlushTimeout bounds a background flush of a coalesced update.
	FlushTimeout time.Duration
	Now          func() time.Time
}

func (o *Options) withDefaults() {
	if o.Window <= 0 {
		o.Window = 500 * time.Millisecond
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Outcome is what Update reports back to the client.
type Outcome struct {
	Record   *models.ProgressRecord `json:"record,omitempty"`
	Deferred bool                   `json:"deferred"`
}

// Reconciler owns every mutation of ProgressRecords.
type Reconciler struct {
	progress repository.Progress
	events   repository.Events
	bus      event.Bus
	log      *EventLog
	validate *validator.Validate
	opts     Options

	mu      sync.Mutex
	pending map[string]*pendingUpdate
	locks   map[string]*keyLock
	closed  bool
	flushes sync.WaitGroup
}

type pendingUpdate struct {
	session *models.Session
	userID  string
	delta   Delta
	timer   *time.Timer
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewReconciler(progress repository.Progress, events repository.Events, bus event.Bus, opts Options) *Reconciler {
	opts.withDefaults()
	return &Reconciler{
		progress: progress,
		events:   events,
		bus:      bus,
		log:      NewEventLog(events, opts.Now),
		validate: validator.New(),
		opts:     opts,
		pending:  make(map[string]*pendingUpdate),
		locks:    make(map[string]*keyLock),
	}
}

// EventLog exposes the shared background event writer.
func (r *Reconciler) EventLog() *EventLog {
	return r.log
}

// Update validates and applies a partial update for one participant.
func (r *Reconciler) Update(ctx context.Context, session *models.Session, userID string, delta Delta) (*Outcome, error) {
	const op = "progress.update"

	if err := r.validate.Struct(delta); err != nil {
		return nil, apperr.Wrap(apperr.ValidationFailure, op, err)
	}
	if delta.Empty() {
		return nil, apperr.E(apperr.ValidationFailure, op, "update carries no fields")
	}

	key := models.Key(session.ID, userID)
	if !delta.Immediate() {
		return r.deferUpdate(ctx, session, userID, key, delta)
	}

	unlock := r.lock(key)
	defer unlock()

	if p := r.takePending(key); p != nil {
		delta = foldPending(p.delta, delta)
	}

	before, after, err := r.write(ctx, session, userID, delta, classImmediate)
	if err != nil {
		return nil, err
	}

	r.logImmediate(session.ID, userID, delta, before, after)
	r.notify(ctx, session.ID, userID)
	return &Outcome{Record: after}, nil
}

func (r *Reconciler) deferUpdate(ctx context.Context, session *models.Session, userID, key string, delta Delta) (*Outcome, error) {
	if delta.CurrentQuestionIndex != nil {
		current, err := r.read(ctx, session.ID, userID)
		if err != nil {
			return nil, apperr.Wrap(apperr.PersistenceFailure, "progress.update", err)
		}
		if *delta.CurrentQuestionIndex < current.CurrentQuestionIndex {
			return nil, apperr.E(apperr.Conflict, "progress.update", "question index cannot move backwards")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperr.E(apperr.PersistenceFailure, "progress.update", "reconciler is shut down")
	}

	if p, ok := r.pending[key]; ok {
		p.delta = mergeDeferred(p.delta, delta)
		p.session = session
		metrics.ProgressCoalesced.Inc()
		return &Outcome{Deferred: true}, nil
	}

	p := &pendingUpdate{session: session, userID: userID, delta: delta}
	p.timer = time.AfterFunc(r.opts.Window, func() { r.flushPending(key, p) })
	r.pending[key] = p
	return &Outcome{Deferred: true}, nil
}

// flushPending writes p if it is still the pending update for key.
func (r *Reconciler) flushPending(key string, p *pendingUpdate) {
	r.mu.Lock()
	if r.pending[key] != p {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	r.flushes.Add(1)
	r.mu.Unlock()
	defer r.flushes.Done()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
	defer cancel()
	r.writeDeferred(ctx, key, p)
}

func (r *Reconciler) writeDeferred(ctx context.Context, key string, p *pendingUpdate) {
	unlock := r.lock(key)
	defer unlock()

	if _, _, err := r.write(ctx, p.session, p.userID, p.delta, classDeferred); err != nil {
		reason := "write_failed"
		if k := apperr.KindOf(err); k == apperr.Conflict || k == apperr.ValidationFailure {
			reason = "rejected"
		}
		metrics.ProgressDiscarded.WithLabelValues(reason).Inc()
		log.Printf("[Reconciler] warning: discarding coalesced update for %s in session %s: %v", p.userID, p.session.ID, err)
		return
	}
	r.notify(ctx, p.session.ID, p.userID)
}

func (r *Reconciler) takePending(key string) *pendingUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[key]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(r.pending, key)
	return p
}

// write runs read-modify-write with one retry. It returns the record before
// and after the update.
func (r *Reconciler) write(ctx context.Context, session *models.Session, userID string, delta Delta, c class) (*models.ProgressRecord, *models.ProgressRecord, error) {
	start := time.Now()
	defer func() {
		metrics.WriteDuration.WithLabelValues(string(c)).Observe(time.Since(start).Seconds())
	}()

	type pair struct{ before, after *models.ProgressRecord }

	attempt := 0
	operation := func() (pair, error) {
		attempt++
		before, err := r.read(ctx, session.ID, userID)
		if err != nil {
			return pair{}, err
		}
		after, err := advance(before, delta, session.Settings.TotalQuestions, c)
		if err != nil {
			return pair{}, backoff.Permanent(err)
		}
		after.LastActivityAt = r.opts.Now().UTC()
		if err := r.progress.Upsert(ctx, after); err != nil {
			return pair{}, err
		}
		return pair{before, after}, nil
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.RetryBackoff)),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		if apperr.KindOf(err) != "" {
			return nil, nil, err
		}
		metrics.ProgressWrites.WithLabelValues(string(c), "failed").Inc()
		return nil, nil, apperr.Wrap(apperr.PersistenceFailure, "progress.write", err)
	}

	status := "ok"
	if attempt > 1 {
		status = "retried"
	}
	metrics.ProgressWrites.WithLabelValues(string(c), status).Inc()
	return res.before, res.after, nil
}

func (r *Reconciler) read(ctx context.Context, sessionID, userID string) (*models.ProgressRecord, error) {
	rec, err := r.progress.FindByID(ctx, sessionID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return models.NewProgressRecord(sessionID, userID), nil
	}
	return rec, err
}

func (r *Reconciler) logImmediate(sessionID, userID string, delta Delta, before, after *models.ProgressRecord) {
	if a := delta.Answer; a != nil {
		idx, correct := a.QuestionIndex, a.Correct
		var spent int
		if delta.TimeSpentSeconds != nil {
			spent = *delta.TimeSpentSeconds
		}
		r.log.Record(sessionID, userID, models.EventQuestionAnswered, models.EventPayload{
			QuestionIndex:    &idx,
			QuestionID:       a.QuestionID,
			Answer:           a.Value,
			Correct:          &correct,
			TimeSpentSeconds: spent,
			Confidence:       delta.Confidence,
		})
	}
	if after.Completed && !before.Completed {
		r.log.Record(sessionID, userID, models.EventCompleted, models.EventPayload{
			TimeSpentSeconds: after.TimeSpentSeconds,
		})
	}
}

func (r *Reconciler) notify(ctx context.Context, sessionID, userID string) {
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(ctx, event.Envelope{
		Type:      event.TypeProgressUpdated,
		SessionID: sessionID,
		UserID:    userID,
	})
	if err != nil {
		log.Printf("[Reconciler] failed to publish progress for %s in session %s: %v", userID, sessionID, err)
	}
}

// Reset drops any pending update and writes the initial record.
func (r *Reconciler) Reset(ctx context.Context, session *models.Session, userID string) (*models.ProgressRecord, error) {
	key := models.Key(session.ID, userID)
	unlock := r.lock(key)
	defer unlock()

	if p := r.takePending(key); p != nil {
		metrics.ProgressDiscarded.WithLabelValues("reset").Inc()
	}

	initial := models.NewProgressRecord(session.ID, userID)
	initial.LastActivityAt = r.opts.Now().UTC()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.progress.Upsert(ctx, initial)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.RetryBackoff)),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, "progress.reset", err)
	}

	r.notify(ctx, session.ID, userID)
	return initial, nil
}

// Discard drops a pending deferred update without writing it.
func (r *Reconciler) Discard(sessionID, userID string) bool {
	if p := r.takePending(models.Key(sessionID, userID)); p != nil {
		metrics.ProgressDiscarded.WithLabelValues("leave").Inc()
		return true
	}
	return false
}

// Flush writes a pending deferred update now.
func (r *Reconciler) Flush(ctx context.Context, sessionID, userID string) {
	key := models.Key(sessionID, userID)
	if p := r.takePending(key); p != nil {
		r.writeDeferred(ctx, key, p)
	}
}

// Record returns the canonical progress for a participant, or the initial
// record when nothing was written yet.
func (r *Reconciler) Record(ctx context.Context, sessionID, userID string) (*models.ProgressRecord, error) {
	rec, err := r.read(ctx, sessionID, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.PersistenceFailure, "progress.record", err)
	}
	return rec, nil
}

// Events yields the session's progress events ordered by timestamp,
// optionally limited to one participant. Ranging again re-reads the log.
func (r *Reconciler) Events(ctx context.Context, sessionID, userID string) iter.Seq2[models.ProgressEvent, error] {
	return r.events.Stream(ctx, sessionID, userID)
}

// Close flushes pending updates and waits for background work.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	pending := r.pending
	r.pending = make(map[string]*pendingUpdate)
	r.mu.Unlock()

	// A timer that already fired finds its entry gone and leaves it to us.
	for key, p := range pending {
		p.timer.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
		r.writeDeferred(ctx, key, p)
		cancel()
	}
	r.flushes.Wait()
	r.log.Wait()
}

func (r *Reconciler) lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

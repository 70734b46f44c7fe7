package progress

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"live-quiz-service/internal/apperr"
	"live-quiz-service/internal/models"
	"live-quiz-service/internal/repository"
)

// countingProgress records writes and can fail a number of them.
type countingProgress struct {
	repository.Progress
	writes atomic.Int32
	fail   atomic.Int32
}

func (c *countingProgress) Upsert(ctx context.Context, rec *models.ProgressRecord) error {
	if c.fail.Load() > 0 {
		c.fail.Add(-1)
		return errors.New("store unavailable")
	}
	c.writes.Add(1)
	return c.Progress.Upsert(ctx, rec)
}

type failingEvents struct {
	repository.Events
}

func (failingEvents) Append(context.Context, *models.ProgressEvent) error {
	return errors.New("event log unavailable")
}

// gatedProgress parks the first armed read until hold is closed.
type gatedProgress struct {
	repository.Progress
	armed   atomic.Bool
	entered chan struct{}
	hold    chan struct{}
}

func (g *gatedProgress) FindByID(ctx context.Context, sessionID, userID string) (*models.ProgressRecord, error) {
	rec, err := g.Progress.FindByID(ctx, sessionID, userID)
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.hold
	}
	return rec, err
}

func intp(v int) *int { return &v }

func newTestReconciler(t *testing.T, window time.Duration) (*Reconciler, *countingProgress, *repository.Store) {
	t.Helper()
	store := repository.NewMemoryStore().Store()
	counting := &countingProgress{Progress: store.Progress}
	r := NewReconciler(counting, store.Events, nil, Options{Window: window, RetryBackoff: time.Millisecond})
	t.Cleanup(r.Close)
	return r, counting, store
}

func activeSession(total int) *models.Session {
	return &models.Session{
		ID:       "s1",
		Status:   models.StatusActive,
		Settings: models.SessionSettings{TotalQuestions: total},
	}
}

func TestUpdateAnswerIsImmediate(t *testing.T) {
	r, counting, _ := newTestReconciler(t, time.Hour)
	ctx := context.Background()

	out, err := r.Update(ctx, activeSession(3), "u1", Delta{Answer: &Answer{QuestionIndex: 0, Correct: true}})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if out.Deferred {
		t.Fatal("Expected answer to be written immediately")
	}
	if out.Record.TotalAnswered != 1 || out.Record.CorrectAnswers != 1 || out.Record.CurrentQuestionIndex != 1 {
		t.Errorf("Unexpected record %+v", out.Record)
	}
	if got := counting.writes.Load(); got != 1 {
		t.Errorf("Expected 1 write, got %d", got)
	}
}

func TestDeferredUpdatesCoalesce(t *testing.T) {
	r, counting, _ := newTestReconciler(t, 40*time.Millisecond)
	ctx := context.Background()
	session := activeSession(10)

	for i := 1; i <= 5; i++ {
		out, err := r.Update(ctx, session, "u1", Delta{CurrentQuestionIndex: intp(i), TimeSpentSeconds: intp(i * 10)})
		if err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
		if !out.Deferred {
			t.Fatalf("Expected update %d to be deferred", i)
		}
	}

	waitFor(t, func() bool { return counting.writes.Load() == 1 })
	time.Sleep(80 * time.Millisecond)
	if got := counting.writes.Load(); got != 1 {
		t.Fatalf("Expected a single coalesced write, got %d", got)
	}

	rec, _ := r.Record(ctx, session.ID, "u1")
	if rec.CurrentQuestionIndex != 5 || rec.TimeSpentSeconds != 50 {
		t.Errorf("Expected last deferred values to win, got %+v", rec)
	}
}

func TestImmediateFoldsPendingDeferred(t *testing.T) {
	r, counting, _ := newTestReconciler(t, time.Hour)
	ctx := context.Background()
	session := activeSession(10)

	if _, err := r.Update(ctx, session, "u1", Delta{TimeSpentSeconds: intp(42), Confidence: intp(4)}); err != nil {
		t.Fatalf("deferred Update failed: %v", err)
	}
	start := time.Now()
	out, err := r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: 0}})
	if err != nil {
		t.Fatalf("immediate Update failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Immediate update waited on the coalescing window")
	}
	if out.Record.TimeSpentSeconds != 42 || out.Record.ConfidenceLevel == nil || *out.Record.ConfidenceLevel != 4 {
		t.Errorf("Expected pending fields folded into the write, got %+v", out.Record)
	}
	if got := counting.writes.Load(); got != 1 {
		t.Errorf("Expected 1 write, got %d", got)
	}
	if r.Discard(session.ID, "u1") {
		t.Error("Nothing should be pending after the immediate write")
	}
}

func TestStalePendingIndexDoesNotRejectAnswer(t *testing.T) {
	store := repository.NewMemoryStore().Store()
	gated := &gatedProgress{Progress: store.Progress, entered: make(chan struct{}), hold: make(chan struct{})}
	r := NewReconciler(gated, store.Events, nil, Options{Window: time.Hour, RetryBackoff: time.Millisecond})
	t.Cleanup(r.Close)
	ctx := context.Background()
	session := activeSession(5)

	// The deferred update reads index 0, then an answer lands before it is queued.
	gated.armed.Store(true)
	queued := make(chan error, 1)
	go func() {
		_, err := r.Update(ctx, session, "u1", Delta{CurrentQuestionIndex: intp(0), TimeSpentSeconds: intp(5)})
		queued <- err
	}()
	<-gated.entered

	if _, err := r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: 0}}); err != nil {
		t.Fatalf("first answer failed: %v", err)
	}
	close(gated.hold)
	if err := <-queued; err != nil {
		t.Fatalf("deferred Update failed: %v", err)
	}

	out, err := r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: 1}})
	if err != nil {
		t.Fatalf("Expected the answer to ignore the stale pending index, got %v", err)
	}
	if out.Record.CurrentQuestionIndex != 2 || out.Record.TotalAnswered != 2 || out.Record.TimeSpentSeconds != 5 {
		t.Errorf("Unexpected record %+v", out.Record)
	}

	if _, err := r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: 2}, CurrentQuestionIndex: intp(1)}); apperr.KindOf(err) != apperr.Conflict {
		t.Errorf("Expected an immediate index regression to conflict, got %v", err)
	}
}

func TestUpdateRetriesOnce(t *testing.T) {
	r, counting, _ := newTestReconciler(t, time.Hour)
	ctx := context.Background()

	counting.fail.Store(1)
	if _, err := r.Update(ctx, activeSession(3), "u1", Delta{Answer: &Answer{QuestionIndex: 0}}); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}

	counting.fail.Store(2)
	_, err := r.Update(ctx, activeSession(3), "u1", Delta{Answer: &Answer{QuestionIndex: 1}})
	if !apperr.IsKind(err, apperr.PersistenceFailure) {
		t.Fatalf("Expected PersistenceFailure after second failure, got %v", err)
	}

	rec, _ := r.Record(ctx, "s1", "u1")
	if rec.TotalAnswered != 1 {
		t.Errorf("Failed update must not be applied, got %+v", rec)
	}
}

func TestUpdateRejections(t *testing.T) {
	r, _, _ := newTestReconciler(t, time.Hour)
	ctx := context.Background()
	session := activeSession(2)

	tests := []struct {
		name  string
		delta Delta
		kind  apperr.Kind
	}{
		{"empty", Delta{}, apperr.ValidationFailure},
		{"confidence out of range", Delta{Confidence: intp(9)}, apperr.ValidationFailure},
		{"negative time", Delta{TimeSpentSeconds: intp(-1)}, apperr.ValidationFailure},
		{"index past end", Delta{Answer: &Answer{QuestionIndex: 2}}, apperr.ValidationFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Update(ctx, session, "u1", tt.delta)
			if !apperr.IsKind(err, tt.kind) {
				t.Errorf("Expected %s, got %v", tt.kind, err)
			}
		})
	}

	if _, err := r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: 1}}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	_, err := r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: 0}})
	if !apperr.IsKind(err, apperr.Conflict) {
		t.Errorf("Expected Conflict for an earlier question, got %v", err)
	}
	_, err = r.Update(ctx, session, "u1", Delta{CurrentQuestionIndex: intp(0)})
	if !apperr.IsKind(err, apperr.Conflict) {
		t.Errorf("Expected Conflict for index regression, got %v", err)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	r, _, _ := newTestReconciler(t, 5*time.Millisecond)
	ctx := context.Background()
	session := activeSession(8)
	rng := rand.New(rand.NewPCG(1, 2))

	var last models.ProgressRecord
	for i := 0; i < 200; i++ {
		var d Delta
		switch rng.IntN(4) {
		case 0:
			d.Answer = &Answer{QuestionIndex: rng.IntN(9), Correct: rng.IntN(2) == 0}
		case 1:
			d.CurrentQuestionIndex = intp(rng.IntN(9))
		case 2:
			d.TimeSpentSeconds = intp(rng.IntN(600))
		case 3:
			d.Confidence = intp(1 + rng.IntN(5))
		}
		_, _ = r.Update(ctx, session, "u1", d)
		if rng.IntN(10) == 0 {
			time.Sleep(10 * time.Millisecond)
		}

		rec, err := r.Record(ctx, session.ID, "u1")
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if rec.CurrentQuestionIndex < last.CurrentQuestionIndex {
			t.Fatalf("index went backwards: %d -> %d", last.CurrentQuestionIndex, rec.CurrentQuestionIndex)
		}
		if rec.TotalAnswered < last.TotalAnswered || rec.TotalAnswered > 8 {
			t.Fatalf("total answered out of bounds: %d -> %d", last.TotalAnswered, rec.TotalAnswered)
		}
		if rec.CorrectAnswers > rec.TotalAnswered {
			t.Fatalf("correct %d exceeds answered %d", rec.CorrectAnswers, rec.TotalAnswered)
		}
		if rec.TimeSpentSeconds < last.TimeSpentSeconds {
			t.Fatalf("time spent went backwards: %d -> %d", last.TimeSpentSeconds, rec.TimeSpentSeconds)
		}
		if last.Completed && !rec.Completed {
			t.Fatal("completed flag was cleared")
		}
		last = *rec
	}
}

func TestConcurrentAnswersAreSerialized(t *testing.T) {
	r, _, _ := newTestReconciler(t, time.Hour)
	ctx := context.Background()
	session := activeSession(50)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, _ := r.Record(ctx, session.ID, "u1")
			_, _ = r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: rec.CurrentQuestionIndex}})
		}()
	}
	wg.Wait()

	rec, _ := r.Record(ctx, session.ID, "u1")
	if rec.CurrentQuestionIndex != rec.TotalAnswered {
		t.Errorf("Expected index to track answers, got %+v", rec)
	}
}

func TestResetRoundTrip(t *testing.T) {
	r, _, _ := newTestReconciler(t, time.Hour)
	ctx := context.Background()
	session := activeSession(3)

	_, _ = r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: 0, Correct: true}, Completed: true})
	_, _ = r.Update(ctx, session, "u1", Delta{TimeSpentSeconds: intp(30)})

	rec, err := r.Reset(ctx, session, "u1")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	got, _ := r.Record(ctx, session.ID, "u1")
	want := models.NewProgressRecord(session.ID, "u1")
	if got.CurrentQuestionIndex != want.CurrentQuestionIndex || got.TotalAnswered != 0 ||
		got.CorrectAnswers != 0 || got.TimeSpentSeconds != 0 || got.Completed || got.ConfidenceLevel != nil {
		t.Errorf("Expected initial record after reset, got %+v", got)
	}
	if rec.ID != want.ID {
		t.Errorf("Expected id %s, got %s", want.ID, rec.ID)
	}
	if r.Discard(session.ID, "u1") {
		t.Error("Reset should drop the pending update")
	}
}

func TestEventLogFailureIsSwallowed(t *testing.T) {
	store := repository.NewMemoryStore().Store()
	r := NewReconciler(store.Progress, failingEvents{store.Events}, nil, Options{Window: time.Hour})
	defer r.Close()

	out, err := r.Update(context.Background(), activeSession(3), "u1", Delta{Answer: &Answer{QuestionIndex: 0}})
	if err != nil {
		t.Fatalf("Expected update to succeed despite event log failure, got %v", err)
	}
	if out.Record.TotalAnswered != 1 {
		t.Errorf("Unexpected record %+v", out.Record)
	}
	r.EventLog().Wait()
}

func TestEventsAreRestartable(t *testing.T) {
	r, _, _ := newTestReconciler(t, time.Hour)
	ctx := context.Background()
	session := activeSession(3)

	_, _ = r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: 0}})
	_, _ = r.Update(ctx, session, "u1", Delta{Answer: &Answer{QuestionIndex: 1}, Completed: true})
	r.EventLog().Wait()

	collect := func() []models.EventType {
		var types []models.EventType
		for ev, err := range r.Events(ctx, session.ID, "u1") {
			if err != nil {
				t.Fatalf("Events failed: %v", err)
			}
			types = append(types, ev.Type)
		}
		return types
	}

	first, second := collect(), collect()
	if len(first) != 3 {
		t.Fatalf("Expected 3 events, got %v", first)
	}
	if len(second) != len(first) {
		t.Errorf("Second pass yielded %v, first %v", second, first)
	}
}

func TestDiscardDropsPending(t *testing.T) {
	r, counting, _ := newTestReconciler(t, 30*time.Millisecond)
	ctx := context.Background()

	_, _ = r.Update(ctx, activeSession(3), "u1", Delta{TimeSpentSeconds: intp(5)})
	if !r.Discard("s1", "u1") {
		t.Fatal("Expected a pending update to discard")
	}
	time.Sleep(60 * time.Millisecond)
	if got := counting.writes.Load(); got != 0 {
		t.Errorf("Expected no write after discard, got %d", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

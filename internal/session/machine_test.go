package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"live-quiz-service/internal/apperr"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/models"
	"live-quiz-service/internal/permission"
	"live-quiz-service/internal/repository"
)

var (
	admin  = models.Actor{UserID: "admin", Role: models.RoleAdmin}
	member = models.Actor{UserID: "member", Role: models.RoleMember}
)

func newTestMachine(t *testing.T, opts Options) (*Machine, *repository.Store) {
	t.Helper()
	store := repository.NewMemoryStore().Store()
	bus := event.NewLocalBus()
	m := NewMachine(store.Sessions, permission.NewPolicyChecker(store.Participants), bus, opts)
	t.Cleanup(func() {
		m.Close()
		_ = bus.Close()
	})
	return m, store
}

func createLobby(t *testing.T, m *Machine, settings models.SessionSettings) *models.Session {
	t.Helper()
	s, err := m.Create(context.Background(), admin, models.Session{GroupID: "g1", Title: "Weekly quiz", Settings: settings})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.Status != models.StatusLobby {
		t.Fatalf("Expected lobby, got %s", s.Status)
	}
	return s
}

func waitForStatus(t *testing.T, m *Machine, id string, want models.SessionStatus) *models.Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, err := m.Get(context.Background(), id)
		if err == nil && s.Status == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := m.Get(context.Background(), id)
	t.Fatalf("Expected status %s, still %s", want, s.Status)
	return nil
}

func TestCreateValidation(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	_, err := m.Create(context.Background(), admin, models.Session{GroupID: "g1"})
	if !apperr.IsKind(err, apperr.ValidationFailure) {
		t.Errorf("Expected ValidationFailure for missing title, got %v", err)
	}
}

func TestCreateRespectsConcurrencyLimit(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	settings := models.SessionSettings{MaxConcurrentSessions: 1}
	createLobby(t, m, settings)

	_, err := m.Create(context.Background(), admin, models.Session{GroupID: "g1", Title: "Second", Settings: settings})
	if !apperr.IsKind(err, apperr.Conflict) {
		t.Errorf("Expected Conflict, got %v", err)
	}
}

func TestScheduledSessionOpensLobby(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	at := time.Now().Add(30 * time.Millisecond)
	s, err := m.Create(context.Background(), admin, models.Session{GroupID: "g1", Title: "Later", ScheduledAt: &at})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.Status != models.StatusScheduled {
		t.Fatalf("Expected scheduled, got %s", s.Status)
	}
	waitForStatus(t, m, s.ID, models.StatusLobby)
}

func TestStartRunsCountdown(t *testing.T) {
	m, _ := newTestMachine(t, Options{Countdown: 30 * time.Millisecond})
	s := createLobby(t, m, models.SessionSettings{})

	res, err := m.Start(context.Background(), s.ID, admin)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !res.Applied || res.To != models.StatusStarting {
		t.Fatalf("Unexpected result %+v", res)
	}

	starting, _ := m.Get(context.Background(), s.ID)
	if starting.StartedBy != admin.UserID || starting.CountdownEndsAt == nil {
		t.Errorf("Expected started-by and countdown end, got %+v", starting)
	}

	active := waitForStatus(t, m, s.ID, models.StatusActive)
	if active.StartedAt == nil {
		t.Error("Expected started-at on the active session")
	}
}

func TestStartForbidden(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	s := createLobby(t, m, models.SessionSettings{})

	_, err := m.Start(context.Background(), s.ID, member)
	if !apperr.IsKind(err, apperr.Forbidden) {
		t.Fatalf("Expected Forbidden, got %v", err)
	}
	got, _ := m.Get(context.Background(), s.ID)
	if got.Status != models.StatusLobby {
		t.Errorf("Forbidden start changed status to %s", got.Status)
	}
}

func TestStartUnknownSession(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	if _, err := m.Start(context.Background(), "missing", admin); !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestConcurrentStartAppliesOnce(t *testing.T) {
	m, _ := newTestMachine(t, Options{Countdown: time.Hour})
	s := createLobby(t, m, models.SessionSettings{})

	var applied, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Start(context.Background(), s.ID, admin)
			if err != nil {
				t.Errorf("Start failed: %v", err)
				return
			}
			if res.Applied {
				applied.Add(1)
			} else if apperr.IsKind(res.Conflict(), apperr.Conflict) {
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := applied.Load(); got != 1 {
		t.Errorf("Expected exactly one applied start, got %d", got)
	}
	if got := conflicts.Load(); got != 9 {
		t.Errorf("Expected 9 conflict outcomes, got %d", got)
	}
}

func TestTimeLimitCompletes(t *testing.T) {
	var completed atomic.Int32
	m, _ := newTestMachine(t, Options{
		Countdown:  0,
		OnComplete: func(context.Context, string) { completed.Add(1) },
	})
	s := createLobby(t, m, models.SessionSettings{TimeLimitSeconds: 1})

	if _, err := m.Start(context.Background(), s.ID, admin); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForStatus(t, m, s.ID, models.StatusActive)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && completed.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	done, _ := m.Get(context.Background(), s.ID)
	if done.Status != models.StatusCompleted || done.CompletionReason != models.CompletedTimeLimit {
		t.Fatalf("Expected completion by time limit, got %s / %s", done.Status, done.CompletionReason)
	}
	if completed.Load() != 1 {
		t.Errorf("Expected OnComplete once, got %d", completed.Load())
	}
}

func TestForceComplete(t *testing.T) {
	m, _ := newTestMachine(t, Options{})
	s := createLobby(t, m, models.SessionSettings{})

	res, err := m.ForceComplete(context.Background(), s.ID, admin)
	if err != nil {
		t.Fatalf("ForceComplete failed: %v", err)
	}
	if res.Applied {
		t.Error("ForceComplete of a lobby session must not apply")
	}

	_, _ = m.Start(context.Background(), s.ID, admin)
	waitForStatus(t, m, s.ID, models.StatusActive)

	if _, err := m.ForceComplete(context.Background(), s.ID, member); !apperr.IsKind(err, apperr.Forbidden) {
		t.Errorf("Expected Forbidden, got %v", err)
	}
	res, err = m.ForceComplete(context.Background(), s.ID, admin)
	if err != nil || !res.Applied {
		t.Fatalf("Expected forced completion, got %+v, %v", res, err)
	}

	// A second completion is benign.
	res, err = m.Complete(context.Background(), s.ID, models.CompletedAllSubmitted)
	if err != nil || res.Applied {
		t.Errorf("Expected a not-applied result, got %+v, %v", res, err)
	}
	done, _ := m.Get(context.Background(), s.ID)
	if done.CompletionReason != models.CompletedForced {
		t.Errorf("Completion reason overwritten: %s", done.CompletionReason)
	}
}

func TestCancel(t *testing.T) {
	m, _ := newTestMachine(t, Options{Countdown: time.Hour})
	s := createLobby(t, m, models.SessionSettings{})
	_, _ = m.Start(context.Background(), s.ID, admin)

	res, err := m.Cancel(context.Background(), s.ID, admin)
	if err != nil || !res.Applied || res.From != models.StatusStarting {
		t.Fatalf("Expected cancel from starting, got %+v, %v", res, err)
	}

	res, err = m.Cancel(context.Background(), s.ID, admin)
	if err != nil || res.Applied {
		t.Errorf("Cancel of a terminal session must be benign, got %+v, %v", res, err)
	}
	if _, err := m.Start(context.Background(), s.ID, admin); err != nil {
		t.Errorf("Start after cancel should be benign, got %v", err)
	}
}

func TestResumeArmsCountdown(t *testing.T) {
	store := repository.NewMemoryStore().Store()
	ctx := context.Background()
	endsAt := time.Now().Add(20 * time.Millisecond)
	_ = store.Sessions.Create(ctx, &models.Session{ID: "s1", GroupID: "g1", Title: "t", Status: models.StatusStarting, CountdownEndsAt: &endsAt})

	m := NewMachine(store.Sessions, permission.NewPolicyChecker(store.Participants), nil, Options{})
	defer m.Close()
	if err := m.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	waitForStatus(t, m, "s1", models.StatusActive)
}

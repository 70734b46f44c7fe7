package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"live-quiz-service/internal/apperr"
	"live-quiz-service/internal/event"
	"live-quiz-service/internal/models"
	"live-quiz-service/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingParticipants struct {
	repository.Participants
	marks atomic.Int32
}

func (c *countingParticipants) MarkPresence(ctx context.Context, sessionID, userID string, online bool, at time.Time) (*models.Participant, error) {
	c.marks.Add(1)
	return c.Participants.MarkPresence(ctx, sessionID, userID, online, at)
}

type recorded struct {
	mu    sync.Mutex
	types []models.EventType
}

func (r *recorded) Record(_, _ string, typ models.EventType, _ models.EventPayload) {
	r.mu.Lock()
	r.types = append(r.types, typ)
	r.mu.Unlock()
}

func newTestTracker(t *testing.T) (*Tracker, *fakeClock, *countingParticipants, *event.LocalBus, *recorded) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore().Store()
	participants := &countingParticipants{Participants: store.Participants}
	bus := event.NewLocalBus()
	t.Cleanup(func() { _ = bus.Close() })
	rec := &recorded{}
	tracker := NewTracker(participants, NewMemoryLeases(clock.Now), bus, rec, Options{Timeout: 30 * time.Second, Now: clock.Now})
	return tracker, clock, participants, bus, rec
}

func TestJoinPublishesOnline(t *testing.T) {
	tracker, _, _, bus, rec := newTestTracker(t)
	ctx := context.Background()

	got := make(chan event.Envelope, 4)
	unsubscribe, _ := bus.Subscribe(ctx, "s1", func(_ context.Context, env event.Envelope) { got <- env })
	defer unsubscribe()

	p, err := tracker.Join(ctx, "s1", "u1", "Ann", models.RoleMember)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if !p.Online || !p.EverOnline {
		t.Errorf("Expected online participant, got %+v", p)
	}

	select {
	case env := <-got:
		if env.Type != event.TypePresenceChanged || env.Online == nil || !*env.Online {
			t.Errorf("Unexpected envelope %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("No presence event published")
	}

	if len(rec.types) != 1 || rec.types[0] != models.EventSessionJoined {
		t.Errorf("Expected session_joined to be logged, got %v", rec.types)
	}
}

func TestRejoinKeepsRole(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	first, _ := tracker.Join(ctx, "s1", "u1", "Ann", models.RoleOwner)
	again, err := tracker.Join(ctx, "s1", "u1", "Ann B.", models.RoleMember)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if again.Role != models.RoleOwner || !again.JoinedAt.Equal(first.JoinedAt) {
		t.Errorf("Expected original role and join time, got %+v", again)
	}
}

func TestHeartbeatThrottlesWrites(t *testing.T) {
	tracker, clock, participants, _, _ := newTestTracker(t)
	ctx := context.Background()
	_, _ = tracker.Join(ctx, "s1", "u1", "Ann", models.RoleMember)

	for i := 0; i < 5; i++ {
		clock.Advance(2 * time.Second)
		if _, err := tracker.Heartbeat(ctx, "s1", "u1"); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
	}
	if got := participants.marks.Load(); got != 0 {
		t.Errorf("Expected heartbeats within half the timeout to skip the store, got %d writes", got)
	}

	clock.Advance(10 * time.Second)
	_, _ = tracker.Heartbeat(ctx, "s1", "u1")
	if got := participants.marks.Load(); got != 1 {
		t.Errorf("Expected one refresh after half the timeout, got %d", got)
	}
}

func TestHeartbeatUnknownParticipant(t *testing.T) {
	tracker, _, _, _, _ := newTestTracker(t)
	_, err := tracker.Heartbeat(context.Background(), "s1", "ghost")
	if !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestSweepTimesOutSilentParticipants(t *testing.T) {
	tracker, clock, participants, _, _ := newTestTracker(t)
	ctx := context.Background()
	_, _ = tracker.Join(ctx, "s1", "quiet", "Q", models.RoleMember)
	_, _ = tracker.Join(ctx, "s1", "chatty", "C", models.RoleMember)

	for i := 0; i < 4; i++ {
		clock.Advance(10 * time.Second)
		_, _ = tracker.Heartbeat(ctx, "s1", "chatty")
	}

	n, err := tracker.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 timeout, got %d", n)
	}

	quiet, _ := participants.FindByID(ctx, "s1", "quiet")
	if quiet.Online || !quiet.EverOnline {
		t.Errorf("Expected quiet offline but ever online, got %+v", quiet)
	}
	chatty, _ := participants.FindByID(ctx, "s1", "chatty")
	if !chatty.Online {
		t.Error("Expected chatty to stay online")
	}

	if _, err := tracker.Heartbeat(ctx, "s1", "quiet"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	quiet, _ = participants.FindByID(ctx, "s1", "quiet")
	if !quiet.Online {
		t.Error("Expected heartbeat to bring participant back online")
	}
}

func TestLeave(t *testing.T) {
	tracker, _, participants, _, rec := newTestTracker(t)
	ctx := context.Background()
	_, _ = tracker.Join(ctx, "s1", "u1", "Ann", models.RoleMember)

	p, err := tracker.Leave(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if p.Online {
		t.Error("Expected participant offline after leave")
	}
	if _, err := tracker.Leave(ctx, "s1", "u1"); err != nil {
		t.Errorf("Second leave should succeed, got %v", err)
	}

	stored, _ := participants.FindByID(ctx, "s1", "u1")
	if stored.Online || !stored.EverOnline {
		t.Errorf("Unexpected stored participant %+v", stored)
	}
	if len(rec.types) != 2 || rec.types[1] != models.EventSessionLeft {
		t.Errorf("Expected a single session_left, got %v", rec.types)
	}

	if _, err := tracker.Leave(ctx, "s1", "ghost"); !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestMemoryLeasesExpire(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	leases := NewMemoryLeases(clock.Now)
	ctx := context.Background()

	_ = leases.Touch(ctx, "s1", "u1", time.Second)
	if ok, _ := leases.Alive(ctx, "s1", "u1"); !ok {
		t.Fatal("Expected fresh lease to be alive")
	}
	clock.Advance(time.Second)
	if ok, _ := leases.Alive(ctx, "s1", "u1"); ok {
		t.Fatal("Expected lease to expire")
	}
}

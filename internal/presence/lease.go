package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis_v9 "github.com/redis/go-redis/v9"
)

// LeaseStore holds one expiring liveness lease per participant. Every
// instance of the service renews and checks the same leases.
type LeaseStore interface {
	Touch(ctx context.Context, sessionID, userID string, ttl time.Duration) error
	Alive(ctx context.Context, sessionID, userID string) (bool, error)
	Drop(ctx context.Context, sessionID, userID string) error
}

type RedisLeases struct {
	client *redis_v9.Client
	prefix string
}

func NewRedisLeases(client *redis_v9.Client) *RedisLeases {
	return &RedisLeases{client: client, prefix: "live-quiz:presence:"}
}

func (l *RedisLeases) key(sessionID, userID string) string {
	return l.prefix + sessionID + ":" + userID
}

func (l *RedisLeases) Touch(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	if err := l.client.Set(ctx, l.key(sessionID, userID), time.Now().UTC().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("error renewing presence lease: %w", err)
	}
	return nil
}

func (l *RedisLeases) Alive(ctx context.Context, sessionID, userID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(sessionID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("error reading presence lease: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLeases) Drop(ctx context.Context, sessionID, userID string) error {
	if err := l.client.Del(ctx, l.key(sessionID, userID)).Err(); err != nil {
		return fmt.Errorf("error dropping presence lease: %w", err)
	}
	return nil
}

// MemoryLeases keeps leases in process for single-instance runs and tests.
type MemoryLeases struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryLeases(now func() time.Time) *MemoryLeases {
	if now == nil {
		now = time.Now
	}
	return &MemoryLeases{expires: make(map[string]time.Time), now: now}
}

func (l *MemoryLeases) Touch(_ context.Context, sessionID, userID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expires[sessionID+":"+userID] = l.now().Add(ttl)
	return nil
}

func (l *MemoryLeases) Alive(_ context.Context, sessionID, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := sessionID + ":" + userID
	exp, ok := l.expires[key]
	if !ok {
		return false, nil
	}
	if !l.now().Before(exp) {
		delete(l.expires, key)
		return false, nil
	}
	return true, nil
}

func (l *MemoryLeases) Drop(_ context.Context, sessionID, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.expires, sessionID+":"+userID)
	return nil
}

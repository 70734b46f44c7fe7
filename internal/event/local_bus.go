package event

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalBus is an in-process bus keyed by session id. Each subscriber gets a
// buffered queue drained by its own goroutine, so a slow handler never blocks
// publishers; when a queue is full the envelope is dropped for that subscriber.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSub]struct{}
	closed bool
}

type localSub struct {
	ch   chan Envelope
	done chan struct{}
	once sync.Once
}

const localQueueSize = 64

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[*localSub]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, env Envelope) error {
	fill(&env)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for sub := range b.subs[env.SessionID] {
		select {
		case sub.ch <- env:
		default:
			log.Printf("[LocalBus] subscriber queue full, dropping %s for session %s", env.Type, env.SessionID)
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, sessionID string, handler Handler) (func(), error) {
	sub := &localSub{
		ch:   make(chan Envelope, localQueueSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*localSub]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case env := <-sub.ch:
				handler(ctx, env)
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	unsubscribe := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[sessionID], sub)
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			b.mu.Unlock()
			close(sub.done)
		})
	}
	return unsubscribe, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[*localSub]struct{})
	b.closed = true
	b.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.done) })
		}
	}
	return nil
}

func fill(env *Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
}

package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitBus publishes envelopes on a topic exchange with routing key
// session.<id>.<type>. Every subscription owns an exclusive auto-delete queue
// bound to session.<id>.#, so each subscriber sees every notification of its
// session. Messages are acked after the handler returns.
type RabbitBus struct {
	connectionURI string
	exchange      string

	mu          sync.Mutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	isConnected bool
	closed      bool
	subs        map[string]*rabbitSub
}

type rabbitSub struct {
	ctx       context.Context
	sessionID string
	handler   Handler
	tag       string
	channel   *amqp.Channel
}

func NewRabbitBus(connectionURI, exchange string) (*RabbitBus, error) {
	b := &RabbitBus{
		connectionURI: connectionURI,
		exchange:      exchange,
		subs:          make(map[string]*rabbitSub),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *RabbitBus) connect() error {
	conn, err := amqp.Dial(b.connectionURI)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		b.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = ch
	b.isConnected = true
	b.mu.Unlock()

	go b.monitorConnection(conn)
	return nil
}

func (b *RabbitBus) monitorConnection(conn *amqp.Connection) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))
	err, ok := <-closeChan

	b.mu.Lock()
	b.isConnected = false
	closed := b.closed
	b.mu.Unlock()
	if closed || !ok {
		return
	}

	log.Printf("[RabbitBus] connection closed: %v, attempting to reconnect...", err)
	b.reconnect()
}

func (b *RabbitBus) reconnect() {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		time.Sleep(backoff)

		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		err := b.connect()
		if err == nil {
			log.Println("[RabbitBus] successfully reconnected to RabbitMQ")
			b.resubscribe()
			return
		}
		log.Printf("[RabbitBus] failed to reconnect to RabbitMQ: %v", err)

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *RabbitBus) resubscribe() {
	b.mu.Lock()
	subs := make([]*rabbitSub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			b.forget(sub)
			continue
		}
		if err := b.bind(sub); err != nil {
			log.Printf("[RabbitBus] failed to resubscribe to session %s: %v", sub.sessionID, err)
		}
	}
}

// RoutingKey is the topic used for one envelope.
func RoutingKey(sessionID, eventType string) string {
	return "session." + sanitize(sessionID) + "." + eventType
}

func bindingKey(sessionID string) string {
	return "session." + sanitize(sessionID) + ".#"
}

// sanitize keeps ids from adding topic words.
func sanitize(id string) string {
	return strings.NewReplacer(".", "_", "*", "_", "#", "_").Replace(id)
}

func (b *RabbitBus) Publish(ctx context.Context, env Envelope) error {
	fill(&env)

	b.mu.Lock()
	ch := b.channel
	connected := b.isConnected
	b.mu.Unlock()
	if !connected {
		return fmt.Errorf("cannot publish: not connected to RabbitMQ")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(
		ctx,
		b.exchange,
		RoutingKey(env.SessionID, env.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			MessageId:    env.ID,
			Timestamp:    env.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (b *RabbitBus) Subscribe(ctx context.Context, sessionID string, handler Handler) (func(), error) {
	sub := &rabbitSub{
		ctx:       ctx,
		sessionID: sessionID,
		handler:   handler,
		tag:       "live-quiz-" + uuid.NewString(),
	}
	if err := b.bind(sub); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.subs[sub.tag] = sub
	b.mu.Unlock()
	// The consumer may have seen ctx end before the entry existed.
	if ctx.Err() != nil {
		b.forget(sub)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.forget(sub)
			b.mu.Lock()
			ch := sub.channel
			b.mu.Unlock()
			if ch != nil {
				_ = ch.Cancel(sub.tag, false)
				_ = ch.Close()
			}
		})
	}, nil
}

// bind opens a dedicated channel and queue for sub and starts consuming.
func (b *RabbitBus) bind(sub *rabbitSub) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("cannot subscribe: not connected to RabbitMQ")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	queue, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, bindingKey(sub.sessionID), b.exchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	if err := ch.Qos(32, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		queue.Name,
		sub.tag,
		false, // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	b.mu.Lock()
	sub.channel = ch
	b.mu.Unlock()

	go func() {
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal(msg.Body, &env); err != nil {
					log.Printf("[RabbitBus] dropping malformed message %s: %v", msg.RoutingKey, err)
					msg.Nack(false, false)
					continue
				}
				sub.handler(sub.ctx, env)
				msg.Ack(false)
			case <-sub.ctx.Done():
				b.forget(sub)
				_ = ch.Cancel(sub.tag, false)
				_ = ch.Close()
				return
			}
		}
	}()
	return nil
}

// forget drops sub from the resubscribe set.
func (b *RabbitBus) forget(sub *rabbitSub) {
	b.mu.Lock()
	if b.subs[sub.tag] == sub {
		delete(b.subs, sub.tag)
	}
	b.mu.Unlock()
}

func (b *RabbitBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.isConnected = false
	ch, conn := b.channel, b.conn
	subs := b.subs
	b.subs = make(map[string]*rabbitSub)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.channel != nil {
			_ = sub.channel.Close()
		}
	}

	var err error
	if ch != nil {
		err = ch.Close()
	}
	if conn != nil {
		err = conn.Close()
	}
	return err
}

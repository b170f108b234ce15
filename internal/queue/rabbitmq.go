package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName = "campaign.dlx"
	heartbeat       = 10 * time.Second
	connectionName  = "campaign-engine"
)

var defaultRedial = backoff{base: time.Second, max: 30 * time.Second}

type dialFunc func(url string, cfg amqp.Config) (*amqp.Connection, error)

// RabbitMQ owns the broker connection shared by the cycle trigger publisher
// and consumer. Channels are opened per operation and declare the topology
// before use. A dropped connection is redialed lazily by the next caller.
type RabbitMQ struct {
	url    string
	name   string
	dial   dialFunc
	redial backoff

	// dialMu serializes redials so concurrent callers share one new connection.
	dialMu sync.Mutex
	mu     sync.RWMutex
	conn   *amqp.Connection
}

// NewRabbitMQ connects to the broker, retrying with backoff until ctx expires.
// role is appended to the connection name shown in the management UI.
func NewRabbitMQ(ctx context.Context, url string, role string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	name := connectionName
	if role = strings.TrimSpace(role); role != "" {
		name += "-" + role
	}

	r := &RabbitMQ{url: url, name: name, dial: amqp.DialConfig, redial: defaultRedial}
	if _, err := r.connection(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	return conn.Close()
}

// channel opens a channel with the topology declared. When the connection
// refuses a new channel it is dropped and redialed once.
func (r *RabbitMQ) channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := r.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		r.discard(conn)

		if conn, err = r.connection(ctx); err != nil {
			return nil, err
		}
		if ch, err = conn.Channel(); err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq channel after redial: %w", err)
		}
	}

	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return ch, nil
}

// live returns the current connection, or nil when there is none or it closed.
func (r *RabbitMQ) live() *amqp.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn
}

func (r *RabbitMQ) connection(ctx context.Context) (*amqp.Connection, error) {
	if conn := r.live(); conn != nil {
		return conn, nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	if conn := r.live(); conn != nil {
		return conn, nil
	}

	conn, err := r.dialUntil(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	return conn, nil
}

func (r *RabbitMQ) discard(conn *amqp.Connection) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()

	_ = conn.Close()
}

// dialUntil dials until it succeeds or ctx ends, sleeping redial.delay
// between attempts.
func (r *RabbitMQ) dialUntil(ctx context.Context) (*amqp.Connection, error) {
	for attempt := 0; ; attempt++ {
		conn, err := r.dial(r.url, r.config())
		if err == nil {
			return conn, nil
		}

		timer := time.NewTimer(r.redial.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("rabbitmq %s unreachable after %d attempts (%v): %w", r.name, attempt+1, err, ctx.Err())
		case <-timer.C:
		}
	}
}

// backoff doubles from base per attempt and is capped at max.
type backoff struct {
	base time.Duration
	max  time.Duration
}

func (b backoff) delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.base
	for i := 0; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	return d
}

func (r *RabbitMQ) config() amqp.Config {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(r.name)
	return amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: props,
	}
}

// declareTopology declares the dead-letter exchange, one DLQ per work queue
// and the priority work queues themselves. Declarations are idempotent.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		dlxExchangeName,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, queueName := range WorkQueueNames() {
		dlqName := DLQName(queueName)

		if _, err := ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", dlqName, err)
		}

		if err := ch.QueueBind(dlqName, queueName, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", dlqName, err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange":    dlxExchangeName,
			"x-dead-letter-routing-key": queueName,
			"x-max-priority":            queueMaxPriority,
		}

		if _, err := ch.QueueDeclare(
			queueName,
			true,
			false,
			false,
			false,
			args,
		); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", queueName, err)
		}
	}

	return nil
}

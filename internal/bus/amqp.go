package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// AMQPDialer dials broker connections. Injectable so tests run without
// a broker.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// AMQPConnection is the connection surface the publisher uses.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPChannel is the channel surface the publisher uses.
type AMQPChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type realDialer struct{}

func (realDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn: conn}, nil
}

type realConnection struct {
	conn *amqp.Connection
}

func (r *realConnection) Channel() (AMQPChannel, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &realChannel{ch: ch}, nil
}

func (r *realConnection) Close() error { return r.conn.Close() }

type realChannel struct {
	ch *amqp.Channel
}

func (r *realChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return r.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (r *realChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.ch.Publish(exchange, key, mandatory, immediate, msg)
}

func (r *realChannel) Close() error { return r.ch.Close() }

// AMQP publishes persistent messages to durable queues on the default
// exchange, one queue per subject. streadway's Publish has no context
// form, so the deadline is checked before each attempt.
type AMQP struct {
	conn AMQPConnection
	ch   AMQPChannel

	mu       sync.Mutex
	declared map[string]bool
}

var _ Bus = (*AMQP)(nil)

// NewAMQP connects to the broker at url.
func NewAMQP(url string) (*AMQP, error) {
	return NewAMQPWithDialer(url, realDialer{})
}

// NewAMQPWithDialer connects through an injected dialer.
func NewAMQPWithDialer(url string, dialer AMQPDialer) (*AMQP, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open AMQP channel: %w", err)
	}
	return &AMQP{conn: conn, ch: ch, declared: make(map[string]bool)}, nil
}

func (a *AMQP) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.declared[subject] {
		if _, err := a.ch.QueueDeclare(subject, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", subject, err)
		}
		a.declared[subject] = true
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         data,
	}
	if len(headers) > 0 {
		msg.Headers = amqp.Table{}
		for k, v := range headers {
			msg.Headers[k] = v
		}
	}
	if err := a.ch.Publish("", subject, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (a *AMQP) Close() error {
	if a.ch != nil {
		a.ch.Close()
	}
	if a.conn != nil {
		a.conn.Close()
	}
	return nil
}

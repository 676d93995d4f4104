package bus

import (
	"context"
	"fmt"
	"sync"
)

// Message is one captured publish.
type Message struct {
	Subject string
	Data    []byte
	Headers map[string]string
}

// Memory captures publishes in-process. Tests use it in place of a
// broker; FailWith injects delivery failures.
type Memory struct {
	mu     sync.Mutex
	msgs   []Message
	err    error
	closed bool
}

var _ Bus = (*Memory)(nil)

// NewMemory returns an empty capture bus.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("bus is closed")
	}
	if m.err != nil {
		return m.err
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	var hdrs map[string]string
	if len(headers) > 0 {
		hdrs = make(map[string]string, len(headers))
		for k, v := range headers {
			hdrs[k] = v
		}
	}
	m.msgs = append(m.msgs, Message{Subject: subject, Data: cp, Headers: hdrs})
	return nil
}

// FailWith makes subsequent publishes return err until cleared with
// nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Messages returns captured publishes in order.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.msgs))
	copy(out, m.msgs)
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

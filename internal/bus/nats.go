package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATS publishes over a NATS connection. Headers map onto nats.Header.
type NATS struct {
	conn *nats.Conn
}

var _ Bus = (*NATS)(nil)

// NewNATS connects to url. name identifies the connection on the
// server ("" selects "oms").
func NewNATS(url, name string) (*NATS, error) {
	if name == "" {
		name = "oms"
	}
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return &NATS{conn: conn}, nil
}

// NewNATSConn wraps an existing connection. The caller keeps ownership
// of conn's lifecycle options; Close still drains it.
func NewNATSConn(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

func (n *NATS) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data}
	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	// PublishMsg only buffers. Flush before reporting success so the
	// caller's COMPLETED transition means the broker has the message.
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains buffered publishes, then closes the connection.
func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

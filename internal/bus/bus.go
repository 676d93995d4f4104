// Package bus abstracts the message broker the outbox dispatcher
// publishes to. Adapters: NATS, AMQP, and an in-process capture for
// tests. Delivery is at-least-once; consumers dedupe on the
// idempotency key header.
package bus

import "context"

// HeaderIdempotencyKey carries the producer's dedup key as a protocol
// header so consumers can drop redeliveries without parsing the
// payload.
const HeaderIdempotencyKey = "Idempotency-Key"

// Bus publishes raw payloads to named subjects.
type Bus interface {
	// Publish sends data to subject. Headers ride the protocol
	// envelope, not the payload. The context bounds the attempt.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error

	Close() error
}

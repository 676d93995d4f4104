package tamper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ontoforge/oms/internal/bus"
)

// SIEM forwards tampering events to an external collector. When no
// collector is configured the detector writes to the audit store and
// the local log only.
type SIEM interface {
	Send(ctx context.Context, ev TamperingEvent) error
}

// BusSIEM publishes tampering events as JSON to a bus subject.
type BusSIEM struct {
	bus     bus.Bus
	subject string
}

// NewBusSIEM forwards events over b to subject.
func NewBusSIEM(b bus.Bus, subject string) *BusSIEM {
	return &BusSIEM{bus: b, subject: subject}
}

func (s *BusSIEM) Send(ctx context.Context, ev TamperingEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode tampering event: %w", err)
	}
	return s.bus.Publish(ctx, s.subject, data, nil)
}

// LogSIEM writes tampering events to the logger. Stands in for a real
// collector in single-node deployments.
type LogSIEM struct {
	log *logrus.Entry
}

// NewLogSIEM builds the logging forwarder. log may be nil.
func NewLogSIEM(log *logrus.Logger) *LogSIEM {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogSIEM{log: log.WithField("component", "siem")}
}

func (s *LogSIEM) Send(_ context.Context, ev TamperingEvent) error {
	s.log.WithFields(logrus.Fields{
		"subtype":   ev.Subtype,
		"policy_id": ev.PolicyID,
		"path":      ev.Path,
		"detail":    ev.Detail,
	}).Warn("Policy tampering detected")
	return nil
}

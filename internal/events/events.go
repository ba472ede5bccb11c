// Package events publishes orchestration state changes.
//
// Events are fire-and-forget notifications for dashboards and external
// tooling; the structured store stays the source of truth. With NATS
// enabled each event is published as JSON to
//
//	{prefix}.{namespace}.{kind}
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Kind names an event.
type Kind string

const (
	KindPhaseEntered      Kind = "phase_entered"
	KindRunComplete       Kind = "run_complete"
	KindApprovalRequested Kind = "approval_requested"
	KindApprovalResolved  Kind = "approval_resolved"
	KindBlocked           Kind = "blocked_on_approval"
	KindStalled           Kind = "stalled"
	KindTaskFailed        Kind = "task_failed"
	KindTaskReclaimed     Kind = "task_reclaimed"
)

// Event is one state change notification.
type Event struct {
	Kind       Kind      `json:"kind"`
	Namespace  string    `json:"namespace"`
	Phase      string    `json:"phase,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// NATSPublisher publishes events to a NATS server.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
	owned  bool
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("phased"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p := NewNATSPublisher(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "phased"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(e.Namespace), e.Kind)
}

// Publish sends e. A zero At is stamped with the current time.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return nil
}

// Close drains the connection when the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}

// subjectToken makes a namespace safe for use as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

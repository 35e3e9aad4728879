// Package events publishes project lifecycle events to NATS.
//
// Subjects:
//
//	{prefix}.projects.{name}.phase   one message per recorded phase
//	{prefix}.projects.{name}.status  one message per status transition
//
// Publishing is best effort: failures are logged and never reach the
// coordinator loop.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/project"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "devpilot"

// PhaseEvent is published after a phase is recorded.
type PhaseEvent struct {
	Project    string          `json:"project"`
	Phase      project.Phase   `json:"phase"`
	Outcome    project.Outcome `json:"outcome"`
	Detail     string          `json:"detail,omitempty"`
	Iteration  int             `json:"iteration"`
	Attempts   int             `json:"attempts"`
	Diagnostic bool            `json:"diagnostic,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// StatusEvent is published after a status transition is committed.
type StatusEvent struct {
	Project   string         `json:"project"`
	From      project.Status `json:"from"`
	To        project.Status `json:"to"`
	Iteration int            `json:"iteration"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher publishes lifecycle events on a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
	owned  bool
}

// Connect dials NATS at url and returns a Publisher that owns the connection.
func Connect(url, prefix string, logger *logging.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("devpilot"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	p := New(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// PhaseSubject returns the subject for phase events of name.
func (p *Publisher) PhaseSubject(name string) string {
	return fmt.Sprintf("%s.projects.%s.phase", p.prefix, subjectToken(name))
}

// StatusSubject returns the subject for status events of name.
func (p *Publisher) StatusSubject(name string) string {
	return fmt.Sprintf("%s.projects.%s.status", p.prefix, subjectToken(name))
}

// PhaseCompleted publishes a PhaseEvent.
func (p *Publisher) PhaseCompleted(ctx context.Context, name string, ir project.IterationRecord) {
	p.publish(ctx, p.PhaseSubject(name), PhaseEvent{
		Project:    name,
		Phase:      ir.Phase,
		Outcome:    ir.Outcome,
		Detail:     ir.Detail,
		Iteration:  ir.Iteration,
		Attempts:   ir.Attempts,
		Diagnostic: ir.Diagnostic,
		Timestamp:  ir.Timestamp,
	})
}

// StatusChanged publishes a StatusEvent.
func (p *Publisher) StatusChanged(ctx context.Context, name string, from, to project.Status, iteration int) {
	p.publish(ctx, p.StatusSubject(name), StatusEvent{
		Project:   name,
		From:      from,
		To:        to,
		Iteration: iteration,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn(ctx, "failed to marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn(ctx, "failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Connected reports whether the connection is up.
func (p *Publisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close flushes pending messages and closes an owned connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Flush(); err != nil && p.nc.IsConnected() {
		return fmt.Errorf("flush events: %w", err)
	}
	if p.owned {
		p.nc.Close()
	}
	return nil
}

// subjectToken makes name safe as a single NATS subject token.
func subjectToken(name string) string {
	out := []rune(name)
	for i, r := range out {
		switch r {
		case '.', '*', '>', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}

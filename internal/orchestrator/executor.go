package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/project"
)

const instrumentationName = "github.com/nvdpsingh/DevPilot/internal/orchestrator"

// DefaultPhaseTimeout applies when no timeout is configured for a phase.
const DefaultPhaseTimeout = 5 * time.Minute

// Call performs one attempt of a phase. The returned value is carried on the
// PhaseOutcome; its string form is recorded as the artifact reference.
type Call func(ctx context.Context) (any, error)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Timeouts holds per-phase timeouts. Missing phases use Default.
	Timeouts map[project.Phase]time.Duration

	// Default is the fallback timeout. Zero means DefaultPhaseTimeout.
	Default time.Duration

	// RetryDelay is slept before the single retry.
	RetryDelay time.Duration
}

// Executor runs one collaborator call per phase invocation.
type Executor struct {
	cfg     ExecutorConfig
	logger  *logging.Logger
	tracer  trace.Tracer
	metrics *Metrics
	now     func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *logging.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithTracer sets the tracer used for phase spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig, opts ...ExecutorOption) *Executor {
	e := &Executor{
		cfg:    cfg,
		logger: logging.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the timeout applied to phase.
func (e *Executor) Timeout(phase project.Phase) time.Duration {
	if d, ok := e.cfg.Timeouts[phase]; ok && d > 0 {
		return d
	}
	if e.cfg.Default > 0 {
		return e.cfg.Default
	}
	return DefaultPhaseTimeout
}

// Execute runs call for phase, retrying a Retryable failure once, and
// appends exactly one IterationRecord to rec describing the final result.
func (e *Executor) Execute(ctx context.Context, rec *project.Record, phase project.Phase, call Call) PhaseOutcome {
	ctx, span := e.tracer.Start(ctx, "phase."+string(phase),
		trace.WithAttributes(
			attribute.String("project.name", rec.Name),
			attribute.String("phase", string(phase)),
			attribute.Int("iteration", rec.IterationCount),
		),
	)
	defer span.End()

	start := e.now()
	var (
		out      PhaseOutcome
		timeouts int
	)
	for attempt := 1; attempt <= 2; attempt++ {
		value, err := e.attempt(ctx, phase, call)
		outcome, retry, timedOut := classify(ctx, err)
		if timedOut {
			timeouts++
		}

		out = PhaseOutcome{
			Outcome:  outcome,
			Value:    value,
			Artifact: artifactRef(value),
			Err:      err,
			Attempts: attempt,
			TimedOut: timedOut && timeouts == attempt && attempt > 1,
		}
		if err != nil {
			out.Reason = err.Error()
		}

		if !retry || attempt == 2 {
			break
		}
		e.logger.Warn(ctx, "phase attempt failed, retrying",
			zap.String("phase", string(phase)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !e.sleep(ctx, e.cfg.RetryDelay) {
			break
		}
	}

	elapsed := e.now().Sub(start)
	detail := out.Reason
	if out.OK() {
		detail = out.Artifact
	}
	rec.Append(project.IterationRecord{
		Phase:     phase,
		Outcome:   out.Outcome,
		Timestamp: e.now().UTC(),
		Detail:    detail,
		Iteration: rec.IterationCount,
		Duration:  elapsed,
		Attempts:  out.Attempts,
	})

	span.SetAttributes(
		attribute.String("outcome", string(out.Outcome)),
		attribute.Int("attempts", out.Attempts),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
	}
	if out.Outcome == project.OutcomeFatal {
		span.SetStatus(codes.Error, out.Reason)
	}
	e.metrics.observePhase(phase, out.Outcome, out.Attempts, elapsed)

	fields := []zap.Field{
		zap.String("phase", string(phase)),
		zap.String("outcome", string(out.Outcome)),
		zap.Int("attempts", out.Attempts),
		zap.Duration("duration", elapsed),
	}
	switch out.Outcome {
	case project.OutcomeFatal:
		e.logger.Error(ctx, "phase failed", append(fields, zap.Error(out.Err))...)
	case project.OutcomeRetryable:
		e.logger.Warn(ctx, "phase incomplete", append(fields, zap.String("reason", out.Reason))...)
	default:
		e.logger.Info(ctx, "phase completed", append(fields, zap.String("artifact", out.Artifact))...)
	}
	return out
}

type attemptResult struct {
	value any
	err   error
}

// attempt bounds call by the phase timeout even when the collaborator ignores
// its context.
func (e *Executor) attempt(ctx context.Context, phase project.Phase, call Call) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout(phase))
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() {
		v, err := call(ctx)
		done <- attemptResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func artifactRef(v any) string {
	switch a := v.(type) {
	case nil:
		return ""
	case fmt.Stringer:
		return a.String()
	case string:
		return a
	default:
		return fmt.Sprint(a)
	}
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

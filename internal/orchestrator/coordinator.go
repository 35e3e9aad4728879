package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/project"
)

// ErrNotDeployed is returned by Diagnose when a project has no deployment.
var ErrNotDeployed = errors.New("project has no running deployment")

// Config configures a Coordinator.
type Config struct {
	// MaxIterations bounds the number of Fixing → Deploying cycles.
	MaxIterations int
}

// EventSink receives lifecycle notifications. Implementations must not block.
type EventSink interface {
	PhaseCompleted(ctx context.Context, name string, ir project.IterationRecord)
	StatusChanged(ctx context.Context, name string, from, to project.Status, iteration int)
}

type nopEvents struct{}

func (nopEvents) PhaseCompleted(context.Context, string, project.IterationRecord)            {}
func (nopEvents) StatusChanged(context.Context, string, project.Status, project.Status, int) {}

// Coordinator runs the per-project state machine.
type Coordinator struct {
	cfg     Config
	store   project.Store
	exec    *Executor
	collab  Collaborators
	events  EventSink
	logger  *logging.Logger
	metrics *Metrics
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithEvents sets the lifecycle event sink.
func WithEvents(s EventSink) CoordinatorOption {
	return func(c *Coordinator) {
		if s != nil {
			c.events = s
		}
	}
}

// WithCoordinatorMetrics sets the Prometheus metrics.
func WithCoordinatorMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, store project.Store, exec *Executor, collab Collaborators, opts ...CoordinatorOption) *Coordinator {
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 1
	}
	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		exec:   exec,
		collab: collab,
		events: nopEvents{},
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxIterations returns the configured iteration ceiling.
func (c *Coordinator) MaxIterations() int { return c.cfg.MaxIterations }

// run holds the in-memory state of one loop.
type run struct {
	rec      *project.Record
	plan     PlanRef
	fileset  FilesetRef
	handle   DeploymentHandle
	feedback []string
	emitted  int
}

// Run drives rec to a terminal status and returns the final snapshot.
//
// The record is committed to the store after every transition. stop is
// checked only between phases; a phase already in flight always completes
// and is recorded first.
func (c *Coordinator) Run(ctx context.Context, rec *project.Record, stop <-chan struct{}) (*project.Record, error) {
	ctx = logging.WithProject(ctx, rec.Name)
	ctx = logging.WithRunID(ctx, rec.RunID)
	r := &run{rec: rec.Clone(), emitted: len(rec.History)}

	c.logger.Info(ctx, "project loop started",
		zap.String("status", string(r.rec.Status)),
		zap.Int("max_iterations", c.cfg.MaxIterations),
	)

	for !r.rec.Status.IsTerminal() {
		if stopRequested(stop) {
			if err := c.transition(ctx, r, project.StatusStopped, "stopped by request"); err != nil {
				return r.rec.Clone(), err
			}
			break
		}

		next, reason := c.step(ctx, r)
		if err := c.transition(ctx, r, next, reason); err != nil {
			return r.rec.Clone(), err
		}
	}

	if r.rec.Status == project.StatusCompleted {
		c.publish(ctx, r)
	}

	c.logger.Info(ctx, "project loop finished",
		zap.String("status", string(r.rec.Status)),
		zap.Int("iterations", r.rec.IterationCount),
		zap.Int("history", len(r.rec.History)),
	)
	return r.rec.Clone(), nil
}

func stopRequested(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// step executes the phase for the current status and returns the next status.
func (c *Coordinator) step(ctx context.Context, r *run) (project.Status, string) {
	name := r.rec.Name

	switch r.rec.Status {
	case project.StatusPlanning:
		command := r.rec.Command
		out := c.exec.Execute(ctx, r.rec, project.PhasePlan, func(ctx context.Context) (any, error) {
			return c.collab.Planner.Plan(ctx, name, command)
		})
		if !out.OK() {
			return failure(out)
		}
		r.plan = out.Value.(PlanRef)
		r.rec.PlanArtifact = r.plan.String()
		return project.StatusBuilding, ""

	case project.StatusBuilding:
		plan := r.plan
		out := c.exec.Execute(ctx, r.rec, project.PhaseBuild, func(ctx context.Context) (any, error) {
			return c.collab.Coder.Build(ctx, name, plan, nil)
		})
		if !out.OK() {
			return failure(out)
		}
		r.fileset = out.Value.(FilesetRef)
		r.rec.FilesetArtifact = r.fileset.String()
		return project.StatusDeploying, ""

	case project.StatusDeploying:
		// The previous iteration's deployment must not outlive its fileset.
		c.releaseDeployment(ctx, r)
		fileset := r.fileset
		out := c.exec.Execute(ctx, r.rec, project.PhaseDeploy, func(ctx context.Context) (any, error) {
			return c.collab.Deployer.Deploy(ctx, name, fileset)
		})
		if !out.OK() {
			return failure(out)
		}
		r.handle = out.Value.(DeploymentHandle)
		r.rec.DeploymentHandle = string(r.handle)
		return project.StatusTesting, ""

	case project.StatusTesting:
		out := c.exec.Execute(ctx, r.rec, project.PhaseTest, c.testCall(name, r.handle))
		switch out.Outcome {
		case project.OutcomeSuccess:
			r.feedback = nil
			return project.StatusCompleted, ""
		case project.OutcomeFatal:
			return failure(out)
		}
		if out.TimedOut {
			return project.StatusFailed, fmt.Sprintf("%s: %s", ErrRepeatedTimeout, out.Reason)
		}
		r.feedback = feedbackFrom(out)
		if r.rec.IterationCount >= c.cfg.MaxIterations {
			return project.StatusFailed, fmt.Sprintf("tests still failing after %d fix iterations: %s",
				r.rec.IterationCount, out.Reason)
		}
		return project.StatusFixing, ""

	case project.StatusFixing:
		plan, feedback := r.plan, r.feedback
		out := c.exec.Execute(ctx, r.rec, project.PhaseFix, func(ctx context.Context) (any, error) {
			return c.collab.Coder.Build(ctx, name, plan, feedback)
		})
		if !out.OK() {
			return failure(out)
		}
		r.fileset = out.Value.(FilesetRef)
		r.rec.FilesetArtifact = r.fileset.String()
		r.rec.IterationCount++
		c.metrics.fixStarted()
		return project.StatusDeploying, ""

	default:
		return project.StatusFailed, fmt.Sprintf("no phase for status %s", r.rec.Status)
	}
}

func (c *Coordinator) testCall(name string, handle DeploymentHandle) Call {
	return func(ctx context.Context) (any, error) {
		report, err := c.collab.Tester.Test(ctx, name, handle)
		if err != nil {
			return report, err
		}
		if !report.Passed {
			return report, fmt.Errorf("%w: %s", ErrTestsFailed, summarize(report.Feedback))
		}
		return report, nil
	}
}

func summarize(feedback []string) string {
	if len(feedback) == 0 {
		return "no diagnostics reported"
	}
	const limit = 3
	if len(feedback) > limit {
		return strings.Join(feedback[:limit], "; ") + fmt.Sprintf("; and %d more", len(feedback)-limit)
	}
	return strings.Join(feedback, "; ")
}

func feedbackFrom(out PhaseOutcome) []string {
	if report, ok := out.Value.(TestReport); ok && len(report.Feedback) > 0 {
		return append([]string(nil), report.Feedback...)
	}
	return []string{out.Reason}
}

// failure maps a non-success outcome outside Testing to Failed.
func failure(out PhaseOutcome) (project.Status, string) {
	switch {
	case out.Outcome == project.OutcomeFatal:
		return project.StatusFailed, out.Reason
	case out.TimedOut:
		return project.StatusFailed, fmt.Sprintf("%s: %s", ErrRepeatedTimeout, out.Reason)
	default:
		return project.StatusFailed, fmt.Sprintf("%s: %s", ErrRetriesExhausted, out.Reason)
	}
}

// transition moves r to next and commits the record.
func (c *Coordinator) transition(ctx context.Context, r *run, next project.Status, reason string) error {
	from := r.rec.Status
	if err := checkTransition(from, next); err != nil {
		c.logger.Error(ctx, "rejected state transition", zap.Error(err))
		next, reason = project.StatusFailed, err.Error()
	}

	if next == project.StatusFailed || next == project.StatusStopped {
		c.releaseDeployment(ctx, r)
	}
	if next == project.StatusFailed {
		r.rec.LastError = reason
	}
	r.rec.Status = next
	r.rec.UpdatedAt = time.Now().UTC()

	if err := c.commit(ctx, r); err != nil {
		c.releaseDeployment(ctx, r)
		c.abandon(ctx, r, err)
		return err
	}

	c.events.StatusChanged(ctx, r.rec.Name, from, next, r.rec.IterationCount)
	fields := []zap.Field{
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.Int("iteration", r.rec.IterationCount),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	c.logger.Info(ctx, "project status changed", fields...)
	return nil
}

// commit saves r.rec and announces history entries not yet published.
func (c *Coordinator) commit(ctx context.Context, r *run) error {
	if err := c.store.Save(context.WithoutCancel(ctx), r.rec); err != nil {
		c.logger.Error(ctx, "failed to commit project record", zap.Error(err))
		return fmt.Errorf("commit %s: %w", r.rec.Name, err)
	}
	for _, ir := range r.rec.History[r.emitted:] {
		c.events.PhaseCompleted(ctx, r.rec.Name, ir)
	}
	r.emitted = len(r.rec.History)
	return nil
}

// abandon makes one attempt to record a loop that could not commit as
// Failed, so the stored record does not stay in a running status. A record
// owned by another run is left alone.
func (c *Coordinator) abandon(ctx context.Context, r *run, cause error) {
	if errors.Is(cause, project.ErrStaleRun) {
		return
	}
	r.rec.Status = project.StatusFailed
	r.rec.LastError = cause.Error()
	r.rec.UpdatedAt = time.Now().UTC()
	if err := c.store.Save(context.WithoutCancel(ctx), r.rec); err != nil {
		c.logger.Error(ctx, "failed to record aborted loop", zap.Error(err))
		return
	}
	r.emitted = len(r.rec.History)
}

// releaseDeployment stops the current deployment, if any, and clears the handle.
func (c *Coordinator) releaseDeployment(ctx context.Context, r *run) {
	if r.handle == "" {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.exec.Timeout(project.PhaseDeploy))
	defer cancel()
	if err := c.collab.Deployer.StopDeployment(stopCtx, r.handle); err != nil {
		c.logger.Warn(ctx, "failed to stop deployment",
			zap.String("handle", string(r.handle)),
			zap.Error(err),
		)
	}
	r.handle = ""
	r.rec.DeploymentHandle = ""
}

func (c *Coordinator) publish(ctx context.Context, r *run) {
	if c.collab.Publisher == nil {
		return
	}
	url, err := c.collab.Publisher.Publish(ctx, r.rec.Name, r.fileset)
	if err != nil {
		c.logger.Warn(ctx, "failed to publish project", zap.Error(err))
		return
	}
	r.rec.PublishedURL = url
	if err := c.commit(ctx, r); err != nil {
		return
	}
	c.logger.Info(ctx, "project published", zap.String("url", url))
}

// Diagnose runs an out-of-band test against the project's current
// deployment. The result is appended to the history as a diagnostic entry
// and the status is left unchanged. The caller must ensure no loop owns
// the record.
func (c *Coordinator) Diagnose(ctx context.Context, name string) (project.IterationRecord, error) {
	rec, err := c.store.Get(ctx, name)
	if err != nil {
		return project.IterationRecord{}, err
	}
	if rec.DeploymentHandle == "" {
		return project.IterationRecord{}, fmt.Errorf("%w: %s", ErrNotDeployed, name)
	}

	ctx = logging.WithProject(ctx, name)
	c.exec.Execute(ctx, rec, project.PhaseTest, c.testCall(name, DeploymentHandle(rec.DeploymentHandle)))
	last := &rec.History[len(rec.History)-1]
	last.Diagnostic = true

	if err := c.store.Save(ctx, rec); err != nil {
		return project.IterationRecord{}, fmt.Errorf("commit %s: %w", name, err)
	}
	c.events.PhaseCompleted(ctx, name, *last)
	return *last, nil
}

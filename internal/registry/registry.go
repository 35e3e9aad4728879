// Package registry tracks which projects have a running coordinator loop.
//
// The registry is the only structure shared by the control paths of many
// concurrently running loops. It guarantees at most one active loop per
// project name and owns the lifecycle of those loops:
//
//	Start ──► loop goroutine ──► terminal status ──► removed from active set
//	  ▲           │
//	  │         Stop (checked between phases)
//	Restart
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
	"github.com/nvdpsingh/DevPilot/internal/project"
)

// Errors for registry operations.
var (
	ErrAlreadyActive = errors.New("project loop already active")
	ErrShuttingDown  = errors.New("registry is shutting down")
)

// Runner executes coordinator loops. *orchestrator.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, rec *project.Record, stop <-chan struct{}) (*project.Record, error)
	Diagnose(ctx context.Context, name string) (project.IterationRecord, error)
	MaxIterations() int
}

// DeploymentStopper stops deployments left running by finished loops.
type DeploymentStopper interface {
	StopDeployment(ctx context.Context, handle orchestrator.DeploymentHandle) error
}

// loop is the control block of one running coordinator loop.
type loop struct {
	runID    string
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (l *loop) signal() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Registry manages coordinator loops keyed by project name.
type Registry struct {
	mu     sync.Mutex
	active map[string]*loop
	busy   map[string]struct{} // diagnostic tests in progress
	closed bool

	store    project.Store
	runner   Runner
	deployer DeploymentStopper
	logger   *logging.Logger
	metrics  *orchestrator.Metrics
	newRunID func() string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics sets the loop metrics.
func WithMetrics(m *orchestrator.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithDeploymentStopper sets the component used to release deployments
// on cleanup and restart.
func WithDeploymentStopper(d DeploymentStopper) Option {
	return func(r *Registry) { r.deployer = d }
}

// WithRunIDs overrides run ID generation.
func WithRunIDs(fn func() string) Option {
	return func(r *Registry) { r.newRunID = fn }
}

// New creates a Registry.
func New(store project.Store, runner Runner, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		active:   make(map[string]*loop),
		busy:     make(map[string]struct{}),
		store:    store,
		runner:   runner,
		logger:   logging.NewNop(),
		newRunID: uuid.NewString,
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start creates a fresh record for name and spawns its loop. An existing
// record that has no active loop is replaced.
func (r *Registry) Start(ctx context.Context, name, command string) (*project.Record, error) {
	rec, err := project.NewRecord(name, command, r.newRunID())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.claimable(name); err != nil {
		return nil, err
	}

	existing, err := r.store.Get(ctx, name)
	switch {
	case err == nil:
		if err := r.replace(ctx, existing, rec); err != nil {
			return nil, err
		}
	case errors.Is(err, project.ErrProjectNotFound):
		if err := r.store.Create(ctx, rec); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("load project %s: %w", name, err)
	}

	r.spawn(ctx, rec)
	return rec.Clone(), nil
}

// Restart starts a fresh loop with the command of the existing record.
func (r *Registry) Restart(ctx context.Context, name string) (*project.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.claimable(name); err != nil {
		return nil, err
	}

	existing, err := r.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	rec, err := project.NewRecord(name, existing.Command, r.newRunID())
	if err != nil {
		return nil, err
	}
	if err := r.replace(ctx, existing, rec); err != nil {
		return nil, err
	}

	r.spawn(ctx, rec)
	return rec.Clone(), nil
}

// claimable reports whether a new loop may be bound to name. Caller holds r.mu.
func (r *Registry) claimable(name string) error {
	if r.closed {
		return ErrShuttingDown
	}
	if _, ok := r.active[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, name)
	}
	if _, ok := r.busy[name]; ok {
		return fmt.Errorf("%w: %s (diagnostic test running)", ErrAlreadyActive, name)
	}
	return nil
}

// replace swaps an idle record for rec, releasing its deployment. Caller holds r.mu.
func (r *Registry) replace(ctx context.Context, existing, rec *project.Record) error {
	r.releaseDeployment(ctx, existing)
	if err := r.store.Delete(ctx, existing.Name); err != nil && !errors.Is(err, project.ErrProjectNotFound) {
		return fmt.Errorf("replace project %s: %w", existing.Name, err)
	}
	return r.store.Create(ctx, rec)
}

// spawn starts the loop goroutine. Caller holds r.mu.
func (r *Registry) spawn(ctx context.Context, rec *project.Record) {
	l := &loop{
		runID: rec.RunID,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	r.active[rec.Name] = l
	r.metrics.LoopStarted()
	r.wg.Add(1)

	r.logger.Info(ctx, "project loop spawned",
		zap.String("project", rec.Name),
		zap.String("run_id", rec.RunID),
	)

	go func() {
		defer r.wg.Done()
		defer close(l.done)

		final, err := r.runner.Run(r.baseCtx, rec, l.stop)
		status := rec.Status
		if final != nil {
			status = final.Status
		}
		if err != nil {
			r.logger.Error(r.baseCtx, "project loop aborted",
				zap.String("project", rec.Name),
				zap.String("status", string(status)),
				zap.Error(err),
			)
		}

		r.mu.Lock()
		if r.active[rec.Name] == l {
			delete(r.active, rec.Name)
		}
		r.mu.Unlock()
		r.metrics.LoopFinished(status)
	}()
}

// Stop signals the loop bound to name to stop at its next phase boundary.
// Stopping a project without an active loop is a no-op.
func (r *Registry) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	l, ok := r.active[name]
	r.mu.Unlock()

	if ok {
		l.signal()
		r.logger.Info(ctx, "project stop requested", zap.String("project", name))
		return nil
	}
	if _, err := r.store.Get(ctx, name); err != nil {
		return err
	}
	return nil
}

// Wait blocks until the loop bound to name, if any, has exited.
func (r *Registry) Wait(ctx context.Context, name string) error {
	r.mu.Lock()
	l, ok := r.active[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the named record.
func (r *Registry) Status(ctx context.Context, name string) (*project.Record, error) {
	return r.store.Get(ctx, name)
}

// IsActive reports whether a loop is bound to name.
func (r *Registry) IsActive(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[name]
	return ok
}

// ListActive returns the names bound to running loops, sorted.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// List returns summaries of every stored project.
func (r *Registry) List(ctx context.Context) ([]project.Summary, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]project.Summary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summary())
	}
	return out, nil
}

// RunDiagnosticTest runs an out-of-band test of the project's deployment.
// It is rejected while a loop owns the record; the result is appended to
// the history without changing the status.
func (r *Registry) RunDiagnosticTest(ctx context.Context, name string) (project.IterationRecord, error) {
	r.mu.Lock()
	if err := r.claimable(name); err != nil {
		r.mu.Unlock()
		return project.IterationRecord{}, err
	}
	r.busy[name] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.busy, name)
		r.mu.Unlock()
	}()

	ir, err := r.runner.Diagnose(ctx, name)
	if err != nil {
		return project.IterationRecord{}, err
	}
	r.logger.Info(ctx, "diagnostic test recorded",
		zap.String("project", name),
		zap.String("outcome", string(ir.Outcome)),
	)
	return ir, nil
}

// CleanupResult reports what Cleanup released.
type CleanupResult struct {
	StoppedLoops       int      `json:"stopped_loops"`
	StoppedDeployments int      `json:"stopped_deployments"`
	Errors             []string `json:"errors,omitempty"`
}

// Cleanup stops every active loop, waits for them to exit, and stops every
// deployment still recorded on an idle project.
func (r *Registry) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult

	r.mu.Lock()
	loops := make([]*loop, 0, len(r.active))
	for _, l := range r.active {
		loops = append(loops, l)
	}
	r.mu.Unlock()

	for _, l := range loops {
		l.signal()
	}
	for _, l := range loops {
		select {
		case <-l.done:
			res.StoppedLoops++
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}

	recs, err := r.store.List(ctx)
	if err != nil {
		return res, err
	}
	for _, rec := range recs {
		if rec.DeploymentHandle == "" || r.IsActive(rec.Name) {
			continue
		}
		if err := r.releaseDeployment(ctx, rec); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rec.Name, err))
			continue
		}
		if err := r.store.Save(ctx, rec); err != nil && !errors.Is(err, project.ErrStaleRun) {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rec.Name, err))
			continue
		}
		res.StoppedDeployments++
	}

	r.logger.Info(ctx, "cleanup finished",
		zap.Int("stopped_loops", res.StoppedLoops),
		zap.Int("stopped_deployments", res.StoppedDeployments),
	)
	return res, nil
}

// releaseDeployment stops rec's deployment and clears the handle on rec.
func (r *Registry) releaseDeployment(ctx context.Context, rec *project.Record) error {
	if rec.DeploymentHandle == "" || r.deployer == nil {
		return nil
	}
	handle := orchestrator.DeploymentHandle(rec.DeploymentHandle)
	if err := r.deployer.StopDeployment(ctx, handle); err != nil {
		r.logger.Warn(ctx, "failed to stop deployment",
			zap.String("project", rec.Name),
			zap.String("handle", string(handle)),
			zap.Error(err),
		)
		return err
	}
	rec.DeploymentHandle = ""
	return nil
}

// StoreStatus describes the record store.
type StoreStatus struct {
	Backend   string `json:"backend"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// SystemStatus is the aggregate health of the registry.
type SystemStatus struct {
	ActiveLoops    int                    `json:"active_loops"`
	ActiveProjects []string               `json:"active_projects"`
	TotalProjects  int                    `json:"total_projects"`
	ByStatus       map[project.Status]int `json:"by_status"`
	MaxIterations  int                    `json:"max_iterations"`
	Store          StoreStatus            `json:"store"`
}

// SystemStatus reports active loop counts and store availability.
func (r *Registry) SystemStatus(ctx context.Context) SystemStatus {
	active := r.ListActive()
	st := SystemStatus{
		ActiveLoops:    len(active),
		ActiveProjects: active,
		ByStatus:       make(map[project.Status]int),
		MaxIterations:  r.runner.MaxIterations(),
		Store:          StoreStatus{Backend: r.store.Backend(), Available: true},
	}

	if err := r.store.Ping(ctx); err != nil {
		st.Store.Available = false
		st.Store.Error = err.Error()
		return st
	}
	recs, err := r.store.List(ctx)
	if err != nil {
		st.Store.Available = false
		st.Store.Error = err.Error()
		return st
	}
	st.TotalProjects = len(recs)
	for _, rec := range recs {
		st.ByStatus[rec.Status]++
	}
	return st
}

// Shutdown stops accepting work, signals every loop, and waits for them to
// exit. If ctx expires first, in-flight phases are cancelled.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, l := range r.active {
		l.signal()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return fmt.Errorf("shutdown registry: %w", ctx.Err())
	}
}

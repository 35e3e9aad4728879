package collaborators

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/config"
	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
)

// ManifestFile is the optional per-project deployment manifest.
const ManifestFile = "devpilot.toml"

var (
	// ErrInvalidManifest is returned for an unreadable devpilot.toml.
	ErrInvalidManifest = errors.New("invalid deploy manifest")

	// ErrExited is returned when the process exits before becoming ready.
	ErrExited = errors.New("process exited before becoming ready")

	// ErrNotReady is returned when the health check never succeeds.
	ErrNotReady = errors.New("deployment did not become ready")
)

const (
	pollInterval = 200 * time.Millisecond
	maxPortScan  = 100
	outputTail   = 4 << 10
)

// Manifest overrides deployment settings for one project.
type Manifest struct {
	Command    string            `toml:"command"`
	Port       int               `toml:"port"`
	HealthPath string            `toml:"health_path"`
	Env        map[string]string `toml:"env"`
}

// LoadManifest reads dir/devpilot.toml. A missing file yields an empty
// manifest.
func LoadManifest(dir string) (*Manifest, error) {
	var m Manifest
	_, err := toml.DecodeFile(filepath.Join(dir, ManifestFile), &m)
	if errors.Is(err, fs.ErrNotExist) {
		return &m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.Port < 0 || m.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidManifest, m.Port)
	}
	return &m, nil
}

type process struct {
	name   string
	handle orchestrator.DeploymentHandle
	cmd    *exec.Cmd
	out    *tailBuffer
	done   chan struct{}
	err    error // valid after done is closed
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Deployer runs generated projects as local processes.
type Deployer struct {
	cfg    config.DeployerConfig
	client *http.Client
	logger *logging.Logger

	mu     sync.Mutex
	procs  map[orchestrator.DeploymentHandle]*process
	byName map[string]orchestrator.DeploymentHandle
	ports  map[string]int
	next   int
}

// DeployerOption configures a Deployer.
type DeployerOption func(*Deployer)

// WithDeployerLogger sets the deployer logger.
func WithDeployerLogger(l *logging.Logger) DeployerOption {
	return func(d *Deployer) { d.logger = l }
}

// NewDeployer creates a Deployer.
func NewDeployer(cfg config.DeployerConfig, opts ...DeployerOption) *Deployer {
	d := &Deployer{
		cfg:    cfg,
		client: &http.Client{Timeout: 2 * time.Second},
		logger: logging.NewNop(),
		procs:  make(map[orchestrator.DeploymentHandle]*process),
		byName: make(map[string]orchestrator.DeploymentHandle),
		ports:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy implements orchestrator.Deployer. It returns once the health
// endpoint answers, and stops the process on any failure.
func (d *Deployer) Deploy(ctx context.Context, name string, fileset orchestrator.FilesetRef) (orchestrator.DeploymentHandle, error) {
	manifest, err := LoadManifest(fileset.Dir)
	if err != nil {
		return "", err
	}

	command := d.cfg.Command
	if manifest.Command != "" {
		command = manifest.Command
	}
	args := strings.Fields(command)
	if len(args) == 0 {
		return "", fmt.Errorf("%w: empty command", ErrInvalidManifest)
	}
	healthPath := d.cfg.HealthPath
	if manifest.HealthPath != "" {
		healthPath = manifest.HealthPath
	}

	// A stale process for the same project would hold its port.
	d.mu.Lock()
	prev, running := d.byName[name]
	d.mu.Unlock()
	if running {
		if err := d.StopDeployment(ctx, prev); err != nil {
			return "", fmt.Errorf("stop previous deployment: %w", err)
		}
	}

	port := manifest.Port
	if port == 0 {
		port = d.allocatePort(name)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = fileset.Dir
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(port), "HOST="+d.cfg.Host)
	keys := make([]string, 0, len(manifest.Env))
	for k := range manifest.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+manifest.Env[k])
	}
	out := &tailBuffer{limit: outputTail}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %q: %w", args[0], err)
	}

	handle := orchestrator.DeploymentHandle(fmt.Sprintf("http://%s", net.JoinHostPort(d.cfg.Host, strconv.Itoa(port))))
	p := &process{name: name, handle: handle, cmd: cmd, out: out, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	d.mu.Lock()
	d.procs[handle] = p
	d.byName[name] = handle
	d.mu.Unlock()

	d.logger.Info(ctx, "deployment started",
		zap.String("handle", string(handle)),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", command),
	)

	if err := d.waitReady(ctx, p, string(handle)+healthPath); err != nil {
		if stopErr := d.StopDeployment(context.WithoutCancel(ctx), handle); stopErr != nil {
			d.logger.Warn(ctx, "failed to stop unready deployment", zap.Error(stopErr))
		}
		return "", err
	}
	return handle, nil
}

func (d *Deployer) waitReady(ctx context.Context, p *process, url string) error {
	readyCtx, cancel := context.WithTimeout(ctx, d.cfg.ReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if d.healthy(readyCtx, url) {
			return nil
		}
		select {
		case <-p.done:
			return fmt.Errorf("%w: %v: %s", ErrExited, p.err, p.out.String())
		case <-readyCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return orchestrator.Retryable(fmt.Errorf("%w: %s after %s", ErrNotReady, url, d.cfg.ReadyTimeout))
		case <-ticker.C:
		}
	}
}

func (d *Deployer) healthy(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// allocatePort returns the project's port, assigning the next free offset
// from the base port on first use.
func (d *Deployer) allocatePort(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if port, ok := d.ports[name]; ok {
		return port
	}
	taken := make(map[int]bool, len(d.ports))
	for _, p := range d.ports {
		taken[p] = true
	}
	port := d.cfg.BasePort + d.next
	for i := 0; i < maxPortScan; i++ {
		candidate := d.cfg.BasePort + d.next
		d.next++
		if !taken[candidate] && portFree(d.cfg.Host, candidate) {
			port = candidate
			break
		}
	}
	d.ports[name] = port
	return port
}

func portFree(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// StopDeployment implements orchestrator.Deployer. Unknown handles are
// ignored.
func (d *Deployer) StopDeployment(ctx context.Context, handle orchestrator.DeploymentHandle) error {
	d.mu.Lock()
	p, ok := d.procs[handle]
	if ok {
		delete(d.procs, handle)
		if d.byName[p.name] == handle {
			delete(d.byName, p.name)
		}
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	err := d.terminate(ctx, p)
	d.logger.Info(ctx, "deployment stopped", zap.String("handle", string(handle)), zap.Error(err))
	return err
}

// terminate sends SIGTERM and kills the process after the grace period.
func (d *Deployer) terminate(ctx context.Context, p *process) error {
	if p.exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Platforms without SIGTERM fall through to Kill.
		d.logger.Debug(ctx, "sigterm failed", zap.Error(err))
	}

	timer := time.NewTimer(d.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	<-p.done
	return nil
}

// Running returns the handles of all live deployments.
func (d *Deployer) Running() []orchestrator.DeploymentHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]orchestrator.DeploymentHandle, 0, len(d.procs))
	for h := range d.procs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close stops every deployment.
func (d *Deployer) Close(ctx context.Context) error {
	var errs []error
	for _, h := range d.Running() {
		if err := d.StopDeployment(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

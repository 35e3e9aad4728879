package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
	"github.com/nvdpsingh/DevPilot/internal/project"
	"github.com/nvdpsingh/DevPilot/internal/registry"
)

const testHandle = "http://127.0.0.1:8001"

// gateRunner holds each loop until release is closed, then completes it
// with a deployment.
type gateRunner struct {
	store   project.Store
	release chan struct{}
}

func (g *gateRunner) Run(ctx context.Context, rec *project.Record, stop <-chan struct{}) (*project.Record, error) {
	r := rec.Clone()
	select {
	case <-g.release:
		r.Status = project.StatusCompleted
		r.DeploymentHandle = testHandle
	case <-stop:
		r.Status = project.StatusStopped
	case <-ctx.Done():
		r.Status = project.StatusStopped
	}
	r.Append(project.IterationRecord{Phase: project.PhasePlan, Outcome: project.OutcomeSuccess, Timestamp: time.Now()})
	return r, g.store.Save(context.Background(), r)
}

func (g *gateRunner) Diagnose(ctx context.Context, name string) (project.IterationRecord, error) {
	rec, err := g.store.Get(ctx, name)
	if err != nil {
		return project.IterationRecord{}, err
	}
	if rec.DeploymentHandle == "" {
		return project.IterationRecord{}, fmt.Errorf("%w: %s", orchestrator.ErrNotDeployed, name)
	}
	ir := project.IterationRecord{
		Phase:      project.PhaseTest,
		Outcome:    project.OutcomeSuccess,
		Timestamp:  time.Now(),
		Diagnostic: true,
	}
	rec.Append(ir)
	return ir, g.store.Save(ctx, rec)
}

func (g *gateRunner) MaxIterations() int { return 3 }

type nopStopper struct{ stopped atomic.Int32 }

func (n *nopStopper) StopDeployment(context.Context, orchestrator.DeploymentHandle) error {
	n.stopped.Add(1)
	return nil
}

type fixture struct {
	server  *Server
	reg     *registry.Registry
	runner  *gateRunner
	stopper *nopStopper
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := project.NewMemoryStore()
	runner := &gateRunner{store: store, release: make(chan struct{})}
	stopper := &nopStopper{}
	reg := registry.New(store, runner, registry.WithDeploymentStopper(stopper))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})

	opts = append([]Option{WithClock(func() time.Time {
		return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	})}, opts...)
	server, err := NewServer(reg, logging.NewNop(), &Config{Host: "127.0.0.1", Port: 0}, opts...)
	require.NoError(t, err)
	return &fixture{server: server, reg: reg, runner: runner, stopper: stopper}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

// complete releases every held loop and waits for name's loop to exit.
func (f *fixture) complete(t *testing.T, name string) {
	t.Helper()
	close(f.runner.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.reg.Wait(ctx, name))
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer(t *testing.T) {
	store := project.NewMemoryStore()
	reg := registry.New(store, &gateRunner{store: store})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(reg, logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0", server.config.Host)
		assert.Equal(t, 8000, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(reg, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when registry is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	f := setup(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, rec).Status)
}

func TestStartDevelopment(t *testing.T) {
	t.Run("accepts and reports the project", func(t *testing.T) {
		f := setup(t)
		rec := f.do(t, http.MethodPost, "/api/start-development",
			StartRequest{Command: "build a todo API", ProjectName: "todo-api"})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		resp := decodeBody[AcceptedResponse](t, rec)
		assert.Equal(t, "todo-api", resp.Name)
		assert.Equal(t, project.StatusPlanning, resp.Status)
		assert.NotEmpty(t, resp.RunID)

		rec = f.do(t, http.MethodGet, "/api/projects/todo-api", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		snapshot := decodeBody[project.Record](t, rec)
		assert.Equal(t, "build a todo API", snapshot.Command)

		rec = f.do(t, http.MethodGet, "/api/projects", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []project.Summary{{Name: "todo-api", Status: project.StatusPlanning}},
			decodeBody[[]project.Summary](t, rec))
	})

	t.Run("defaults the project name", func(t *testing.T) {
		f := setup(t)
		rec := f.do(t, http.MethodPost, "/api/start-development", StartRequest{Command: "build a blog"})
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "project_20260314_150926", decodeBody[AcceptedResponse](t, rec).Name)
	})

	t.Run("rejects a second loop", func(t *testing.T) {
		f := setup(t)
		body := StartRequest{Command: "x", ProjectName: "dup"}
		require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/api/start-development", body).Code)

		rec := f.do(t, http.MethodPost, "/api/start-development", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, decodeBody[ErrorResponse](t, rec).Error, "already active")
	})

	t.Run("validates input", func(t *testing.T) {
		f := setup(t)
		tests := []struct {
			name string
			body any
			want string
		}{
			{"missing command", StartRequest{ProjectName: "x"}, "command is required"},
			{"blank command", StartRequest{Command: "   "}, "command is required"},
			{"traversal", StartRequest{Command: "x", ProjectName: "../etc"}, "path traversal"},
			{"bad characters", StartRequest{Command: "x", ProjectName: "my app"}, "invalid project name"},
			{"too long", StartRequest{Command: "x", ProjectName: strings.Repeat("a", 200)}, "project_name is longer than 128"},
			{"malformed json", `{"command":`, "invalid request body"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rec := f.do(t, http.MethodPost, "/api/start-development", tt.body)
				assert.Equal(t, http.StatusBadRequest, rec.Code)
				assert.Contains(t, decodeBody[ErrorResponse](t, rec).Error, tt.want)
			})
		}
	})
}

func TestProjectNotFound(t *testing.T) {
	f := setup(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/projects/ghost"},
		{http.MethodPost, "/api/projects/ghost/stop"},
		{http.MethodPost, "/api/projects/ghost/restart"},
		{http.MethodPost, "/api/projects/ghost/test"},
	} {
		rec := f.do(t, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
}

func TestStopProject(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusAccepted,
		f.do(t, http.MethodPost, "/api/start-development", StartRequest{Command: "x", ProjectName: "p"}).Code)

	rec := f.do(t, http.MethodPost, "/api/projects/p/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p", decodeBody[StopResponse](t, rec).Name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.reg.Wait(ctx, "p"))

	snapshot := decodeBody[project.Record](t, f.do(t, http.MethodGet, "/api/projects/p", nil))
	assert.Equal(t, project.StatusStopped, snapshot.Status)

	// Stopping an idle project is still OK.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/projects/p/stop", nil).Code)
}

func TestRestartProject(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusAccepted,
		f.do(t, http.MethodPost, "/api/start-development", StartRequest{Command: "build it", ProjectName: "p"}).Code)

	rec := f.do(t, http.MethodPost, "/api/projects/p/restart", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "restart while active")

	f.complete(t, "p")
	before := decodeBody[project.Record](t, f.do(t, http.MethodGet, "/api/projects/p", nil))
	require.Equal(t, project.StatusCompleted, before.Status)

	rec = f.do(t, http.MethodPost, "/api/projects/p/restart", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeBody[AcceptedResponse](t, rec)
	assert.NotEqual(t, before.RunID, resp.RunID)

	after := decodeBody[project.Record](t, f.do(t, http.MethodGet, "/api/projects/p", nil))
	assert.Equal(t, "build it", after.Command)
	assert.Equal(t, 0, after.IterationCount)
	assert.Equal(t, int32(1), f.stopper.stopped.Load(), "previous deployment released")
}

func TestDiagnosticTest(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusAccepted,
		f.do(t, http.MethodPost, "/api/start-development", StartRequest{Command: "x", ProjectName: "p"}).Code)

	rec := f.do(t, http.MethodPost, "/api/projects/p/test", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "test while the loop is active")

	f.complete(t, "p")
	rec = f.do(t, http.MethodPost, "/api/projects/p/test", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[TestResponse](t, rec)
	assert.True(t, resp.Result.Diagnostic)
	assert.Equal(t, project.PhaseTest, resp.Result.Phase)

	snapshot := decodeBody[project.Record](t, f.do(t, http.MethodGet, "/api/projects/p", nil))
	assert.Equal(t, project.StatusCompleted, snapshot.Status, "diagnostic test leaves status alone")
	require.Len(t, snapshot.History, 2)
	assert.True(t, snapshot.History[1].Diagnostic)
}

func TestDiagnosticTest_NoDeployment(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusAccepted,
		f.do(t, http.MethodPost, "/api/start-development", StartRequest{Command: "x", ProjectName: "p"}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/projects/p/stop", nil).Code)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.reg.Wait(ctx, "p"))

	rec := f.do(t, http.MethodPost, "/api/projects/p/test", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decodeBody[ErrorResponse](t, rec).Error, "no running deployment")
}

func TestSystemStatus(t *testing.T) {
	f := setup(t, WithCollaborators(map[string]string{"planner": "groq"}))
	require.Equal(t, http.StatusAccepted,
		f.do(t, http.MethodPost, "/api/start-development", StartRequest{Command: "x", ProjectName: "p"}).Code)

	rec := f.do(t, http.MethodGet, "/api/system-status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeBody[SystemStatusResponse](t, rec)
	assert.Equal(t, 1, st.ActiveLoops)
	assert.Equal(t, []string{"p"}, st.ActiveProjects)
	assert.Equal(t, 1, st.TotalProjects)
	assert.Equal(t, 3, st.MaxIterations)
	assert.True(t, st.Store.Available)
	assert.Equal(t, "memory", st.Store.Backend)
	assert.Equal(t, "groq", st.Collaborators["planner"])
}

func TestCleanup(t *testing.T) {
	f := setup(t)
	for _, name := range []string{"a", "b"} {
		require.Equal(t, http.StatusAccepted,
			f.do(t, http.MethodPost, "/api/start-development", StartRequest{Command: "x", ProjectName: name}).Code)
	}

	rec := f.do(t, http.MethodPost, "/api/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[registry.CleanupResult](t, rec)
	assert.Equal(t, 2, res.StoppedLoops)
	assert.Empty(t, f.reg.ListActive())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", project.ErrProjectNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", registry.ErrAlreadyActive), http.StatusConflict},
		{fmt.Errorf("x: %w", orchestrator.ErrNotDeployed), http.StatusConflict},
		{project.ErrEmptyCommand, http.StatusBadRequest},
		{registry.ErrShuttingDown, http.StatusServiceUnavailable},
		{echo.NewHTTPError(http.StatusTeapot, "tea"), http.StatusTeapot},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestMountedHandlers(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("devpilot_loops_active 0\n"))
	})
	mcpCalls := 0
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mcpCalls++
		w.WriteHeader(http.StatusAccepted)
	})
	f := setup(t, WithMetricsHandler(metrics), WithMCPHandler(mcpHandler))

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "devpilot_loops_active")

	rec = f.do(t, http.MethodPost, "/mcp", `{}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, mcpCalls)
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		f := setup(t)
		rec := f.do(t, http.MethodGet, "/health", nil)
		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("recovers from panic", func(t *testing.T) {
		f := setup(t)
		f.server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})
		var rec *httptest.ResponseRecorder
		assert.NotPanics(t, func() {
			rec = f.do(t, http.MethodGet, "/panic", nil)
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("unknown route is a JSON 404", func(t *testing.T) {
		f := setup(t)
		rec := f.do(t, http.MethodGet, "/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
	})
}

func TestServerLifecycle(t *testing.T) {
	f := setup(t)

	errChan := make(chan error, 1)
	go func() { errChan <- f.server.Start() }()

	require.Eventually(t, func() bool { return f.server.Addr() != nil }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + f.server.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

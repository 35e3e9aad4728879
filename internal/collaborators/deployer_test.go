package collaborators

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvdpsingh/DevPilot/internal/config"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
)

// TestHelperProcess is not a real test. Deployments under test re-exec the
// test binary with DEVPILOT_HELPER set to act as a generated service.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("DEVPILOT_HELPER")
	if mode == "" {
		return
	}
	switch mode {
	case "serve":
		mux := http.NewServeMux()
		mux.HandleFunc("/api/health", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"status":"ok"}`)
		})
		addr := net.JoinHostPort(os.Getenv("HOST"), os.Getenv("PORT"))
		_ = http.ListenAndServe(addr, mux)
		os.Exit(1)
	case "exit":
		fmt.Fprintln(os.Stderr, "ModuleNotFoundError: No module named 'fastapi'")
		os.Exit(3)
	case "hang":
		time.Sleep(time.Hour)
	}
	os.Exit(0)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// helperProject writes a manifest that runs the helper in the given mode.
func helperProject(t *testing.T, mode string) orchestrator.FilesetRef {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("helper process deployment relies on POSIX signals")
	}
	dir := t.TempDir()
	manifest := fmt.Sprintf("command = %q\n\n[env]\nDEVPILOT_HELPER = %q\n",
		os.Args[0]+" -test.run=^TestHelperProcess$", mode)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644))
	return orchestrator.FilesetRef{Dir: dir}
}

func testDeployer(t *testing.T, ready time.Duration) *Deployer {
	t.Helper()
	d := NewDeployer(config.DeployerConfig{
		Command:      "python main.py",
		Host:         "127.0.0.1",
		BasePort:     freePort(t),
		HealthPath:   "/api/health",
		StopGrace:    time.Second,
		ReadyTimeout: ready,
	})
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestDeployer_DeployAndStop(t *testing.T) {
	d := testDeployer(t, 20*time.Second)
	ctx := context.Background()

	handle, err := d.Deploy(ctx, "todo-api", helperProject(t, "serve"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(handle), "http://127.0.0.1:"))
	assert.Equal(t, []orchestrator.DeploymentHandle{handle}, d.Running())

	resp, err := http.Get(string(handle) + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, d.StopDeployment(ctx, handle))
	assert.Empty(t, d.Running())

	// Stopping twice is harmless.
	assert.NoError(t, d.StopDeployment(ctx, handle))
}

func TestDeployer_RedeployReplacesProcess(t *testing.T) {
	d := testDeployer(t, 20*time.Second)
	ctx := context.Background()
	fs := helperProject(t, "serve")

	first, err := d.Deploy(ctx, "todo-api", fs)
	require.NoError(t, err)
	second, err := d.Deploy(ctx, "todo-api", fs)
	require.NoError(t, err)

	assert.Equal(t, first, second, "a project keeps its port")
	assert.Len(t, d.Running(), 1)
}

func TestDeployer_ExitBeforeReadyIsFatal(t *testing.T) {
	d := testDeployer(t, 20*time.Second)

	_, err := d.Deploy(context.Background(), "broken", helperProject(t, "exit"))
	require.ErrorIs(t, err, ErrExited)
	assert.False(t, orchestrator.IsRetryable(err))
	assert.Contains(t, err.Error(), "No module named")
	assert.Empty(t, d.Running())
}

func TestDeployer_NotReadyIsRetryable(t *testing.T) {
	d := testDeployer(t, 500*time.Millisecond)

	_, err := d.Deploy(context.Background(), "slow", helperProject(t, "hang"))
	require.ErrorIs(t, err, ErrNotReady)
	assert.True(t, orchestrator.IsRetryable(err))
	assert.Empty(t, d.Running())
}

func TestDeployer_MissingExecutable(t *testing.T) {
	d := testDeployer(t, time.Second)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile),
		[]byte(`command = "/nonexistent/devpilot-no-such-binary"`), 0o644))

	_, err := d.Deploy(context.Background(), "missing", orchestrator.FilesetRef{Dir: dir})
	require.Error(t, err)
	assert.False(t, orchestrator.IsRetryable(err))
}

func TestLoadManifest(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		m, err := LoadManifest(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, Manifest{}, *m)
	})

	t.Run("full", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(`
command = "uvicorn main:app"
port = 9100
health_path = "/healthz"

[env]
LOG_LEVEL = "debug"
`), 0o644))
		m, err := LoadManifest(dir)
		require.NoError(t, err)
		assert.Equal(t, "uvicorn main:app", m.Command)
		assert.Equal(t, 9100, m.Port)
		assert.Equal(t, "/healthz", m.HealthPath)
		assert.Equal(t, map[string]string{"LOG_LEVEL": "debug"}, m.Env)
	})

	t.Run("invalid", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("port = \"x\"\n"), 0o644))
		_, err := LoadManifest(dir)
		assert.ErrorIs(t, err, ErrInvalidManifest)
	})

	t.Run("port range", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("port = 70000\n"), 0o644))
		_, err := LoadManifest(dir)
		assert.ErrorIs(t, err, ErrInvalidManifest)
	})
}

func TestDeployer_AllocatePort(t *testing.T) {
	d := NewDeployer(config.DeployerConfig{Host: "127.0.0.1", BasePort: freePort(t)})

	a := d.allocatePort("a")
	b := d.allocatePort("b")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, d.allocatePort("a"))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	_, _ = b.Write([]byte("hello "))
	_, _ = b.Write([]byte("world!"))
	assert.Equal(t, "o world!", b.String())
}

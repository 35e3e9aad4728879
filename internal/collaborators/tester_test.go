package collaborators

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvdpsingh/DevPilot/internal/config"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
)

type runTestsArgs struct {
	Project string `json:"project"`
	URL     string `json:"url"`
}

// fakeRunner serves a run_tests tool over in-memory MCP transports.
type fakeRunner struct {
	calls  atomic.Int32
	result func(args runTestsArgs) *mcp.CallToolResult
}

func (f *fakeRunner) transport(t *testing.T) TransportFunc {
	return func() mcp.Transport {
		server := mcp.NewServer(&mcp.Implementation{Name: "testsprite-fake", Version: "test"}, nil)
		mcp.AddTool(server, &mcp.Tool{Name: "run_tests", Description: "run tests"},
			func(ctx context.Context, req *mcp.CallToolRequest, args runTestsArgs) (*mcp.CallToolResult, any, error) {
				f.calls.Add(1)
				return f.result(args), nil, nil
			})
		clientT, serverT := mcp.NewInMemoryTransports()
		session, err := server.Connect(context.Background(), serverT, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = session.Close() })
		return clientT
	}
}

func jsonResult(t *testing.T, v any) *mcp.CallToolResult {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}
}

func healthServer(t *testing.T, status int) orchestrator.DeploymentHandle {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return orchestrator.DeploymentHandle(srv.URL)
}

func testerConfig() config.TesterConfig {
	return config.TesterConfig{Tool: "run_tests", HealthPath: "/api/health"}
}

func TestTester_AllPassed(t *testing.T) {
	handle := healthServer(t, http.StatusOK)
	var got runTestsArgs
	runner := &fakeRunner{}
	runner.result = func(args runTestsArgs) *mcp.CallToolResult {
		got = args
		return jsonResult(t, RunnerResult{OverallStatus: StatusAllPassed, Passed: 6})
	}
	tester := NewTester(testerConfig(), WithTransport(runner.transport(t)))

	report, err := tester.Test(context.Background(), "todo-api", handle)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, "todo-api", got.Project)
	assert.Equal(t, string(handle), got.URL)
}

func TestTester_FailuresCarryFeedback(t *testing.T) {
	handle := healthServer(t, http.StatusOK)
	runner := &fakeRunner{result: func(runTestsArgs) *mcp.CallToolResult {
		return jsonResult(t, RunnerResult{
			OverallStatus: StatusPartialPass,
			Passed:        4,
			Failed:        2,
			Feedback:      []string{"POST /api/todos returned 500", "GET /api/todos/1 returned 404"},
		})
	}}
	tester := NewTester(testerConfig(), WithTransport(runner.transport(t)))

	report, err := tester.Test(context.Background(), "todo-api", handle)
	require.NoError(t, err, "failing tests are a report, not an error")
	assert.False(t, report.Passed)
	assert.Equal(t, []string{"POST /api/todos returned 500", "GET /api/todos/1 returned 404"}, report.Feedback)
}

func TestTester_FailedWithoutFeedbackGetsSummary(t *testing.T) {
	handle := healthServer(t, http.StatusOK)
	runner := &fakeRunner{result: func(runTestsArgs) *mcp.CallToolResult {
		return jsonResult(t, RunnerResult{OverallStatus: StatusFailed, Failed: 3})
	}}
	report, err := NewTester(testerConfig(), WithTransport(runner.transport(t))).
		Test(context.Background(), "todo-api", handle)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Feedback, 1)
	assert.Contains(t, report.Feedback[0], "3 failed")
}

func TestTester_UnhealthySkipsRunner(t *testing.T) {
	handle := healthServer(t, http.StatusInternalServerError)
	runner := &fakeRunner{result: func(runTestsArgs) *mcp.CallToolResult {
		return jsonResult(t, RunnerResult{OverallStatus: StatusAllPassed})
	}}
	tester := NewTester(testerConfig(), WithTransport(runner.transport(t)))

	report, err := tester.Test(context.Background(), "todo-api", handle)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Feedback, 1)
	assert.Contains(t, report.Feedback[0], "health check")
	assert.Equal(t, int32(0), runner.calls.Load())
}

func TestTester_ToolErrorIsRetryable(t *testing.T) {
	handle := healthServer(t, http.StatusOK)
	runner := &fakeRunner{result: func(runTestsArgs) *mcp.CallToolResult {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "quota exceeded"}},
		}
	}}
	tester := NewTester(testerConfig(), WithTransport(runner.transport(t)))

	report, err := tester.Test(context.Background(), "todo-api", handle)
	require.ErrorIs(t, err, ErrTestRunner)
	assert.True(t, orchestrator.IsRetryable(err))
	assert.False(t, report.Passed)
	require.NotEmpty(t, report.Feedback)
	assert.Contains(t, report.Feedback[0], "quota exceeded")
}

func TestTester_UnknownStatusIsRunnerError(t *testing.T) {
	handle := healthServer(t, http.StatusOK)
	runner := &fakeRunner{result: func(runTestsArgs) *mcp.CallToolResult {
		return jsonResult(t, map[string]string{"overall_status": "maybe"})
	}}
	_, err := NewTester(testerConfig(), WithTransport(runner.transport(t))).
		Test(context.Background(), "todo-api", handle)
	assert.ErrorIs(t, err, ErrTestRunner)
}

func TestTester_RunnerUnavailable(t *testing.T) {
	handle := healthServer(t, http.StatusOK)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no runner here", http.StatusBadRequest)
	}))
	t.Cleanup(down.Close)

	t.Run("health only", func(t *testing.T) {
		cfg := testerConfig()
		cfg.MCPURL = down.URL + "/mcp"
		report, err := NewTester(cfg).Test(context.Background(), "todo-api", handle)
		require.NoError(t, err)
		assert.True(t, report.Passed)
		assert.Contains(t, report.Feedback[0], "unavailable")
	})

	t.Run("required", func(t *testing.T) {
		cfg := testerConfig()
		cfg.MCPURL = down.URL + "/mcp"
		cfg.RequireMCP = true
		_, err := NewTester(cfg).Test(context.Background(), "todo-api", handle)
		require.Error(t, err)
		assert.True(t, orchestrator.IsRetryable(err))
	})
}

func TestTester_NoRunnerConfigured(t *testing.T) {
	handle := healthServer(t, http.StatusOK)
	report, err := NewTester(testerConfig()).Test(context.Background(), "todo-api", handle)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Contains(t, report.Feedback[0], "not configured")
}

func TestBearerTransport(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: &bearerTransport{token: config.Secret("ts-key")}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer ts-key", auth)
}

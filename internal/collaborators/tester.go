package collaborators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/config"
	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
)

// ErrTestRunner is returned when the test runner reports an error instead
// of a result.
var ErrTestRunner = errors.New("test runner error")

// Overall statuses reported by the test runner.
const (
	StatusAllPassed   = "all_passed"
	StatusPartialPass = "partial_pass"
	StatusFailed      = "failed"
)

// RunnerResult is the JSON document returned by the test runner tool.
type RunnerResult struct {
	OverallStatus string   `json:"overall_status"`
	Passed        int      `json:"passed,omitempty"`
	Failed        int      `json:"failed,omitempty"`
	Feedback      []string `json:"feedback,omitempty"`
}

// TransportFunc opens a new MCP transport for one test run.
type TransportFunc func() mcp.Transport

// Tester checks a deployment's health endpoint and then runs the test
// runner's MCP tool against it.
type Tester struct {
	cfg       config.TesterConfig
	client    *http.Client
	transport TransportFunc
	version   string
	logger    *logging.Logger
}

// TesterOption configures a Tester.
type TesterOption func(*Tester)

// WithTesterLogger sets the tester logger.
func WithTesterLogger(l *logging.Logger) TesterOption {
	return func(t *Tester) { t.logger = l }
}

// WithTransport overrides how the MCP connection is made.
func WithTransport(fn TransportFunc) TesterOption {
	return func(t *Tester) { t.transport = fn }
}

// WithClientVersion sets the version reported to the test runner.
func WithClientVersion(v string) TesterOption {
	return func(t *Tester) { t.version = v }
}

// NewTester creates a Tester. Without WithTransport it connects to
// cfg.MCPURL over streamable HTTP; an empty URL disables the runner.
func NewTester(cfg config.TesterConfig, opts ...TesterOption) *Tester {
	t := &Tester{
		cfg:     cfg,
		client:  &http.Client{Timeout: 5 * time.Second},
		version: "dev",
		logger:  logging.NewNop(),
	}
	if cfg.MCPURL != "" {
		httpClient := &http.Client{Transport: &bearerTransport{token: cfg.APIKey}}
		t.transport = func() mcp.Transport {
			return &mcp.StreamableClientTransport{Endpoint: cfg.MCPURL, HTTPClient: httpClient}
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Test implements orchestrator.Tester.
func (t *Tester) Test(ctx context.Context, name string, handle orchestrator.DeploymentHandle) (orchestrator.TestReport, error) {
	if err := t.checkHealth(ctx, string(handle)+t.cfg.HealthPath); err != nil {
		if ctx.Err() != nil {
			return orchestrator.TestReport{}, ctx.Err()
		}
		return orchestrator.TestReport{
			Passed:   false,
			Feedback: []string{fmt.Sprintf("health check %s failed: %v", t.cfg.HealthPath, err)},
		}, nil
	}

	if t.transport == nil {
		return orchestrator.TestReport{
			Passed:   true,
			Feedback: []string{"test runner not configured; only the health check ran"},
		}, nil
	}

	result, err := t.runTool(ctx, name, handle)
	switch {
	case err == nil:
	case errors.Is(err, ErrTestRunner):
		return orchestrator.TestReport{Passed: false, Feedback: []string{err.Error()}}, orchestrator.Retryable(err)
	case ctx.Err() != nil:
		return orchestrator.TestReport{}, ctx.Err()
	case t.cfg.RequireMCP:
		return orchestrator.TestReport{}, orchestrator.Retryable(fmt.Errorf("test runner unavailable: %w", err))
	default:
		t.logger.Warn(ctx, "test runner unavailable, using health check only", zap.Error(err))
		return orchestrator.TestReport{
			Passed:   true,
			Feedback: []string{"test runner unavailable; only the health check ran"},
		}, nil
	}

	report := orchestrator.TestReport{
		Passed:   result.OverallStatus == StatusAllPassed,
		Feedback: result.Feedback,
	}
	if !report.Passed && len(report.Feedback) == 0 {
		report.Feedback = []string{fmt.Sprintf("test runner reported %s (%d passed, %d failed)",
			result.OverallStatus, result.Passed, result.Failed)}
	}
	t.logger.Info(ctx, "test run finished",
		zap.String("overall_status", result.OverallStatus),
		zap.Int("passed", result.Passed),
		zap.Int("failed", result.Failed),
	)
	return report, nil
}

func (t *Tester) checkHealth(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (t *Tester) runTool(ctx context.Context, name string, handle orchestrator.DeploymentHandle) (*RunnerResult, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "devpilot", Version: t.version}, nil)
	session, err := client.Connect(ctx, t.transport(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect test runner: %w", err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name: t.cfg.Tool,
		Arguments: map[string]any{
			"project": name,
			"url":     string(handle),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", t.cfg.Tool, err)
	}

	text := toolText(res)
	if res.IsError {
		return nil, fmt.Errorf("%w: %s", ErrTestRunner, text)
	}
	var result RunnerResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("%w: unreadable result %q", ErrTestRunner, truncate(text, 200))
	}
	switch result.OverallStatus {
	case StatusAllPassed, StatusPartialPass, StatusFailed:
	default:
		return nil, fmt.Errorf("%w: unknown overall status %q", ErrTestRunner, result.OverallStatus)
	}
	return &result, nil
}

func toolText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// bearerTransport adds the runner API key to every request.
type bearerTransport struct {
	token config.Secret
}

func (b *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !b.token.IsSet() {
		return http.DefaultTransport.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token.Value())
	return http.DefaultTransport.RoundTrip(req)
}

// Package client is a typed HTTP client for the devpilot API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apihttp "github.com/nvdpsingh/DevPilot/internal/http"
	"github.com/nvdpsingh/DevPilot/internal/project"
	"github.com/nvdpsingh/DevPilot/internal/registry"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("server returned %d: %s (request %s)", e.StatusCode, e.Message, e.RequestID)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// Client talks to one devpilot server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New creates a client for baseURL, e.g. http://localhost:8000.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server URL the client was created with.
func (c *Client) BaseURL() string { return c.baseURL }

// Health checks GET /health.
func (c *Client) Health(ctx context.Context) (apihttp.HealthResponse, error) {
	var out apihttp.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Start begins development of a new project. An empty name lets the server
// pick one.
func (c *Client) Start(ctx context.Context, command, name string) (apihttp.AcceptedResponse, error) {
	var out apihttp.AcceptedResponse
	err := c.do(ctx, http.MethodPost, "/api/start-development",
		apihttp.StartRequest{Command: command, ProjectName: name}, &out)
	return out, err
}

// List returns a summary of every project.
func (c *Client) List(ctx context.Context) ([]project.Summary, error) {
	var out []project.Summary
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &out)
	return out, err
}

// Status returns the full record of one project.
func (c *Client) Status(ctx context.Context, name string) (*project.Record, error) {
	var out project.Record
	if err := c.do(ctx, http.MethodGet, projectPath(name, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop asks the server to stop a running loop.
func (c *Client) Stop(ctx context.Context, name string) (apihttp.StopResponse, error) {
	var out apihttp.StopResponse
	err := c.do(ctx, http.MethodPost, projectPath(name, "stop"), nil, &out)
	return out, err
}

// Restart re-runs a finished project from the beginning.
func (c *Client) Restart(ctx context.Context, name string) (apihttp.AcceptedResponse, error) {
	var out apihttp.AcceptedResponse
	err := c.do(ctx, http.MethodPost, projectPath(name, "restart"), nil, &out)
	return out, err
}

// Test runs one diagnostic test against the current deployment.
func (c *Client) Test(ctx context.Context, name string) (apihttp.TestResponse, error) {
	var out apihttp.TestResponse
	err := c.do(ctx, http.MethodPost, projectPath(name, "test"), nil, &out)
	return out, err
}

// SystemStatus returns server-wide counters.
func (c *Client) SystemStatus(ctx context.Context) (apihttp.SystemStatusResponse, error) {
	var out apihttp.SystemStatusResponse
	err := c.do(ctx, http.MethodGet, "/api/system-status", nil, &out)
	return out, err
}

// Cleanup stops every loop and deployment.
func (c *Client) Cleanup(ctx context.Context) (registry.CleanupResult, error) {
	var out registry.CleanupResult
	err := c.do(ctx, http.MethodPost, "/api/cleanup", nil, &out)
	return out, err
}

func projectPath(name, action string) string {
	p := "/api/projects/" + url.PathEscape(name)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.baseURL+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response body: %v", err)}
	}
	var er apihttp.ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: er.Error, RequestID: er.RequestID}
	}
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

package http

import (
	"github.com/nvdpsingh/DevPilot/internal/project"
	"github.com/nvdpsingh/DevPilot/internal/registry"
)

// StartRequest is the request body for POST /api/start-development.
type StartRequest struct {
	Command     string `json:"command" validate:"required,max=8192"`
	ProjectName string `json:"project_name,omitempty" validate:"omitempty,max=128"`
}

// AcceptedResponse is returned when a loop has been started.
type AcceptedResponse struct {
	Name    string         `json:"name"`
	Status  project.Status `json:"status"`
	RunID   string         `json:"run_id"`
	Message string         `json:"message"`
}

// StopResponse is the response body for POST /api/projects/:name/stop.
type StopResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// TestResponse is the response body for POST /api/projects/:name/test.
type TestResponse struct {
	Name   string                  `json:"name"`
	Result project.IterationRecord `json:"result"`
}

// SystemStatusResponse is the response body for GET /api/system-status.
type SystemStatusResponse struct {
	registry.SystemStatus
	Collaborators map[string]string `json:"collaborators,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
	"github.com/nvdpsingh/DevPilot/internal/project"
	"github.com/nvdpsingh/DevPilot/internal/registry"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStart(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid start request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Command = strings.TrimSpace(req.Command)
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, validationMessage(err))
	}

	name := req.ProjectName
	if name == "" {
		name = project.DefaultName(s.now())
	}

	rec, err := s.registry.Start(c.Request().Context(), name, req.Command)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{
		Name:    rec.Name,
		Status:  rec.Status,
		RunID:   rec.RunID,
		Message: fmt.Sprintf("development started for %s", rec.Name),
	})
}

func (s *Server) handleList(c echo.Context) error {
	summaries, err := s.registry.List(c.Request().Context())
	if err != nil {
		return err
	}
	if summaries == nil {
		summaries = []project.Summary{}
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleStatus(c echo.Context) error {
	rec, err := s.registry.Status(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleStop(c echo.Context) error {
	name := c.Param("name")
	if err := s.registry.Stop(c.Request().Context(), name); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StopResponse{
		Name:    name,
		Message: "stop requested; the loop stops after its current phase",
	})
}

func (s *Server) handleRestart(c echo.Context) error {
	rec, err := s.registry.Restart(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{
		Name:    rec.Name,
		Status:  rec.Status,
		RunID:   rec.RunID,
		Message: fmt.Sprintf("development restarted for %s", rec.Name),
	})
}

func (s *Server) handleTest(c echo.Context) error {
	name := c.Param("name")
	ir, err := s.registry.RunDiagnosticTest(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TestResponse{Name: name, Result: ir})
}

func (s *Server) handleSystemStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, SystemStatusResponse{
		SystemStatus:  s.registry.SystemStatus(c.Request().Context()),
		Collaborators: s.collaborators,
	})
}

func (s *Server) handleCleanup(c echo.Context) error {
	res, err := s.registry.Cleanup(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, project.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyActive),
		errors.Is(err, orchestrator.ErrNotDeployed),
		errors.Is(err, project.ErrProjectExists):
		return http.StatusConflict
	case errors.Is(err, project.ErrInvalidName),
		errors.Is(err, project.ErrPathTraversal),
		errors.Is(err, project.ErrEmptyCommand):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders every error as an ErrorResponse.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = fmt.Sprint(he.Message)
	}
	ctx := c.Request().Context()
	if code >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", zap.String("path", c.Path()), zap.Error(err))
		if code == http.StatusInternalServerError {
			msg = http.StatusText(code)
		}
	}

	body := ErrorResponse{
		Error:     msg,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(code)
	} else {
		writeErr = c.JSON(code, body)
	}
	if writeErr != nil {
		s.logger.Warn(ctx, "failed to write error response", zap.Error(writeErr))
	}
}

// validationMessage renders validator errors as a short sentence.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", jsonName(fe.Field())))
		case "max":
			parts = append(parts, fmt.Sprintf("%s is longer than %s", jsonName(fe.Field()), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid", jsonName(fe.Field())))
		}
	}
	return strings.Join(parts, "; ")
}

func jsonName(field string) string {
	switch field {
	case "ProjectName":
		return "project_name"
	default:
		return strings.ToLower(field)
	}
}

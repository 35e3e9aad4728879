package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/project"
)

type startInput struct {
	Command     string `json:"command" jsonschema:"Natural-language description of the project to build"`
	ProjectName string `json:"project_name,omitempty" jsonschema:"Project name (default: project_YYYYMMDD_HHMMSS)"`
}

type startOutput struct {
	Name   string         `json:"name" jsonschema:"Project name"`
	Status project.Status `json:"status" jsonschema:"Initial status"`
	RunID  string         `json:"run_id" jsonschema:"Identifier of the started loop"`
}

type nameInput struct {
	Name string `json:"name" jsonschema:"Project name"`
}

type listInput struct{}

type listOutput struct {
	Projects []project.Summary `json:"projects" jsonschema:"Every stored project"`
	Active   []string          `json:"active" jsonschema:"Projects with a running loop"`
}

type stopInput struct {
	Name string `json:"name" jsonschema:"Project name"`
	Wait bool   `json:"wait,omitempty" jsonschema:"Block until the loop has exited"`
}

type stopOutput struct {
	Name   string         `json:"name" jsonschema:"Project name"`
	Status project.Status `json:"status" jsonschema:"Status after the stop request"`
}

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "start_development",
		Description: "Start an autonomous plan, build, deploy and test loop for a project",
	}, s.startDevelopment)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "project_status",
		Description: "Get the full record of a project, including its iteration history",
	}, s.projectStatus)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_projects",
		Description: "List every project with its status and iteration count",
	}, s.listProjects)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "stop_project",
		Description: "Stop a project's loop after its current phase finishes",
	}, s.stopProject)
}

// track records metrics for one tool call; call the returned func with the
// call's error when it finishes.
func (s *Server) track(ctx context.Context, tool string) func(error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(err error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
		if err != nil {
			s.logger.Warn(ctx, "mcp tool failed", zap.String("tool", tool), zap.Error(err))
		}
	}
}

func (s *Server) startDevelopment(ctx context.Context, _ *mcp.CallToolRequest, args startInput) (res *mcp.CallToolResult, out startOutput, err error) {
	done := s.track(ctx, "start_development")
	defer func() { done(err) }()

	if args.Command == "" {
		return nil, startOutput{}, fmt.Errorf("command is required")
	}
	name := args.ProjectName
	if name == "" {
		name = project.DefaultName(s.now())
	}

	rec, err := s.ctrl.Start(ctx, name, args.Command)
	if err != nil {
		return nil, startOutput{}, fmt.Errorf("start %s: %w", name, err)
	}
	out = startOutput{Name: rec.Name, Status: rec.Status, RunID: rec.RunID}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Development started for %s", rec.Name)},
		},
	}, out, nil
}

func (s *Server) projectStatus(ctx context.Context, _ *mcp.CallToolRequest, args nameInput) (res *mcp.CallToolResult, out *project.Record, err error) {
	done := s.track(ctx, "project_status")
	defer func() { done(err) }()

	rec, err := s.ctrl.Status(ctx, args.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("status %s: %w", args.Name, err)
	}
	if rec.History == nil {
		rec.History = []project.IterationRecord{}
	}
	return nil, rec, nil
}

func (s *Server) listProjects(ctx context.Context, _ *mcp.CallToolRequest, _ listInput) (res *mcp.CallToolResult, out listOutput, err error) {
	done := s.track(ctx, "list_projects")
	defer func() { done(err) }()

	projects, err := s.ctrl.List(ctx)
	if err != nil {
		return nil, listOutput{}, fmt.Errorf("list projects: %w", err)
	}
	out = listOutput{Projects: projects, Active: s.ctrl.ListActive()}
	if out.Projects == nil {
		out.Projects = []project.Summary{}
	}
	if out.Active == nil {
		out.Active = []string{}
	}
	return nil, out, nil
}

func (s *Server) stopProject(ctx context.Context, _ *mcp.CallToolRequest, args stopInput) (res *mcp.CallToolResult, out stopOutput, err error) {
	done := s.track(ctx, "stop_project")
	defer func() { done(err) }()

	if err := s.ctrl.Stop(ctx, args.Name); err != nil {
		return nil, stopOutput{}, fmt.Errorf("stop %s: %w", args.Name, err)
	}
	if args.Wait {
		if err := s.ctrl.Wait(ctx, args.Name); err != nil {
			return nil, stopOutput{}, fmt.Errorf("wait %s: %w", args.Name, err)
		}
	}
	rec, err := s.ctrl.Status(ctx, args.Name)
	if err != nil {
		return nil, stopOutput{}, fmt.Errorf("status %s: %w", args.Name, err)
	}
	return nil, stopOutput{Name: rec.Name, Status: rec.Status}, nil
}

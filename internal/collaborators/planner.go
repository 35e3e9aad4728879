package collaborators

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
)

const plannerSystemPrompt = `You are a senior backend architect. Given a short project request,
produce a development plan for a small Python FastAPI service.

Reply with a single JSON object and nothing else:
{
  "project_name": "<name>",
  "description": "<one paragraph>",
  "features": ["<feature>", ...],
  "endpoints": [{"method": "GET", "path": "/api/health", "description": "<text>"}, ...],
  "files": ["main.py", "requirements.txt", ...],
  "dependencies": ["fastapi", "uvicorn", ...]
}

The service must read its port from the PORT environment variable and must
expose GET /api/health returning HTTP 200.`

// Endpoint is one HTTP route in a plan.
type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Plan is the document the planner writes and the coder reads.
type Plan struct {
	PlanID       string     `json:"plan_id"`
	ProjectName  string     `json:"project_name"`
	Command      string     `json:"command"`
	CreatedAt    time.Time  `json:"created_at"`
	Description  string     `json:"description"`
	Features     []string   `json:"features"`
	Endpoints    []Endpoint `json:"endpoints"`
	Files        []string   `json:"files"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Status       string     `json:"status"`
}

func (p *Plan) validate() error {
	if strings.TrimSpace(p.Description) == "" && len(p.Features) == 0 {
		return fmt.Errorf("%w: plan has neither description nor features", ErrMalformedResponse)
	}
	if len(p.Files) == 0 {
		return fmt.Errorf("%w: plan lists no files", ErrMalformedResponse)
	}
	return nil
}

// LoadPlan reads a plan document written by the Planner.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", path, err)
	}
	return &p, nil
}

// Planner asks the LLM for a plan and stores it under a plans directory.
type Planner struct {
	llm    *LLM
	dir    string
	now    func() time.Time
	logger *logging.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerLogger sets the planner logger.
func WithPlannerLogger(l *logging.Logger) PlannerOption {
	return func(p *Planner) { p.logger = l }
}

// WithClock overrides the time source used for plan IDs.
func WithClock(now func() time.Time) PlannerOption {
	return func(p *Planner) { p.now = now }
}

// NewPlanner creates a Planner writing to dir.
func NewPlanner(llm *LLM, dir string, opts ...PlannerOption) *Planner {
	p := &Planner{llm: llm, dir: dir, now: time.Now, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan implements orchestrator.Planner.
func (p *Planner) Plan(ctx context.Context, name, command string) (orchestrator.PlanRef, error) {
	prompt := fmt.Sprintf("Project name: %s\nRequest: %s", name, command)
	reply, err := p.llm.Complete(ctx, plannerSystemPrompt, prompt)
	if err != nil {
		return orchestrator.PlanRef{}, err
	}

	raw, err := extractJSON(reply)
	if err != nil {
		return orchestrator.PlanRef{}, err
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return orchestrator.PlanRef{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := plan.validate(); err != nil {
		return orchestrator.PlanRef{}, err
	}

	created := p.now().UTC()
	plan.PlanID = fmt.Sprintf("plan_%s_%s", name, created.Format("20060102_150405"))
	plan.ProjectName = name
	plan.Command = command
	plan.CreatedAt = created
	plan.Status = "created"

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return orchestrator.PlanRef{}, fmt.Errorf("create plans dir: %w", err)
	}
	path := filepath.Join(p.dir, plan.PlanID+".json")
	data, err := json.MarshalIndent(&plan, "", "  ")
	if err != nil {
		return orchestrator.PlanRef{}, fmt.Errorf("encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return orchestrator.PlanRef{}, fmt.Errorf("write plan: %w", err)
	}

	p.logger.Info(ctx, "plan created",
		zap.String("plan_id", plan.PlanID),
		zap.Int("files", len(plan.Files)),
		zap.Int("endpoints", len(plan.Endpoints)),
	)
	return orchestrator.PlanRef{ID: plan.PlanID, Path: path}, nil
}

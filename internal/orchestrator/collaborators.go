package orchestrator

import (
	"context"
	"fmt"
)

// PlanRef references a stored plan document.
type PlanRef struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// String returns the reference stored on the project record.
func (p PlanRef) String() string {
	if p.Path != "" {
		return p.Path
	}
	return p.ID
}

// FilesetRef references a generated set of files.
type FilesetRef struct {
	Dir    string   `json:"dir"`
	Commit string   `json:"commit,omitempty"`
	Files  []string `json:"files,omitempty"`
}

// String returns the reference stored on the project record.
func (f FilesetRef) String() string {
	if f.Commit == "" {
		return f.Dir
	}
	return fmt.Sprintf("%s@%s", f.Dir, shortHash(f.Commit))
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// DeploymentHandle is the address of a running deployment.
type DeploymentHandle string

// TestReport is the result of one test run.
type TestReport struct {
	Passed   bool     `json:"passed"`
	Feedback []string `json:"feedback,omitempty"`
}

// String summarises the report for the project history.
func (r TestReport) String() string {
	if r.Passed {
		return "all tests passed"
	}
	return fmt.Sprintf("tests failed (%d findings)", len(r.Feedback))
}

// Planner turns a natural-language command into a plan.
type Planner interface {
	Plan(ctx context.Context, name, command string) (PlanRef, error)
}

// Coder generates the project files from a plan. Feedback is non-empty
// when fixing a failed test run.
type Coder interface {
	Build(ctx context.Context, name string, plan PlanRef, feedback []string) (FilesetRef, error)
}

// Deployer runs a generated project.
type Deployer interface {
	Deploy(ctx context.Context, name string, fileset FilesetRef) (DeploymentHandle, error)
	StopDeployment(ctx context.Context, handle DeploymentHandle) error
}

// Tester exercises a running deployment.
type Tester interface {
	Test(ctx context.Context, name string, handle DeploymentHandle) (TestReport, error)
}

// Publisher exports a completed project. It is optional.
type Publisher interface {
	Publish(ctx context.Context, name string, fileset FilesetRef) (string, error)
}

// Collaborators bundles the components a Coordinator calls.
type Collaborators struct {
	Planner   Planner
	Coder     Coder
	Deployer  Deployer
	Tester    Tester
	Publisher Publisher
}

// Validate checks that all required collaborators are present.
func (c Collaborators) Validate() error {
	switch {
	case c.Planner == nil:
		return fmt.Errorf("planner is required")
	case c.Coder == nil:
		return fmt.Errorf("coder is required")
	case c.Deployer == nil:
		return fmt.Errorf("deployer is required")
	case c.Tester == nil:
		return fmt.Errorf("tester is required")
	}
	return nil
}

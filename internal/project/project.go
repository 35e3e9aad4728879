package project

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"
)

// Common errors.
var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrProjectExists    = errors.New("project already exists")
	ErrInvalidName      = errors.New("invalid project name")
	ErrPathTraversal    = errors.New("path traversal detected")
	ErrEmptyCommand     = errors.New("project command cannot be empty")
	ErrHistoryRewritten = errors.New("project history is append-only")
	ErrStaleRun         = errors.New("record belongs to a different run")
)

// Status is the coordinator state of a project.
type Status string

const (
	StatusPlanning  Status = "Planning"
	StatusBuilding  Status = "Building"
	StatusDeploying Status = "Deploying"
	StatusTesting   Status = "Testing"
	StatusFixing    Status = "Fixing"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusStopped   Status = "Stopped"
)

// AllStatuses returns every status in state machine order.
func AllStatuses() []Status {
	return []Status{
		StatusPlanning, StatusBuilding, StatusDeploying, StatusTesting,
		StatusFixing, StatusCompleted, StatusFailed, StatusStopped,
	}
}

// IsTerminal reports whether no further transitions can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// HoldsDeployment reports whether a deployment handle may be present in s.
func (s Status) HoldsDeployment() bool {
	switch s {
	case StatusDeploying, StatusTesting, StatusFixing, StatusCompleted:
		return true
	default:
		return false
	}
}

// Phase is one discrete stage of project development.
type Phase string

const (
	PhasePlan   Phase = "Plan"
	PhaseBuild  Phase = "Build"
	PhaseDeploy Phase = "Deploy"
	PhaseTest   Phase = "Test"
	PhaseFix    Phase = "Fix"
)

// AllPhases returns all phases in order.
func AllPhases() []Phase {
	return []Phase{PhasePlan, PhaseBuild, PhaseDeploy, PhaseTest, PhaseFix}
}

// Outcome classifies the result of one phase invocation.
type Outcome string

const (
	OutcomeSuccess   Outcome = "Success"
	OutcomeRetryable Outcome = "Retryable"
	OutcomeFatal     Outcome = "Fatal"
)

// IterationRecord is one entry of a project's audit trail.
type IterationRecord struct {
	Phase      Phase         `json:"phase"`
	Outcome    Outcome       `json:"outcome"`
	Timestamp  time.Time     `json:"timestamp"`
	Detail     string        `json:"detail,omitempty"`
	Iteration  int           `json:"iteration"`
	Duration   time.Duration `json:"duration_ns"`
	Attempts   int           `json:"attempts"`
	Diagnostic bool          `json:"diagnostic,omitempty"`
}

// Record is the durable state of one project under orchestration.
type Record struct {
	Name             string            `json:"name"`
	Command          string            `json:"command"`
	Status           Status            `json:"status"`
	IterationCount   int               `json:"iteration_count"`
	History          []IterationRecord `json:"history"`
	PlanArtifact     string            `json:"plan_artifact,omitempty"`
	FilesetArtifact  string            `json:"fileset_artifact,omitempty"`
	DeploymentHandle string            `json:"deployment_handle,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
	PublishedURL     string            `json:"published_url,omitempty"`
	RunID            string            `json:"run_id"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Summary is the list view of a record.
type Summary struct {
	Name           string `json:"name"`
	Status         Status `json:"status"`
	IterationCount int    `json:"iteration_count"`
}

// NewRecord creates a record in the initial Planning state.
func NewRecord(name, command, runID string) (*Record, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if command == "" {
		return nil, ErrEmptyCommand
	}

	now := time.Now().UTC()
	return &Record{
		Name:      name,
		Command:   command,
		Status:    StatusPlanning,
		History:   []IterationRecord{},
		RunID:     runID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.History = make([]IterationRecord, len(r.History))
	copy(c.History, r.History)
	return &c
}

// Summary returns the list view of the record.
func (r *Record) Summary() Summary {
	return Summary{Name: r.Name, Status: r.Status, IterationCount: r.IterationCount}
}

// Append adds an entry to the history.
func (r *Record) Append(rec IterationRecord) {
	r.History = append(r.History, rec)
	r.UpdatedAt = rec.Timestamp
}

// LastRecord returns the most recent history entry, if any.
func (r *Record) LastRecord() (IterationRecord, bool) {
	if len(r.History) == 0 {
		return IterationRecord{}, false
	}
	return r.History[len(r.History)-1], true
}

// checkAppendOnly verifies next extends prev without altering existing entries.
func checkAppendOnly(prev, next []IterationRecord) error {
	if len(next) < len(prev) {
		return fmt.Errorf("%w: %d entries would become %d", ErrHistoryRewritten, len(prev), len(next))
	}
	for i := range prev {
		a, b := prev[i], next[i]
		if a.Phase != b.Phase || a.Outcome != b.Outcome || !a.Timestamp.Equal(b.Timestamp) || a.Detail != b.Detail {
			return fmt.Errorf("%w: entry %d changed", ErrHistoryRewritten, i)
		}
	}
	return nil
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateName checks if a name is safe to use as a directory name.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if len(name) > 128 {
		return fmt.Errorf("%w: name too long (max 128)", ErrInvalidName)
	}
	if name == "." || name == ".." {
		return ErrPathTraversal
	}
	for _, c := range name {
		if c == '/' || c == '\\' || c == '\x00' {
			return ErrPathTraversal
		}
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if filepath.Clean(name) != name {
		return ErrPathTraversal
	}
	return nil
}

// DefaultName returns the generated name used when a caller supplies none.
func DefaultName(now time.Time) string {
	return "project_" + now.Format("20060102_150405")
}

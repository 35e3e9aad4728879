package orchestrator

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/nvdpsingh/DevPilot/internal/project"
)

// MockPlanner is a mock implementation of Planner
type MockPlanner struct {
	mock.Mock
}

func (m *MockPlanner) Plan(ctx context.Context, name, command string) (PlanRef, error) {
	args := m.Called(ctx, name, command)
	return args.Get(0).(PlanRef), args.Error(1)
}

// MockCoder is a mock implementation of Coder
type MockCoder struct {
	mock.Mock
}

func (m *MockCoder) Build(ctx context.Context, name string, plan PlanRef, feedback []string) (FilesetRef, error) {
	args := m.Called(ctx, name, plan, feedback)
	return args.Get(0).(FilesetRef), args.Error(1)
}

// MockDeployer is a mock implementation of Deployer
type MockDeployer struct {
	mock.Mock
}

func (m *MockDeployer) Deploy(ctx context.Context, name string, fileset FilesetRef) (DeploymentHandle, error) {
	args := m.Called(ctx, name, fileset)
	return args.Get(0).(DeploymentHandle), args.Error(1)
}

func (m *MockDeployer) StopDeployment(ctx context.Context, handle DeploymentHandle) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

// MockTester is a mock implementation of Tester
type MockTester struct {
	mock.Mock
}

func (m *MockTester) Test(ctx context.Context, name string, handle DeploymentHandle) (TestReport, error) {
	args := m.Called(ctx, name, handle)
	return args.Get(0).(TestReport), args.Error(1)
}

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, name string, fileset FilesetRef) (string, error) {
	args := m.Called(ctx, name, fileset)
	return args.String(0), args.Error(1)
}

type statusChange struct {
	from, to  project.Status
	iteration int
}

// recordingSink collects lifecycle events.
type recordingSink struct {
	mu       sync.Mutex
	phases   []project.IterationRecord
	statuses []statusChange
}

func (s *recordingSink) PhaseCompleted(_ context.Context, _ string, ir project.IterationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, ir)
}

func (s *recordingSink) StatusChanged(_ context.Context, _ string, from, to project.Status, iteration int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusChange{from: from, to: to, iteration: iteration})
}

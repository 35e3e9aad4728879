package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/project"
	"github.com/nvdpsingh/DevPilot/internal/registry"
)

func testMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := &Metrics{
		meter:  mp.Meter(instrumentationName),
		logger: logging.NewNop(),
	}
	m.init()
	return m, reader
}

// sumOf collects the named int64 sum across all data points.
func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, bool) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, true
		}
	}
	return 0, false
}

func TestMetrics_RecordInvocation(t *testing.T) {
	m, reader := testMetrics(t)
	ctx := context.Background()

	m.RecordInvocation(ctx, "list_projects", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "list_projects", 50*time.Millisecond, errors.New("invalid name"))

	total, ok := sumOf(t, reader, "devpilot.mcp.tool.invocations_total")
	require.True(t, ok)
	assert.Equal(t, int64(2), total)

	failed, ok := sumOf(t, reader, "devpilot.mcp.tool.errors_total")
	require.True(t, ok)
	assert.Equal(t, int64(1), failed)
}

func TestMetrics_ActiveRequests(t *testing.T) {
	m, reader := testMetrics(t)
	ctx := context.Background()

	m.IncrementActive(ctx, "stop_project")
	m.IncrementActive(ctx, "stop_project")
	m.DecrementActive(ctx, "stop_project")

	active, ok := sumOf(t, reader, "devpilot.mcp.tool.active_requests")
	require.True(t, ok)
	assert.Equal(t, int64(1), active)
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil error", nil, ""},
		{"not found", fmt.Errorf("status x: %w", project.ErrProjectNotFound), "not_found"},
		{"already active", fmt.Errorf("start x: %w", registry.ErrAlreadyActive), "conflict"},
		{"shutting down", registry.ErrShuttingDown, "unavailable"},
		{"bad name", fmt.Errorf("start: %w", project.ErrInvalidName), "validation_error"},
		{"traversal", project.ErrPathTraversal, "validation_error"},
		{"missing argument", errors.New("command is required"), "validation_error"},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), "timeout"},
		{"generic error", errors.New("something went wrong"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, categorizeError(tt.err))
		})
	}
}

package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatIterations(t *testing.T) {
	assert.Equal(t, "0/5", FormatIterations(0, 5))
	assert.Equal(t, "5/5", FormatIterations(5, 5))
	assert.Equal(t, "3", FormatIterations(3, 0))
}

func TestFormatPercentage(t *testing.T) {
	assert.Equal(t, "0.0%", FormatPercentage(0))
	assert.Equal(t, "33.3%", FormatPercentage(1.0/3))
	assert.Equal(t, "100.0%", FormatPercentage(1))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		d        time.Duration
		expected string
	}{
		{"zero", 0, "0s"},
		{"seconds", 42 * time.Second, "42s"},
		{"minutes", 3*time.Minute + 5*time.Second, "3m 5s"},
		{"hours", 2*time.Hour + 15*time.Minute, "2h 15m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.d))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "project_2…", Truncate("project_20260314_150926", 10))
	assert.Equal(t, "…", Truncate("abc", 1))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 0.0, ratio(1, 0))
	assert.Equal(t, 0.5, ratio(1, 2))
	assert.Equal(t, 1.0, ratio(7, 5))
	assert.Equal(t, 0.0, ratio(-1, 5))
}

package monitor

import (
	"fmt"
	"time"
)

// FormatIterations formats a fix iteration count against the ceiling as "X/Y".
func FormatIterations(n, ceiling int) string {
	if ceiling <= 0 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%d/%d", n, ceiling)
}

// FormatPercentage formats a ratio (0-1) as percentage
func FormatPercentage(r float64) string {
	return fmt.Sprintf("%.1f%%", r*100)
}

// FormatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func FormatDuration(d time.Duration) string {
	seconds := int64(d.Seconds())
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, secs)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}

// Truncate shortens s to width runes, marking the cut with "…".
func Truncate(s string, width int) string {
	r := []rune(s)
	if width <= 0 || len(r) <= width {
		return s
	}
	if width == 1 {
		return "…"
	}
	return string(r[:width-1]) + "…"
}

// ratio returns a/b clamped to [0, 1]. A zero b yields 0.
func ratio(a, b int) float64 {
	if b <= 0 {
		return 0
	}
	r := float64(a) / float64(b)
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

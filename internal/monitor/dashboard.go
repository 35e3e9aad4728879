// Package monitor implements the devpilotctl watch dashboard.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nvdpsingh/DevPilot/internal/project"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	nameWidth       = 28
	maxRows         = 15
)

// Model is the BubbleTea dashboard model.
type Model struct {
	src        Source
	serverURL  string
	interval   time.Duration
	now        func() time.Time
	lastUpdate time.Time
	snapshot   Snapshot
	err        error
	quitting   bool

	// History for sparklines, oldest first.
	activeHistory    []float64
	completedHistory []float64

	loadProgress progress.Model
	iterProgress progress.Model
}

// k9s-inspired color scheme
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling src every interval.
func NewModel(src Source, serverURL string, interval time.Duration) Model {
	return Model{
		src:       src,
		serverURL: serverURL,
		interval:  interval,
		now:       time.Now,
		loadProgress: progress.New(
			progress.WithGradient("#00ffff", "#ff00ff"),
			progress.WithWidth(40),
			progress.WithoutPercentage(),
		),
		iterProgress: progress.New(
			progress.WithGradient("#00ff00", "#ff0000"),
			progress.WithWidth(12),
			progress.WithoutPercentage(),
		),
		activeHistory:    make([]float64, 0, historySize),
		completedHistory: make([]float64, 0, historySize),
	}
}

// statusStyle colors a project status by how it ended.
func statusStyle(s project.Status) lipgloss.Style {
	switch s {
	case project.StatusCompleted:
		return healthyStyle
	case project.StatusFailed:
		return errorStyle
	case project.StatusStopped:
		return dimStyle
	default:
		return warningStyle
	}
}

// getStatusBadge returns the overall server badge.
func getStatusBadge(s Snapshot) string {
	if !s.Status.Store.Available {
		return errorStyle.Render("✗ STORE DOWN")
	}
	if s.Count(project.StatusFailed) > 0 && s.InFlight() == 0 && s.Count(project.StatusCompleted) == 0 {
		return warningStyle.Render("⚠ FAILING")
	}
	return healthyStyle.Render("✓ HEALTHY")
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	spark.PushAll(data)
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg struct{ err error }

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		m.fetch(),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) fetch() tea.Cmd {
	src, now := m.src, m.now
	return func() tea.Msg {
		snap, err := fetchSnapshot(context.Background(), src, now())
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			m.fetch(),
		)

	case snapshotMsg:
		snap := Snapshot(msg)
		m.activeHistory = appendToHistory(m.activeHistory, float64(snap.Status.ActiveLoops))
		m.completedHistory = appendToHistory(m.completedHistory, float64(snap.Count(project.StatusCompleted)))
		m.snapshot = snap
		m.lastUpdate = snap.FetchedAt
		m.err = nil
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("devpilot Monitor")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach devpilot") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(dimStyle.Render("Start the daemon with `devpilot` or pass --server.") + "\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder
	snap := m.snapshot
	st := snap.Status

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	b.WriteString(headerStyle.Render(" devpilot Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s %s   %s\n",
		getStatusBadge(snap),
		dimStyle.Render("Store:"),
		valueStyle.Render(st.Store.Backend),
		dimStyle.Render(lastUpdateStr)))

	b.WriteString("\n" + sectionStyle.Render("┃ Loops") + "\n")
	b.WriteString(labelStyle.Render("  Active: ") +
		valueStyle.Render(fmt.Sprintf("%d", st.ActiveLoops)) +
		dimStyle.Render(fmt.Sprintf(" of %d projects", st.TotalProjects)) +
		"   " + createSparkline(m.activeHistory) + "\n")
	load := ratio(st.ActiveLoops, st.TotalProjects)
	b.WriteString(labelStyle.Render("  Load: ") +
		m.loadProgress.ViewAs(load) +
		" " + dimStyle.Render(FormatPercentage(load)) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Outcomes") + "\n")
	b.WriteString(labelStyle.Render("  Completed: ") +
		healthyStyle.Render(fmt.Sprintf("%d", snap.Count(project.StatusCompleted))) +
		labelStyle.Render("  Failed: ") +
		errorStyle.Render(fmt.Sprintf("%d", snap.Count(project.StatusFailed))) +
		labelStyle.Render("  Stopped: ") +
		dimStyle.Render(fmt.Sprintf("%d", snap.Count(project.StatusStopped))) +
		"   " + createSparkline(m.completedHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Projects") + "\n")
	if len(snap.Projects) == 0 {
		b.WriteString(dimStyle.Render("  no projects yet") + "\n")
	}
	for i, p := range snap.Projects {
		if i == maxRows {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  … %d more", len(snap.Projects)-maxRows)) + "\n")
			break
		}
		b.WriteString(m.renderRow(p, st.MaxIterations) + "\n")
	}

	b.WriteString("\n" + footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval)))

	return containerStyle.Render(b.String())
}

func (m Model) renderRow(p project.Summary, maxIter int) string {
	name := fmt.Sprintf("%-*s", nameWidth, Truncate(p.Name, nameWidth))
	status := statusStyle(p.Status).Render(fmt.Sprintf("%-10s", p.Status))
	return "  " + valueStyle.Render(name) + " " + status + " " +
		m.iterProgress.ViewAs(ratio(p.IterationCount, maxIter)) + " " +
		dimStyle.Render(FormatIterations(p.IterationCount, maxIter))
}

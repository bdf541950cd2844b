package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rshade/batchmeter/internal/batch"
)

// ProgressState represents the current state of the batch progress TUI.
type ProgressState int

const (
	// ProgressStateRunning indicates the batch is still processing.
	ProgressStateRunning ProgressState = iota
	// ProgressStateDone indicates the batch finished (completed or stopped early).
	ProgressStateDone
	// ProgressStateQuitting indicates the user requested exit.
	ProgressStateQuitting
)

// ProgressMsg carries a batch progress update into the TUI.
type ProgressMsg batch.ProgressSnapshot

// DoneMsg signals that the batch run finished.
type DoneMsg struct {
	Err error
}

// Default dimensions for the progress model.
const (
	progressDefaultWidth = 80
	progressBarWidth     = 40
)

var (
	progressTitleStyle = lipgloss.NewStyle().Bold(true)
	progressDimStyle   = lipgloss.NewStyle().Faint(true)
	progressFailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	progressOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

// ProgressModel is the Bubble Tea model for live batch progress display.
type ProgressModel struct {
	spinner  spinner.Model
	bar      progress.Model
	snapshot batch.ProgressSnapshot
	state    ProgressState
	err      error
	width    int
}

// NewProgressModel creates a ProgressModel for a batch of totalItems items.
func NewProgressModel(totalItems int) *ProgressModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = progressBarWidth

	return &ProgressModel{
		spinner:  sp,
		bar:      bar,
		snapshot: batch.ProgressSnapshot{TotalItems: totalItems},
		state:    ProgressStateRunning,
		width:    progressDefaultWidth,
	}
}

// Init starts the spinner tick loop.
func (m *ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages and updates the model state.
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case ProgressMsg:
		m.snapshot = batch.ProgressSnapshot(msg)
		return m, nil

	case DoneMsg:
		m.state = ProgressStateDone
		m.err = msg.Err
		return m, tea.Quit

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.state = ProgressStateQuitting
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the current progress display.
func (m *ProgressModel) View() string {
	if m.state == ProgressStateQuitting {
		return ""
	}

	var b strings.Builder

	snap := m.snapshot
	b.WriteString(progressTitleStyle.Render("Processing batch"))
	b.WriteString("\n\n")

	if m.state == ProgressStateRunning {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	}
	b.WriteString(m.bar.ViewAs(snap.PercentDone() / 100))
	b.WriteString(fmt.Sprintf(" %d/%d items", snap.Processed, snap.TotalItems))
	b.WriteString("\n\n")

	b.WriteString(progressOKStyle.Render(fmt.Sprintf("%d ok", snap.Succeeded)))
	b.WriteString("  ")
	b.WriteString(progressFailStyle.Render(fmt.Sprintf("%d failed", snap.Failed)))
	b.WriteString("  ")
	b.WriteString(progressDimStyle.Render(fmt.Sprintf("%d skipped", snap.Skipped)))
	b.WriteString("\n")

	b.WriteString(progressDimStyle.Render(fmt.Sprintf(
		"chunk %d/%d | cost %s | elapsed %s",
		snap.ProcessedChunks, snap.TotalChunks, snap.CostDisplay, snap.Elapsed.Round(time.Second),
	)))
	b.WriteString("\n")

	if m.state == ProgressStateDone {
		b.WriteString("\n")
		if m.err != nil {
			b.WriteString(progressFailStyle.Render(fmt.Sprintf("stopped: %v", m.err)))
		} else {
			b.WriteString(progressOKStyle.Render("batch complete"))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// Err returns the error delivered with DoneMsg, if any.
func (m *ProgressModel) Err() error {
	return m.err
}

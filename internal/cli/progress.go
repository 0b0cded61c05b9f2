package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/medpipe/internal/client"
	"github.com/raphaelgruber/medpipe/internal/models"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

type tickMsg time.Time

type jobUpdateMsg struct {
	job *models.Job
	err error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	client   *client.Client
	jobID    string
	job      *models.Job
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c *client.Client, jobID string) progressModel {
	return progressModel{
		client: c,
		jobID:  jobID,
		progress: progress.New(
			progress.WithDefaultBlend(),
			progress.WithWidth(40),
		),
		theme: defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(m.fetchJob(), m.progress.Init())
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.job = msg.job
		if m.job.Status.Terminal() {
			m.done = true
			m.err = jobError(m.job)
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.job == nil {
		return "Loading job status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.Status))
	bar := m.progress.ViewAs(float64(m.job.ProgressPercent) / 100)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %3d%%\n%s\n%s\n", status, bar, m.job.ProgressPercent, m.job.Message, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'medpipe jobs %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job %s: %s\n", m.jobID, m.err))
	}
	return m.theme.completedStyle().Render("✓ Completed") + "\n\n" + resultSummary(m.job)
}

// fetchJob runs as a command so Update never blocks on the network.
func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := m.client.GetJob(ctx, m.jobID)
		return jobUpdateMsg{job: job, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// errJobDetached is returned when the user leaves the progress view while
// the job keeps running.
var errJobDetached = errors.New("job continues in background")

// RunJobProgress runs the interactive progress UI for a job.
// Returns nil on success, errJobDetached on Ctrl+C and an error on job failure.
func RunJobProgress(c *client.Client, jobID string) error {
	finalModel, err := tea.NewProgram(newProgressModel(c, jobID)).Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return errJobDetached
		}
		return m.err
	}
	return nil
}

// WatchPlain follows a job over the watch stream and prints one line per
// update, for output that is not a terminal.
func WatchPlain(ctx context.Context, c *client.Client, jobID string, w io.Writer) error {
	last, err := c.WatchJob(ctx, jobID, func(j models.Job) {
		fmt.Fprintf(w, "%s %-10s %3d%% %s\n", time.Now().Format("15:04:05"), j.Status, j.ProgressPercent, j.Message)
	})
	if err != nil {
		return err
	}
	if err := jobError(last); err != nil {
		return err
	}
	fmt.Fprint(w, resultSummary(last))
	return nil
}

func jobError(j *models.Job) error {
	switch j.Status {
	case models.JobStatusFailed:
		if j.Error != nil {
			return fmt.Errorf("failed: %s", *j.Error)
		}
		return errors.New("failed with unknown error")
	case models.JobStatusCancelled:
		return errors.New("cancelled")
	}
	return nil
}

func resultSummary(j *models.Job) string {
	if j == nil || j.Result == nil {
		return ""
	}
	var b strings.Builder
	if v, ok := j.Result[models.ResultProcessedCount]; ok {
		fmt.Fprintf(&b, "  Files processed: %v\n", v)
	}
	if v, ok := j.Result[models.ResultArchiveName]; ok {
		fmt.Fprintf(&b, "  Archive:         %v\n", v)
	}
	if skipped, ok := j.Result[models.ResultSkipped].([]any); ok && len(skipped) > 0 {
		fmt.Fprintf(&b, "  Skipped (%d):\n", len(skipped))
		for _, s := range skipped {
			fmt.Fprintf(&b, "    - %v\n", s)
		}
	}
	return b.String()
}

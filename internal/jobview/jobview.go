// Package jobview renders a tracked job as a live progress bar.
package jobview

import (
	"fmt"
	"strings"

	"github.com/AlexKarpov98/webui/jobs"
	"github.com/AlexKarpov98/webui/models"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	padding  = 2
	maxWidth = 80
)

type snapshotMsg struct {
	job models.Job
}

type streamDoneMsg struct {
	err error
}

type Model struct {
	title  string
	stream *jobs.Stream
	bar    progress.Model

	job       models.Job
	seen      bool
	done      bool
	cancelled bool
	err       error

	titleStyle lipgloss.Style
	infoStyle  lipgloss.Style
	okStyle    lipgloss.Style
	errStyle   lipgloss.Style
}

func New(title string, stream *jobs.Stream) *Model {
	return &Model{
		title:      title,
		stream:     stream,
		bar:        progress.New(progress.WithDefaultGradient()),
		titleStyle: lipgloss.NewStyle().Bold(true),
		infoStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		okStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		errStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

func (m *Model) Init() tea.Cmd {
	return waitForSnapshot(m.stream)
}

// waitForSnapshot turns the next stream value into a message.
func waitForSnapshot(stream *jobs.Stream) tea.Cmd {
	return func() tea.Msg {
		job, ok := <-stream.Updates()
		if !ok {
			return streamDoneMsg{err: stream.Err()}
		}
		return snapshotMsg{job: job}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.cancelled = true
			m.stream.Cancel()
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.bar.Width = msg.Width - padding*2
		if m.bar.Width > maxWidth {
			m.bar.Width = maxWidth
		}
		if m.bar.Width < 10 {
			m.bar.Width = 10
		}
	case snapshotMsg:
		m.job = msg.job
		m.seen = true
		return m, waitForSnapshot(m.stream)
	case streamDoneMsg:
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) View() string {
	pad := strings.Repeat(" ", padding)
	var b strings.Builder

	b.WriteString("\n" + pad + m.titleStyle.Render(m.heading()) + "\n\n")
	b.WriteString(pad + m.bar.ViewAs(m.job.Progress.Percent/100) + "\n")
	if m.job.Progress.Description != "" {
		b.WriteString(pad + m.infoStyle.Render(m.job.Progress.Description) + "\n")
	}

	switch {
	case m.err != nil:
		b.WriteString("\n" + pad + m.errStyle.Render("tracking aborted: "+m.err.Error()) + "\n")
	case m.cancelled:
		b.WriteString("\n" + pad + m.infoStyle.Render("stopped watching, the job keeps running") + "\n")
	case m.job.State == models.JobStateFailed:
		b.WriteString("\n" + pad + m.errStyle.Render(m.job.Err().Error()) + "\n")
	case m.job.State == models.JobStateSuccess:
		b.WriteString("\n" + pad + m.okStyle.Render("done") + "\n")
	case !m.done:
		b.WriteString("\n" + pad + m.infoStyle.Render("press q to stop watching") + "\n")
	}
	return b.String()
}

func (m *Model) heading() string {
	id := m.stream.ID()
	if !m.seen {
		return fmt.Sprintf("%s (job %d)", m.title, id)
	}
	return fmt.Sprintf("%s (job %d) %s", m.title, id, m.job.State)
}

// Result returns the last snapshot and the error that ended tracking, if any.
func (m *Model) Result() (models.Job, bool, error) {
	return m.job, m.seen, m.err
}

func (m *Model) Done() bool {
	return m.done
}

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// DepthSource yields the current queue depths by status.
type DepthSource interface {
	QueueDepths(ctx context.Context) (runs, envs map[string]int, err error)
}

// Display order for the stat boxes.
var (
	runStatuses = []string{"queued", "running", "succeeded", "failed", "cancelled"}
	envStatuses = []string{"queued", "building", "ready", "failed"}
)

type depthsMsg struct {
	runs map[string]int
	envs map[string]int
	err  error
}

type tickMsg struct{}

// QueueModel is a Bubble Tea model showing live queue depths.
type QueueModel struct {
	source   DepthSource
	interval time.Duration

	runs      map[string]int
	envs      map[string]int
	err       error
	updatedAt time.Time

	width    int
	height   int
	quitting bool
}

// NewQueueModel creates a queue model polling source every interval.
func NewQueueModel(source DepthSource, interval time.Duration) QueueModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return QueueModel{source: source, interval: interval}
}

// Init implements tea.Model.
func (m QueueModel) Init() tea.Cmd {
	return m.fetch()
}

// Update implements tea.Model.
func (m QueueModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case depthsMsg:
		m.runs = msg.runs
		m.envs = msg.envs
		m.err = msg.err
		m.updatedAt = time.Now()
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })

	case tickMsg:
		return m, m.fetch()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m QueueModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("ADE Queue Depths"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("query failed: %v", m.err)))
		b.WriteString("\n")
	}

	b.WriteString(SectionStyle.Render("Runs"))
	b.WriteString("\n")
	b.WriteString(renderDepthRow(m.runs, runStatuses))
	b.WriteString("\n\n")

	b.WriteString(SectionStyle.Render("Environments"))
	b.WriteString("\n")
	b.WriteString(renderDepthRow(m.envs, envStatuses))

	if !m.updatedAt.IsZero() {
		b.WriteString("\n")
		b.WriteString(HelpStyle.Render("Updated " + m.updatedAt.Format("15:04:05")))
	}
	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("Press q or Ctrl+C to quit"))

	return b.String()
}

func (m QueueModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		runs, envs, err := m.source.QueueDepths(ctx)
		return depthsMsg{runs: runs, envs: envs, err: err}
	}
}

func renderDepthRow(depths map[string]int, order []string) string {
	boxes := make([]string, 0, len(order))
	for _, status := range order {
		boxes = append(boxes, renderStatBox(status, depths[status], statusColor(status)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, boxes...)
}

func renderStatBox(label string, value int, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// RunQueueTUI runs the queue view until the user quits.
func RunQueueTUI(source DepthSource, interval time.Duration) error {
	model := NewQueueModel(source, interval)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

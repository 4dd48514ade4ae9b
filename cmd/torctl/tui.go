package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/opd-ai/torsupervisor/pkg/metrics"
	"github.com/opd-ai/torsupervisor/pkg/runtime"
)

const maxLogLines = 200

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	readyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("82")).
			Bold(true)

	offStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	transitioningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("220")).
				Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("205")).
			Padding(0, 1)
)

type stateMsg runtime.TorState
type listenerMsg runtime.ListenerEvent
type logMsg string

// model is torctl's bubbletea.Model: it mirrors the Runtime's TorState and
// a capped log of listener/action events, and translates keystrokes into
// ActionJob enqueues.
type model struct {
	rt      *runtime.Runtime
	stats   *metrics.Metrics
	program *tea.Program

	attachAddr    string
	attachNetwork string
	cookie        string
	password      string

	state  runtime.TorState
	lines  []string
	width  int
	height int
}

func newModel(rt *runtime.Runtime, stats *metrics.Metrics, attachAddr, attachNetwork, cookie, password string) *model {
	return &model{
		rt:            rt,
		stats:         stats,
		attachAddr:    attachAddr,
		attachNetwork: attachNetwork,
		cookie:        cookie,
		password:      password,
		lines:         []string{"torctl ready"},
	}
}

func (m *model) Init() tea.Cmd {
	if m.attachAddr != "" {
		return m.attachCmd
	}
	return nil
}

func (m *model) attachCmd() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.rt.Attach(ctx, m.attachNetwork, m.attachAddr, m.cookie, m.password); err != nil {
		return logMsg(fmt.Sprintf("attach failed: %v", err))
	}
	return logMsg("attached to " + m.attachAddr)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case stateMsg:
		m.state = runtime.TorState(msg)
		m.appendLog(fmt.Sprintf("state -> daemon=%s bootstrap=%d%% network=%s ready=%t",
			m.state.Daemon, m.state.Bootstrap, m.state.Network, m.state.Ready))

	case listenerMsg:
		verb := "closed"
		if msg.Open {
			verb = "opened"
		}
		m.appendLog(fmt.Sprintf("listener %s %s", verb, msg.Address))

	case logMsg:
		m.appendLog(string(msg))

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			m.enqueue(runtime.ActionStart)
		case "x":
			m.enqueue(runtime.ActionStop)
		case "r":
			m.enqueue(runtime.ActionRestart)
		}
	}
	return m, nil
}

func (m *model) enqueue(kind runtime.ActionKind) {
	job := m.rt.Enqueue(kind)
	if m.stats != nil {
		m.stats.ActionsEnqueued.WithLabelValues(kind.String()).Inc()
	}
	m.appendLog(fmt.Sprintf("enqueued %s (job %s)", kind, job.ID))
	job.OnSuccess(func() {
		if m.program != nil {
			m.program.Send(logMsg(fmt.Sprintf("job %s completed", job.ID)))
		}
	})
	job.OnFailure(func(err error) {
		if m.stats != nil {
			m.stats.ActionsFailed.WithLabelValues(kind.String(), jobOutcome(job.State())).Inc()
		}
		if m.program != nil {
			m.program.Send(logMsg(fmt.Sprintf("job %s failed: %v", job.ID, err)))
		}
	})
}

// jobOutcome maps a terminal JobState to the "outcome" label value
// ActionsFailed groups by.
func jobOutcome(s runtime.JobState) string {
	switch s {
	case runtime.JobCancelled:
		return "cancelled"
	case runtime.JobInterrupted:
		return "interrupted"
	default:
		return "errored"
	}
}

func (m *model) appendLog(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
}

func (m *model) View() string {
	header := boxStyle.Width(max(m.width-4, 20)).Render(m.headerContent())
	log := m.logView()
	footer := helpStyle.Render("s: start  x: stop  r: restart  q: quit")
	return header + "\n" + log + "\n" + footer
}

func (m *model) headerContent() string {
	title := titleStyle.Render("torctl")
	status := m.daemonStyle().Render(fmt.Sprintf("daemon=%s bootstrap=%d%% network=%s ready=%t",
		m.state.Daemon, m.state.Bootstrap, m.state.Network, m.state.Ready))
	return title + "  " + status
}

func (m *model) daemonStyle() lipgloss.Style {
	switch {
	case m.state.Ready:
		return readyStyle
	case m.state.Daemon == runtime.DaemonOff:
		return offStyle
	default:
		return transitioningStyle
	}
}

func (m *model) logView() string {
	var b strings.Builder
	b.WriteString(subtitleStyle.Render("events") + "\n")
	start := 0
	visible := m.height - 8
	if visible < 5 {
		visible = 5
	}
	if len(m.lines) > visible {
		start = len(m.lines) - visible
	}
	for _, line := range m.lines[start:] {
		b.WriteString(line + "\n")
	}
	return b.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Package tui renders the progress of a page run in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Rorqualx/pagepilot/internal/scripts"
	"github.com/Rorqualx/pagepilot/internal/types"
)

// maxEvents bounds the event log kept in memory.
const maxEvents = 200

// EventMsg carries one script event into the program.
type EventMsg scripts.Event

// DoneMsg ends the run. Result is nil when Err is set.
type DoneMsg struct {
	Result *types.Result
	Err    error
}

// Sink forwards script events to a running program.
func Sink(p *tea.Program) scripts.Sink {
	return func(e scripts.Event) {
		p.Send(EventMsg(e))
	}
}

type scriptState struct {
	last     scripts.EventKind
	detail   string
	attempts int
	outcome  *scripts.Outcome
}

type styles struct {
	title lipgloss.Style
	name  lipgloss.Style
	dim   lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	alert lipgloss.Style
	help  lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		name:  lipgloss.NewStyle().Bold(true).Width(12),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		good:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		alert: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("11")).
			Padding(0, 1),
		help: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// Model is the bubbletea model for one page run.
type Model struct {
	target  string
	started time.Time

	order  []string
	state  map[string]*scriptState
	events []scripts.Event
	alerts []string

	done   bool
	result *types.Result
	err    error

	width  int
	height int
	styles styles
}

// New creates a model for a run against target.
func New(target string) Model {
	return Model{
		target:  target,
		started: time.Now(),
		state:   make(map[string]*scriptState),
		styles:  defaultStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case EventMsg:
		m.record(scripts.Event(msg))

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		m.result = msg.Result
		if msg.Result != nil {
			for i := range msg.Result.Outcomes {
				o := msg.Result.Outcomes[i]
				st := m.script(o.Script)
				st.outcome = &o
				if o.Attempts > st.attempts {
					st.attempts = o.Attempts
				}
			}
		}
	}
	return m, nil
}

func (m *Model) record(e scripts.Event) {
	st := m.script(e.Script)
	st.last = e.Kind
	st.detail = e.Detail
	if e.Attempt > st.attempts {
		st.attempts = e.Attempt
	}
	if e.Kind == scripts.EventAlert {
		m.alerts = append(m.alerts, e.Detail)
	}

	m.events = append(m.events, e)
	if len(m.events) > maxEvents {
		m.events = append(m.events[:0:0], m.events[len(m.events)-maxEvents:]...)
	}
}

func (m *Model) script(name string) *scriptState {
	st, ok := m.state[name]
	if !ok {
		st = &scriptState{}
		m.state[name] = st
		m.order = append(m.order, name)
	}
	return st
}

// Done reports whether the run has finished.
func (m Model) Done() bool { return m.done }

// Result returns the run result once Done.
func (m Model) Result() *types.Result { return m.result }

// Err returns the run error once Done.
func (m Model) Err() error { return m.err }

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.title.Render("pagewatch"))
	b.WriteString(" ")
	b.WriteString(m.styles.dim.Render(m.target))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(m.styles.dim.Render("waiting for scripts..."))
		b.WriteString("\n")
	}
	for _, name := range m.order {
		b.WriteString(m.scriptLine(name, m.state[name]))
		b.WriteString("\n")
	}

	for _, a := range m.alerts {
		b.WriteString("\n")
		b.WriteString(m.styles.alert.Render(a))
		b.WriteString("\n")
	}

	if n := m.logLines(); n > 0 && len(m.events) > 0 {
		b.WriteString("\n")
		start := len(m.events) - n
		if start < 0 {
			start = 0
		}
		for _, e := range m.events[start:] {
			b.WriteString(m.styles.dim.Render(formatEvent(e)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	switch {
	case m.err != nil:
		b.WriteString(m.styles.bad.Render("run failed: " + m.err.Error()))
		b.WriteString("\n")
	case m.done:
		elapsed := time.Since(m.started).Round(time.Millisecond)
		if m.result != nil && m.result.URL != "" {
			b.WriteString(m.styles.dim.Render("final url " + m.result.URL))
			b.WriteString("\n")
		}
		b.WriteString(m.styles.good.Render(fmt.Sprintf("finished in %s", elapsed)))
		b.WriteString("\n")
	}
	b.WriteString(m.styles.help.Render("q quit"))
	return b.String()
}

func (m Model) scriptLine(name string, st *scriptState) string {
	status := string(st.last)
	style := m.styles.warn
	if st.outcome != nil {
		status = string(st.outcome.Status)
		style = m.outcomeStyle(st.outcome.Status)
	}
	line := m.styles.name.Render(name) + " " + style.Render(status)
	if st.attempts > 0 {
		line += m.styles.dim.Render(fmt.Sprintf("  attempts %d", st.attempts))
	}
	if st.outcome != nil && st.outcome.To != "" {
		line += m.styles.dim.Render(fmt.Sprintf("  %s -> %s", st.outcome.From, st.outcome.To))
	} else if st.detail != "" && st.outcome == nil {
		line += m.styles.dim.Render("  " + st.detail)
	}
	return line
}

func (m Model) outcomeStyle(s scripts.Status) lipgloss.Style {
	switch s {
	case scripts.StatusApplied, scripts.StatusUnchanged, scripts.StatusClicked:
		return m.styles.good
	case scripts.StatusFailed, scripts.StatusAbandoned:
		return m.styles.bad
	default:
		return m.styles.warn
	}
}

// logLines is how many recent events fit under the summary.
func (m Model) logLines() int {
	if m.height == 0 {
		return 8
	}
	used := 6 + len(m.order) + 4*len(m.alerts)
	return max(m.height-used, 0)
}

func formatEvent(e scripts.Event) string {
	s := fmt.Sprintf("%s %-10s %-10s", e.Time.Format("15:04:05.000"), e.Script, e.Kind)
	if e.Attempt > 0 {
		s += fmt.Sprintf(" #%d", e.Attempt)
	}
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

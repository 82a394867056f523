package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/pybridge/config"
	"github.com/wippyai/pybridge/relay"
	"github.com/wippyai/pybridge/sim"
)

var (
	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))
)

const maxEvents = 8

type action struct {
	name   string
	help   string
	params []string
}

var actions = []action{
	{name: "submit", help: "queue a host task", params: []string{"value", "delay_ms"}},
	{name: "await next", help: "await make_awaitable()"},
	{name: "await handle", help: "await awaitable_for(handle)", params: []string{"handle"}},
	{name: "layouts", help: "descriptor layouts of the running generation"},
	{name: "status", help: "relay and heap counters"},
}

// eventLog keeps the most recent relay events.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) OnRelayEvent(e relay.Event) {
	line := fmt.Sprintf("%s %-9s handle=%d", time.Now().Format("15:04:05.000"), e.Type, e.Handle)
	if e.Err != nil {
		line += " err=" + e.Err.Error()
	}
	l.mu.Lock()
	l.events = append(l.events, line)
	if len(l.events) > maxEvents {
		l.events = l.events[len(l.events)-maxEvents:]
	}
	l.mu.Unlock()
}

func (l *eventLog) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type interactiveModel struct {
	err      error
	cfg      *config.Config
	sess     *session
	log      *eventLog
	result   string
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

type modelState int

const (
	stateSelectAction modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(cfg *config.Config) *interactiveModel {
	return &interactiveModel{
		cfg:   cfg,
		log:   &eventLog{},
		state: stateSelectAction,
	}
}

type openedMsg struct {
	err  error
	sess *session
}

type actionResultMsg struct {
	err    error
	result string
}

// tickMsg refreshes the event log while tasks complete in the background.
type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(m.open, tick())
}

func (m *interactiveModel) open() tea.Msg {
	sess, err := openSession(context.Background(), m.cfg)
	if err != nil {
		return openedMsg{err: err}
	}
	sess.ext.Relay().Subscribe(m.log)
	return openedMsg{sess: sess}
}

func (m *interactiveModel) shutdown() {
	if m.sess != nil {
		m.sess.ext.Relay().Unsubscribe(m.log)
		_ = m.sess.close(context.Background())
		m.sess = nil
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.shutdown()
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				m.shutdown()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectAction && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectAction && m.selected < len(actions)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectAction:
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.runAction
				}
				m.state = stateInputArgs
				return m, nil

			case stateInputArgs:
				return m, m.runAction

			case stateShowResult:
				m.state = stateSelectAction
				m.result = ""
				m.err = nil
				return m, nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectAction
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectAction
				m.result = ""
				m.err = nil
			}
		}

	case openedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.sess = msg.sess

	case actionResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult

	case tickMsg:
		return m, tick()
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	a := actions[m.selected]
	m.inputs = make([]textinput.Model, len(a.params))
	for i, p := range a.params {
		ti := textinput.New()
		ti.Prompt = p + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) input(i int) string {
	if i >= len(m.inputs) {
		return ""
	}
	return strings.TrimSpace(m.inputs[i].Value())
}

func (m *interactiveModel) runAction() tea.Msg {
	if m.sess == nil {
		return actionResultMsg{err: fmt.Errorf("interpreter not started")}
	}
	switch actions[m.selected].name {
	case "submit":
		return m.submit()
	case "await next":
		return m.await(awaitScript(m.cfg.Module.Name))
	case "await handle":
		h, err := strconv.ParseInt(m.input(0), 10, 64)
		if err != nil {
			return actionResultMsg{err: fmt.Errorf("handle: %w", err)}
		}
		return m.await(awaitHandleScript(m.cfg.Module.Name, h))
	case "layouts":
		return actionResultMsg{result: renderLayouts(m.sess.sim.ABI())}
	case "status":
		return actionResultMsg{result: m.status()}
	}
	return actionResultMsg{err: fmt.Errorf("unknown action")}
}

func (m *interactiveModel) submit() tea.Msg {
	value := parseValue(m.input(0))
	var delay time.Duration
	if s := m.input(1); s != "" {
		ms, err := strconv.Atoi(s)
		if err != nil || ms < 0 {
			return actionResultMsg{err: fmt.Errorf("delay_ms: %q is not a duration", s)}
		}
		delay = time.Duration(ms) * time.Millisecond
	}
	h, err := m.sess.ext.Submit(func(ctx context.Context) (any, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s, ok := value.(string); ok && strings.HasPrefix(s, "!") {
			return nil, fmt.Errorf("%s", strings.TrimPrefix(s, "!"))
		}
		return value, nil
	})
	if err != nil {
		return actionResultMsg{err: err}
	}
	return actionResultMsg{result: fmt.Sprintf("submitted handle %d", h)}
}

func (m *interactiveModel) await(script sim.Script) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := m.sess.sim.RunUntilComplete(ctx, script)
	if err != nil {
		return actionResultMsg{err: err}
	}
	if res[0].Err != nil {
		return actionResultMsg{err: res[0].Err}
	}
	return actionResultMsg{result: fmt.Sprintf("%v  %s", res[0].Value,
		helpStyle.Render(fmt.Sprintf("advances=%d yields=%d", res[0].Advances, res[0].Yields)))}
}

func (m *interactiveModel) status() string {
	var b strings.Builder
	d := m.sess.sim.ABI()
	fmt.Fprintf(&b, "%s %s\n", typeStyle.Render("interpreter"), m.sess.sim.Version())
	fmt.Fprintf(&b, "%s %s, %s\n", typeStyle.Render("generation "), d.Generation, d.Platform)
	fmt.Fprintf(&b, "%s %s.%s\n", typeStyle.Render("type       "), m.cfg.Module.Name, m.cfg.Type.Name)
	fmt.Fprintf(&b, "%s %d\n", typeStyle.Render("pending    "), m.sess.ext.Relay().Pending())
	blocks, bytes := m.sess.sim.Heap().Live()
	fmt.Fprintf(&b, "%s %d (%d bytes)", typeStyle.Render("live blocks"), blocks, bytes)
	return b.String()
}

// parseValue reads ints, floats and booleans; anything else stays a string.
func parseValue(s string) any {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v
	}
	return s
}

// awaitHandleScript is `await <module>.awaitable_for(handle)`.
func awaitHandleScript(module string, handle int64) sim.Script {
	return func(f *sim.Frame) (any, error) {
		mod, err := f.Import(module)
		if err != nil {
			return nil, err
		}
		defer f.Release(mod)
		arg, err := f.Value(handle)
		if err != nil {
			return nil, err
		}
		defer f.Release(arg)
		aw, err := f.Call(mod, "awaitable_for", arg)
		if err != nil {
			return nil, err
		}
		defer f.Release(aw)
		v, err := f.Await(aw)
		if err != nil {
			return nil, err
		}
		defer f.Release(v)
		return f.Host(v)
	}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.sess == nil {
		return "Starting interpreter..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("pybridge"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%s on %s", m.cfg.Module.Name, m.sess.sim.Version()))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectAction:
		b.WriteString("Select an action:\n\n")
		for i, a := range actions {
			line := fmt.Sprintf("%-13s %s", a.name, a.help)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter run • q quit"))

	case stateInputArgs:
		a := actions[m.selected]
		b.WriteString(fmt.Sprintf("%s\n\n", typeStyle.Render(a.name)))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter run • esc back • a value starting with ! fails the task"))

	case stateShowResult:
		b.WriteString(fmt.Sprintf("%s:\n\n", typeStyle.Render(actions[m.selected].name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	if events := m.log.lines(); len(events) > 0 {
		b.WriteString("\n\n")
		b.WriteString(typeStyle.Render("relay events"))
		b.WriteString("\n")
		b.WriteString(helpStyle.Render(strings.Join(events, "\n")))
	}

	return b.String()
}

func runInteractive(cfg *config.Config) error {
	p := tea.NewProgram(newInteractiveModel(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

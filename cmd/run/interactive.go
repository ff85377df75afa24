package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	executor "github.com/wippyai/wasm-executor"
	"github.com/wippyai/wasm-executor/config"
	"github.com/wippyai/wasm-executor/engine"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateLoading modelState = iota
	stateInput
	stateShowResult
)

type interactiveModel struct {
	err      error
	cfg      config.Config
	opts     options
	rt       *engine.Runtime
	info     engine.PackageInfo
	status   engine.AgentStatus
	result   string
	inputs   []textinput.Model
	focusIdx int
	nonce    uint64
	state    modelState
}

func newInteractiveModel(cfg config.Config, o options) *interactiveModel {
	return &interactiveModel{
		cfg:   cfg,
		opts:  o,
		nonce: o.nonce,
		state: stateLoading,
	}
}

type loadedMsg struct {
	err  error
	rt   *engine.Runtime
	info engine.PackageInfo
}

type resultMsg struct {
	err    error
	result string
	status engine.AgentStatus
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadPackage
}

func (m *interactiveModel) loadPackage() tea.Msg {
	ctx := context.Background()
	rt, err := newRuntime(ctx, m.cfg, zap.NewNop())
	if err != nil {
		return loadedMsg{err: err}
	}
	info, err := load(ctx, rt, m.opts)
	if err != nil {
		rt.Close(ctx)
		return loadedMsg{err: err}
	}
	return loadedMsg{rt: rt, info: info}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, m.quit()

		case "q":
			if m.state != stateInput || m.info.Kind == executor.KindAgent {
				return m, m.quit()
			}

		case "t":
			if m.rt != nil && m.info.Kind == executor.KindAgent && m.state != stateLoading {
				return m, m.tick
			}

		case "enter":
			switch m.state {
			case stateInput:
				if m.info.Kind == executor.KindContract {
					return m, m.execute
				}
			case stateShowResult:
				m.state = stateInput
				m.result = ""
				m.err = nil
				m.focusInput(0)
			}

		case "tab":
			if m.state == stateInput && len(m.inputs) > 1 {
				m.focusInput((m.focusIdx + 1) % len(m.inputs))
			}

		case "esc":
			if m.state == stateShowResult {
				m.state = stateInput
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.info = msg.info
		m.state = stateInput
		if m.info.Kind == executor.KindContract {
			m.prepareInputs()
		} else {
			m.status, _ = m.rt.AgentStatus(m.info.ID)
		}

	case resultMsg:
		m.result = msg.result
		m.err = msg.err
		if msg.status.ID != "" {
			m.status = msg.status
		}
		m.state = stateShowResult
	}

	if m.state == stateInput && len(m.inputs) > 0 {
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

func (m *interactiveModel) quit() tea.Cmd {
	if m.rt != nil {
		m.rt.Close(context.Background())
	}
	return tea.Quit
}

func (m *interactiveModel) prepareInputs() {
	action := textinput.New()
	action.Prompt = "action: "
	action.Placeholder = "name"
	action.SetValue(m.opts.action)
	action.Width = 40

	payload := textinput.New()
	payload.Prompt = "payload: "
	payload.Placeholder = "bytes"
	payload.SetValue(m.opts.payload)
	payload.Width = 40

	m.inputs = []textinput.Model{action, payload}
	m.focusInput(0)
}

func (m *interactiveModel) focusInput(i int) {
	if len(m.inputs) == 0 {
		return
	}
	m.inputs[m.focusIdx].Blur()
	m.focusIdx = i
	m.inputs[i].Focus()
}

func (m *interactiveModel) execute() tea.Msg {
	action := strings.TrimSpace(m.inputs[0].Value())
	if action == "" {
		return resultMsg{err: fmt.Errorf("action is required")}
	}
	m.nonce++
	res, err := m.rt.ExecuteAction(context.Background(), executor.ActionRequest{
		PackageID: m.info.ID,
		Action:    action,
		Payload:   []byte(m.inputs[1].Value()),
		Timestamp: time.Now().UnixMilli(),
		Nonce:     m.nonce,
	})
	if err != nil {
		return resultMsg{err: err}
	}
	return resultMsg{result: formatResult(res.Status, res.Code, res.Payload, res.Events, res.Logs, res.FuelUsed)}
}

// tick runs one agent step, waiting briefly for a pending operation.
func (m *interactiveModel) tick() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Agents.HTTPTimeout+time.Second)
	defer cancel()
	for {
		res, err := m.rt.RunAgentTick(ctx, m.info.ID)
		st, _ := m.rt.AgentStatus(m.info.ID)
		if err != nil {
			return resultMsg{err: err, status: st}
		}
		if res.Entered {
			head := fmt.Sprintf("resumed=%t op=%d\n", res.Resumed, res.Op)
			return resultMsg{
				result: head + formatResult(res.Status, res.Code, res.Payload, res.Events, res.Logs, res.FuelUsed),
				status: st,
			}
		}
		select {
		case <-ctx.Done():
			return resultMsg{result: "operation still pending", status: st}
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func formatResult(status executor.Status, code int32, payload []byte, events []executor.Event, logs []executor.LogLine, fuel uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status %s, code %d, fuel %d\n", status, code, fuel)
	if len(payload) > 0 {
		fmt.Fprintf(&b, "output %q\n", payload)
	}
	for i, ev := range events {
		fmt.Fprintf(&b, "event %d %q\n", i, ev.Data)
	}
	for _, l := range logs {
		fmt.Fprintf(&b, "[%s] %s\n", l.Level, l.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state == stateLoading {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress ctrl+c to quit.", m.err))
	}
	if m.state == stateLoading {
		return "Loading package..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Executor"))
	b.WriteString(" ")
	b.WriteString(m.info.ID)
	b.WriteString(" ")
	b.WriteString(valueStyle.Render(fmt.Sprintf("%s %s", m.info.Kind, m.info.Hash.Short())))
	b.WriteString("\n\n")

	if m.info.Kind == executor.KindAgent {
		b.WriteString(labelStyle.Render("state: "))
		b.WriteString(valueStyle.Render(m.status.State.String()))
		if m.status.PendingOp != 0 {
			b.WriteString(labelStyle.Render("  pending op: "))
			b.WriteString(valueStyle.Render(fmt.Sprint(m.status.PendingOp)))
		}
		if m.status.LastError != "" {
			b.WriteString("\n")
			b.WriteString(errorStyle.Render("last error: " + m.status.LastError))
		}
		b.WriteString("\n\n")
	}

	switch m.state {
	case stateInput:
		if m.info.Kind == executor.KindAgent {
			b.WriteString(helpStyle.Render("t tick • q quit"))
			break
		}
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter execute • ctrl+c quit"))

	case stateShowResult:
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		if m.info.Kind == executor.KindAgent {
			b.WriteString(helpStyle.Render("t tick • enter continue • q quit"))
		} else {
			b.WriteString(helpStyle.Render("enter continue • q quit"))
		}
	}

	return b.String()
}

func runInteractive(cfg config.Config, o options) error {
	p := tea.NewProgram(newInteractiveModel(cfg, o), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

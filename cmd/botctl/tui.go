package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// 保留的最大行数（只影响显示）
const tuiMaxLines = 2000

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

type logLineMsg string

type streamEndMsg struct{ err error }

type statusMsg struct {
	running bool
	err     error
}

type tickMsg time.Time

type model struct {
	ctx    context.Context
	api    *api
	botID  string
	lines  chan string
	ended  chan error
	buf    []string
	width  int
	height int

	running bool
	err     error
	closed  bool
}

func newModel(ctx context.Context, a *api, botID string) model {
	return model{
		ctx:   ctx,
		api:   a,
		botID: botID,
		lines: make(chan string, 256),
		ended: make(chan error, 1),
	}
}

func (m model) Init() tea.Cmd {
	go func() {
		m.ended <- m.api.stream(m.ctx, m.botID, func(l string) {
			select {
			case m.lines <- l:
			case <-m.ctx.Done():
			}
		})
	}()
	return tea.Batch(m.waitLine(), statusCmd(m.ctx, m.api, m.botID), tickCmd())
}

func (m model) waitLine() tea.Cmd {
	return func() tea.Msg {
		select {
		case l := <-m.lines:
			return logLineMsg(l)
		case err := <-m.ended:
			return streamEndMsg{err: err}
		}
	}
}

func statusCmd(ctx context.Context, a *api, botID string) tea.Cmd {
	return func() tea.Msg {
		var out struct {
			Running bool `json:"running"`
		}
		err := a.get(ctx, "/api/bots/"+botID+"/status", &out)
		return statusMsg{running: out.Running, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			return m, func() tea.Msg {
				_, err := m.api.post(m.ctx, "/api/bots/"+m.botID+"/start")
				return statusMsg{running: err == nil, err: err}
			}
		case "x":
			return m, func() tea.Msg {
				_, err := m.api.post(m.ctx, "/api/bots/"+m.botID+"/stop")
				return statusMsg{running: false, err: err}
			}
		}

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case logLineMsg:
		for _, l := range strings.Split(string(msg), "\n") {
			m.buf = append(m.buf, l)
		}
		if len(m.buf) > tuiMaxLines {
			m.buf = m.buf[len(m.buf)-tuiMaxLines:]
		}
		return m, m.waitLine()

	case streamEndMsg:
		m.closed = true
		if msg.err != nil {
			m.err = msg.err
		}
		return m, nil

	case statusMsg:
		m.running = msg.running
		m.err = msg.err
		return m, nil

	case tickMsg:
		return m, tea.Batch(statusCmd(m.ctx, m.api, m.botID), tickCmd())
	}
	return m, nil
}

func (m model) View() string {
	state := "stopped"
	if m.running {
		state = "running"
	}
	if m.closed {
		state += " · stream closed"
	}
	header := headerStyle.Render(fmt.Sprintf("%s  %s", m.botID, state))

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")

	// header + footer
	rows := m.height - 3
	if rows < 5 {
		rows = 20
	}
	start := 0
	if len(m.buf) > rows {
		start = len(m.buf) - rows
	}
	for _, l := range m.buf[start:] {
		switch {
		case strings.HasPrefix(l, "[ERR] "):
			b.WriteString(errStyle.Render(l))
		case strings.HasPrefix(l, "[INFO]"), strings.HasPrefix(l, "[STOP]"),
			strings.HasPrefix(l, "[AUTO]"), strings.HasPrefix(l, "[EXIT]"):
			b.WriteString(systemStyle.Render(l))
		default:
			b.WriteString(l)
		}
		b.WriteString("\n")
	}

	footer := "s 启动 · x 停止 · q 退出"
	if m.err != nil {
		footer = errStyle.Render("错误: "+m.err.Error()) + "  " + footer
	}
	b.WriteString(mutedStyle.Render(footer))
	return b.String()
}

func runTUI(ctx context.Context, a *api, botID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := tea.NewProgram(newModel(ctx, a, botID), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

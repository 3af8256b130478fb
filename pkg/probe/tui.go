package probe

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/devbox/pkg/sandbox"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	outputStyle = lipgloss.NewStyle().PaddingLeft(2)

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const help = "exit · kill [id] · bg <cmd> · ps · <cmd>"

type resultMsg struct {
	output string
	quit   bool
}

type model struct {
	ctx      context.Context
	probe    *Probe
	title    string
	input    textinput.Model
	viewport viewport.Model
	lines    []string
	busy     bool
	width    int
}

func newModel(ctx context.Context, p *Probe, title string) model {
	ti := textinput.New()
	ti.Placeholder = "command"
	ti.Prompt = "$ "
	ti.PromptStyle = promptStyle
	ti.Focus()

	vp := viewport.New(80, 20)
	vp.SetContent("Interactive sandbox started. Type 'exit' or use Ctrl+C to exit.")

	return model{
		ctx:      ctx,
		probe:    p,
		title:    title,
		input:    ti,
		viewport: vp,
		width:    80,
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 4 // title + input + help
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.input.Width = msg.Width - 4

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			if line == "" || m.busy {
				return m, nil
			}
			m.input.Reset()
			m.busy = true
			m.appendLine(promptStyle.Render("$ ") + line)
			return m, m.run(line)
		}

	case resultMsg:
		m.busy = false
		if msg.output != "" {
			m.appendLine(outputStyle.Render(msg.output))
		}
		if msg.quit {
			return m, tea.Quit
		}
		return m, nil
	}

	var tiCmd, vpCmd tea.Cmd
	m.input, tiCmd = m.input.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, tiCmd, vpCmd)
	return m, tea.Batch(cmds...)
}

func (m *model) appendLine(s string) {
	m.lines = append(m.lines, s)
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m model) run(line string) tea.Cmd {
	return func() tea.Msg {
		out, quit := m.probe.Handle(m.ctx, line)
		return resultMsg{output: out, quit: quit}
	}
}

func (m model) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(m.title),
		m.viewport.View(),
		m.input.View(),
		helpStyle.Render(help),
	)
}

// Run starts the heartbeat and runs the TUI until the user exits. The
// caller owns sb and closes it afterwards.
func Run(ctx context.Context, sb sandbox.Sandbox, title string, opts ...tea.ProgramOption) error {
	p, err := New(ctx, sb)
	if err != nil {
		return err
	}
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	_, err = tea.NewProgram(newModel(ctx, p, title), opts...).Run()
	return err
}

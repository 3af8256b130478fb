package probe

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nstogner/devbox/pkg/sandbox"
)

type fakeSandbox struct {
	mu       sync.Mutex
	registry *sandbox.Registry
	commands []string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{registry: sandbox.NewRegistry(0)}
}

func (f *fakeSandbox) Start(ctx context.Context) error { return nil }
func (f *fakeSandbox) State() sandbox.State            { return sandbox.StateRunning }
func (f *fakeSandbox) Close(ctx context.Context) error { return nil }

func (f *fakeSandbox) Execute(ctx context.Context, cmd string) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if cmd == "false" {
		return sandbox.Result{ExitCode: 1}, nil
	}
	return sandbox.Result{Output: strings.TrimPrefix(cmd, "echo ")}, nil
}

func (f *fakeSandbox) ExecuteInBackground(ctx context.Context, cmd string) (*sandbox.BackgroundProcess, error) {
	var stream io.ReadCloser
	if cmd == Heartbeat {
		stream = io.NopCloser(strings.NewReader(".."))
	}
	return f.registry.Register(cmd, 100+f.registry.Len(), stream), nil
}

func (f *fakeSandbox) ReadOutput(id int) (string, error) {
	p, err := f.registry.Get(id)
	if err != nil {
		return "", err
	}
	return p.Read(), nil
}

func (f *fakeSandbox) Kill(ctx context.Context, id int) (*sandbox.BackgroundProcess, error) {
	return f.registry.Remove(id)
}

func (f *fakeSandbox) Processes() []*sandbox.BackgroundProcess { return f.registry.List() }

func (f *fakeSandbox) ReadFile(ctx context.Context, path string) (string, error) { return "", nil }

func (f *fakeSandbox) WriteFile(ctx context.Context, path, content string) error { return nil }

func TestHandle(t *testing.T) {
	ctx := context.Background()
	sb := newFakeSandbox()
	p, err := New(ctx, sb)
	require.NoError(t, err)
	require.Equal(t, 1, sb.registry.Len())
	hb, err := sb.registry.Get(0)
	require.NoError(t, err)
	<-hb.Done()

	out, quit := p.Handle(ctx, "echo again")
	assert.False(t, quit)
	assert.Equal(t, "exit code: 0\nagain\nbackground logs [0]: ..", out)

	out, _ = p.Handle(ctx, "echo hi")
	assert.Equal(t, "exit code: 0\nhi", out)

	out, _ = p.Handle(ctx, "false")
	assert.True(t, strings.HasPrefix(out, "exit code: 1"))

	out, _ = p.Handle(ctx, "bg python3 -m http.server")
	assert.Equal(t, "Background process 1 started (pid 101)", out)

	out, _ = p.Handle(ctx, "ps")
	assert.Contains(t, out, "0\t100\t"+Heartbeat)
	assert.Contains(t, out, "1\t101\tpython3 -m http.server")

	out, _ = p.Handle(ctx, "kill")
	assert.Equal(t, "Background process 0 killed", out)

	out, _ = p.Handle(ctx, "kill 7")
	assert.Contains(t, out, "unknown background process")
	assert.Equal(t, 1, sb.registry.Len())

	out, _ = p.Handle(ctx, "kill one")
	assert.Equal(t, `invalid id "one"`, out)

	out, _ = p.Handle(ctx, "   ")
	assert.Empty(t, out)

	_, quit = p.Handle(ctx, "EXIT")
	assert.True(t, quit)
}

func TestModelRunsCommands(t *testing.T) {
	ctx := context.Background()
	sb := newFakeSandbox()
	p, err := New(ctx, sb)
	require.NoError(t, err)

	var m tea.Model = newModel(ctx, p, "probe")
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	for _, r := range "echo hi" {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	m, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.True(t, m.(model).busy)

	// A second enter while busy is ignored.
	_, again := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, again)

	msg := cmd()
	res, ok := msg.(resultMsg)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(res.output, "exit code: 0\nhi"))

	m, _ = m.Update(msg)
	assert.False(t, m.(model).busy)
	assert.Contains(t, m.View(), "hi")
	assert.Equal(t, []string{"echo hi"}, sb.commands)

	_, cmd = m.Update(resultMsg{output: "Exiting...", quit: true})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/errdefs"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu          sync.Mutex
	pingErr     error
	createErrs  int
	createErr   error
	createCalls []time.Time
	startCalls  int
	containers  map[string]*Container
	execs       [][]string
	failExec    string
	userExists  bool
	psOutput    string
	streams     []*io.PipeWriter
	removed     []string
	stopped     []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: make(map[string]*Container)}
}

func (f *fakeEngine) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, time.Now())
	if f.createErr != nil {
		return "", f.createErr
	}
	if len(f.createCalls) <= f.createErrs {
		return "", errors.New("engine: transient failure")
	}
	f.containers[spec.Name] = &Container{ID: "id-" + spec.Name, Name: spec.Name, Status: StatusRunning}
	return "id-" + spec.Name, nil
}

func (f *fakeEngine) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	c, ok := f.containers[name]
	if !ok {
		return ErrContainerNotFound
	}
	c.Status = StatusRunning
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, name string) (Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return Container{}, fmt.Errorf("inspecting container: %w", ErrContainerNotFound)
	}
	return *c, nil
}

func (f *fakeEngine) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	if c, ok := f.containers[name]; ok {
		c.Status = StatusExited
	}
	return nil
}

func (f *fakeEngine) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	delete(f.containers, name)
	return nil
}

func (f *fakeEngine) List(ctx context.Context, prefix string) ([]Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Container
	for name, c := range f.containers {
		if strings.HasPrefix(name, prefix) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeEngine) Exec(ctx context.Context, name string, spec ExecSpec) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, spec.Cmd)
	line := strings.Join(spec.Cmd, " ")
	switch {
	case f.failExec != "" && strings.Contains(line, f.failExec):
		return 1, "permission denied", nil
	case spec.Cmd[0] == "ps":
		return 0, f.psOutput, nil
	case spec.Cmd[0] == "id":
		if f.userExists {
			return 0, "1000\n", nil
		}
		return 1, "no such user", nil
	}
	return 0, "", nil
}

func (f *fakeEngine) ExecStream(ctx context.Context, name string, spec ExecSpec) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, spec.Cmd)
	pr, pw := io.Pipe()
	f.streams = append(f.streams, pw)
	return pr, nil
}

func (f *fakeEngine) Logs(ctx context.Context, name string) (string, error) {
	return "sshd: fatal: no host keys", nil
}

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) execLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.execs {
		out = append(out, strings.Join(e, " "))
	}
	return out
}

type fakeShell struct {
	mu      sync.Mutex
	workdir string
	closed  bool
}

func (s *fakeShell) Run(ctx context.Context, cmd, workdir string, env map[string]string) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workdir = workdir
	if cmd == "false" {
		return 1, "", nil
	}
	return 0, strings.TrimPrefix(cmd, "echo ") + "\n", nil
}

func (s *fakeShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Image:         "ghcr.io/devbox/sandbox:latest",
		SessionID:     "sess1",
		Timeout:       200 * time.Millisecond,
		PollInterval:  time.Millisecond,
		StartAttempts: 5,
		StartBackoff:  20 * time.Millisecond,
	}
}

func newTestSandbox(t *testing.T, engine *fakeEngine, cfg Config) (*Sandbox, *fakeShell) {
	t.Helper()
	shell := &fakeShell{}
	dial := func(ctx context.Context, addr, user, password string) (Shell, error) {
		return shell, nil
	}
	s, err := New(engine, dial, cfg, testLogger())
	require.NoError(t, err)
	return s, shell
}

func TestStartRetriesTransientFailures(t *testing.T) {
	engine := newFakeEngine()
	engine.createErrs = 5
	cfg := testConfig()
	s, _ := newTestSandbox(t, engine, cfg)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sandbox.ErrContainerStartFailure)

	var startErr *sandbox.StartError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, 5, startErr.Attempts)
	assert.Contains(t, startErr.Logs, "no host keys")

	require.Len(t, engine.createCalls, 5)
	for i := 1; i < len(engine.createCalls); i++ {
		gap := engine.createCalls[i].Sub(engine.createCalls[i-1])
		assert.GreaterOrEqual(t, gap, cfg.StartBackoff, "attempt %d", i)
	}
	assert.Equal(t, sandbox.StateFailed, s.State())
}

func TestStartRecoversAfterTransientFailures(t *testing.T) {
	engine := newFakeEngine()
	engine.createErrs = 2
	s, _ := newTestSandbox(t, engine, testConfig())

	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, engine.createCalls, 3)
	assert.Equal(t, sandbox.StateRunning, s.State())
}

func TestStartRejectedConfigurationIsNotRetried(t *testing.T) {
	cases := map[string]error{
		"invalid parameter": errdefs.InvalidParameter(errors.New("invalid mount config for type \"bind\": bind source path does not exist")),
		"image not found":   errdefs.NotFound(errors.New("pull access denied for devbox-missing")),
		"forbidden":         errdefs.Forbidden(errors.New("privileged mode is disabled")),
	}
	for name, createErr := range cases {
		t.Run(name, func(t *testing.T) {
			engine := newFakeEngine()
			engine.createErr = fmt.Errorf("creating container: %w", createErr)
			s, _ := newTestSandbox(t, engine, testConfig())

			err := s.Start(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, sandbox.ErrInvalidConfiguration)
			assert.NotErrorIs(t, err, sandbox.ErrContainerStartFailure)
			assert.Len(t, engine.createCalls, 1)
			assert.Equal(t, sandbox.StateFailed, s.State())
		})
	}
}

func TestStartEngineUnreachable(t *testing.T) {
	engine := newFakeEngine()
	engine.pingErr = errors.New("dial unix /var/run/docker.sock: connect: no such file or directory")
	s, _ := newTestSandbox(t, engine, testConfig())

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, sandbox.ErrEngineUnreachable)
	assert.Empty(t, engine.createCalls)
}

func TestStartIsIdempotent(t *testing.T) {
	engine := newFakeEngine()
	s, _ := newTestSandbox(t, engine, testConfig())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, engine.createCalls, 1)
	assert.Len(t, engine.containers, 1)
}

func TestNewPersistRequiresPassword(t *testing.T) {
	cfg := testConfig()
	cfg.Persist = true
	_, err := New(newFakeEngine(), DialSSH, cfg, testLogger())
	assert.ErrorIs(t, err, sandbox.ErrMissingCredential)
}

func TestStartReusesPersistedContainer(t *testing.T) {
	engine := newFakeEngine()
	name := NamePrefix + PersistedInstanceID
	engine.containers[name] = &Container{Name: name, Status: StatusExited}

	cfg := testConfig()
	cfg.Persist = true
	cfg.Password = "hunter2"
	cfg.SSHPort = 2222
	s, _ := newTestSandbox(t, engine, cfg)
	assert.Equal(t, name, s.Name())
	assert.Equal(t, 2222, s.Port())

	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, engine.createCalls)
	assert.Equal(t, 1, engine.startCalls)
	assert.Empty(t, engine.execLines(), "reused container must not be provisioned again")

	require.NoError(t, s.Close(context.Background()))
	assert.Contains(t, engine.containers, name)
	assert.Equal(t, sandbox.StateExited, s.State())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Release(context.Background()))
	assert.NotContains(t, engine.containers, name)
}

func TestStartRemovesStaleContainer(t *testing.T) {
	engine := newFakeEngine()
	s, _ := newTestSandbox(t, engine, testConfig())
	engine.containers[s.Name()] = &Container{Name: s.Name(), Status: StatusExited}

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []string{s.Name()}, engine.removed)
	assert.Len(t, engine.createCalls, 1)
}

func TestProvisionAgentUser(t *testing.T) {
	engine := newFakeEngine()
	engine.userExists = true
	cfg := testConfig()
	cfg.Username = "devbox"
	cfg.UserID = 1234
	s, _ := newTestSandbox(t, engine, cfg)

	require.NoError(t, s.Start(context.Background()))
	lines := strings.Join(engine.execLines(), "\n")
	assert.Contains(t, lines, "NOPASSWD:ALL")
	assert.Contains(t, lines, "userdel -r 'devbox'")
	assert.Contains(t, lines, "useradd -rm -d '/home/devbox' -s /bin/bash -g root -G sudo -u 1234 'devbox'")
	assert.Contains(t, lines, "| chpasswd")
	assert.Contains(t, lines, "chown 'devbox':root '/home/devbox'")
}

func TestProvisionRootOnlySetsPassword(t *testing.T) {
	engine := newFakeEngine()
	cfg := testConfig()
	cfg.Username = RootUser
	s, _ := newTestSandbox(t, engine, cfg)

	require.NoError(t, s.Start(context.Background()))
	lines := strings.Join(engine.execLines(), "\n")
	assert.Contains(t, lines, "echo 'root:")
	assert.NotContains(t, lines, "useradd")
	assert.NotContains(t, lines, "userdel")
}

func TestProvisionWorkspaceChownIsNotFatal(t *testing.T) {
	engine := newFakeEngine()
	engine.failExec = "chown -R"
	s, _ := newTestSandbox(t, engine, testConfig())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, sandbox.StateRunning, s.State())
}

func TestProvisionFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.failExec = "useradd"
	s, _ := newTestSandbox(t, engine, testConfig())

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, sandbox.ErrProvisioningFailure)
	assert.Len(t, engine.createCalls, 1)
	assert.Equal(t, sandbox.StateFailed, s.State())
}

func TestExecuteRequiresRunning(t *testing.T) {
	s, _ := newTestSandbox(t, newFakeEngine(), testConfig())
	_, err := s.Execute(context.Background(), "echo hi")
	assert.ErrorIs(t, err, sandbox.ErrNotRunning)
	_, err = s.ExecuteInBackground(context.Background(), "sleep 1")
	assert.ErrorIs(t, err, sandbox.ErrNotRunning)
}

func TestExecuteForeground(t *testing.T) {
	s, shell := newTestSandbox(t, newFakeEngine(), testConfig())
	require.NoError(t, s.Start(context.Background()))

	res, err := s.Execute(context.Background(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, "hi")
	assert.Equal(t, "/workspace", shell.workdir)

	res, err = s.Execute(context.Background(), "false")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestBackgroundLifecycle(t *testing.T) {
	engine := newFakeEngine()
	engine.psOutput = strings.Join([]string{
		"USER       PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND",
		"root         1  0.0  0.0  15432  7012 ?        Ss   10:00   0:00 /usr/sbin/sshd -D -p 2222",
		"root      4242  0.0  0.0   2788  1000 ?        Ss   10:01   0:00 su devbox -c sleep 100",
	}, "\n")
	s, _ := newTestSandbox(t, engine, testConfig())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	p, err := s.ExecuteInBackground(ctx, "sleep 100")
	require.NoError(t, err)
	assert.Equal(t, 0, p.ID)
	assert.Equal(t, 4242, p.PID)
	assert.Equal(t, "sleep 100", p.Command)

	out, err := s.ReadOutput(p.ID)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = engine.streams[0].Write([]byte("tick\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, err := s.ReadOutput(p.ID)
		return err == nil && out == "tick\n"
	}, time.Second, 5*time.Millisecond)

	before := s.Processes()
	_, err = s.Kill(ctx, 99)
	assert.ErrorIs(t, err, sandbox.ErrUnknownBackgroundProcess)
	assert.Equal(t, before, s.Processes())

	killed, err := s.Kill(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, killed.ID)
	assert.Contains(t, engine.execLines(), "kill -9 4242")
	assert.Empty(t, s.Processes())

	_, err = s.Kill(ctx, p.ID)
	assert.ErrorIs(t, err, sandbox.ErrUnknownBackgroundProcess)
	_, err = s.ReadOutput(p.ID)
	assert.ErrorIs(t, err, sandbox.ErrUnknownBackgroundProcess)

	next, err := s.ExecuteInBackground(ctx, "sleep 100")
	require.NoError(t, err)
	assert.Equal(t, 1, next.ID)
}

func TestCloseRemovesOnlyOwnContainer(t *testing.T) {
	engine := newFakeEngine()
	s, shell := newTestSandbox(t, engine, testConfig())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	// Shares the prefix of this session's container name.
	other := s.Name() + "-other"
	engine.containers[other] = &Container{Name: other, Status: StatusRunning}

	_, err := s.ExecuteInBackground(ctx, "tail -f /dev/null")
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, sandbox.StateExited, s.State())
	assert.True(t, shell.closed)
	assert.Empty(t, s.Processes())
	assert.NotContains(t, engine.containers, s.Name())
	assert.Contains(t, engine.containers, other)
	assert.Equal(t, []string{s.Name()}, engine.stopped)
}

func TestCloseWithoutStartIsNoop(t *testing.T) {
	engine := newFakeEngine()
	s, _ := newTestSandbox(t, engine, testConfig())
	require.NoError(t, s.Close(context.Background()))
	assert.Empty(t, engine.removed)
}

func TestFindPID(t *testing.T) {
	ps := "USER PID COMMAND\nroot 10 /bin/bash -c python server.py\nroot 11 /bin/bash -c python server.py --port 2\n"
	tests := []struct {
		needle string
		want   int
		ok     bool
	}{
		{needle: "/bin/bash -c python server.py --port 2", want: 11, ok: true},
		// Ambiguous prefix resolves to the first match.
		{needle: "/bin/bash -c python server.py", want: 10, ok: true},
		{needle: "node app.js", ok: false},
	}
	for _, tt := range tests {
		pid, ok := findPID(ps, tt.needle)
		assert.Equal(t, tt.ok, ok, tt.needle)
		assert.Equal(t, tt.want, pid, tt.needle)
	}
}

func TestWorkspaceFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.WorkspaceDir = dir
	s, _ := newTestSandbox(t, newFakeEngine(), cfg)
	ctx := context.Background()

	require.NoError(t, s.WriteFile(ctx, "src/main.go", "package main\n"))
	data, err := os.ReadFile(filepath.Join(dir, "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	got, err := s.ReadFile(ctx, "/workspace/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", got)

	for _, p := range []string{"../etc/passwd", "/etc/passwd", "src/../../x"} {
		_, err := s.ReadFile(ctx, p)
		assert.ErrorIs(t, err, sandbox.ErrPathOutsideWorkspace, p)
	}
}

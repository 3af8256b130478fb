package docker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nstogner/devbox/pkg/sandbox"
)

const (
	pidLookupAttempts = 5
	pidLookupDelay    = 100 * time.Millisecond
)

func (s *Sandbox) runningShell() (Shell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != sandbox.StateRunning || s.shell == nil {
		return nil, fmt.Errorf("%w (state %s)", sandbox.ErrNotRunning, s.state)
	}
	return s.shell, nil
}

// Execute runs cmd over SSH in the workspace directory.
func (s *Sandbox) Execute(ctx context.Context, cmd string) (sandbox.Result, error) {
	shell, err := s.runningShell()
	if err != nil {
		return sandbox.Result{}, err
	}
	s.logger.Debug("Executing command", "command", cmd)
	code, out, err := shell.Run(ctx, cmd, s.cfg.WorkspaceMountPath, s.cfg.Env)
	if err != nil {
		return sandbox.Result{}, &sandbox.ExecError{Command: cmd, Err: err}
	}
	return sandbox.Result{ExitCode: code, Output: out}, nil
}

// execCommand wraps cmd so it runs as the sandbox user.
func (s *Sandbox) execCommand(cmd string) []string {
	if s.cfg.Username == RootUser {
		return []string{"/bin/bash", "-c", cmd}
	}
	return []string{"su", s.cfg.Username, "-c", cmd}
}

func (s *Sandbox) envList() []string {
	keys := make([]string, 0, len(s.cfg.Env))
	for k := range s.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+s.cfg.Env[k])
	}
	return env
}

// ExecuteInBackground starts cmd through the engine's streaming exec and
// registers it. The OS pid is resolved afterwards by scanning `ps aux` for
// the first line containing the exec command line. Two background commands
// sharing that text can resolve to the wrong pid; PID stays 0 when nothing
// matches.
func (s *Sandbox) ExecuteInBackground(ctx context.Context, cmd string) (*sandbox.BackgroundProcess, error) {
	if _, err := s.runningShell(); err != nil {
		return nil, err
	}
	argv := s.execCommand(cmd)
	stream, err := s.engine.ExecStream(ctx, s.name, ExecSpec{
		Cmd:        argv,
		WorkingDir: s.cfg.WorkspaceMountPath,
		Env:        s.envList(),
	})
	if err != nil {
		return nil, &sandbox.ExecError{Command: cmd, Err: err}
	}

	pid := s.resolvePID(ctx, strings.Join(argv, " "))
	p := s.registry.Register(cmd, pid, stream)
	s.logger.Info("Started background command", "id", p.ID, "pid", pid, "command", cmd)
	return p, nil
}

func (s *Sandbox) resolvePID(ctx context.Context, needle string) int {
	for i := 0; i < pidLookupAttempts; i++ {
		code, out, err := s.engine.Exec(ctx, s.name, ExecSpec{Cmd: []string{"ps", "aux"}})
		if err == nil && code == 0 {
			if pid, ok := findPID(out, needle); ok {
				return pid
			}
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(pidLookupDelay):
		}
	}
	s.logger.Warn("Could not resolve pid of background command", "command", needle)
	return 0
}

// findPID returns the PID column of the first `ps aux` line containing needle.
func findPID(psOutput, needle string) (int, bool) {
	sc := bufio.NewScanner(strings.NewReader(psOutput))
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, needle) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		return pid, true
	}
	return 0, false
}

func (s *Sandbox) ReadOutput(id int) (string, error) {
	p, err := s.registry.Get(id)
	if err != nil {
		return "", err
	}
	return p.Read(), nil
}

func (s *Sandbox) Processes() []*sandbox.BackgroundProcess {
	return s.registry.List()
}

// Kill sends SIGKILL to a background command and forgets it.
func (s *Sandbox) Kill(ctx context.Context, id int) (*sandbox.BackgroundProcess, error) {
	return s.kill(ctx, id)
}

func (s *Sandbox) kill(ctx context.Context, id int) (*sandbox.BackgroundProcess, error) {
	p, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if p.PID > 0 {
		code, out, err := s.engine.Exec(ctx, s.name, ExecSpec{Cmd: []string{"kill", "-9", strconv.Itoa(p.PID)}})
		if err != nil || code != 0 {
			s.logger.Warn("Failed to signal background command", "id", id, "pid", p.PID, "exitCode", code, "output", out, "error", err)
		}
	}
	if _, err := s.registry.Remove(id); err != nil {
		s.logger.Debug("Closing background stream", "id", id, "error", err)
	}
	s.logger.Info("Killed background command", "id", id, "pid", p.PID)
	return p, nil
}

// hostPath maps a workspace path to the host mount. Absolute paths must lie
// under the in-sandbox workspace mount.
func (s *Sandbox) hostPath(path string) (string, error) {
	if s.cfg.WorkspaceDir == "" {
		return "", fmt.Errorf("%w: no workspace mounted", sandbox.ErrPathOutsideWorkspace)
	}
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(s.cfg.WorkspaceMountPath, path)
		if err != nil {
			return "", fmt.Errorf("%w: %s", sandbox.ErrPathOutsideWorkspace, path)
		}
		rel = r
	}
	rel = filepath.Clean(rel)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", sandbox.ErrPathOutsideWorkspace, path)
	}
	return filepath.Join(s.cfg.WorkspaceDir, rel), nil
}

func (s *Sandbox) ReadFile(ctx context.Context, path string) (string, error) {
	full, err := s.hostPath(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func (s *Sandbox) WriteFile(ctx context.Context, path, content string) error {
	full, err := s.hostPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Package docker implements sandbox.Sandbox on a container engine, reaching
// the container's shell over SSH.
package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/sandbox/ssh"
	"github.com/sethvargo/go-retry"
)

const (
	// NamePrefix prefixes every sandbox container name.
	NamePrefix = "devbox-sandbox-"
	// PersistedInstanceID names the container shared across sessions when
	// persistence is enabled.
	PersistedInstanceID = "persisted"
	// RootUser is the privileged account.
	RootUser = "root"
)

// Config configures a Sandbox. Zero durations and counts take defaults.
type Config struct {
	Image     string
	SessionID string
	// Persist keeps the container across sessions under a fixed name.
	// It requires Password.
	Persist  bool
	Username string
	Password string
	UserID   int
	SSHHost  string
	// SSHPort is used for persisted sandboxes. Otherwise a free local port
	// is allocated.
	SSHPort     int
	HostNetwork bool
	// WorkspaceDir is the host directory mounted at WorkspaceMountPath.
	WorkspaceDir       string
	WorkspaceMountPath string
	// CacheDir is mounted at the sandbox user's ~/.cache when set.
	CacheDir      string
	Env           map[string]string
	Timeout       time.Duration
	PollInterval  time.Duration
	StartAttempts int
	StartBackoff  time.Duration
	OutputLimit   int
}

func (c *Config) setDefaults() {
	if c.Username == "" {
		c.Username = "devbox"
	}
	if c.UserID == 0 && c.Username != RootUser {
		c.UserID = 1000
	}
	if c.SSHHost == "" {
		c.SSHHost = "127.0.0.1"
	}
	if c.WorkspaceMountPath == "" {
		c.WorkspaceMountPath = "/workspace"
	}
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.StartAttempts == 0 {
		c.StartAttempts = 5
	}
	if c.StartBackoff == 0 {
		c.StartBackoff = 5 * time.Second
	}
	if c.OutputLimit == 0 {
		c.OutputLimit = sandbox.DefaultOutputLimit
	}
}

// Shell is the remote shell channel into a running sandbox.
type Shell interface {
	Run(ctx context.Context, cmd, workdir string, env map[string]string) (int, string, error)
	Close() error
}

// ShellDialer opens a Shell.
type ShellDialer func(ctx context.Context, addr, user, password string) (Shell, error)

// DialSSH is the default ShellDialer.
func DialSSH(ctx context.Context, addr, user, password string) (Shell, error) {
	c, err := ssh.Dial(ctx, ssh.Config{Addr: addr, User: user, Password: password})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Sandbox is a sandbox.Sandbox backed by one container running sshd.
type Sandbox struct {
	engine   Engine
	dial     ShellDialer
	cfg      Config
	logger   *slog.Logger
	registry *sandbox.Registry

	instanceID string
	name       string
	port       int

	// lifecycle serializes Start, Close and Release.
	lifecycle sync.Mutex

	mu     sync.RWMutex
	state  sandbox.State
	shell  Shell
	reused bool
}

// Verify interface compliance.
var _ sandbox.Sandbox = (*Sandbox)(nil)

// New prepares a sandbox without touching the engine. Configuration errors
// are reported here and are never retried.
func New(engine Engine, dial ShellDialer, cfg Config, logger *slog.Logger) (*Sandbox, error) {
	cfg.setDefaults()
	if cfg.Image == "" {
		return nil, errors.New("sandbox image is required")
	}
	if cfg.StartAttempts < 1 {
		return nil, fmt.Errorf("start attempts must be at least 1, got %d", cfg.StartAttempts)
	}
	if cfg.WorkspaceDir != "" {
		abs, err := filepath.Abs(cfg.WorkspaceDir)
		if err != nil {
			return nil, fmt.Errorf("resolving workspace dir: %w", err)
		}
		cfg.WorkspaceDir = abs
	}

	s := &Sandbox{
		engine:   engine,
		dial:     dial,
		logger:   logger,
		registry: sandbox.NewRegistry(cfg.OutputLimit),
		state:    sandbox.StateAbsent,
	}

	if cfg.Persist {
		if cfg.Password == "" {
			return nil, sandbox.ErrMissingCredential
		}
		s.instanceID = PersistedInstanceID
		s.port = cfg.SSHPort
	} else {
		s.instanceID = cfg.SessionID + uuid.NewString()
		cfg.Password = uuid.NewString()
	}
	if s.port == 0 {
		port, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("allocating ssh port: %w", err)
		}
		s.port = port
	}
	s.cfg = cfg
	s.name = NamePrefix + s.instanceID
	s.logger = logger.With("container", s.name)
	return s, nil
}

// Name returns the container name.
func (s *Sandbox) Name() string { return s.name }

// Port returns the SSH port the sandbox listens on.
func (s *Sandbox) Port() int { return s.port }

func (s *Sandbox) State() sandbox.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Sandbox) setState(st sandbox.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Start creates (or reuses) the container, provisions the sandbox user and
// connects the shell. It is a no-op when the sandbox is already running.
func (s *Sandbox) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == sandbox.StateRunning {
		return nil
	}

	if err := s.engine.Ping(ctx); err != nil {
		s.setState(sandbox.StateFailed)
		return fmt.Errorf("%w: %v", sandbox.ErrEngineUnreachable, err)
	}

	s.setState(sandbox.StateCreating)
	if err := s.startContainer(ctx); err != nil {
		s.setState(sandbox.StateFailed)
		return err
	}

	if !s.reused {
		if err := s.provision(ctx); err != nil {
			s.setState(sandbox.StateFailed)
			return err
		}
	}

	shell, err := s.connect(ctx)
	if err != nil {
		s.setState(sandbox.StateFailed)
		return err
	}

	s.mu.Lock()
	s.shell = shell
	s.state = sandbox.StateRunning
	s.mu.Unlock()
	s.logger.Info("Sandbox started", "port", s.port, "user", s.cfg.Username, "reused", s.reused)
	return nil
}

// startContainer runs ensureContainer under the retry policy. Only
// transient engine failures are retried; a rejected container definition
// fails on the first attempt with ErrInvalidConfiguration.
func (s *Sandbox) startContainer(ctx context.Context) error {
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(s.cfg.StartAttempts-1), retry.NewConstant(s.cfg.StartBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := s.ensureContainer(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if permanent(err) {
			return fmt.Errorf("%w: %v", sandbox.ErrInvalidConfiguration, err)
		}
		s.logger.Warn("Sandbox start attempt failed", "attempt", attempts, "maxAttempts", s.cfg.StartAttempts, "error", err)
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, sandbox.ErrInvalidConfiguration) {
		return err
	}

	logs, logErr := s.engine.Logs(context.WithoutCancel(ctx), s.name)
	if logErr != nil {
		s.logger.Debug("Could not read container logs", "error", logErr)
	}
	return &sandbox.StartError{Name: s.name, Attempts: attempts, Logs: logs, Err: err}
}

// permanent reports engine errors that retrying cannot fix: rejected
// parameters or mounts, missing images and denied requests.
func permanent(err error) bool {
	return errdefs.IsInvalidParameter(err) ||
		errdefs.IsNotFound(err) ||
		errdefs.IsForbidden(err) ||
		errdefs.IsUnauthorized(err) ||
		errdefs.IsNotImplemented(err)
}

func (s *Sandbox) ensureContainer(ctx context.Context) error {
	existing, err := s.engine.Inspect(ctx, s.name)
	switch {
	case err == nil && s.cfg.Persist:
		if existing.Status != StatusRunning {
			if err := s.engine.Start(ctx, s.name); err != nil {
				return fmt.Errorf("restarting persisted container: %w", err)
			}
		}
		s.reused = true
		return s.waitForStatus(ctx, StatusRunning)
	case err == nil:
		if err := s.engine.Remove(ctx, s.name); err != nil && !errors.Is(err, ErrContainerNotFound) {
			return fmt.Errorf("removing stale container: %w", err)
		}
	case !errors.Is(err, ErrContainerNotFound):
		return fmt.Errorf("inspecting container: %w", err)
	}

	s.reused = false
	if _, err := s.engine.Create(ctx, s.containerSpec()); err != nil {
		return err
	}
	return s.waitForStatus(ctx, StatusRunning)
}

func (s *Sandbox) containerSpec() ContainerSpec {
	spec := ContainerSpec{
		Name:  s.name,
		Image: s.cfg.Image,
		Cmd: []string{
			"/usr/sbin/sshd", "-D",
			"-p", strconv.Itoa(s.port),
			"-o", "PermitRootLogin=yes",
		},
		WorkingDir: s.cfg.WorkspaceMountPath,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelSessionID: s.cfg.SessionID,
		},
		Port:        s.port,
		HostNetwork: s.cfg.HostNetwork,
	}
	if s.cfg.WorkspaceDir != "" {
		spec.Mounts = append(spec.Mounts, Mount{Source: s.cfg.WorkspaceDir, Target: s.cfg.WorkspaceMountPath})
	}
	if s.cfg.CacheDir != "" {
		spec.Mounts = append(spec.Mounts, Mount{Source: s.cfg.CacheDir, Target: s.homeDir() + "/.cache"})
	}
	return spec
}

func (s *Sandbox) homeDir() string {
	if s.cfg.Username == RootUser {
		return "/root"
	}
	return "/home/" + s.cfg.Username
}

// waitForStatus polls the container until it reports want or the startup
// timeout elapses. A missing container satisfies StatusExited.
func (s *Sandbox) waitForStatus(ctx context.Context, want string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c, err := s.engine.Inspect(timeoutCtx, s.name)
		switch {
		case err == nil && c.Status == want:
			return nil
		case err == nil && want == StatusRunning && (c.Status == StatusExited || c.Status == StatusDead):
			return fmt.Errorf("container %s exited during startup", s.name)
		case errors.Is(err, ErrContainerNotFound) && want == StatusExited:
			return nil
		case err != nil && !errors.Is(err, ErrContainerNotFound):
			return fmt.Errorf("inspecting container: %w", err)
		}

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("timed out after %s waiting for container %s to be %s", s.cfg.Timeout, s.name, want)
		case <-ticker.C:
		}
	}
}

// connect polls until sshd accepts the sandbox credentials.
func (s *Sandbox) connect(ctx context.Context) (Shell, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(s.cfg.SSHHost, strconv.Itoa(s.port))
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		shell, err := s.dial(timeoutCtx, addr, s.cfg.Username, s.cfg.Password)
		if err == nil {
			return shell, nil
		}
		s.logger.Debug("Waiting for sandbox ssh", "addr", addr, "error", err)
		select {
		case <-timeoutCtx.Done():
			return nil, fmt.Errorf("connecting to sandbox ssh at %s: %w", addr, err)
		case <-ticker.C:
		}
	}
}

// Close kills background commands, disconnects the shell and removes the
// container unless it is persisted.
func (s *Sandbox) Close(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.teardown(ctx, s.cfg.Persist)
}

// Release is Close for persisted sandboxes too: the container is removed.
func (s *Sandbox) Release(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.teardown(ctx, false)
}

func (s *Sandbox) teardown(ctx context.Context, keepContainer bool) error {
	if s.State() == sandbox.StateAbsent {
		return nil
	}
	s.setState(sandbox.StateStopping)

	for _, p := range s.registry.List() {
		if _, err := s.kill(ctx, p.ID); err != nil {
			s.logger.Warn("Failed to kill background command", "id", p.ID, "error", err)
		}
	}

	s.mu.Lock()
	shell := s.shell
	s.shell = nil
	s.mu.Unlock()
	if shell != nil {
		if err := shell.Close(); err != nil {
			s.logger.Debug("Closing shell", "error", err)
		}
	}

	if keepContainer {
		s.setState(sandbox.StateExited)
		s.logger.Info("Sandbox detached, container kept", "port", s.port)
		return nil
	}

	containers, err := s.engine.List(ctx, s.name)
	if err != nil {
		s.setState(sandbox.StateFailed)
		return fmt.Errorf("listing containers: %w", err)
	}
	var errs []error
	for _, c := range containers {
		if c.Name != s.name {
			continue
		}
		if err := s.stopAndRemove(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.setState(sandbox.StateFailed)
		return err
	}
	s.setState(sandbox.StateExited)
	s.logger.Info("Sandbox stopped")
	return nil
}

func (s *Sandbox) stopAndRemove(ctx context.Context) error {
	if err := s.engine.Stop(ctx, s.name); err != nil && !errors.Is(err, ErrContainerNotFound) {
		s.logger.Warn("Failed to stop container", "error", err)
	}
	if err := s.waitForStatus(ctx, StatusExited); err != nil {
		s.logger.Warn("Container did not exit", "error", err)
	}
	if err := s.engine.Remove(ctx, s.name); err != nil && !errors.Is(err, ErrContainerNotFound) {
		return fmt.Errorf("removing container %s: %w", s.name, err)
	}
	return nil
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

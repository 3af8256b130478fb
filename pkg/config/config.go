// Package config loads devbox configuration from embedded defaults, an
// optional YAML or JSON file and the environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultConfig []byte

// Environment variables that override file values.
const (
	EnvAPIKey       = "GEMINI_API_KEY"
	EnvSSHPassword  = "DEVBOX_SSH_PASSWORD"
	EnvWorkspaceDir = "DEVBOX_WORKSPACE_DIR"
)

var envOverrides = map[string]string{
	EnvAPIKey:       "agent.api_key",
	EnvSSHPassword:  "sandbox.ssh_password",
	EnvWorkspaceDir: "sandbox.workspace_dir",
}

type Config struct {
	Server  ServerConfig  `koanf:"server" yaml:"server"`
	Sandbox SandboxConfig `koanf:"sandbox" yaml:"sandbox"`
	Agent   AgentConfig   `koanf:"agent" yaml:"agent"`
	Store   StoreConfig   `koanf:"store" yaml:"store"`
}

type ServerConfig struct {
	Addr      string `koanf:"addr" yaml:"addr"`
	LogLevel  string `koanf:"log_level" yaml:"log_level"`
	LogFormat string `koanf:"log_format" yaml:"log_format"`
}

type SandboxConfig struct {
	Image         string        `koanf:"image" yaml:"image"`
	Timeout       time.Duration `koanf:"timeout" yaml:"timeout"`
	PollInterval  time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
	StartAttempts int           `koanf:"start_attempts" yaml:"start_attempts"`
	StartBackoff  time.Duration `koanf:"start_backoff" yaml:"start_backoff"`
	// Persist reuses one container across sessions. It requires SSHPassword.
	Persist            bool              `koanf:"persist" yaml:"persist"`
	SSHHost            string            `koanf:"ssh_host" yaml:"ssh_host"`
	SSHUsername        string            `koanf:"ssh_username" yaml:"ssh_username"`
	SSHPassword        string            `koanf:"ssh_password" yaml:"ssh_password,omitempty"`
	SSHPort            int               `koanf:"ssh_port" yaml:"ssh_port"`
	UseHostNetwork     bool              `koanf:"use_host_network" yaml:"use_host_network"`
	UserID             int               `koanf:"user_id" yaml:"user_id"`
	WorkspaceDir       string            `koanf:"workspace_dir" yaml:"workspace_dir"`
	WorkspaceMountPath string            `koanf:"workspace_mount_path" yaml:"workspace_mount_path"`
	CacheDir           string            `koanf:"cache_dir" yaml:"cache_dir"`
	Env                map[string]string `koanf:"env" yaml:"env,omitempty"`
}

type AgentConfig struct {
	Name          string `koanf:"name" yaml:"name"`
	Model         string `koanf:"model" yaml:"model"`
	APIKey        string `koanf:"api_key" yaml:"api_key,omitempty"`
	MaxIterations int    `koanf:"max_iterations" yaml:"max_iterations"`
}

type StoreConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// Load reads the embedded defaults, then path when non-empty, then the
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultConfig), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	for env, key := range envOverrides {
		if v := os.Getenv(env); v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("applying %s: %w", env, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the embedded defaults.
func Default() (*Config, error) {
	return Load("")
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	var errs []error
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}
	switch c.Server.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("server.log_format: unknown format %q", c.Server.LogFormat))
	}

	s := c.Sandbox
	if s.Image == "" {
		errs = append(errs, errors.New("sandbox.image is required"))
	}
	if s.Persist && s.SSHPassword == "" {
		errs = append(errs, fmt.Errorf("sandbox.persist requires sandbox.ssh_password (or %s)", EnvSSHPassword))
	}
	if s.StartAttempts < 1 {
		errs = append(errs, errors.New("sandbox.start_attempts must be at least 1"))
	}
	if s.Timeout <= 0 || s.PollInterval <= 0 {
		errs = append(errs, errors.New("sandbox.timeout and sandbox.poll_interval must be positive"))
	}
	if s.StartBackoff < 0 {
		errs = append(errs, errors.New("sandbox.start_backoff must not be negative"))
	}

	if c.Agent.Name == "" {
		errs = append(errs, errors.New("agent.name is required"))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, errors.New("agent.max_iterations must be at least 1"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger on w.
func (c ServerConfig) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// MarshalYAML writes durations as "5s" rather than nanoseconds.
func (s SandboxConfig) MarshalYAML() (any, error) {
	type plain SandboxConfig
	var n yaml.Node
	if err := n.Encode(plain(s)); err != nil {
		return nil, err
	}
	for i := 1; i < len(n.Content); i += 2 {
		switch n.Content[i-1].Value {
		case "timeout", "poll_interval", "start_backoff":
			ns, err := strconv.ParseInt(n.Content[i].Value, 10, 64)
			if err != nil {
				return nil, err
			}
			n.Content[i].SetString(time.Duration(ns).String())
		}
	}
	return &n, nil
}

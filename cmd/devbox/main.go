// Command devbox runs agents against isolated container sandboxes.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	devbox serve --config devbox.yaml
//	devbox probe
//	devbox config init devbox.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nstogner/devbox/pkg/agent"
	"github.com/nstogner/devbox/pkg/agent/toolcall"
	"github.com/nstogner/devbox/pkg/config"
	"github.com/nstogner/devbox/pkg/model"
	"github.com/nstogner/devbox/pkg/model/gemini"
	"github.com/nstogner/devbox/pkg/probe"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/sandbox/docker"
	"github.com/nstogner/devbox/pkg/server"
	"github.com/nstogner/devbox/pkg/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "devbox",
		Short:         "Run coding agents in isolated container sandboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")

	root.AddCommand(serveCmd(&configPath), probeCmd(&configPath), modelsCmd(&configPath), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func load(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, cfg.Server.Logger(os.Stderr), nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the session gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*configPath)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return fmt.Errorf("creating store dir: %w", err)
			}
			st, err := sqlite.New(cfg.Store.Path)
			if err != nil {
				logger.Error("Failed to initialize store", "path", cfg.Store.Path, "error", err)
				return err
			}
			defer st.Close()

			engine, err := docker.NewClient(logger)
			if err != nil {
				logger.Error("Failed to initialize docker client", "error", err)
				return err
			}
			defer engine.Close()

			srv := server.New(logger, newAgentRegistry(), sandboxFactory(engine, cfg.Sandbox, logger), st, server.Defaults{
				Agent:         cfg.Agent.Name,
				Model:         cfg.Agent.Model,
				APIKey:        cfg.Agent.APIKey,
				Image:         cfg.Sandbox.Image,
				MaxIterations: cfg.Agent.MaxIterations,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.Start(cfg.Server.Addr); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				logger.Info("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func probeCmd(configPath *string) *cobra.Command {
	var release bool
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Start a sandbox and open an interactive shell in it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			engine, err := docker.NewClient(logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			sb, err := sandboxFactory(engine, cfg.Sandbox, logger)(ctx, server.SandboxRequest{
				SessionID: "probe-" + uuid.NewString()[:8],
				Image:     cfg.Sandbox.Image,
			})
			if err != nil {
				return err
			}
			if err := sb.Start(ctx); err != nil {
				logger.Error("Failed to start Docker container", "error", err)
				return err
			}
			defer func() {
				if err := stopSandbox(context.WithoutCancel(ctx), sb, release); err != nil {
					logger.Error("Failed to stop sandbox", "error", err)
				}
			}()

			return probe.Run(ctx, sb, fmt.Sprintf("devbox probe · %s", cfg.Sandbox.Image))
		},
	}
	cmd.Flags().BoolVar(&release, "release", false, "remove the container on exit even when sandbox.persist is set")
	return cmd
}

// releaser is a sandbox that can drop a persisted container.
type releaser interface {
	Release(ctx context.Context) error
}

func stopSandbox(ctx context.Context, sb sandbox.Sandbox, release bool) error {
	if r, ok := sb.(releaser); ok && release {
		return r.Release(ctx)
	}
	return sb.Close(ctx)
}

func modelsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the models available to the configured API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*configPath)
			if err != nil {
				return err
			}
			provider, err := gemini.New(cmd.Context(), cfg.Agent.APIKey, logger)
			if err != nil {
				return err
			}
			models, err := provider.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintln(cmd.OutOrStdout(), m.ID)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage devbox configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "devbox.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg, err := config.Default()
			if err != nil {
				return err
			}
			// Secrets come from the environment and stay out of the file.
			cfg.Agent.APIKey = ""
			cfg.Sandbox.SSHPassword = ""

			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func newAgentRegistry() *agent.Registry {
	agents := agent.NewRegistry()
	agents.Register(toolcall.Name, toolcall.Factory(func(ctx context.Context, apiKey string, logger *slog.Logger) (model.Provider, error) {
		p, err := gemini.New(ctx, apiKey, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}))
	return agents
}

func sandboxFactory(engine docker.Engine, cfg config.SandboxConfig, logger *slog.Logger) server.SandboxFactory {
	return func(ctx context.Context, req server.SandboxRequest) (sandbox.Sandbox, error) {
		dir := req.Directory
		if dir == "" {
			dir = cfg.WorkspaceDir
		}
		dir, err := filepath.Abs(dir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating workspace: %w", err)
		}

		image := req.Image
		if image == "" {
			image = cfg.Image
		}
		sb, err := docker.New(engine, docker.DialSSH, docker.Config{
			Image:              image,
			SessionID:          req.SessionID,
			Persist:            cfg.Persist,
			Username:           cfg.SSHUsername,
			Password:           cfg.SSHPassword,
			UserID:             cfg.UserID,
			SSHHost:            cfg.SSHHost,
			SSHPort:            cfg.SSHPort,
			HostNetwork:        cfg.UseHostNetwork,
			WorkspaceDir:       dir,
			WorkspaceMountPath: cfg.WorkspaceMountPath,
			CacheDir:           cfg.CacheDir,
			Env:                cfg.Env,
			Timeout:            cfg.Timeout,
			PollInterval:       cfg.PollInterval,
			StartAttempts:      cfg.StartAttempts,
			StartBackoff:       cfg.StartBackoff,
		}, logger.With("sessionID", req.SessionID))
		if err != nil {
			return nil, err
		}
		return sb, nil
	}
}

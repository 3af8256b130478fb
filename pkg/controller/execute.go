package controller

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/nstogner/devbox/pkg/agent"
	"github.com/nstogner/devbox/pkg/domain"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/sandbox/ssh"
)

// browseTimeoutSeconds bounds a browse fetch inside the sandbox.
const browseTimeoutSeconds = 30

// execute carries out an action and wraps the outcome, including failures,
// as an observation.
func (c *Controller) execute(ctx context.Context, action domain.Action) domain.Observation {
	obs, err := c.dispatch(ctx, action)
	if err != nil {
		c.logger.Warn("Action failed", "action", action.Type(), "error", err)
		return domain.ErrorObservation{Content: err.Error()}
	}
	return obs
}

func (c *Controller) dispatch(ctx context.Context, action domain.Action) (domain.Observation, error) {
	if domain.Executable(action) && c.sandbox.State() != sandbox.StateRunning {
		return nil, fmt.Errorf("%s: %w", action.Type(), sandbox.ErrNotRunning)
	}
	switch a := action.(type) {
	case domain.RunAction:
		if a.Background {
			p, err := c.sandbox.ExecuteInBackground(ctx, a.Command)
			if err != nil {
				return nil, err
			}
			return domain.CmdOutputObservation{
				CommandID: p.ID,
				Command:   a.Command,
				Content:   fmt.Sprintf("Background command started. To stop it, send a `kill` action with id %d", p.ID),
			}, nil
		}
		res, err := c.sandbox.Execute(ctx, a.Command)
		if err != nil {
			return nil, err
		}
		return domain.CmdOutputObservation{CommandID: -1, Command: a.Command, ExitCode: res.ExitCode, Content: res.Output}, nil

	case domain.KillAction:
		p, err := c.sandbox.Kill(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		content := fmt.Sprintf("Background command %d killed", a.ID)
		if rest := p.Read(); rest != "" {
			content = rest + "\n" + content
		}
		return domain.CmdOutputObservation{CommandID: a.ID, Command: p.Command, Content: content}, nil

	case domain.ReadAction:
		content, err := c.sandbox.ReadFile(ctx, a.Path)
		if err != nil {
			return nil, err
		}
		return domain.FileReadObservation{Path: a.Path, Content: content}, nil

	case domain.WriteAction:
		if err := c.sandbox.WriteFile(ctx, a.Path, a.Content); err != nil {
			return nil, err
		}
		return domain.FileWriteObservation{Path: a.Path}, nil

	case domain.BrowseAction:
		return c.browse(ctx, a.URL)

	case domain.RecallAction:
		r, ok := c.agent.(agent.Recaller)
		if !ok {
			return domain.NullObservation{}, nil
		}
		memories, err := r.Recall(ctx, a.Query)
		if err != nil {
			return nil, fmt.Errorf("recalling %q: %w", a.Query, err)
		}
		return domain.RecallObservation{Query: a.Query, Memories: memories}, nil
	}
	return domain.NullObservation{}, nil
}

// browse fetches a page from inside the sandbox so the agent sees the same
// network the sandbox does.
func (c *Controller) browse(ctx context.Context, raw string) (domain.Observation, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", raw)
	}
	cmd := fmt.Sprintf("curl -sSL --max-time %d %s", browseTimeoutSeconds, ssh.Quote(u.String()))
	res, err := c.sandbox.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("fetching %s failed with exit code %d: %s", raw, res.ExitCode, strings.TrimSpace(res.Output))
	}
	return domain.BrowserOutputObservation{URL: raw, Content: res.Output}, nil
}

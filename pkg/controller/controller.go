// Package controller drives an agent's step loop against a sandbox.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nstogner/devbox/pkg/agent"
	"github.com/nstogner/devbox/pkg/domain"
	"github.com/nstogner/devbox/pkg/sandbox"
)

// DefaultMaxIterations bounds a single Run.
const DefaultMaxIterations = 100

var (
	// ErrTaskRequired is returned when stepping a controller with no task.
	ErrTaskRequired = errors.New("no task specified")
	// ErrMaxIterations is returned when Run stops before the agent finished.
	ErrMaxIterations = errors.New("agent reached maximum number of iterations")
	// ErrAlreadyRunning is returned when Run is called while a loop is active.
	ErrAlreadyRunning = errors.New("control loop already running")
)

// Callback observes every history append. Errors and panics are logged and
// never interrupt the loop.
type Callback func(ctx context.Context, action domain.Action, obs domain.Observation) error

// Option configures a Controller.
type Option func(*Controller)

func WithMaxIterations(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

func WithCallback(cb Callback) Option {
	return func(c *Controller) { c.callbacks = append(c.callbacks, cb) }
}

// Controller owns one session's agent, sandbox and history. Steps never run
// concurrently; AddPending may be called from any goroutine.
type Controller struct {
	agent         agent.Agent
	sandbox       sandbox.Sandbox
	logger        *slog.Logger
	maxIterations int
	callbacks     []Callback
	history       History
	running       atomic.Bool

	mu        sync.Mutex
	task      string
	iteration int
	pending   []domain.HistoryEntry
}

func New(a agent.Agent, sb sandbox.Sandbox, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		agent:         a,
		sandbox:       sb,
		logger:        logger,
		maxIterations: DefaultMaxIterations,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// History returns the session history.
func (c *Controller) History() *History { return &c.history }

// Sandbox returns the sandbox the controller dispatches to.
func (c *Controller) Sandbox() sandbox.Sandbox { return c.sandbox }

func (c *Controller) Task() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.task
}

// Running reports whether a Run loop is active.
func (c *Controller) Running() bool { return c.running.Load() }

// AddPending queues a pair that is merged into the history at the start of
// the next step, never in the middle of one.
func (c *Controller) AddPending(action domain.Action, obs domain.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, domain.HistoryEntry{Action: action, Observation: obs})
}

// HasPending reports whether entries are queued for the next step.
func (c *Controller) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// Run sets task (when non-empty) and steps until the agent finishes, the
// iteration bound is hit or ctx is cancelled. A new task clears the history.
func (c *Controller) Run(ctx context.Context, task string) error {
	run, ok := c.TryRun(task)
	if !ok {
		return ErrAlreadyRunning
	}
	return run(ctx)
}

// TryRun claims the loop without starting it. When ok is true the caller
// owns the claim and must call run exactly once; the claim is released when
// run returns. Entries queued after the last step show up in HasPending once
// run has returned.
func (c *Controller) TryRun(task string) (run func(ctx context.Context) error, ok bool) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, false
	}
	return func(ctx context.Context) error {
		defer c.running.Store(false)
		return c.loop(ctx, task)
	}, true
}

func (c *Controller) loop(ctx context.Context, task string) error {
	c.mu.Lock()
	if task != "" && task != c.task {
		c.task = task
		c.iteration = 0
		c.history.Clear()
	}
	c.mu.Unlock()

	for i := 0; i < c.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := c.Step(ctx)
		if err != nil {
			return err
		}
		if done {
			c.logger.Info("Agent finished", "iterations", c.iterations(), "historyLen", c.history.Len())
			return nil
		}
	}
	c.logger.Warn("Agent reached max iterations", "maxIterations", c.maxIterations)
	return ErrMaxIterations
}

func (c *Controller) iterations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iteration
}

// Step runs a single agent step and reports whether the agent finished.
func (c *Controller) Step(ctx context.Context) (bool, error) {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()
	if task == "" {
		return false, ErrTaskRequired
	}

	c.collectBackgroundOutput()

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.iteration++
	iteration := c.iteration
	c.mu.Unlock()
	for _, e := range pending {
		c.record(ctx, e)
	}

	action, err := c.agent.Step(ctx, agent.State{
		Task:      task,
		History:   c.history.Entries(),
		Iteration: iteration,
	})
	var obs domain.Observation
	switch {
	case err != nil && ctx.Err() != nil:
		return false, ctx.Err()
	case err != nil:
		c.logger.Error("Agent step failed", "iteration", iteration, "error", err)
		action = domain.NullAction{}
		obs = domain.ErrorObservation{Content: fmt.Sprintf("agent error: %v", err)}
	default:
		obs = c.execute(ctx, action)
	}

	c.record(ctx, domain.HistoryEntry{Action: action, Observation: obs})
	return action.Type() == domain.ActionFinish, nil
}

// collectBackgroundOutput queues whatever the background commands printed
// since the previous step.
func (c *Controller) collectBackgroundOutput() {
	for _, p := range c.sandbox.Processes() {
		out, err := c.sandbox.ReadOutput(p.ID)
		if err != nil || out == "" {
			continue
		}
		c.AddPending(domain.NullAction{}, domain.CmdOutputObservation{
			CommandID: p.ID,
			Command:   p.Command,
			Content:   out,
		})
	}
}

func (c *Controller) record(ctx context.Context, e domain.HistoryEntry) {
	c.history.Append(e)
	for _, cb := range c.callbacks {
		c.invoke(ctx, cb, e)
	}
}

func (c *Controller) invoke(ctx context.Context, cb Callback, e domain.HistoryEntry) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Callback panicked", "action", e.Action.Type(), "panic", r)
		}
	}()
	if err := cb(ctx, e.Action, e.Observation); err != nil {
		c.logger.Error("Callback failed", "action", e.Action.Type(), "error", err)
	}
}

// Package agent defines the contract between the control loop and the
// decision-making agents it drives.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nstogner/devbox/pkg/domain"
)

// ErrUnknownAgent is returned when no factory is registered under a name.
var ErrUnknownAgent = errors.New("unknown agent")

// State is what an agent sees at the start of a step.
type State struct {
	Task      string
	History   []domain.HistoryEntry
	Iteration int
}

// Agent produces the next action from the session state.
type Agent interface {
	Step(ctx context.Context, state State) (domain.Action, error)
}

// Recaller is implemented by agents with a memory that can answer recall actions.
type Recaller interface {
	Recall(ctx context.Context, query string) ([]string, error)
}

// Options configure a new agent instance.
type Options struct {
	Model  string
	APIKey string
	Logger *slog.Logger
}

// Factory builds an agent.
type Factory func(ctx context.Context, opts Options) (Agent, error)

// Registry maps agent names to factories. Build one at startup and pass it
// to whatever constructs sessions.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the agent registered under name.
func (r *Registry) New(ctx context.Context, name string, opts Options) (Agent, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return f(ctx, opts)
}

// Names lists registered agents in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Package toolcall implements an agent that exposes every sandbox action to
// the model as a callable tool.
package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nstogner/devbox/pkg/agent"
	"github.com/nstogner/devbox/pkg/domain"
	"github.com/nstogner/devbox/pkg/model"
)

// Name is the registry name of this agent.
const Name = "toolcall"

const instructions = `You are an autonomous software engineer working inside a sandboxed Linux container.

Your workspace is mounted at /workspace and is the working directory of every command. Each command runs in a fresh shell, so use absolute paths or chain commands with && instead of relying on cd.

Act only by calling exactly one tool per turn:
- run: run a shell command. Set background=true for long-running processes such as servers; you get back a command id and new output is reported to you as it appears.
- kill: stop a background command by id.
- read / write: read or replace a file in the workspace.
- browse: fetch a URL.
- recall: search what you have seen so far in this session.
- think: record reasoning without side effects.
- chat: send a message to the user.
- finish: call when the task is complete.

Messages from the user may arrive while you work. Take them into account on your next step.`

// Tools describes the actions the model may take.
func Tools() []model.Tool {
	str := func(name, desc string) model.Param {
		return model.Param{Name: name, Type: "string", Description: desc, Required: true}
	}
	return []model.Tool{
		{Name: string(domain.ActionRun), Description: "Run a shell command in the sandbox.", Params: []model.Param{
			str("command", "The shell command."),
			{Name: "background", Type: "boolean", Description: "Run detached and return immediately."},
		}},
		{Name: string(domain.ActionKill), Description: "Kill a background command.", Params: []model.Param{
			{Name: "id", Type: "integer", Description: "The background command id.", Required: true},
		}},
		{Name: string(domain.ActionRead), Description: "Read a file.", Params: []model.Param{str("path", "Path relative to the workspace.")}},
		{Name: string(domain.ActionWrite), Description: "Write a file, replacing its content.", Params: []model.Param{
			str("path", "Path relative to the workspace."),
			str("content", "The full new content."),
		}},
		{Name: string(domain.ActionBrowse), Description: "Fetch the content of a URL.", Params: []model.Param{str("url", "The URL.")}},
		{Name: string(domain.ActionRecall), Description: "Search earlier observations.", Params: []model.Param{str("query", "Keywords to look for.")}},
		{Name: string(domain.ActionThink), Description: "Think out loud.", Params: []model.Param{str("thought", "The thought.")}},
		{Name: string(domain.ActionChat), Description: "Send a message to the user.", Params: []model.Param{str("message", "The message.")}},
		{Name: string(domain.ActionFinish), Description: "Finish the task."},
	}
}

// Agent asks a model for one tool call per step.
type Agent struct {
	provider model.Provider
	model    string
	logger   *slog.Logger

	mu      sync.Mutex
	history []domain.HistoryEntry
}

// Verify interface compliance.
var (
	_ agent.Agent    = (*Agent)(nil)
	_ agent.Recaller = (*Agent)(nil)
)

func New(provider model.Provider, modelName string, logger *slog.Logger) *Agent {
	return &Agent{provider: provider, model: modelName, logger: logger}
}

// ProviderFunc connects to a model provider with the session's API key.
type ProviderFunc func(ctx context.Context, apiKey string, logger *slog.Logger) (model.Provider, error)

// Factory registers the tool-calling agent over providers built by newProvider.
func Factory(newProvider ProviderFunc) agent.Factory {
	return func(ctx context.Context, opts agent.Options) (agent.Agent, error) {
		if opts.Model == "" {
			return nil, errors.New("toolcall: model is required")
		}
		provider, err := newProvider(ctx, opts.APIKey, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", opts.Model, err)
		}
		return New(provider, opts.Model, opts.Logger), nil
	}
}

// Step calls the model with the session transcript and converts its reply
// into an action. A reply without a tool call becomes a think action.
func (a *Agent) Step(ctx context.Context, state agent.State) (domain.Action, error) {
	a.mu.Lock()
	a.history = state.History
	a.mu.Unlock()

	stream, err := a.provider.Stream(ctx, model.Request{
		Model:        a.model,
		Instructions: instructions,
		Messages:     Messages(state),
		Tools:        Tools(),
	})
	if err != nil {
		return nil, fmt.Errorf("streaming model: %w", err)
	}
	defer stream.Close()

	msg, err := stream.FullMessage()
	if err != nil {
		return nil, fmt.Errorf("getting model response: %w", err)
	}

	var text []string
	for _, c := range msg.Content {
		switch {
		case c.Type == model.ContentTypeToolCall && c.ToolCall != nil:
			action, err := domain.ActionFromArgs(domain.ActionType(c.ToolCall.Name), c.ToolCall.Input)
			if err != nil {
				return nil, fmt.Errorf("decoding tool call %s: %w", c.ToolCall.Name, err)
			}
			a.logger.Debug("Model chose action", "action", action.Type(), "iteration", state.Iteration)
			return action, nil
		case c.Type == model.ContentTypeText && c.Text != "":
			text = append(text, c.Text)
		}
	}
	if len(text) == 0 {
		return nil, errors.New("model returned neither text nor a tool call")
	}
	return domain.ThinkAction{Thought: strings.Join(text, "\n")}, nil
}

// Recall returns earlier observation texts containing every word of query.
func (a *Agent) Recall(ctx context.Context, query string) ([]string, error) {
	a.mu.Lock()
	history := a.history
	a.mu.Unlock()

	words := strings.Fields(strings.ToLower(query))
	var memories []string
	for _, e := range history {
		text := observationText(e.Observation)
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		match := true
		for _, w := range words {
			if !strings.Contains(lower, w) {
				match = false
				break
			}
		}
		if match {
			memories = append(memories, text)
		}
	}
	return memories, nil
}

// Messages renders the task and history as a model conversation. Actions
// chosen by the model become tool calls answered by their observations;
// client messages and background output become user turns.
func Messages(state agent.State) []model.Message {
	messages := []model.Message{userText("Task: " + state.Task)}
	for i, e := range state.History {
		switch act := e.Action.(type) {
		case domain.NullAction:
			switch obs := e.Observation.(type) {
			case domain.UserMessageObservation:
				messages = append(messages, userText(obs.Message))
			case domain.CmdOutputObservation:
				messages = append(messages, userText(fmt.Sprintf("Output from background command %d (%s):\n%s", obs.CommandID, obs.Command, obs.Content)))
			}
			continue
		case domain.ThinkAction:
			messages = append(messages, assistantText(act.Thought))
			continue
		}

		id := fmt.Sprintf("call-%d", i)
		name := string(e.Action.Type())
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: []model.Content{{
				Type:     model.ContentTypeToolCall,
				ToolCall: &model.ToolCall{ID: id, Name: name, Input: actionArgs(e.Action)},
			}}},
			model.Message{Role: model.RoleTool, Content: []model.Content{{
				Type: model.ContentTypeToolResult,
				ToolResult: &model.ToolResult{
					ToolCallID: id,
					Name:       name,
					Content:    observationText(e.Observation),
					IsError:    e.Observation != nil && e.Observation.Type() == domain.ObservationError,
				},
			}}},
		)
	}
	return messages
}

func userText(s string) model.Message {
	return model.Message{Role: model.RoleUser, Content: []model.Content{{Type: model.ContentTypeText, Text: s}}}
}

func assistantText(s string) model.Message {
	return model.Message{Role: model.RoleAssistant, Content: []model.Content{{Type: model.ContentTypeText, Text: s}}}
}

func actionArgs(a domain.Action) map[string]any {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	var args map[string]any
	_ = json.Unmarshal(raw, &args)
	return args
}

func observationText(o domain.Observation) string {
	switch o := o.(type) {
	case nil, domain.NullObservation:
		return ""
	case domain.CmdOutputObservation:
		return fmt.Sprintf("exit code %d\n%s", o.ExitCode, o.Content)
	case domain.FileReadObservation:
		return o.Content
	case domain.BrowserOutputObservation:
		return o.Content
	case domain.ErrorObservation:
		return o.Content
	case domain.UserMessageObservation:
		return o.Message
	case domain.RecallObservation:
		return strings.Join(o.Memories, "\n")
	}
	env, err := domain.EncodeObservation(o)
	if err != nil {
		return ""
	}
	return env.Message
}

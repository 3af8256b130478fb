package domain

// ActionType identifies an Action variant on the wire.
type ActionType string

const (
	ActionInitialize ActionType = "initialize"
	ActionStart      ActionType = "start"
	ActionRun        ActionType = "run"
	ActionKill       ActionType = "kill"
	ActionRead       ActionType = "read"
	ActionWrite      ActionType = "write"
	ActionBrowse     ActionType = "browse"
	ActionRecall     ActionType = "recall"
	ActionThink      ActionType = "think"
	ActionChat       ActionType = "chat"
	ActionFinish     ActionType = "finish"
	ActionNull       ActionType = "null"
)

// Action is a request produced by an agent (or a client) for a side effect
// or a cognitive step. Values are immutable once constructed.
type Action interface {
	Type() ActionType
}

// Executable reports whether the action has a side effect that must be
// carried out by a sandbox.
func Executable(a Action) bool {
	switch a.Type() {
	case ActionRun, ActionKill, ActionRead, ActionWrite, ActionBrowse:
		return true
	}
	return false
}

// RunAction runs a shell command in the sandbox.
type RunAction struct {
	Command    string `json:"command"`
	Background bool   `json:"background"`
}

// KillAction stops a background command by its local id.
type KillAction struct {
	ID int `json:"id"`
}

// ReadAction reads a file relative to the workspace.
type ReadAction struct {
	Path string `json:"path"`
}

// WriteAction replaces the content of a file relative to the workspace.
type WriteAction struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// BrowseAction fetches a URL.
type BrowseAction struct {
	URL string `json:"url"`
}

// RecallAction queries the agent's memory.
type RecallAction struct {
	Query string `json:"query"`
}

type ThinkAction struct {
	Thought string `json:"thought"`
}

// ChatAction is a message from the agent to the user.
type ChatAction struct {
	Message string `json:"message"`
}

// FinishAction ends the control loop.
type FinishAction struct{}

// NullAction is a no-op. It pairs with observations that did not originate
// from an agent decision, such as user chat messages.
type NullAction struct{}

func (RunAction) Type() ActionType    { return ActionRun }
func (KillAction) Type() ActionType   { return ActionKill }
func (ReadAction) Type() ActionType   { return ActionRead }
func (WriteAction) Type() ActionType  { return ActionWrite }
func (BrowseAction) Type() ActionType { return ActionBrowse }
func (RecallAction) Type() ActionType { return ActionRecall }
func (ThinkAction) Type() ActionType  { return ActionThink }
func (ChatAction) Type() ActionType   { return ActionChat }
func (FinishAction) Type() ActionType { return ActionFinish }
func (NullAction) Type() ActionType   { return ActionNull }

package sandbox

import "context"

// State is the lifecycle state of a sandbox.
type State string

const (
	StateAbsent   State = "absent"
	StateCreating State = "creating"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
	StateFailed   State = "failed"
)

// Result represents the output of a foreground command.
type Result struct {
	ExitCode int `json:"exit_code"`
	// Output is the combined stdout and stderr.
	Output string `json:"output"`
}

// Sandbox is an isolated execution environment. Implementations own their
// Registry and must not be shared between sessions.
type Sandbox interface {
	// Start brings the sandbox to StateRunning. Calling Start on a running
	// sandbox is a no-op.
	Start(ctx context.Context) error

	// State returns the current lifecycle state.
	State() State

	// Execute runs a command in the foreground and blocks until it exits.
	Execute(ctx context.Context, cmd string) (Result, error)

	// ExecuteInBackground launches a detached command and returns as soon
	// as it has been registered.
	ExecuteInBackground(ctx context.Context, cmd string) (*BackgroundProcess, error)

	// ReadOutput returns the output a background command produced since the
	// previous read. It never blocks.
	ReadOutput(id int) (string, error)

	// Kill terminates a background command and forgets it.
	Kill(ctx context.Context, id int) (*BackgroundProcess, error)

	// Processes lists live background commands ordered by id.
	Processes() []*BackgroundProcess

	// ReadFile and WriteFile operate on paths relative to the workspace.
	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error

	// Close tears the sandbox down. Persisted containers are left running.
	Close(ctx context.Context) error
}

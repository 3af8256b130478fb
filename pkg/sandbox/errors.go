package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineUnreachable means the container engine could not be contacted.
	// It is never retried.
	ErrEngineUnreachable = errors.New("sandbox: container engine unreachable")

	// ErrContainerStartFailure means the container did not reach the running
	// state within the retry budget.
	ErrContainerStartFailure = errors.New("sandbox: container failed to start")

	// ErrInvalidConfiguration means the engine rejected the container
	// definition. It is never retried.
	ErrInvalidConfiguration = errors.New("sandbox: invalid container configuration")

	// ErrProvisioningFailure means a user or privilege setup step failed.
	ErrProvisioningFailure = errors.New("sandbox: provisioning failed")

	// ErrUnknownBackgroundProcess means no background command has the given id.
	ErrUnknownBackgroundProcess = errors.New("sandbox: unknown background process")

	// ErrCommandExecution means a command could not be delivered or its
	// result could not be collected. A non-zero exit code is not an error.
	ErrCommandExecution = errors.New("sandbox: command execution failed")

	// ErrNotRunning is returned by execute calls before Start succeeded.
	ErrNotRunning = errors.New("sandbox: not running")

	// ErrMissingCredential means persistence was requested without a
	// configured SSH password.
	ErrMissingCredential = errors.New("sandbox: persistent sandbox requires an ssh password")

	// ErrPathOutsideWorkspace is returned for file paths escaping the workspace.
	ErrPathOutsideWorkspace = errors.New("sandbox: path outside workspace")
)

// StartError describes a container that never became ready.
type StartError struct {
	Name     string
	Attempts int
	Logs     string
	Err      error
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("sandbox: container %s failed to start after %d attempt(s): %v", e.Name, e.Attempts, e.Err)
	if e.Logs != "" {
		msg += "\ncontainer logs:\n" + e.Logs
	}
	return msg
}

func (e *StartError) Unwrap() error { return e.Err }

func (e *StartError) Is(target error) bool { return target == ErrContainerStartFailure }

// ExecError wraps a command delivery failure.
type ExecError struct {
	Command string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("sandbox: executing %q: %v", e.Command, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

func (e *ExecError) Is(target error) bool { return target == ErrCommandExecution }

package docker

import (
	"context"
	"errors"
	"io"
)

// ErrContainerNotFound is returned by Engine methods addressing a missing container.
var ErrContainerNotFound = errors.New("container not found")

// Container status values reported by Engine.Inspect.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusExited  = "exited"
	StatusDead    = "dead"
)

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name       string
	Image      string
	Cmd        []string
	WorkingDir string
	Env        []string
	Labels     map[string]string
	// Port is published on the same host port unless HostNetwork is set.
	Port        int
	HostNetwork bool
	Mounts      []Mount
}

// Container is the engine's view of a container.
type Container struct {
	ID     string
	Name   string
	Status string
}

// ExecSpec describes a process to run inside a container.
type ExecSpec struct {
	Cmd        []string
	User       string
	WorkingDir string
	Env        []string
}

// Engine is the container engine capability the sandbox needs. Any engine
// able to provide these operations can back a Sandbox.
type Engine interface {
	Ping(ctx context.Context) error
	// Create creates and starts a container.
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (Container, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	// List returns containers whose name starts with prefix, in any state.
	List(ctx context.Context, prefix string) ([]Container, error)
	// Exec runs a process to completion and returns its exit code and
	// combined output.
	Exec(ctx context.Context, name string, spec ExecSpec) (int, string, error)
	// ExecStream starts a process and returns its combined output stream.
	// Closing the stream detaches from the process without killing it.
	ExecStream(ctx context.Context, name string, spec ExecSpec) (io.ReadCloser, error)
	// Logs returns the tail of the container's logs.
	Logs(ctx context.Context, name string) (string, error)
	Close() error
}

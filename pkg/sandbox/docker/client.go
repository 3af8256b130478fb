package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	// LabelManager is the label used to identify containers managed by devbox.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "devbox"
	// LabelSessionID identifies which session a container belongs to.
	LabelSessionID = "devbox-session-id"

	logTail = "100"
)

// Client implements Engine on top of the Docker Engine API.
type Client struct {
	cli    *client.Client
	logger *slog.Logger
}

// Verify interface compliance.
var _ Engine = (*Client)(nil)

// NewClient creates a Docker engine client configured from the environment.
func NewClient(logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli, logger: logger}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	return err
}

func (c *Client) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := c.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Cmd,
		WorkingDir: spec.WorkingDir,
		Env:        spec.Env,
		Labels:     spec.Labels,
	}
	hostCfg := &container.HostConfig{}

	if spec.HostNetwork {
		hostCfg.NetworkMode = "host"
	} else if spec.Port > 0 {
		port := nat.Port(strconv.Itoa(spec.Port) + "/tcp")
		cfg.ExposedPorts = nat.PortSet{port: {}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.Port)}},
		}
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) ensureImage(ctx context.Context, image string) error {
	_, _, err := c.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", image, err)
	}
	c.logger.Info("Pulling sandbox image", "image", image)
	rc, err := c.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (c *Client) Start(ctx context.Context, name string) error {
	if err := c.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return c.wrap(err, "starting container")
	}
	return nil
}

func (c *Client) Inspect(ctx context.Context, name string) (Container, error) {
	info, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		return Container{}, c.wrap(err, "inspecting container")
	}
	out := Container{ID: info.ID, Name: strings.TrimPrefix(info.Name, "/")}
	if info.State != nil {
		out.Status = info.State.Status
	}
	return out, nil
}

func (c *Client) Stop(ctx context.Context, name string) error {
	timeout := 10
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return c.wrap(err, "stopping container")
	}
	return nil
}

func (c *Client) Remove(ctx context.Context, name string) error {
	if err := c.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true}); err != nil {
		return c.wrap(err, "removing container")
	}
	return nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]Container, error) {
	list, err := c.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	var out []Container
	for _, ct := range list {
		for _, n := range ct.Names {
			n = strings.TrimPrefix(n, "/")
			if strings.HasPrefix(n, prefix) {
				out = append(out, Container{ID: ct.ID, Name: n, Status: ct.State})
				break
			}
		}
	}
	return out, nil
}

func (c *Client) Exec(ctx context.Context, name string, spec ExecSpec) (int, string, error) {
	id, resp, err := c.attach(ctx, name, spec)
	if err != nil {
		return -1, "", err
	}
	defer resp.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, resp.Reader); err != nil {
		return -1, out.String(), fmt.Errorf("reading exec output: %w", err)
	}
	inspect, err := c.cli.ContainerExecInspect(ctx, id)
	if err != nil {
		return -1, out.String(), fmt.Errorf("inspecting exec: %w", err)
	}
	return inspect.ExitCode, out.String(), nil
}

func (c *Client) ExecStream(ctx context.Context, name string, spec ExecSpec) (io.ReadCloser, error) {
	_, resp, err := c.attach(ctx, name, spec)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
		pw.CloseWithError(err)
	}()
	return &execStream{PipeReader: pr, resp: resp}, nil
}

func (c *Client) attach(ctx context.Context, name string, spec ExecSpec) (string, types.HijackedResponse, error) {
	created, err := c.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		User:         spec.User,
		Cmd:          spec.Cmd,
		WorkingDir:   spec.WorkingDir,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", types.HijackedResponse{}, c.wrap(err, "creating exec")
	}
	resp, err := c.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("attaching exec: %w", err)
	}
	return created.ID, resp, nil
}

func (c *Client) Logs(ctx context.Context, name string) (string, error) {
	rc, err := c.cli.ContainerLogs(ctx, name, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTail,
	})
	if err != nil {
		return "", c.wrap(err, "reading container logs")
	}
	defer rc.Close()
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return out.String(), fmt.Errorf("reading container logs: %w", err)
	}
	return out.String(), nil
}

// Close releases the Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) wrap(err error, doing string) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%s: %w", doing, ErrContainerNotFound)
	}
	return fmt.Errorf("%s: %w", doing, err)
}

type execStream struct {
	*io.PipeReader
	resp types.HijackedResponse
}

func (s *execStream) Close() error {
	s.resp.Close()
	return s.PipeReader.Close()
}

// Package ssh implements the sandbox's remote shell channel.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/nstogner/devbox/pkg/sandbox"
	"golang.org/x/crypto/ssh"
)

// Config holds the connection parameters for a sandbox shell.
type Config struct {
	Addr     string
	User     string
	Password string
	// Timeout bounds the TCP dial and SSH handshake.
	Timeout time.Duration
}

// Client runs commands in a sandbox over SSH. It is safe for concurrent
// use; each command gets its own session.
type Client struct {
	conn *ssh.Client
}

// Dial connects and authenticates with a password.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Addr, err)
	}

	clientCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.Password(cfg.Password)},
		// Sandbox host keys are generated when the container is created.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(nc, cfg.Addr, clientCfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", cfg.Addr, err)
	}
	_ = nc.SetDeadline(time.Time{})
	return &Client{conn: ssh.NewClient(c, chans, reqs)}, nil
}

// Run executes cmd in workdir with env exported and returns its exit code
// and combined output. A non-zero exit is not an error.
func (c *Client) Run(ctx context.Context, cmd, workdir string, env map[string]string) (int, string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return -1, "", fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	// stdout and stderr are copied by separate goroutines.
	out := sandbox.NewOutputBuffer(0)
	session.Stdout = out
	session.Stderr = out

	done := make(chan error, 1)
	go func() { done <- session.Run(Command(cmd, workdir, env)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return -1, "", ctx.Err()
	case err = <-done:
	}

	if err == nil {
		return 0, out.Drain(), nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), out.Drain(), nil
	}
	return -1, out.Drain(), fmt.Errorf("running command: %w", err)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Command builds the shell line that runs cmd inside workdir with env set.
// Variables are exported in key order.
func Command(cmd, workdir string, env map[string]string) string {
	var b strings.Builder
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, Quote(env[k]))
	}
	if workdir != "" {
		fmt.Fprintf(&b, "cd %s && ", Quote(workdir))
	}
	b.WriteString(cmd)
	return b.String()
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

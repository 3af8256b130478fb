package docker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/sandbox/ssh"
)

// provision prepares the sandbox account on a freshly created container.
// Every step runs as root through the engine, before sshd accepts logins.
func (s *Sandbox) provision(ctx context.Context) error {
	if err := s.rootExec(ctx, `echo '%sudo ALL=(ALL) NOPASSWD:ALL' >> /etc/sudoers`); err != nil {
		return fmt.Errorf("%w: enabling passwordless sudo: %v", sandbox.ErrProvisioningFailure, err)
	}

	user := s.cfg.Username
	if user == RootUser {
		if err := s.setPassword(ctx, user); err != nil {
			return err
		}
		s.logger.Info("Provisioned sandbox user", "user", user)
		return nil
	}

	code, _, err := s.engine.Exec(ctx, s.name, ExecSpec{Cmd: []string{"id", "-u", user}})
	if err != nil {
		return fmt.Errorf("%w: looking up user %s: %v", sandbox.ErrProvisioningFailure, user, err)
	}
	if code == 0 {
		if err := s.rootExec(ctx, "userdel -r "+ssh.Quote(user)); err != nil {
			return fmt.Errorf("%w: removing existing user %s: %v", sandbox.ErrProvisioningFailure, user, err)
		}
	}

	home := s.homeDir()
	useradd := fmt.Sprintf("useradd -rm -d %s -s /bin/bash -g root -G sudo -u %s %s",
		ssh.Quote(home), strconv.Itoa(s.cfg.UserID), ssh.Quote(user))
	if err := s.rootExec(ctx, useradd); err != nil {
		return fmt.Errorf("%w: creating user %s: %v", sandbox.ErrProvisioningFailure, user, err)
	}
	if err := s.setPassword(ctx, user); err != nil {
		return err
	}
	if err := s.rootExec(ctx, fmt.Sprintf("chown %s:root %s", ssh.Quote(user), ssh.Quote(home))); err != nil {
		return fmt.Errorf("%w: chown home of %s: %v", sandbox.ErrProvisioningFailure, user, err)
	}

	// The host may already own the mount correctly.
	if err := s.rootExec(ctx, fmt.Sprintf("chown -R %s:root %s", ssh.Quote(user), ssh.Quote(s.cfg.WorkspaceMountPath))); err != nil {
		s.logger.Warn("Could not change workspace ownership", "path", s.cfg.WorkspaceMountPath, "error", err)
	}

	s.logger.Info("Provisioned sandbox user", "user", user, "uid", s.cfg.UserID)
	return nil
}

func (s *Sandbox) setPassword(ctx context.Context, user string) error {
	line := ssh.Quote(user + ":" + s.cfg.Password)
	if err := s.rootExec(ctx, "echo "+line+" | chpasswd"); err != nil {
		return fmt.Errorf("%w: setting password for %s: %v", sandbox.ErrProvisioningFailure, user, err)
	}
	return nil
}

// rootExec runs a shell line as root and treats a non-zero exit as an error.
func (s *Sandbox) rootExec(ctx context.Context, line string) error {
	code, out, err := s.engine.Exec(ctx, s.name, ExecSpec{Cmd: []string{"/bin/bash", "-c", line}})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("exit code %d: %s", code, out)
	}
	return nil
}

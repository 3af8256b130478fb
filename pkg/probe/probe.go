// Package probe is an interactive shell into a running sandbox, used to
// check an image and its provisioning by hand.
package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nstogner/devbox/pkg/sandbox"
)

// Heartbeat is started in the background so background output can be
// observed without typing anything.
const Heartbeat = "while true; do echo -n '.' && sleep 10; done"

// Probe interprets probe commands against a sandbox.
//
//	exit        quit
//	kill        stop the heartbeat
//	kill <id>   stop a background command
//	bg <cmd>    run cmd in the background
//	ps          list background commands
//	<cmd>       run cmd in the foreground
type Probe struct {
	sb        sandbox.Sandbox
	heartbeat int
}

// New starts the heartbeat in sb, which must be running.
func New(ctx context.Context, sb sandbox.Sandbox) (*Probe, error) {
	p, err := sb.ExecuteInBackground(ctx, Heartbeat)
	if err != nil {
		return nil, fmt.Errorf("starting heartbeat: %w", err)
	}
	return &Probe{sb: sb, heartbeat: p.ID}, nil
}

// Handle runs one input line and returns what to print and whether to quit.
func (p *Probe) Handle(ctx context.Context, line string) (string, bool) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}

	var out string
	switch strings.ToLower(fields[0]) {
	case "exit":
		return "Exiting...", true
	case "kill":
		id := p.heartbeat
		if len(fields) > 1 {
			n, err := strconv.Atoi(fields[1])
			if err != nil {
				return fmt.Sprintf("invalid id %q", fields[1]), false
			}
			id = n
		}
		if _, err := p.sb.Kill(ctx, id); err != nil {
			return fmt.Sprintf("error: %v", err), false
		}
		out = fmt.Sprintf("Background process %d killed", id)
	case "bg":
		cmd := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		if cmd == "" {
			return "usage: bg <command>", false
		}
		bp, err := p.sb.ExecuteInBackground(ctx, cmd)
		if err != nil {
			return fmt.Sprintf("error: %v", err), false
		}
		out = fmt.Sprintf("Background process %d started (pid %d)", bp.ID, bp.PID)
	case "ps":
		var b strings.Builder
		for _, bp := range p.sb.Processes() {
			fmt.Fprintf(&b, "%d\t%d\t%s\n", bp.ID, bp.PID, bp.Command)
		}
		out = strings.TrimSuffix(b.String(), "\n")
	default:
		res, err := p.sb.Execute(ctx, line)
		if err != nil {
			return fmt.Sprintf("error: %v", err), false
		}
		out = fmt.Sprintf("exit code: %d\n%s", res.ExitCode, res.Output)
	}

	if logs := p.backgroundLogs(); logs != "" {
		out += "\n" + logs
	}
	return out, false
}

func (p *Probe) backgroundLogs() string {
	var lines []string
	for _, bp := range p.sb.Processes() {
		logs, err := p.sb.ReadOutput(bp.ID)
		if err != nil || logs == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("background logs [%d]: %s", bp.ID, logs))
	}
	return strings.Join(lines, "\n")
}

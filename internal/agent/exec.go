package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"time"

	"github.com/tbruckner/dockyard/internal/guard"
)

// execParams is the system.exec request payload.
type execParams struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"` // seconds
}

// execReply is the system.exec result. A refused command is still a
// successful RPC reply, with the refusal flag set and exit code -1, so the
// server can distinguish "the gate said no" from a transport failure.
type execReply struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	SecurityBlocked bool   `json:"security_blocked,omitempty"`
	RateLimited     bool   `json:"rate_limited,omitempty"`
}

const defaultExecTimeout = 30 * time.Second

// handleExec runs one allowlisted command on the host. Every request passes
// the command gate: allowlist match, metacharacter screening, timeout
// ceiling, then the execution rate limiter.
func (a *Agent) handleExec(ctx context.Context, raw json.RawMessage) (any, *handlerError) {
	var p execParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}

	timeout := defaultExecTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Second
	}

	if ok, reason := a.allow.Validate(p.Command, timeout); !ok {
		a.log.Warn("command blocked", "command", p.Command, "reason", reason)
		return execReply{ExitCode: -1, Stderr: reason, SecurityBlocked: true}, nil
	}

	if ok, reason := a.limit.Acquire(); !ok {
		a.log.Warn("command rate limited", "command", p.Command, "reason", reason)
		return execReply{ExitCode: -1, Stderr: reason, RateLimited: true}, nil
	}
	defer a.limit.Release()

	reply := a.runCommand(ctx, p.Command, timeout)
	a.log.Info("command executed", "command", p.Command, "exit_code", reply.ExitCode)
	return reply, nil
}

// runCommand executes a validated command. Commands with the tolerated
// redirect suffix need a shell; everything else runs as a plain argv to
// keep the shell out of the path.
func (a *Agent) runCommand(ctx context.Context, command string, timeout time.Duration) execReply {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if guard.NeedsShell(command) {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	} else {
		argv := guard.SplitArgv(command)
		if len(argv) == 0 {
			return execReply{ExitCode: -1, Stderr: "empty command"}
		}
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	reply := execReply{Stdout: stdout.String(), Stderr: stderr.String()}

	switch {
	case err == nil:
		reply.ExitCode = 0
	case ctx.Err() == context.DeadlineExceeded:
		reply.ExitCode = -1
		reply.Stderr = "command timed out after " + timeout.String()
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			reply.ExitCode = exitErr.ExitCode()
		} else {
			reply.ExitCode = -1
			if reply.Stderr == "" {
				reply.Stderr = err.Error()
			}
		}
	}
	return reply
}

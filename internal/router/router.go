// Package router decides, per command, whether a managed host is reached
// through its connected agent or by direct SSH, and folds every outcome into
// one result envelope.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tbruckner/dockyard/internal/metrics"
	"github.com/tbruckner/dockyard/internal/sshx"
	"github.com/tbruckner/dockyard/internal/store"
)

// Transport names recorded in the result envelope.
const (
	MethodAgent = "agent"
	MethodSSH   = "ssh"
	MethodNone  = "none"
)

// AgentDirectory resolves the agent installed on a server.
type AgentDirectory interface {
	GetAgentByServer(serverID string) (store.Agent, error)
}

// ServerDirectory resolves host records and their SSH credentials.
type ServerDirectory interface {
	GetServer(id string) (store.Server, error)
	GetCredential(sealer store.Sealer, serverID, kind string) ([]byte, error)
}

// Sessions is the live-connection surface of the session manager.
type Sessions interface {
	IsConnected(agentID string) bool
	SendRequest(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Shell is the direct-SSH execution surface of the fallback client.
type Shell interface {
	Execute(ctx context.Context, host string, port int, creds sshx.Credentials, command string, timeout time.Duration) (sshx.Result, error)
	ExecuteStream(ctx context.Context, host string, port int, creds sshx.Credentials, command string, timeout time.Duration, onLine func(string)) (sshx.Result, error)
}

// CommandResult is the uniform envelope every execution path produces.
type CommandResult struct {
	Success         bool   `json:"success"`
	Output          string `json:"output"`
	Method          string `json:"method"`
	ExitCode        int    `json:"exit_code"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// Options select a transport explicitly. With both flags set the agent wins
// and the conflict is logged.
type Options struct {
	ForceSSH   bool
	ForceAgent bool
}

// execParams is the system.exec request payload.
type execParams struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

// execReply is what the agent returns for system.exec.
type execReply struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	SecurityBlocked bool   `json:"security_blocked,omitempty"`
	RateLimited     bool   `json:"rate_limited,omitempty"`
}

// Router routes commands to a transport.
type Router struct {
	agents      AgentDirectory
	servers     ServerDirectory
	sessions    Sessions
	shell       Shell
	sealer      store.Sealer
	preferAgent bool
	log         *slog.Logger
}

// New creates a Router. With preferAgent set, a live agent wins over SSH
// when neither transport is forced.
func New(agents AgentDirectory, servers ServerDirectory, sessions Sessions, shell Shell, sealer store.Sealer, preferAgent bool, log *slog.Logger) *Router {
	return &Router{
		agents:      agents,
		servers:     servers,
		sessions:    sessions,
		shell:       shell,
		sealer:      sealer,
		preferAgent: preferAgent,
		log:         log.With("component", "router"),
	}
}

// Execute runs a command on a server over the chosen transport.
func (r *Router) Execute(ctx context.Context, serverID, command string, timeout time.Duration, opts Options) CommandResult {
	start := time.Now()
	res := r.execute(ctx, serverID, command, timeout, opts)
	res.ExecutionTimeMS = time.Since(start).Milliseconds()

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(res.Method, outcome).Inc()
	metrics.CommandDuration.WithLabelValues(res.Method).Observe(time.Since(start).Seconds())
	return res
}

func (r *Router) execute(ctx context.Context, serverID, command string, timeout time.Duration, opts Options) CommandResult {
	agent, agentErr := r.agents.GetAgentByServer(serverID)
	agentLive := agentErr == nil && r.sessions.IsConnected(agent.ID)

	forceSSH, forceAgent := opts.ForceSSH, opts.ForceAgent
	if forceSSH && forceAgent {
		r.log.Warn("both transports forced, preferring agent", "server_id", serverID)
		forceSSH = false
	}

	switch {
	case forceAgent:
		if !agentLive {
			return r.unavailable(r.agentDiagnostic(serverID, agentErr))
		}
		return r.viaAgent(ctx, agent.ID, command, timeout)

	case forceSSH:
		return r.viaSSH(ctx, serverID, command, timeout)

	case agentLive && r.preferAgent:
		return r.viaAgent(ctx, agent.ID, command, timeout)

	default:
		if _, err := r.servers.GetServer(serverID); err != nil {
			if agentLive {
				return r.viaAgent(ctx, agent.ID, command, timeout)
			}
			return r.unavailable(fmt.Sprintf("server %s is not available: %s", serverID, r.agentDiagnostic(serverID, agentErr)))
		}
		return r.viaSSH(ctx, serverID, command, timeout)
	}
}

// agentDiagnostic distinguishes the three reasons the agent path is closed,
// so operators can tell "never installed" from "installed but offline".
func (r *Router) agentDiagnostic(serverID string, agentErr error) string {
	switch {
	case agentErr != nil:
		if _, err := r.servers.GetServer(serverID); err != nil {
			return "server record missing"
		}
		return "no agent installed for this server"
	default:
		return "agent installed but not connected"
	}
}

func (r *Router) unavailable(diagnostic string) CommandResult {
	return CommandResult{
		Success:  false,
		Method:   MethodNone,
		ExitCode: -1,
		Error:    "command transport not available: " + diagnostic,
	}
}

// viaAgent dispatches system.exec over the live connection and maps the
// reply into the envelope. Transport failures keep method "agent".
func (r *Router) viaAgent(ctx context.Context, agentID, command string, timeout time.Duration) CommandResult {
	raw, err := r.sessions.SendRequest(ctx, agentID, "system.exec", execParams{
		Command: command,
		Timeout: int(timeout.Seconds()),
	}, timeout)
	if err != nil {
		return CommandResult{Success: false, Method: MethodAgent, ExitCode: -1, Error: err.Error()}
	}

	var reply execReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return CommandResult{Success: false, Method: MethodAgent, ExitCode: -1, Error: fmt.Sprintf("malformed agent reply: %v", err)}
	}

	res := CommandResult{
		Success:  reply.ExitCode == 0,
		Method:   MethodAgent,
		ExitCode: reply.ExitCode,
		Output:   reply.Stdout,
	}
	if res.Output == "" {
		res.Output = reply.Stderr
	}
	if reply.ExitCode != 0 {
		res.Error = reply.Stderr
		if res.Error == "" {
			res.Error = fmt.Sprintf("command exited with status %d", reply.ExitCode)
		}
	}
	return res
}

// viaSSH runs the command through the pooled shell client.
func (r *Router) viaSSH(ctx context.Context, serverID, command string, timeout time.Duration) CommandResult {
	srv, creds, errMsg := r.sshTarget(serverID)
	if errMsg != "" {
		return CommandResult{Success: false, Method: MethodSSH, ExitCode: -1, Error: errMsg}
	}

	out, err := r.shell.Execute(ctx, srv.Host, srv.SSHPort, creds, command, timeout)
	if err != nil {
		return CommandResult{Success: false, Method: MethodSSH, ExitCode: -1, Error: err.Error()}
	}
	res := CommandResult{
		Success:  out.ExitCode == 0,
		Method:   MethodSSH,
		ExitCode: out.ExitCode,
		Output:   out.Output,
	}
	if out.ExitCode != 0 {
		res.Error = fmt.Sprintf("command exited with status %d", out.ExitCode)
	}
	return res
}

// ExecuteWithProgress streams output lines to onLine as they arrive. Only
// the shell transport supports streaming, so it is selected unconditionally.
func (r *Router) ExecuteWithProgress(ctx context.Context, serverID, command string, timeout time.Duration, onLine func(string)) CommandResult {
	start := time.Now()

	srv, creds, errMsg := r.sshTarget(serverID)
	var res CommandResult
	if errMsg != "" {
		res = CommandResult{Success: false, Method: MethodSSH, ExitCode: -1, Error: errMsg}
	} else {
		out, err := r.shell.ExecuteStream(ctx, srv.Host, srv.SSHPort, creds, command, timeout, onLine)
		if err != nil {
			res = CommandResult{Success: false, Method: MethodSSH, ExitCode: -1, Error: err.Error()}
		} else {
			res = CommandResult{
				Success:  out.ExitCode == 0,
				Method:   MethodSSH,
				ExitCode: out.ExitCode,
				Output:   out.Output,
			}
			if out.ExitCode != 0 {
				res.Error = fmt.Sprintf("command exited with status %d", out.ExitCode)
			}
		}
	}

	res.ExecutionTimeMS = time.Since(start).Milliseconds()
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(res.Method, outcome).Inc()
	metrics.CommandDuration.WithLabelValues(res.Method).Observe(time.Since(start).Seconds())
	return res
}

// sshTarget resolves the host record and decrypted credentials for the SSH
// path. The returned message is empty on success.
func (r *Router) sshTarget(serverID string) (store.Server, sshx.Credentials, string) {
	srv, err := r.servers.GetServer(serverID)
	if err != nil {
		return store.Server{}, sshx.Credentials{}, fmt.Sprintf("server record missing for %s", serverID)
	}

	creds := sshx.Credentials{User: srv.SSHUser}
	if key, err := r.servers.GetCredential(r.sealer, serverID, store.CredSSHKey); err == nil {
		creds.PrivateKey = key
	} else if pass, err := r.servers.GetCredential(r.sealer, serverID, store.CredSSHPassword); err == nil {
		creds.Password = string(pass)
	} else {
		return store.Server{}, sshx.Credentials{}, fmt.Sprintf("no SSH credentials stored for %s", serverID)
	}
	return srv, creds, ""
}

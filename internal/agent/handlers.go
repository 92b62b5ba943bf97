package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/tbruckner/dockyard/internal/guard"
	"github.com/tbruckner/dockyard/internal/rpc"
)

// handlerError maps a failed operation onto a JSON-RPC error reply.
type handlerError struct {
	code    int
	message string
}

func invalidParams(err error) *handlerError {
	return &handlerError{code: rpc.CodeInvalidParams, message: err.Error()}
}

func internalError(err error) *handlerError {
	return &handlerError{code: rpc.CodeInternalError, message: err.Error()}
}

// containerParams covers all container-scoped requests.
type containerParams struct {
	ID      string `json:"id"`
	Timeout int    `json:"timeout,omitempty"`
	Lines   int    `json:"lines,omitempty"`
	All     bool   `json:"all,omitempty"`
}

type pullParams struct {
	Ref string `json:"ref"`
}

// containerSummary is the wire shape for one docker.containers.list entry.
type containerSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Status  string `json:"status"`
	Created int64  `json:"created"`
}

// okReply acknowledges a side-effect-only operation.
type okReply struct {
	OK bool `json:"ok"`
}

// dispatch routes one request to its handler.
func (s *session) dispatch(ctx context.Context, req *rpc.Request) (any, *handlerError) {
	a := s.agent
	switch req.Method {
	case "system.exec":
		return a.handleExec(ctx, req.Params)

	case "system.info":
		return a.handleSystemInfo(ctx)

	case "system.uptime":
		hb := a.collectHeartbeat(ctx)
		return map[string]uint64{"uptime_seconds": hb.UptimeSeconds}, nil

	case "agent.version":
		return map[string]string{"version": a.cfg.Version}, nil

	case "agent.config":
		return map[string]int{"heartbeat_seconds": int(a.heartbeatInterval().Seconds())}, nil

	case "agent.restart":
		// Reply first, then drop the session. The supervisor (systemd,
		// docker restart policy) brings the process back up.
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.ws.Close()
		}()
		return okReply{OK: true}, nil

	case "agent.update":
		return nil, &handlerError{code: rpc.CodeMethodNotFound, message: "self-update is not supported by this agent build"}

	case "docker.containers.list":
		return a.handleContainerList(ctx, req.Params)

	case "docker.containers.inspect":
		return a.handleContainerInspect(ctx, req.Params)

	case "docker.containers.logs":
		return a.handleContainerLogs(ctx, req.Params)

	case "docker.containers.stats":
		return a.handleContainerStats(ctx, req.Params)

	case "docker.containers.create":
		return a.handleContainerCreate(ctx, req.Params)

	case "docker.containers.start", "docker.containers.stop", "docker.containers.restart", "docker.containers.remove":
		return a.handleContainerAction(ctx, req.Method, req.Params)

	case "docker.images.pull":
		return a.handleImagePull(ctx, req.Params)

	case "docker.version":
		info, err := a.docker.Info(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		return map[string]string{"server_version": info.ServerVersion}, nil

	case "docker.info":
		info, err := a.docker.Info(ctx)
		if err != nil {
			return nil, internalError(err)
		}
		return info, nil

	default:
		return nil, &handlerError{code: rpc.CodeMethodNotFound, message: fmt.Sprintf("method %q not found", req.Method)}
	}
}

func (a *Agent) handleSystemInfo(ctx context.Context) (any, *handlerError) {
	hb := a.collectHeartbeat(ctx)
	return map[string]any{
		"version":            a.cfg.Version,
		"cpu_percent":        hb.CPUPercent,
		"memory_percent":     hb.MemoryPercent,
		"disk_percent":       hb.DiskPercent,
		"uptime_seconds":     hb.UptimeSeconds,
		"containers_running": hb.ContainersRunning,
		"containers_total":   hb.ContainersTotal,
	}, nil
}

func (a *Agent) handleContainerList(ctx context.Context, raw json.RawMessage) (any, *handlerError) {
	var p containerParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, invalidParams(err)
		}
	}
	items, err := a.docker.ListContainers(ctx, p.All)
	if err != nil {
		return nil, internalError(err)
	}

	out := make([]containerSummary, 0, len(items))
	for i := range items {
		c := &items[i]
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, containerSummary{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			State:   string(c.State),
			Status:  c.Status,
			Created: c.Created,
		})
	}
	return out, nil
}

func (a *Agent) handleContainerInspect(ctx context.Context, raw json.RawMessage) (any, *handlerError) {
	p, herr := containerTarget(raw)
	if herr != nil {
		return nil, herr
	}
	inspect, err := a.docker.InspectContainer(ctx, p.ID)
	if err != nil {
		return nil, internalError(err)
	}
	return inspect, nil
}

func (a *Agent) handleContainerLogs(ctx context.Context, raw json.RawMessage) (any, *handlerError) {
	p, herr := containerTarget(raw)
	if herr != nil {
		return nil, herr
	}
	lines := p.Lines
	if lines <= 0 {
		lines = 100
	}
	logs, err := a.docker.ContainerLogs(ctx, p.ID, lines)
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]string{"logs": logs}, nil
}

// handleContainerStats reports the runtime state a single inspect exposes.
// The engine's streaming stats endpoint needs a long-lived read, which does
// not fit a request/response RPC.
func (a *Agent) handleContainerStats(ctx context.Context, raw json.RawMessage) (any, *handlerError) {
	p, herr := containerTarget(raw)
	if herr != nil {
		return nil, herr
	}
	inspect, err := a.docker.InspectContainer(ctx, p.ID)
	if err != nil {
		return nil, internalError(err)
	}

	out := map[string]any{
		"id":            inspect.ID,
		"restart_count": inspect.RestartCount,
	}
	if inspect.State != nil {
		out["state"] = string(inspect.State.Status)
		out["running"] = inspect.State.Running
		out["restarting"] = inspect.State.Restarting
		out["started_at"] = inspect.State.StartedAt
		out["exit_code"] = inspect.State.ExitCode
		out["oom_killed"] = inspect.State.OOMKilled
		out["pid"] = inspect.State.Pid
	}
	return out, nil
}

func (a *Agent) handleContainerAction(ctx context.Context, method string, raw json.RawMessage) (any, *handlerError) {
	p, herr := containerTarget(raw)
	if herr != nil {
		return nil, herr
	}

	var err error
	switch method {
	case "docker.containers.start":
		err = a.docker.StartContainer(ctx, p.ID)
	case "docker.containers.stop":
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 10
		}
		err = a.docker.StopContainer(ctx, p.ID, timeout)
	case "docker.containers.restart":
		err = a.docker.RestartContainer(ctx, p.ID)
	case "docker.containers.remove":
		err = a.docker.RemoveContainer(ctx, p.ID)
	}
	if err != nil {
		return nil, internalError(err)
	}
	a.log.Info("container action", "method", method, "container_id", p.ID)
	return okReply{OK: true}, nil
}

// createParams carries the engine-native container spec plus the name.
type createParams struct {
	Name       string                    `json:"name"`
	Config     *container.Config         `json:"config"`
	HostConfig *container.HostConfig     `json:"host_config,omitempty"`
	NetConfig  *network.NetworkingConfig `json:"network_config,omitempty"`
}

func (a *Agent) handleContainerCreate(ctx context.Context, raw json.RawMessage) (any, *handlerError) {
	var p createParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Config == nil || p.Config.Image == "" {
		return nil, invalidParams(fmt.Errorf("config.image is required"))
	}
	if err := guard.ValidateHostConfig(p.HostConfig); err != nil {
		a.log.Warn("container creation blocked", "name", p.Name, "reason", err)
		return nil, &handlerError{code: rpc.CodeInvalidParams, message: err.Error()}
	}

	id, err := a.docker.CreateContainer(ctx, p.Name, p.Config, p.HostConfig, p.NetConfig)
	if err != nil {
		return nil, internalError(err)
	}
	a.log.Info("container created", "name", p.Name, "container_id", id)
	return map[string]string{"id": id}, nil
}

func (a *Agent) handleImagePull(ctx context.Context, raw json.RawMessage) (any, *handlerError) {
	var p pullParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidParams(err)
	}
	if p.Ref == "" {
		return nil, invalidParams(fmt.Errorf("ref is required"))
	}
	a.log.Info("pulling image", "ref", p.Ref)
	if err := a.docker.PullImage(ctx, p.Ref); err != nil {
		return nil, internalError(fmt.Errorf("pull %s: %w", p.Ref, err))
	}
	return okReply{OK: true}, nil
}

func containerTarget(raw json.RawMessage) (containerParams, *handlerError) {
	var p containerParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, invalidParams(err)
	}
	if p.ID == "" {
		return p, invalidParams(fmt.Errorf("id is required"))
	}
	return p, nil
}

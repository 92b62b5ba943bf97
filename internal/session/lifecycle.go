package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tbruckner/dockyard/internal/metrics"
	"github.com/tbruckner/dockyard/internal/replay"
	"github.com/tbruckner/dockyard/internal/store"
)

// heartbeatParams is the agent.heartbeat payload. Timestamp and nonce feed
// the replay guard; the rest is advisory telemetry.
type heartbeatParams struct {
	Timestamp         int64   `json:"timestamp"`
	Nonce             string  `json:"nonce"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	DiskPercent       float64 `json:"disk_percent"`
	UptimeSeconds     uint64  `json:"uptime_seconds"`
	ContainersRunning int     `json:"containers_running"`
	ContainersTotal   int     `json:"containers_total"`
}

// shutdownParams is the agent.shutdown payload.
type shutdownParams struct {
	Reason  string `json:"reason"`
	Restart bool   `json:"restart"`
}

// RegisterLifecycleHandlers wires the built-in agent notifications into the
// manager: heartbeat bookkeeping and graceful shutdown.
func RegisterLifecycleHandlers(mgr *Manager, agents AgentStore, guard *replay.Guard, log *slog.Logger) {
	log = log.With("component", "lifecycle")

	mgr.HandleNotification("agent.heartbeat", func(agentID string, raw json.RawMessage) {
		var p heartbeatParams
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn("malformed heartbeat", "agent_id", agentID, "error", err)
			return
		}

		if guard != nil && p.Nonce != "" {
			if ok, reason := guard.Validate(time.Unix(p.Timestamp, 0), p.Nonce); !ok {
				metrics.ReplayRejections.WithLabelValues(reason).Inc()
				log.Warn("heartbeat rejected", "agent_id", agentID, "reason", reason)
				return
			}
		}

		m := store.HeartbeatMetrics{
			CPUPercent:        p.CPUPercent,
			MemoryPercent:     p.MemoryPercent,
			DiskPercent:       p.DiskPercent,
			ContainersRunning: p.ContainersRunning,
			ContainersTotal:   p.ContainersTotal,
		}
		if err := agents.TouchHeartbeat(agentID, time.Now(), m); err != nil {
			log.Error("persist heartbeat", "agent_id", agentID, "error", err)
			return
		}
		metrics.HeartbeatsTotal.Inc()
	})

	mgr.HandleNotification("agent.shutdown", func(agentID string, raw json.RawMessage) {
		var p shutdownParams
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Warn("malformed shutdown notification", "agent_id", agentID, "error", err)
		}
		log.Info("agent announced shutdown", "agent_id", agentID, "reason", p.Reason, "restart", p.Restart)
		mgr.Unregister(agentID)
	})
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockyard_agents_connected",
		Help: "Number of agents with a live connection.",
	})
	AgentConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockyard_agent_connections_total",
		Help: "Total agent connection attempts by outcome.",
	}, []string{"outcome"})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockyard_commands_total",
		Help: "Total commands routed by transport and outcome.",
	}, []string{"method", "outcome"})
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dockyard_command_duration_seconds",
		Help:    "Duration of routed command execution.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})
	RequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockyard_agent_requests_in_flight",
		Help: "Correlated agent requests awaiting a response.",
	})
	ReplayRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockyard_replay_rejections_total",
		Help: "Messages rejected by the replay guard by reason.",
	}, []string{"reason"})
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockyard_heartbeats_total",
		Help: "Heartbeat notifications received from agents.",
	})
	StaleAgentsMarked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockyard_stale_agents_marked_total",
		Help: "Agents marked offline by the heartbeat watchdog.",
	})
	SSHSessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockyard_ssh_sessions_open",
		Help: "Pooled SSH client connections currently open.",
	})
)

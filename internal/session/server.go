package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tbruckner/dockyard/internal/metrics"
	"github.com/tbruckner/dockyard/internal/rpc"
	"github.com/tbruckner/dockyard/internal/store"
)

// CodeStore consumes single-use registration codes.
type CodeStore interface {
	ConsumeRegistrationCode(code string, now time.Time) (string, error)
}

// ServerStore reads and updates managed-host records during enrollment.
type ServerStore interface {
	GetServer(id string) (store.Server, error)
	SaveServer(srv store.Server) error
}

// CredentialStore persists the minted agent token in encrypted form.
type CredentialStore interface {
	SaveCredential(sealer store.Sealer, serverID, kind string, secret []byte) error
}

// AgentConfig is pushed to the agent on a successful handshake.
type AgentConfig struct {
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// handshakeFrame is the superset of the pre-session frames in both
// directions.
type handshakeFrame struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Token   string       `json:"token,omitempty"`
	Version string       `json:"version,omitempty"`
	AgentID string       `json:"agent_id,omitempty"`
	Config  *AgentConfig `json:"config,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Handler is the WebSocket endpoint agents connect to. It runs the
// authentication handshake and hands authenticated streams to the Manager.
type Handler struct {
	mgr    *Manager
	agents AgentStore
	codes  CodeStore
	hosts  ServerStore
	creds  CredentialStore
	sealer store.Sealer
	ips    *IPRateLimiter

	authTimeout time.Duration
	maxFrame    int64
	agentConfig AgentConfig
	upgrader    websocket.Upgrader
	log         *slog.Logger
}

// HandlerOptions configures the agent endpoint.
type HandlerOptions struct {
	AuthTimeout       time.Duration
	MaxFrameBytes     int64
	HeartbeatInterval time.Duration
}

// NewHandler wires the agent WebSocket endpoint.
func NewHandler(mgr *Manager, agents AgentStore, codes CodeStore, hosts ServerStore, creds CredentialStore, sealer store.Sealer, ips *IPRateLimiter, opts HandlerOptions, log *slog.Logger) *Handler {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 30 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = rpc.MaxFrameBytes
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Handler{
		mgr:         mgr,
		agents:      agents,
		codes:       codes,
		hosts:       hosts,
		creds:       creds,
		sealer:      sealer,
		ips:         ips,
		authTimeout: opts.AuthTimeout,
		maxFrame:    opts.MaxFrameBytes,
		agentConfig: AgentConfig{HeartbeatSeconds: int(opts.HeartbeatInterval.Seconds())},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; no Origin check applies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With("component", "agent-endpoint"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !h.ips.Allow(ip) {
		metrics.AgentConnectionsTotal.WithLabelValues("rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", ip, "error", err)
		return
	}
	ws.SetReadLimit(h.maxFrame)

	agentID, serverID, err := h.handshake(ws)
	if err != nil {
		h.ips.RecordFailure(ip)
		metrics.AgentConnectionsTotal.WithLabelValues("auth_failed").Inc()
		h.log.Warn("agent handshake failed", "remote", ip, "error", err)
		h.refuse(ws, err)
		return
	}

	h.ips.Reset(ip)
	metrics.AgentConnectionsTotal.WithLabelValues("accepted").Inc()
	h.log.Info("agent authenticated", "agent_id", agentID, "server_id", serverID, "remote", ip)

	ws.SetReadDeadline(time.Time{})
	conn := h.mgr.Register(agentID, serverID, ws)
	h.mgr.ReadLoop(conn)
}

// handshake reads and answers the first frame. It returns the authenticated
// agent and server ids, or the error to refuse with.
func (h *Handler) handshake(ws *websocket.Conn) (agentID, serverID string, err error) {
	ws.SetReadDeadline(time.Now().Add(h.authTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", "", fmt.Errorf("read first frame: %w", err)
	}

	var frame handshakeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", "", fmt.Errorf("malformed handshake frame: %w", err)
	}

	switch frame.Type {
	case "register":
		return h.register(ws, frame)
	case "authenticate":
		return h.authenticate(ws, frame)
	default:
		return "", "", fmt.Errorf("unexpected first frame type %q", frame.Type)
	}
}

// register enrolls a new agent from a single-use code: mint an identity and
// token, persist the token encrypted plus its hash, mark the host as
// agent-managed, and reply with the credentials.
func (h *Handler) register(ws *websocket.Conn, frame handshakeFrame) (string, string, error) {
	if frame.Code == "" || frame.Version == "" {
		return "", "", errors.New("register requires code and version")
	}

	serverID, err := h.codes.ConsumeRegistrationCode(frame.Code, time.Now())
	if err != nil {
		return "", "", fmt.Errorf("registration code rejected: %w", err)
	}

	agentID := uuid.NewString()
	token, err := mintToken()
	if err != nil {
		return "", "", err
	}

	if err := h.creds.SaveCredential(h.sealer, serverID, store.CredAgentToken, []byte(token)); err != nil {
		return "", "", fmt.Errorf("persist agent token: %w", err)
	}
	agent := store.Agent{
		ID:        agentID,
		ServerID:  serverID,
		Version:   frame.Version,
		Status:    store.StatusOffline,
		TokenHash: store.HashCode(token),
		LastSeen:  time.Now(),
	}
	if err := h.agents.SaveAgent(agent); err != nil {
		return "", "", fmt.Errorf("persist agent: %w", err)
	}
	if srv, err := h.hosts.GetServer(serverID); err == nil && !srv.HasAgent {
		srv.HasAgent = true
		if err := h.hosts.SaveServer(srv); err != nil {
			h.log.Error("mark server agent-managed", "server_id", serverID, "error", err)
		}
	}

	reply := handshakeFrame{Type: "registered", AgentID: agentID, Token: token, Config: &h.agentConfig}
	if err := ws.WriteJSON(reply); err != nil {
		return "", "", fmt.Errorf("write registered frame: %w", err)
	}
	return agentID, serverID, nil
}

// authenticate matches a presented token against stored hashes.
func (h *Handler) authenticate(ws *websocket.Conn, frame handshakeFrame) (string, string, error) {
	if frame.Token == "" {
		return "", "", errors.New("authenticate requires token")
	}

	agent, err := h.agents.GetAgentByTokenHash(store.HashCode(frame.Token))
	if err != nil {
		return "", "", errors.New("invalid token")
	}
	if frame.Version != "" && frame.Version != agent.Version {
		agent.Version = frame.Version
		if err := h.agents.SaveAgent(agent); err != nil {
			h.log.Error("persist agent version", "agent_id", agent.ID, "error", err)
		}
	}

	reply := handshakeFrame{Type: "authenticated", AgentID: agent.ID, Config: &h.agentConfig}
	if err := ws.WriteJSON(reply); err != nil {
		return "", "", fmt.Errorf("write authenticated frame: %w", err)
	}
	return agent.ID, agent.ServerID, nil
}

// refuse reports a handshake failure to the peer and closes with the auth
// failure code.
func (h *Handler) refuse(ws *websocket.Conn, cause error) {
	ws.WriteJSON(handshakeFrame{Type: "error", Error: cause.Error()})
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(rpc.CloseAuthFailed, "authentication failed"))
	ws.Close()
}

func mintToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

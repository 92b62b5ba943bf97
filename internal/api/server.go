// Package api is the operator-facing HTTP surface of the server: run a
// command on a managed host, proxy an RPC method to its agent, and list
// hosts and agents. Every call is authenticated with a bearer token mapped
// to a permission level, and every dispatch is checked against the method's
// required level before it reaches an agent.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tbruckner/dockyard/internal/perms"
	"github.com/tbruckner/dockyard/internal/redact"
	"github.com/tbruckner/dockyard/internal/router"
	"github.com/tbruckner/dockyard/internal/store"
)

// Executor runs a command on a managed host over the routed transports.
type Executor interface {
	Execute(ctx context.Context, serverID, command string, timeout time.Duration, opts router.Options) router.CommandResult
}

// Dispatcher sends a raw RPC request to a connected agent.
type Dispatcher interface {
	IsConnected(agentID string) bool
	SendRequest(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Directory reads host and agent records.
type Directory interface {
	ListServers() ([]store.Server, error)
	ListAgents() ([]store.Agent, error)
	GetAgentByServer(serverID string) (store.Agent, error)
}

// Tokens maps static bearer tokens to permission levels. Empty tokens
// disable their level.
type Tokens struct {
	Read    string
	Execute string
	Admin   string
}

// Options configure the API server.
type Options struct {
	Tokens         Tokens
	DefaultTimeout time.Duration
}

// Server serves the operator API.
type Server struct {
	exec     Executor
	sessions Dispatcher
	dir      Directory
	opts     Options
	mux      *http.ServeMux
	log      *slog.Logger
}

// New builds the API server and its routes.
func New(exec Executor, sessions Dispatcher, dir Directory, opts Options, log *slog.Logger) *Server {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	s := &Server{
		exec:     exec,
		sessions: sessions,
		dir:      dir,
		opts:     opts,
		mux:      http.NewServeMux(),
		log:      log.With("component", "api"),
	}
	s.mux.HandleFunc("GET /api/servers", s.requireLevel(perms.Read, s.handleListServers))
	s.mux.HandleFunc("GET /api/agents", s.requireLevel(perms.Read, s.handleListAgents))
	s.mux.HandleFunc("POST /api/servers/{id}/exec", s.requireLevel(perms.Required("system.exec"), s.handleExec))
	s.mux.HandleFunc("POST /api/servers/{id}/rpc", s.handleRPC)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// callerLevel resolves the bearer token to a permission level. The bool is
// false when no configured token matches.
func (s *Server) callerLevel(r *http.Request) (perms.Level, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return perms.Read, false
	}
	// Highest level first so an admin token never downgrades.
	for _, c := range []struct {
		configured string
		level      perms.Level
	}{
		{s.opts.Tokens.Admin, perms.Admin},
		{s.opts.Tokens.Execute, perms.Execute},
		{s.opts.Tokens.Read, perms.Read},
	} {
		if c.configured != "" && subtle.ConstantTimeCompare([]byte(token), []byte(c.configured)) == 1 {
			return c.level, true
		}
	}
	return perms.Read, false
}

// requireLevel gates a handler on a fixed permission level.
func (s *Server) requireLevel(required perms.Level, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, ok := s.callerLevel(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		if level < required {
			s.log.Warn("permission denied", "path", r.URL.Path, "have", level.String(), "need", required.String())
			writeError(w, http.StatusForbidden, "requires "+required.String())
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	servers, err := s.dir.ListServers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type serverView struct {
		store.Server
		AgentConnected bool `json:"agent_connected"`
	}
	out := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		view := serverView{Server: srv}
		if agent, err := s.dir.GetAgentByServer(srv.ID); err == nil {
			view.AgentConnected = s.sessions.IsConnected(agent.ID)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents, err := s.dir.ListAgents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Token hashes stay server side.
	type agentView struct {
		ID        string                 `json:"id"`
		ServerID  string                 `json:"server_id"`
		Version   string                 `json:"version"`
		Status    string                 `json:"status"`
		LastSeen  time.Time              `json:"last_seen"`
		Metrics   store.HeartbeatMetrics `json:"metrics"`
		Connected bool                   `json:"connected"`
	}
	out := make([]agentView, 0, len(agents))
	for _, ag := range agents {
		out = append(out, agentView{
			ID:        ag.ID,
			ServerID:  ag.ServerID,
			Version:   ag.Version,
			Status:    ag.Status,
			LastSeen:  ag.LastSeen,
			Metrics:   ag.Metrics,
			Connected: s.sessions.IsConnected(ag.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type execRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	ForceSSH       bool   `json:"force_ssh,omitempty"`
	ForceAgent     bool   `json:"force_agent,omitempty"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("id")

	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	timeout := s.opts.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	result := s.exec.Execute(r.Context(), serverID, req.Command, timeout, router.Options{
		ForceSSH:   req.ForceSSH,
		ForceAgent: req.ForceAgent,
	})
	writeJSON(w, http.StatusOK, result)
}

type rpcRequest struct {
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// handleRPC proxies one RPC method to the agent of a managed host. The
// required level depends on the method, so the permission check happens
// after decoding; unknown methods require Admin.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("id")

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}

	level, ok := s.callerLevel(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}
	if !perms.Allows(level, req.Method) {
		required := perms.Required(req.Method)
		s.log.Warn("rpc permission denied", "method", req.Method, "have", level.String(), "need", required.String())
		writeError(w, http.StatusForbidden, req.Method+" requires "+required.String())
		return
	}

	agent, err := s.dir.GetAgentByServer(serverID)
	if err != nil {
		writeError(w, http.StatusNotFound, "no agent installed for this server")
		return
	}
	if !s.sessions.IsConnected(agent.ID) {
		writeError(w, http.StatusServiceUnavailable, "agent not connected")
		return
	}

	timeout := s.opts.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	var params any
	if len(req.Params) > 0 {
		params = req.Params
	}
	if s.log.Enabled(r.Context(), slog.LevelDebug) {
		var tree any
		_ = json.Unmarshal(req.Params, &tree)
		s.log.Debug("rpc dispatch", "server_id", serverID, "method", req.Method, "params", redact.Tree(tree))
	}
	result, err := s.sessions.SendRequest(r.Context(), agent.ID, req.Method, params, timeout)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

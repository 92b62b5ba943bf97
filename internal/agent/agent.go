// Package agent implements the host-side daemon that connects to the
// Dockyard server over WebSocket, authenticates with its stored token (or
// registers with a one-time code on first run), sends heartbeats, and
// executes allowlisted commands and Docker operations it receives as
// JSON-RPC requests.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/tbruckner/dockyard/internal/docker"
	"github.com/tbruckner/dockyard/internal/guard"
	"github.com/tbruckner/dockyard/internal/rpc"
)

// Config holds agent configuration.
type Config struct {
	ServerURL        string // ws:// or wss:// endpoint of the server agent channel
	RegistrationCode string // one-time registration code (empty once registered)
	DataDir          string // directory for the agent's identity files
	DockerSock       string // Docker socket path
	Version          string // agent binary version
	MaxFrameBytes    int64  // hard cap on a single frame, 0 means the protocol default
}

// Agent is the client side of the agent channel.
type Agent struct {
	cfg    Config
	docker docker.API
	allow  *guard.Allowlist
	limit  *guard.Limiter
	log    *slog.Logger

	tokenPath string
	idPath    string

	mu             sync.RWMutex
	agentID        string
	token          string
	heartbeatEvery time.Duration

	dedup *dedup
}

// New creates an Agent. Call Run to start the connection loop.
func New(cfg Config, api docker.API, allow *guard.Allowlist, limit *guard.Limiter, log *slog.Logger) *Agent {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = rpc.MaxFrameBytes
	}
	return &Agent{
		cfg:            cfg,
		docker:         api,
		allow:          allow,
		limit:          limit,
		log:            log.With("component", "agent"),
		tokenPath:      filepath.Join(cfg.DataDir, "agent-token"),
		idPath:         filepath.Join(cfg.DataDir, "agent-id"),
		heartbeatEvery: 30 * time.Second,
		dedup:          newDedup(1000),
	}
}

// Run connects to the server and keeps the session alive, reconnecting with
// exponential backoff on any error. Blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting", "server", a.cfg.ServerURL, "version", a.cfg.Version)

	if err := os.MkdirAll(a.cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := a.loadIdentity(); err != nil {
		return err
	}
	if a.Token() == "" && a.cfg.RegistrationCode == "" {
		return fmt.Errorf("not registered and no registration code provided")
	}

	bo := newBackoff()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		sessionStart := time.Now()
		err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A session that survived for a while means the link was healthy,
		// so the next reconnect should not inherit the old backoff.
		if time.Since(sessionStart) > time.Minute {
			bo.reset()
		}

		wait := bo.next()
		a.log.Warn("session ended, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runSession dials the server, performs the handshake, and runs the
// heartbeat and receive loops until either fails.
func (a *Agent) runSession(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()
	ws.SetReadLimit(a.cfg.MaxFrameBytes)

	if err := a.handshake(ws); err != nil {
		return err
	}
	a.log.Info("session established", "agent_id", a.ID(), "heartbeat", a.heartbeatInterval())

	sess := &session{agent: a, ws: ws}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.heartbeatLoop(ctx) })
	g.Go(func() error { return sess.receiveLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		sess.announceShutdown("context cancelled")
		ws.Close()
		return ctx.Err()
	})
	return g.Wait()
}

// handshakeFrame mirrors the server's pre-session wire format.
type handshakeFrame struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Token   string       `json:"token,omitempty"`
	Version string       `json:"version,omitempty"`
	AgentID string       `json:"agent_id,omitempty"`
	Config  *agentConfig `json:"config,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type agentConfig struct {
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// handshake registers with the one-time code on first run, or authenticates
// with the stored token on every later run.
func (a *Agent) handshake(ws *websocket.Conn) error {
	var first handshakeFrame
	if a.Token() == "" {
		first = handshakeFrame{Type: "register", Code: a.cfg.RegistrationCode, Version: a.cfg.Version}
	} else {
		first = handshakeFrame{Type: "authenticate", Token: a.Token(), Version: a.cfg.Version}
	}
	if err := ws.WriteJSON(first); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	var reply handshakeFrame
	if err := ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}

	switch reply.Type {
	case "registered":
		if err := a.saveIdentity(reply.AgentID, reply.Token); err != nil {
			return err
		}
		a.log.Info("registered with server", "agent_id", reply.AgentID)
	case "authenticated":
		a.setIdentity(reply.AgentID, a.Token())
	case "error":
		return fmt.Errorf("handshake refused: %s", reply.Error)
	default:
		return fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}

	if reply.Config != nil && reply.Config.HeartbeatSeconds > 0 {
		a.mu.Lock()
		a.heartbeatEvery = time.Duration(reply.Config.HeartbeatSeconds) * time.Second
		a.mu.Unlock()
	}
	return nil
}

func (a *Agent) heartbeatInterval() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.heartbeatEvery
}

// loadIdentity restores the agent id and token written by a previous run.
func (a *Agent) loadIdentity() error {
	token, err := os.ReadFile(a.tokenPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	id, err := os.ReadFile(a.idPath)
	if err != nil {
		return fmt.Errorf("read agent id: %w", err)
	}
	a.setIdentity(strings.TrimSpace(string(id)), strings.TrimSpace(string(token)))
	return nil
}

// saveIdentity persists the credentials issued at registration. The token is
// written last so a partial write retries as "unregistered".
func (a *Agent) saveIdentity(id, token string) error {
	if err := os.WriteFile(a.idPath, []byte(id), 0600); err != nil {
		return fmt.Errorf("write agent id: %w", err)
	}
	if err := os.WriteFile(a.tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	a.setIdentity(id, token)
	return nil
}

func (a *Agent) setIdentity(id, token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id != "" {
		a.agentID = id
	}
	a.token = token
}

// ID returns the server-assigned agent id, empty before registration.
func (a *Agent) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agentID
}

// Token returns the stored authentication token.
func (a *Agent) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// backoff implements capped exponential backoff for reconnection attempts.
// Sequence: 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
type backoff struct {
	attempt  int
	base     time.Duration
	maxDelay time.Duration
}

func newBackoff() *backoff {
	return &backoff{base: time.Second, maxDelay: 30 * time.Second}
}

func (b *backoff) next() time.Duration {
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	delay := b.base << uint(shift)
	if delay > b.maxDelay || delay < 0 {
		delay = b.maxDelay
	}
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
}

// dedup tracks recently handled request ids so a replayed or duplicated
// request is executed at most once. Entries expire after 5 minutes.
type dedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	maxSize int
}

func newDedup(maxSize int) *dedup {
	return &dedup{seen: make(map[string]time.Time), maxSize: maxSize}
}

func (d *dedup) isSeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = time.Now()

	if len(d.seen) > d.maxSize {
		cutoff := time.Now().Add(-5 * time.Minute)
		for k, t := range d.seen {
			if t.Before(cutoff) {
				delete(d.seen, k)
			}
		}
	}
	return false
}

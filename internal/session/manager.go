package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tbruckner/dockyard/internal/events"
	"github.com/tbruckner/dockyard/internal/metrics"
	"github.com/tbruckner/dockyard/internal/rpc"
	"github.com/tbruckner/dockyard/internal/store"
)

// AgentStore is the persistence the session layer needs. Implemented by
// *store.Store; an interface so tests can run without BoltDB.
type AgentStore interface {
	GetAgent(id string) (store.Agent, error)
	GetAgentByTokenHash(hash string) (store.Agent, error)
	SaveAgent(a store.Agent) error
	SetAgentStatus(id, status string) error
	TouchHeartbeat(id string, at time.Time, m store.HeartbeatMetrics) error
}

// NotificationHandler processes one inbound notification. Handlers run in
// their own goroutine and must not assume ordering against responses.
type NotificationHandler func(agentID string, params json.RawMessage)

// Manager is the connection registry and request correlator. At most one
// live Conn per agent id; register/unregister for an agent are serialized by
// a per-agent lock so a replacement cannot race teardown of its predecessor.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*Conn  // agentID -> live connection
	byServer map[string]string // serverID -> agentID

	lockMu     sync.Mutex
	agentLocks map[string]*sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string]NotificationHandler

	agents   AgentStore
	bus      *events.Bus
	maxFrame int64
	log      *slog.Logger
}

// NewManager creates a Manager. maxFrame <= 0 selects the protocol default.
func NewManager(agents AgentStore, bus *events.Bus, maxFrame int64, log *slog.Logger) *Manager {
	if maxFrame <= 0 {
		maxFrame = rpc.MaxFrameBytes
	}
	return &Manager{
		conns:      make(map[string]*Conn),
		byServer:   make(map[string]string),
		agentLocks: make(map[string]*sync.Mutex),
		handlers:   make(map[string]NotificationHandler),
		agents:     agents,
		bus:        bus,
		maxFrame:   maxFrame,
		log:        log.With("component", "session"),
	}
}

// agentLock returns the per-agent register/unregister lock, creating it on
// first use.
func (m *Manager) agentLock(agentID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		m.agentLocks[agentID] = l
	}
	return l
}

// Register installs a connection for an authenticated agent. An existing
// connection for the same agent is closed first and its pending requests
// cancel with ErrReplaced.
func (m *Manager) Register(agentID, serverID string, stream Stream) *Conn {
	l := m.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	conn := newConn(agentID, serverID, stream)

	m.mu.Lock()
	old := m.conns[agentID]
	m.conns[agentID] = conn
	m.byServer[serverID] = agentID
	m.mu.Unlock()

	if old != nil {
		m.log.Warn("replacing existing agent connection", "agent_id", agentID)
		old.writeClose(rpc.CloseNormal, "replaced by newer connection")
		old.teardown(ErrReplaced)
		m.bus.Publish(events.Event{Type: events.EventAgentReplaced, AgentID: agentID, ServerID: serverID, Timestamp: time.Now()})
	} else {
		metrics.AgentsConnected.Inc()
	}

	if err := m.agents.SetAgentStatus(agentID, store.StatusOnline); err != nil {
		m.log.Error("persist agent status", "agent_id", agentID, "error", err)
	}
	m.bus.Publish(events.Event{Type: events.EventAgentConnected, AgentID: agentID, ServerID: serverID, Timestamp: time.Now()})
	return conn
}

// Unregister tears down the current connection for an agent, cancelling its
// pending requests with ErrClosed.
func (m *Manager) Unregister(agentID string) {
	m.unregister(agentID, nil)
}

// unregister removes a connection. With only != nil, it is a no-op unless
// that exact connection is still the registered one; a receive loop ending
// after its connection was replaced must not tear down the replacement.
func (m *Manager) unregister(agentID string, only *Conn) {
	l := m.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	conn := m.conns[agentID]
	if conn == nil || (only != nil && conn != only) {
		m.mu.Unlock()
		return
	}
	delete(m.conns, agentID)
	delete(m.byServer, conn.ServerID)
	m.mu.Unlock()

	conn.writeClose(rpc.CloseNormal, "")
	conn.teardown(ErrClosed)
	metrics.AgentsConnected.Dec()

	if err := m.agents.SetAgentStatus(agentID, store.StatusOffline); err != nil {
		m.log.Error("persist agent status", "agent_id", agentID, "error", err)
	}
	m.bus.Publish(events.Event{Type: events.EventAgentDisconnected, AgentID: agentID, ServerID: conn.ServerID, Timestamp: time.Now()})
}

// IsConnected reports whether an agent has a live connection.
func (m *Manager) IsConnected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[agentID]
	return ok
}

// ByServer returns the live connection for the agent on a server, or nil.
func (m *Manager) ByServer(serverID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agentID, ok := m.byServer[serverID]
	if !ok {
		return nil
	}
	return m.conns[agentID]
}

// ConnectedCount reports the number of live connections.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// SendRequest issues a correlated request to an agent and waits for its
// response, the timeout, or context cancellation. The error is
// ErrNotConnected, ErrTimeout, ErrReplaced, ErrClosed, a *rpc.Error from the
// peer, or a transport failure.
func (m *Manager) SendRequest(ctx context.Context, agentID, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	m.mu.RLock()
	conn := m.conns[agentID]
	m.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := rpc.NewID()
	frame, err := rpc.MarshalRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	a, err := conn.sendWithAwaiter(id, frame)
	if err != nil {
		if err != ErrNotConnected {
			m.log.Warn("send failed, dropping connection", "agent_id", agentID, "error", err)
			m.unregister(agentID, conn)
			err = fmt.Errorf("send request: %w", err)
		}
		return nil, err
	}

	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-a.ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.resp.Err != nil {
			return nil, out.resp.Err
		}
		return out.resp.Result, nil
	case <-timer.C:
		conn.removePending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		conn.removePending(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification to an agent.
func (m *Manager) Notify(agentID, method string, params any) error {
	m.mu.RLock()
	conn := m.conns[agentID]
	m.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := rpc.MarshalNotification(method, params)
	if err != nil {
		return err
	}
	return conn.write(frame)
}

// HandleNotification registers a handler for a notification method.
// Idempotent; the last registration wins.
func (m *Manager) HandleNotification(method string, h NotificationHandler) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.handlers[method] = h
}

// ReadLoop pumps frames from a connection until the stream fails or a
// protocol violation closes it. It owns the teardown of its connection.
func (m *Manager) ReadLoop(conn *Conn) {
	defer m.unregister(conn.AgentID, conn)

	for {
		_, data, err := conn.stream.ReadMessage()
		if err != nil {
			m.log.Info("agent stream closed", "agent_id", conn.AgentID, "error", err)
			return
		}

		frame, err := rpc.Parse(data, m.maxFrame)
		if err != nil {
			m.log.Warn("protocol violation", "agent_id", conn.AgentID, "error", err)
			conn.writeClose(rpc.CloseProtocolViolation, "protocol violation")
			return
		}

		switch frame.Kind {
		case rpc.KindResponse:
			if !conn.fulfill(frame.Response) {
				m.log.Warn("response with no pending request", "agent_id", conn.AgentID, "id", frame.Response.ID)
			}
		case rpc.KindNotification:
			m.dispatchNotification(conn.AgentID, frame.Notification)
		case rpc.KindRequest:
			// Agents do not call the server; refuse without closing.
			m.log.Warn("unexpected request from agent", "agent_id", conn.AgentID, "method", frame.Request.Method)
			if reply, err := rpc.MarshalError(frame.Request.ID, rpc.CodeMethodNotFound, "method not found"); err == nil {
				conn.write(reply)
			}
		}
	}
}

// dispatchNotification hands a notification to its handler in a fresh
// goroutine so a slow handler cannot stall correlation.
func (m *Manager) dispatchNotification(agentID string, n *rpc.Notification) {
	m.handlerMu.RLock()
	h, ok := m.handlers[n.Method]
	m.handlerMu.RUnlock()
	if !ok {
		m.log.Warn("no handler for notification", "agent_id", agentID, "method", n.Method)
		return
	}
	go h(agentID, n.Params)
}

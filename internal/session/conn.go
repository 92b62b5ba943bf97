// Package session owns the live agent connections: the registry mapping
// agent ids to their duplex streams, JSON-RPC correlation over those streams,
// the authentication handshake, and lifecycle bookkeeping.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbruckner/dockyard/internal/rpc"
)

// Failure modes surfaced to send-request callers.
var (
	ErrNotConnected = errors.New("agent not connected")
	ErrTimeout      = errors.New("request timed out")
	ErrReplaced     = errors.New("connection replaced")
	ErrClosed       = errors.New("connection closed")
)

// Stream is the duplex message transport beneath a connection. Satisfied by
// *websocket.Conn.
type Stream interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// awaiter receives exactly one terminal outcome for a pending request.
type awaiter struct {
	ch chan outcome
}

type outcome struct {
	resp *rpc.Response
	err  error
}

// Conn is one live agent session. pending is mutated by the correlator on
// send and by the receive loop on response; whichever removes an entry first
// concludes it.
type Conn struct {
	AgentID     string
	ServerID    string
	ConnectedAt time.Time

	stream Stream

	writeMu sync.Mutex // serializes frame writes

	pendingMu sync.Mutex
	pending   map[string]*awaiter
	done      bool // set once the connection is torn down; no new awaiters
}

func newConn(agentID, serverID string, stream Stream) *Conn {
	return &Conn{
		AgentID:     agentID,
		ServerID:    serverID,
		ConnectedAt: time.Now(),
		stream:      stream,
		pending:     make(map[string]*awaiter),
	}
}

// write sends one text frame. Writes are serialized so concurrent requests
// cannot interleave frames.
func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.stream.WriteMessage(websocket.TextMessage, data)
}

// writeClose sends a close frame with the given code, best effort.
func (c *Conn) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.stream.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// sendWithAwaiter installs the awaiter and writes the frame while no
// response can race in and miss the slot. Returns the awaiter, or an error
// if the connection is already torn down or the write fails.
func (c *Conn) sendWithAwaiter(id string, frame []byte) (*awaiter, error) {
	a := &awaiter{ch: make(chan outcome, 1)}

	c.pendingMu.Lock()
	if c.done {
		c.pendingMu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = a
	c.pendingMu.Unlock()

	if err := c.write(frame); err != nil {
		c.removePending(id)
		return nil, err
	}
	return a, nil
}

// fulfill delivers a response to its awaiter. Returns false when no awaiter
// with that id is pending.
func (c *Conn) fulfill(resp *rpc.Response) bool {
	a, ok := c.removePending(resp.ID)
	if !ok {
		return false
	}
	a.ch <- outcome{resp: resp}
	return true
}

// removePending atomically claims an awaiter; the claimant owns its outcome.
func (c *Conn) removePending(id string) (*awaiter, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	a, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return a, ok
}

// teardown marks the connection dead, cancels every outstanding awaiter with
// cause, and closes the stream. Safe to call more than once.
func (c *Conn) teardown(cause error) {
	c.pendingMu.Lock()
	if c.done {
		c.pendingMu.Unlock()
		return
	}
	c.done = true
	cancelled := c.pending
	c.pending = make(map[string]*awaiter)
	c.pendingMu.Unlock()

	for _, a := range cancelled {
		a.ch <- outcome{err: cause}
	}
	c.stream.Close()
}

// PendingCount reports outstanding correlated requests.
func (c *Conn) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

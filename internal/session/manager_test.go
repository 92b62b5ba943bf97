package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbruckner/dockyard/internal/events"
	"github.com/tbruckner/dockyard/internal/rpc"
	"github.com/tbruckner/dockyard/internal/store"
)

// fakeStream is an in-memory Stream. Frames pushed into in are returned by
// ReadMessage; written frames are captured for inspection.
type fakeStream struct {
	in      chan []byte
	mu      sync.Mutex
	out     [][]byte
	closed  bool
	closeCh chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:      make(chan []byte, 16),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeStream) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.closeCh:
		return 0, nil, errors.New("stream closed")
	}
}

func (f *fakeStream) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("stream closed")
	}
	f.out = append(f.out, append([]byte(nil), data...))
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closeCh)
	}
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// waitForRequest polls the written frames for the first JSON-RPC request and
// returns its id and method.
func (f *fakeStream) waitForRequest(t *testing.T) (string, string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		for _, data := range f.out {
			frame, err := rpc.Parse(data, 0)
			if err == nil && frame.Kind == rpc.KindRequest {
				f.mu.Unlock()
				return frame.Request.ID, frame.Request.Method
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no request frame written")
	return "", ""
}

// fakeAgents is an in-memory AgentStore.
type fakeAgents struct {
	mu     sync.Mutex
	agents map[string]store.Agent
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{agents: make(map[string]store.Agent)}
}

func (f *fakeAgents) GetAgent(id string) (store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return store.Agent{}, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeAgents) GetAgentByTokenHash(hash string) (store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.agents {
		if a.TokenHash == hash {
			return a, nil
		}
	}
	return store.Agent{}, store.ErrNotFound
}

func (f *fakeAgents) SaveAgent(a store.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[a.ID] = a
	return nil
}

func (f *fakeAgents) SetAgentStatus(id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		a = store.Agent{ID: id}
	}
	a.Status = status
	f.agents[id] = a
	return nil
}

func (f *fakeAgents) TouchHeartbeat(id string, at time.Time, m store.HeartbeatMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return store.ErrNotFound
	}
	a.LastSeen = at
	a.Metrics = m
	a.Status = store.StatusOnline
	f.agents[id] = a
	return nil
}

func (f *fakeAgents) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agents[id].Status
}

func newTestManager() (*Manager, *fakeAgents) {
	agents := newFakeAgents()
	return NewManager(agents, events.New(), 0, slog.Default()), agents
}

func TestRegisterAndLookups(t *testing.T) {
	mgr, agents := newTestManager()
	stream := newFakeStream()

	mgr.Register("a1", "s1", stream)

	if !mgr.IsConnected("a1") {
		t.Error("agent not connected after register")
	}
	if conn := mgr.ByServer("s1"); conn == nil || conn.AgentID != "a1" {
		t.Errorf("ByServer = %+v", conn)
	}
	if mgr.ByServer("s2") != nil {
		t.Error("lookup for unknown server returned a connection")
	}
	if got := agents.status("a1"); got != store.StatusOnline {
		t.Errorf("persisted status = %q", got)
	}
}

func TestUnregisterCancelsPendingAndClearsRegistry(t *testing.T) {
	mgr, agents := newTestManager()
	stream := newFakeStream()
	mgr.Register("a1", "s1", stream)

	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.SendRequest(context.Background(), "a1", "system.exec", nil, 5*time.Second)
		errCh <- err
	}()
	stream.waitForRequest(t)

	mgr.Unregister("a1")

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("pending request err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never cancelled")
	}

	if mgr.IsConnected("a1") {
		t.Error("agent still connected after unregister")
	}
	if !stream.isClosed() {
		t.Error("stream not closed")
	}
	if got := agents.status("a1"); got != store.StatusOffline {
		t.Errorf("persisted status = %q", got)
	}
}

func TestRegisterReplacesOldConnection(t *testing.T) {
	mgr, _ := newTestManager()
	oldStream := newFakeStream()
	oldConn := mgr.Register("a1", "s1", oldStream)

	errCh := make(chan error, 1)
	go func() {
		_, err := mgr.SendRequest(context.Background(), "a1", "system.exec", nil, 5*time.Second)
		errCh <- err
	}()
	oldStream.waitForRequest(t)

	newStream := newFakeStream()
	newConn := mgr.Register("a1", "s1", newStream)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrReplaced) {
			t.Errorf("old pending request err = %v, want ErrReplaced", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("old pending request never resolved")
	}

	if !oldStream.isClosed() {
		t.Error("old stream not closed")
	}
	if got := mgr.ByServer("s1"); got != newConn || got == oldConn {
		t.Error("registry does not point at the replacement connection")
	}
	if mgr.ConnectedCount() != 1 {
		t.Errorf("connected count = %d, want 1", mgr.ConnectedCount())
	}
}

func TestStaleReadLoopCannotTearDownReplacement(t *testing.T) {
	mgr, _ := newTestManager()
	oldStream := newFakeStream()
	oldConn := mgr.Register("a1", "s1", oldStream)

	loopDone := make(chan struct{})
	go func() {
		mgr.ReadLoop(oldConn)
		close(loopDone)
	}()

	newStream := newFakeStream()
	mgr.Register("a1", "s1", newStream)

	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("old read loop did not exit after replacement")
	}

	if !mgr.IsConnected("a1") {
		t.Error("replacement connection was torn down by the stale read loop")
	}
}

func TestSendRequestNotConnected(t *testing.T) {
	mgr, _ := newTestManager()
	_, err := mgr.SendRequest(context.Background(), "ghost", "system.exec", nil, time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendRequestCorrelation(t *testing.T) {
	mgr, _ := newTestManager()
	stream := newFakeStream()
	conn := mgr.Register("a1", "s1", stream)
	go mgr.ReadLoop(conn)

	go func() {
		id, method := stream.waitForRequest(t)
		if method != "system.exec" {
			return
		}
		resp, _ := rpc.MarshalResponse(id, map[string]any{"stdout": "ok", "exit_code": 0})
		stream.in <- resp
	}()

	result, err := mgr.SendRequest(context.Background(), "a1", "system.exec", map[string]string{"command": "uptime"}, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var payload struct {
		Stdout string `json:"stdout"`
	}
	if err := json.Unmarshal(result, &payload); err != nil || payload.Stdout != "ok" {
		t.Errorf("result = %s, err %v", result, err)
	}
}

func TestSendRequestRemoteError(t *testing.T) {
	mgr, _ := newTestManager()
	stream := newFakeStream()
	conn := mgr.Register("a1", "s1", stream)
	go mgr.ReadLoop(conn)

	go func() {
		id, _ := stream.waitForRequest(t)
		resp, _ := rpc.MarshalError(id, rpc.CodeInvalidParams, "bad params")
		stream.in <- resp
	}()

	_, err := mgr.SendRequest(context.Background(), "a1", "system.exec", nil, 2*time.Second)
	var remote *rpc.Error
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *rpc.Error", err)
	}
	if remote.Code != rpc.CodeInvalidParams {
		t.Errorf("code = %d", remote.Code)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	mgr, _ := newTestManager()
	stream := newFakeStream()
	conn := mgr.Register("a1", "s1", stream)

	_, err := mgr.SendRequest(context.Background(), "a1", "system.exec", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if conn.PendingCount() != 0 {
		t.Errorf("awaiter leaked after timeout: %d pending", conn.PendingCount())
	}
}

func TestUnmatchedResponseDoesNotKillConnection(t *testing.T) {
	mgr, _ := newTestManager()
	stream := newFakeStream()
	conn := mgr.Register("a1", "s1", stream)
	go mgr.ReadLoop(conn)

	resp, _ := rpc.MarshalResponse("no-such-id", "x")
	stream.in <- resp

	time.Sleep(50 * time.Millisecond)
	if !mgr.IsConnected("a1") {
		t.Error("connection dropped over an unmatched response")
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	agents := newFakeAgents()
	mgr := NewManager(agents, events.New(), 256, slog.Default())
	stream := newFakeStream()
	conn := mgr.Register("a1", "s1", stream)

	loopDone := make(chan struct{})
	go func() {
		mgr.ReadLoop(conn)
		close(loopDone)
	}()

	big := make([]byte, 512)
	for i := range big {
		big[i] = 'x'
	}
	stream.in <- big

	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop survived an oversized frame")
	}
	if mgr.IsConnected("a1") {
		t.Error("agent still registered after protocol violation")
	}
}

func TestNotificationHandlerRuns(t *testing.T) {
	mgr, _ := newTestManager()
	stream := newFakeStream()
	conn := mgr.Register("a1", "s1", stream)
	go mgr.ReadLoop(conn)

	got := make(chan string, 1)
	mgr.HandleNotification("agent.heartbeat", func(agentID string, _ json.RawMessage) {
		got <- agentID
	})

	frame, _ := rpc.MarshalNotification("agent.heartbeat", map[string]any{"cpu_percent": 1.0})
	stream.in <- frame

	select {
	case agentID := <-got:
		if agentID != "a1" {
			t.Errorf("handler saw agent %q", agentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler never ran")
	}
}

func TestNotifySendsFrame(t *testing.T) {
	mgr, _ := newTestManager()
	stream := newFakeStream()
	mgr.Register("a1", "s1", stream)

	if err := mgr.Notify("a1", "config.update", map[string]int{"heartbeat_seconds": 15}); err != nil {
		t.Fatal(err)
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	if len(stream.out) != 1 {
		t.Fatalf("wrote %d frames, want 1", len(stream.out))
	}
	frame, err := rpc.Parse(stream.out[0], 0)
	if err != nil || frame.Kind != rpc.KindNotification || frame.Notification.Method != "config.update" {
		t.Errorf("frame = %+v, err %v", frame, err)
	}
}

package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbruckner/dockyard/internal/rpc"
)

var testUpgrader = websocket.Upgrader{}

// fakeServer is a minimal server side of the agent channel for exercising
// the handshake and session loops end to end.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	conns    chan *websocket.Conn
	register func(ws *websocket.Conn, first handshakeFrame)
}

func newFakeServer(t *testing.T, register func(ws *websocket.Conn, first handshakeFrame)) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, conns: make(chan *websocket.Conn, 4), register: register}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		var first handshakeFrame
		if err := ws.ReadJSON(&first); err != nil {
			t.Errorf("read handshake: %v", err)
			return
		}
		fs.register(ws, first)
		fs.conns <- ws
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) conn() *websocket.Conn {
	select {
	case ws := <-fs.conns:
		return ws
	case <-time.After(2 * time.Second):
		fs.t.Fatal("no agent connection arrived")
		return nil
	}
}

func acceptRegister(t *testing.T, wantCode string) func(*websocket.Conn, handshakeFrame) {
	return func(ws *websocket.Conn, first handshakeFrame) {
		if first.Type != "register" {
			t.Errorf("handshake type = %q, want register", first.Type)
		}
		if wantCode != "" && first.Code != wantCode {
			t.Errorf("code = %q, want %q", first.Code, wantCode)
		}
		ws.WriteJSON(handshakeFrame{
			Type:    "registered",
			AgentID: "agent-1",
			Token:   "issued-token",
			Config:  &agentConfig{HeartbeatSeconds: 1},
		})
	}
}

func startSession(t *testing.T, a *Agent) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.runSession(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not shut down")
		}
	})
	return cancel, done
}

func TestRegisterPersistsIdentity(t *testing.T) {
	fs := newFakeServer(t, acceptRegister(t, "code-abc"))
	a := New(Config{
		ServerURL:        fs.url(),
		RegistrationCode: "code-abc",
		DataDir:          t.TempDir(),
		Version:          "1.0.0",
	}, nil, nil, nil, slog.Default())
	if err := os.MkdirAll(a.cfg.DataDir, 0700); err != nil {
		t.Fatal(err)
	}

	startSession(t, a)
	fs.conn()

	waitFor(t, func() bool { return a.Token() == "issued-token" })
	if a.ID() != "agent-1" {
		t.Errorf("agent id = %q", a.ID())
	}
	if a.heartbeatInterval() != time.Second {
		t.Errorf("heartbeat interval = %v, want 1s", a.heartbeatInterval())
	}

	token, err := os.ReadFile(filepath.Join(a.cfg.DataDir, "agent-token"))
	if err != nil {
		t.Fatalf("token file: %v", err)
	}
	if string(token) != "issued-token" {
		t.Errorf("stored token = %q", token)
	}
	info, err := os.Stat(filepath.Join(a.cfg.DataDir, "agent-token"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("token file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestAuthenticateUsesStoredToken(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "agent-token"), []byte("old-token"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "agent-id"), []byte("agent-9"), 0600); err != nil {
		t.Fatal(err)
	}

	gotToken := make(chan string, 1)
	fs := newFakeServer(t, func(ws *websocket.Conn, first handshakeFrame) {
		if first.Type != "authenticate" {
			t.Errorf("handshake type = %q, want authenticate", first.Type)
		}
		gotToken <- first.Token
		ws.WriteJSON(handshakeFrame{Type: "authenticated", AgentID: "agent-9"})
	})

	a := New(Config{ServerURL: fs.url(), DataDir: dir}, nil, nil, nil, slog.Default())
	if err := a.loadIdentity(); err != nil {
		t.Fatal(err)
	}

	startSession(t, a)
	fs.conn()

	select {
	case tok := <-gotToken:
		if tok != "old-token" {
			t.Errorf("presented token = %q, want old-token", tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the handshake")
	}
}

func TestHandshakeRefused(t *testing.T) {
	fs := newFakeServer(t, func(ws *websocket.Conn, _ handshakeFrame) {
		ws.WriteJSON(handshakeFrame{Type: "error", Error: "invalid registration code"})
	})

	a := New(Config{ServerURL: fs.url(), RegistrationCode: "bad", DataDir: t.TempDir()}, nil, nil, nil, slog.Default())
	err := a.runSession(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid registration code") {
		t.Fatalf("err = %v, want handshake refusal", err)
	}
	if a.Token() != "" {
		t.Error("token stored after refused handshake")
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	fs := newFakeServer(t, acceptRegister(t, ""))
	a := New(Config{
		ServerURL:        fs.url(),
		RegistrationCode: "code",
		DataDir:          t.TempDir(),
		Version:          "2.0.0",
	}, nil, nil, nil, slog.Default())

	startSession(t, a)
	ws := fs.conn()

	req, err := rpc.MarshalRequest("req-1", "agent.version", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, req); err != nil {
		t.Fatal(err)
	}

	resp := readResponse(t, ws, "req-1")
	var body map[string]string
	if err := json.Unmarshal(resp.Result, &body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "2.0.0" {
		t.Errorf("version = %q", body["version"])
	}
}

func TestDuplicateRequestExecutedOnce(t *testing.T) {
	fs := newFakeServer(t, acceptRegister(t, ""))
	a := New(Config{ServerURL: fs.url(), RegistrationCode: "code", DataDir: t.TempDir()}, nil, nil, nil, slog.Default())

	startSession(t, a)
	ws := fs.conn()

	req, _ := rpc.MarshalRequest("dup-1", "agent.version", nil)
	ws.WriteMessage(websocket.TextMessage, req)
	ws.WriteMessage(websocket.TextMessage, req)

	readResponse(t, ws, "dup-1")

	// The duplicate must not produce a second reply.
	ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, perr := rpc.Parse(data, 0)
		if perr != nil {
			t.Fatalf("parse: %v", perr)
		}
		if frame.Kind == rpc.KindResponse && frame.Response.ID == "dup-1" {
			t.Fatal("duplicate request answered twice")
		}
	}
}

func TestShutdownNotificationOnCancel(t *testing.T) {
	fs := newFakeServer(t, acceptRegister(t, ""))
	a := New(Config{ServerURL: fs.url(), RegistrationCode: "code", DataDir: t.TempDir()}, nil, nil, nil, slog.Default())

	cancel, done := startSession(t, a)
	ws := fs.conn()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}

	ws.SetReadDeadline(time.Now().Add(time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatal("connection closed before agent.shutdown arrived")
		}
		frame, perr := rpc.Parse(data, 0)
		if perr != nil {
			continue
		}
		if frame.Kind == rpc.KindNotification && frame.Notification.Method == "agent.shutdown" {
			return
		}
	}
}

func TestBackoffSequence(t *testing.T) {
	bo := newBackoff()
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := bo.next(); got != w {
			t.Errorf("attempt %d = %v, want %v", i, got, w)
		}
	}
	bo.reset()
	if got := bo.next(); got != time.Second {
		t.Errorf("after reset = %v, want 1s", got)
	}
}

func TestDedup(t *testing.T) {
	d := newDedup(10)
	if d.isSeen("a") {
		t.Error("fresh id reported as seen")
	}
	if !d.isSeen("a") {
		t.Error("repeated id not reported as seen")
	}
	if d.isSeen("b") {
		t.Error("unrelated id reported as seen")
	}
}

// readResponse reads frames until the response with the given id arrives.
func readResponse(t *testing.T, ws *websocket.Conn, id string) *rpc.Response {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		frame, perr := rpc.Parse(data, 0)
		if perr != nil {
			t.Fatalf("parse: %v", perr)
		}
		if frame.Kind == rpc.KindResponse && frame.Response.ID == id {
			if frame.Response.Err != nil {
				t.Fatalf("request %s failed: %v", id, frame.Response.Err)
			}
			return frame.Response
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/tbruckner/dockyard/internal/docker"
	"github.com/tbruckner/dockyard/internal/rpc"
)

// mockDocker implements docker.API with canned data and call recording.
type mockDocker struct {
	containers     []container.Summary
	inspectResults map[string]container.InspectResponse
	logs           map[string]string
	info           docker.SystemInfo
	failWith       error

	started   []string
	stopped   []string
	restarted []string
	removed   []string
	pulled    []string
	created   []string
}

var _ docker.API = (*mockDocker)(nil)

func newMockDocker() *mockDocker {
	return &mockDocker{
		inspectResults: make(map[string]container.InspectResponse),
		logs:           make(map[string]string),
	}
}

func (m *mockDocker) ListContainers(_ context.Context, all bool) ([]container.Summary, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	if all {
		return m.containers, nil
	}
	var running []container.Summary
	for _, c := range m.containers {
		if c.State == "running" {
			running = append(running, c)
		}
	}
	return running, nil
}

func (m *mockDocker) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	if r, ok := m.inspectResults[id]; ok {
		return r, nil
	}
	return container.InspectResponse{}, errors.New("no such container")
}

func (m *mockDocker) ContainerLogs(_ context.Context, id string, _ int) (string, error) {
	if l, ok := m.logs[id]; ok {
		return l, nil
	}
	return "", errors.New("no such container")
}

func (m *mockDocker) StartContainer(_ context.Context, id string) error {
	m.started = append(m.started, id)
	return m.failWith
}

func (m *mockDocker) StopContainer(_ context.Context, id string, _ int) error {
	m.stopped = append(m.stopped, id)
	return m.failWith
}

func (m *mockDocker) RestartContainer(_ context.Context, id string) error {
	m.restarted = append(m.restarted, id)
	return m.failWith
}

func (m *mockDocker) RemoveContainer(_ context.Context, id string) error {
	m.removed = append(m.removed, id)
	return m.failWith
}

func (m *mockDocker) CreateContainer(_ context.Context, name string, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig) (string, error) {
	if m.failWith != nil {
		return "", m.failWith
	}
	m.created = append(m.created, name)
	return "new-" + name, nil
}

func (m *mockDocker) PullImage(_ context.Context, ref string) error {
	m.pulled = append(m.pulled, ref)
	return m.failWith
}

func (m *mockDocker) Info(_ context.Context) (docker.SystemInfo, error) {
	if m.failWith != nil {
		return docker.SystemInfo{}, m.failWith
	}
	return m.info, nil
}

func (m *mockDocker) Ping(_ context.Context) error { return m.failWith }
func (m *mockDocker) Close() error                 { return nil }

func newDispatchSession(t *testing.T, mock *mockDocker) *session {
	t.Helper()
	a := New(Config{DataDir: t.TempDir(), Version: "1.2.3"}, mock, nil, nil, slog.Default())
	return &session{agent: a}
}

func dispatch(t *testing.T, s *session, method string, params any) (any, *handlerError) {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		raw = b
	}
	return s.dispatch(context.Background(), &rpc.Request{ID: rpc.NewID(), Method: method, Params: raw})
}

func TestDispatchContainerList(t *testing.T) {
	mock := newMockDocker()
	mock.containers = []container.Summary{
		{ID: "c1", Names: []string{"/web"}, Image: "nginx:1.25", State: "running", Status: "Up 2 hours", Created: 1700000000},
		{ID: "c2", Names: []string{"/batch"}, Image: "alpine:3.20", State: "exited"},
	}
	s := newDispatchSession(t, mock)

	result, herr := dispatch(t, s, "docker.containers.list", map[string]bool{"all": true})
	if herr != nil {
		t.Fatalf("dispatch: %s", herr.message)
	}
	list := result.([]containerSummary)
	if len(list) != 2 {
		t.Fatalf("got %d containers, want 2", len(list))
	}
	if list[0].Name != "web" {
		t.Errorf("name = %q, want %q (leading slash stripped)", list[0].Name, "web")
	}
	if list[0].State != "running" || list[0].Image != "nginx:1.25" {
		t.Errorf("unexpected summary %+v", list[0])
	}
}

func TestDispatchContainerActions(t *testing.T) {
	mock := newMockDocker()
	s := newDispatchSession(t, mock)

	for method, recorded := range map[string]*[]string{
		"docker.containers.start":   &mock.started,
		"docker.containers.stop":    &mock.stopped,
		"docker.containers.restart": &mock.restarted,
		"docker.containers.remove":  &mock.removed,
	} {
		if _, herr := dispatch(t, s, method, map[string]string{"id": "c1"}); herr != nil {
			t.Errorf("%s: %s", method, herr.message)
		}
		if len(*recorded) != 1 || (*recorded)[0] != "c1" {
			t.Errorf("%s recorded %v, want [c1]", method, *recorded)
		}
	}
}

func TestDispatchActionRequiresID(t *testing.T) {
	s := newDispatchSession(t, newMockDocker())
	_, herr := dispatch(t, s, "docker.containers.start", map[string]string{})
	if herr == nil || herr.code != rpc.CodeInvalidParams {
		t.Fatalf("missing id accepted: %+v", herr)
	}
}

func TestDispatchContainerLogs(t *testing.T) {
	mock := newMockDocker()
	mock.logs["c1"] = "line one\nline two\n"
	s := newDispatchSession(t, mock)

	result, herr := dispatch(t, s, "docker.containers.logs", map[string]any{"id": "c1", "lines": 50})
	if herr != nil {
		t.Fatalf("dispatch: %s", herr.message)
	}
	if got := result.(map[string]string)["logs"]; got != "line one\nline two\n" {
		t.Errorf("logs = %q", got)
	}
}

func TestDispatchContainerStats(t *testing.T) {
	mock := newMockDocker()
	mock.inspectResults["c1"] = container.InspectResponse{
		ID:           "c1",
		RestartCount: 2,
		State:        &container.State{Running: true, Status: "running"},
	}
	s := newDispatchSession(t, mock)

	result, herr := dispatch(t, s, "docker.containers.stats", map[string]string{"id": "c1"})
	if herr != nil {
		t.Fatalf("dispatch: %s", herr.message)
	}
	stats := result.(map[string]any)
	if stats["running"] != true || stats["restart_count"] != 2 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestDispatchImagePull(t *testing.T) {
	mock := newMockDocker()
	s := newDispatchSession(t, mock)

	if _, herr := dispatch(t, s, "docker.images.pull", map[string]string{"ref": "nginx:1.25"}); herr != nil {
		t.Fatalf("dispatch: %s", herr.message)
	}
	if len(mock.pulled) != 1 || mock.pulled[0] != "nginx:1.25" {
		t.Errorf("pulled = %v", mock.pulled)
	}

	if _, herr := dispatch(t, s, "docker.images.pull", map[string]string{}); herr == nil {
		t.Error("empty ref accepted")
	}
}

func TestDispatchContainerCreate(t *testing.T) {
	mock := newMockDocker()
	s := newDispatchSession(t, mock)

	result, herr := dispatch(t, s, "docker.containers.create", createParams{
		Name:   "web",
		Config: &container.Config{Image: "nginx:1.25"},
	})
	if herr != nil {
		t.Fatalf("dispatch: %s", herr.message)
	}
	if id := result.(map[string]string)["id"]; id != "new-web" {
		t.Errorf("id = %q", id)
	}
	if len(mock.created) != 1 || mock.created[0] != "web" {
		t.Errorf("created = %v", mock.created)
	}

	if _, herr := dispatch(t, s, "docker.containers.create", createParams{Name: "x"}); herr == nil {
		t.Error("missing image accepted")
	}
}

func TestDispatchContainerCreateBlocksPrivileged(t *testing.T) {
	mock := newMockDocker()
	s := newDispatchSession(t, mock)

	_, herr := dispatch(t, s, "docker.containers.create", createParams{
		Name:       "escape",
		Config:     &container.Config{Image: "alpine:3.20"},
		HostConfig: &container.HostConfig{Privileged: true},
	})
	if herr == nil || herr.code != rpc.CodeInvalidParams {
		t.Fatalf("privileged creation not refused: %+v", herr)
	}
	if len(mock.created) != 0 {
		t.Error("container created despite refused host config")
	}
}

func TestDispatchDockerVersion(t *testing.T) {
	mock := newMockDocker()
	mock.info = docker.SystemInfo{ServerVersion: "27.3.1", ContainersRunning: 4}
	s := newDispatchSession(t, mock)

	result, herr := dispatch(t, s, "docker.version", nil)
	if herr != nil {
		t.Fatalf("dispatch: %s", herr.message)
	}
	if v := result.(map[string]string)["server_version"]; v != "27.3.1" {
		t.Errorf("server_version = %q", v)
	}

	result, herr = dispatch(t, s, "docker.info", nil)
	if herr != nil {
		t.Fatalf("dispatch: %s", herr.message)
	}
	if info := result.(docker.SystemInfo); info.ContainersRunning != 4 {
		t.Errorf("info = %+v", info)
	}
}

func TestDispatchAgentVersion(t *testing.T) {
	s := newDispatchSession(t, newMockDocker())
	result, herr := dispatch(t, s, "agent.version", nil)
	if herr != nil {
		t.Fatalf("dispatch: %s", herr.message)
	}
	if v := result.(map[string]string)["version"]; v != "1.2.3" {
		t.Errorf("version = %q", v)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	s := newDispatchSession(t, newMockDocker())
	_, herr := dispatch(t, s, "docker.volumes.prune", nil)
	if herr == nil || herr.code != rpc.CodeMethodNotFound {
		t.Fatalf("unknown method not refused: %+v", herr)
	}
}

func TestDispatchDockerFailure(t *testing.T) {
	mock := newMockDocker()
	mock.failWith = errors.New("daemon unreachable")
	s := newDispatchSession(t, mock)

	_, herr := dispatch(t, s, "docker.containers.list", nil)
	if herr == nil || herr.code != rpc.CodeInternalError {
		t.Fatalf("daemon failure not surfaced: %+v", herr)
	}
}

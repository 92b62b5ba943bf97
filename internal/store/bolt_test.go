package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dockyard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServerRoundTrip(t *testing.T) {
	s := openTestStore(t)

	srv := Server{ID: "srv-1", Name: "db-host", Host: "10.0.0.5", SSHPort: 22, SSHUser: "deploy", HasAgent: true}
	if err := s.SaveServer(srv); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetServer("srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if got != srv {
		t.Errorf("got %+v, want %+v", got, srv)
	}

	if _, err := s.GetServer("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing server err = %v, want ErrNotFound", err)
	}
}

func TestDeleteServerRemovesCredentials(t *testing.T) {
	s := openTestStore(t)
	sealer := fakeSealer{}

	if err := s.SaveServer(Server{ID: "srv-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCredential(sealer, "srv-1", CredSSHPassword, []byte("hunter2")); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteServer("srv-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCredential(sealer, "srv-1", CredSSHPassword); !errors.Is(err, ErrNotFound) {
		t.Errorf("credential survived server deletion: %v", err)
	}
}

func TestAgentLifecycle(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	a := Agent{ID: "ag-1", ServerID: "srv-1", Version: "1.2.0", Status: StatusOffline}
	if err := s.SaveAgent(a); err != nil {
		t.Fatal(err)
	}

	m := HeartbeatMetrics{CPUPercent: 12.5, MemoryPercent: 40, ContainersRunning: 3, ContainersTotal: 5}
	if err := s.TouchHeartbeat("ag-1", now, m); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAgent("ag-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusOnline || !got.LastSeen.Equal(now) || got.Metrics != m {
		t.Errorf("after heartbeat: %+v", got)
	}

	byServer, err := s.GetAgentByServer("srv-1")
	if err != nil || byServer.ID != "ag-1" {
		t.Errorf("GetAgentByServer = %+v, %v", byServer, err)
	}
	if _, err := s.GetAgentByServer("srv-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("agent found for wrong server: %v", err)
	}
}

func TestMarkStaleOnlyTouchesQuietOnlineAgents(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	for _, a := range []Agent{
		{ID: "quiet", Status: StatusOnline, LastSeen: now.Add(-5 * time.Minute)},
		{ID: "fresh", Status: StatusOnline, LastSeen: now.Add(-10 * time.Second)},
		{ID: "down", Status: StatusOffline, LastSeen: now.Add(-time.Hour)},
	} {
		if err := s.SaveAgent(a); err != nil {
			t.Fatal(err)
		}
	}

	marked, err := s.MarkStale(now.Add(-90 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(marked) != 1 || marked[0] != "quiet" {
		t.Fatalf("marked = %v, want [quiet]", marked)
	}

	got, _ := s.GetAgent("quiet")
	if got.Status != StatusStale {
		t.Errorf("quiet agent status = %s", got.Status)
	}
	got, _ = s.GetAgent("down")
	if got.Status != StatusOffline {
		t.Errorf("offline agent status changed to %s", got.Status)
	}
}

func TestResetStatuses(t *testing.T) {
	s := openTestStore(t)

	for _, a := range []Agent{
		{ID: "a", Status: StatusOnline},
		{ID: "b", Status: StatusStale},
		{ID: "c", Status: StatusOffline},
	} {
		if err := s.SaveAgent(a); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ResetStatuses()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("reset %d agents, want 2", n)
	}
	agents, _ := s.ListAgents()
	for _, a := range agents {
		if a.Status != StatusOffline {
			t.Errorf("agent %s status = %s after reset", a.ID, a.Status)
		}
	}
}

func TestRegistrationCodeSingleUse(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	code, err := s.MintRegistrationCode("srv-1", time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	if code == "" {
		t.Fatal("empty registration code")
	}

	serverID, err := s.ConsumeRegistrationCode(code, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if serverID != "srv-1" {
		t.Errorf("serverID = %q", serverID)
	}

	if _, err := s.ConsumeRegistrationCode(code, now.Add(2*time.Minute)); !errors.Is(err, ErrCodeUsed) {
		t.Errorf("second use err = %v, want ErrCodeUsed", err)
	}
}

func TestRegistrationCodeExpiry(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	code, err := s.MintRegistrationCode("srv-1", time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConsumeRegistrationCode(code, now.Add(2*time.Minute)); !errors.Is(err, ErrCodeExpired) {
		t.Errorf("expired code err = %v, want ErrCodeExpired", err)
	}

	if _, err := s.ConsumeRegistrationCode("never-minted", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown code err = %v, want ErrNotFound", err)
	}
}

func TestPurgeExpiredCodes(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	if _, err := s.MintRegistrationCode("srv-1", time.Minute, now); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MintRegistrationCode("srv-2", time.Hour, now); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeExpiredCodes(now.Add(30 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged %d codes, want 1", purged)
	}
}

func TestHashEqual(t *testing.T) {
	h := HashCode("token-abc")
	if !HashEqual(h, "token-abc") {
		t.Error("matching token rejected")
	}
	if HashEqual(h, "token-abd") {
		t.Error("wrong token accepted")
	}
}

// fakeSealer reverses bytes so tests can verify ciphertext differs from
// plaintext without pulling in the real KDF.
type fakeSealer struct{}

func (fakeSealer) Encrypt(p []byte) (string, error) {
	out := make([]byte, len(p))
	for i, b := range p {
		out[len(p)-1-i] = b
	}
	return string(out), nil
}

func (fakeSealer) Decrypt(s string) ([]byte, error) {
	out := make([]byte, len(s))
	for i := range s {
		out[len(s)-1-i] = s[i]
	}
	return out, nil
}

func TestCredentialRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sealer := fakeSealer{}

	if err := s.SaveCredential(sealer, "srv-1", CredAgentToken, []byte("tok-123")); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCredential(sealer, "srv-1", CredAgentToken)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "tok-123" {
		t.Errorf("credential = %q", got)
	}

	ok, err := s.HasCredential("srv-1", CredAgentToken)
	if err != nil || !ok {
		t.Errorf("HasCredential = %v, %v", ok, err)
	}

	if err := s.DeleteCredential("srv-1", CredAgentToken); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCredential(sealer, "srv-1", CredAgentToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted credential err = %v", err)
	}
}

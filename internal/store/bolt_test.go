package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTrustedPeerRoundTrip(t *testing.T) {
	s := testStore(t)

	peer := TrustedPeer{AgentID: "agent-1", PublicKey: "base64key", Label: "edge-01"}
	if err := s.AddTrustedPeer(peer); err != nil {
		t.Fatalf("AddTrustedPeer: %v", err)
	}

	got, err := s.GetTrustedPeer("agent-1")
	if err != nil {
		t.Fatalf("GetTrustedPeer: %v", err)
	}
	if got == nil || got.PublicKey != "base64key" {
		t.Fatalf("got %+v, want PublicKey=base64key", got)
	}
}

func TestTrustedPeerMissing(t *testing.T) {
	s := testStore(t)
	got, err := s.GetTrustedPeer("nope")
	if err != nil {
		t.Fatalf("GetTrustedPeer: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestRemoveTrustedPeer(t *testing.T) {
	s := testStore(t)
	s.AddTrustedPeer(TrustedPeer{AgentID: "agent-1", PublicKey: "k"})
	if err := s.RemoveTrustedPeer("agent-1"); err != nil {
		t.Fatalf("RemoveTrustedPeer: %v", err)
	}
	got, _ := s.GetTrustedPeer("agent-1")
	if got != nil {
		t.Errorf("expected peer removed, got %+v", got)
	}
}

func TestListTrustedPeers(t *testing.T) {
	s := testStore(t)
	s.AddTrustedPeer(TrustedPeer{AgentID: "a", PublicKey: "1"})
	s.AddTrustedPeer(TrustedPeer{AgentID: "b", PublicKey: "2"})

	peers, err := s.ListTrustedPeers()
	if err != nil {
		t.Fatalf("ListTrustedPeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
}

func TestHostRegistryRoundTrip(t *testing.T) {
	s := testStore(t)

	entry := HostEntry{AgentID: "agent-1", Hostname: "edge-01", Address: "10.0.0.5:7443"}
	if err := s.RegisterHost(entry); err != nil {
		t.Fatalf("RegisterHost: %v", err)
	}

	got, err := s.GetHost("agent-1")
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if got == nil || got.Hostname != "edge-01" {
		t.Fatalf("got %+v, want Hostname=edge-01", got)
	}
	if got.RegisteredAt.IsZero() {
		t.Error("RegisteredAt should be set on first registration")
	}
}

func TestRegisterHostPreservesRegisteredAt(t *testing.T) {
	s := testStore(t)

	s.RegisterHost(HostEntry{AgentID: "agent-1", Hostname: "edge-01"})
	first, _ := s.GetHost("agent-1")

	time.Sleep(time.Millisecond)
	s.RegisterHost(HostEntry{AgentID: "agent-1", Hostname: "edge-01-renamed"})
	second, _ := s.GetHost("agent-1")

	if !second.RegisteredAt.Equal(first.RegisteredAt) {
		t.Errorf("RegisteredAt changed across re-registration: %v -> %v", first.RegisteredAt, second.RegisteredAt)
	}
	if second.Hostname != "edge-01-renamed" {
		t.Errorf("Hostname = %q, want edge-01-renamed", second.Hostname)
	}
}

func TestTouchHost(t *testing.T) {
	s := testStore(t)
	s.RegisterHost(HostEntry{AgentID: "agent-1", Hostname: "edge-01"})

	seen := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := s.TouchHost("agent-1", seen); err != nil {
		t.Fatalf("TouchHost: %v", err)
	}

	got, _ := s.GetHost("agent-1")
	if !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
	}
}

func TestDeregisterHost(t *testing.T) {
	s := testStore(t)
	s.RegisterHost(HostEntry{AgentID: "agent-1", Hostname: "edge-01"})
	if err := s.DeregisterHost("agent-1"); err != nil {
		t.Fatalf("DeregisterHost: %v", err)
	}
	got, _ := s.GetHost("agent-1")
	if got != nil {
		t.Errorf("expected host removed, got %+v", got)
	}
}

func TestListHosts(t *testing.T) {
	s := testStore(t)
	s.RegisterHost(HostEntry{AgentID: "a", Hostname: "one"})
	s.RegisterHost(HostEntry{AgentID: "b", Hostname: "two"})

	hosts, err := s.ListHosts()
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 2 {
		t.Fatalf("got %d hosts, want 2", len(hosts))
	}
}

func TestEnrollmentTokenConsume(t *testing.T) {
	s := testStore(t)
	tok := EnrollmentToken{Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.CreateEnrollmentToken(tok); err != nil {
		t.Fatalf("CreateEnrollmentToken: %v", err)
	}

	if err := s.ConsumeEnrollmentToken("tok-1", "agent-1", time.Now()); err != nil {
		t.Fatalf("ConsumeEnrollmentToken: %v", err)
	}

	// Second consume must fail -- single-use.
	if err := s.ConsumeEnrollmentToken("tok-1", "agent-2", time.Now()); err == nil {
		t.Error("expected error consuming an already-used token")
	}
}

func TestEnrollmentTokenExpired(t *testing.T) {
	s := testStore(t)
	tok := EnrollmentToken{Token: "tok-1", ExpiresAt: time.Now().Add(-time.Hour)}
	s.CreateEnrollmentToken(tok)

	if err := s.ConsumeEnrollmentToken("tok-1", "agent-1", time.Now()); err == nil {
		t.Error("expected error consuming an expired token")
	}
}

func TestEnrollmentTokenUnknown(t *testing.T) {
	s := testStore(t)
	if err := s.ConsumeEnrollmentToken("does-not-exist", "agent-1", time.Now()); err == nil {
		t.Error("expected error consuming an unknown token")
	}
}

func TestRevokeEnrollmentToken(t *testing.T) {
	s := testStore(t)
	s.CreateEnrollmentToken(EnrollmentToken{Token: "tok-1", ExpiresAt: time.Now().Add(time.Hour)})
	if err := s.RevokeEnrollmentToken("tok-1"); err != nil {
		t.Fatalf("RevokeEnrollmentToken: %v", err)
	}
	if err := s.ConsumeEnrollmentToken("tok-1", "agent-1", time.Now()); err == nil {
		t.Error("expected error consuming a revoked token")
	}
}

func TestRevokedPublicKey(t *testing.T) {
	s := testStore(t)

	revoked, err := s.IsRevokedPublicKey("key-a")
	if err != nil {
		t.Fatalf("IsRevokedPublicKey: %v", err)
	}
	if revoked {
		t.Error("key-a should not be revoked yet")
	}

	if err := s.RevokePublicKey("key-a"); err != nil {
		t.Fatalf("RevokePublicKey: %v", err)
	}

	revoked, err = s.IsRevokedPublicKey("key-a")
	if err != nil {
		t.Fatalf("IsRevokedPublicKey: %v", err)
	}
	if !revoked {
		t.Error("key-a should be revoked")
	}

	keys, err := s.ListRevokedPublicKeys()
	if err != nil {
		t.Fatalf("ListRevokedPublicKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "key-a" {
		t.Errorf("got %v, want [key-a]", keys)
	}
}

func TestSettingRoundTrip(t *testing.T) {
	s := testStore(t)
	if err := s.SaveSetting("display_name", "production-fleet"); err != nil {
		t.Fatalf("SaveSetting: %v", err)
	}
	got, err := s.LoadSetting("display_name")
	if err != nil {
		t.Fatalf("LoadSetting: %v", err)
	}
	if got != "production-fleet" {
		t.Errorf("got %q, want production-fleet", got)
	}
}

func TestGetAllSettings(t *testing.T) {
	s := testStore(t)
	s.SaveSetting("a", "1")
	s.SaveSetting("b", "2")

	all, err := s.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if all["a"] != "1" || all["b"] != "2" {
		t.Errorf("got %v", all)
	}
}

func TestLogRoundTrip(t *testing.T) {
	s := testStore(t)

	s.AppendLog(LogEntry{Type: "agent_enrolled", Message: "agent joined the fleet", AgentID: "agent-1"})
	time.Sleep(time.Millisecond)
	s.AppendLog(LogEntry{Type: "agent_trusted", Message: "public key pinned", AgentID: "agent-1"})

	entries, err := s.ListLogs(10)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Type != "agent_trusted" {
		t.Errorf("newest entry Type = %q, want agent_trusted", entries[0].Type)
	}
}

func TestListLogsRespectsLimit(t *testing.T) {
	s := testStore(t)
	for i := 0; i < 5; i++ {
		s.AppendLog(LogEntry{Type: "agent_enrolled", Message: "x"})
		time.Sleep(time.Millisecond)
	}

	entries, err := s.ListLogs(2)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
}

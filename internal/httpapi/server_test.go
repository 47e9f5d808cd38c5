package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Will-Luck/fleetd/internal/authn"
	"github.com/Will-Luck/fleetd/internal/events"
	"github.com/Will-Luck/fleetd/internal/keys"
	"github.com/Will-Luck/fleetd/internal/link"
	"github.com/Will-Luck/fleetd/internal/resource"
	"github.com/Will-Luck/fleetd/internal/rpc"
	"github.com/Will-Luck/fleetd/internal/store"
	"github.com/Will-Luck/fleetd/internal/termbridge"
)

type storeTrust struct{ st *store.Store }

func (v storeTrust) Validate(pub string) bool { return v.st.TrustsPublicKey(pub) }

func newTestServer(t *testing.T) (*Server, *store.Store, string) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	identity, err := keys.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	idPath := filepath.Join(dir, "identity.pem")
	if err := identity.Save(idPath); err != nil {
		t.Fatalf("save identity: %v", err)
	}

	linkMgr := link.NewManager(identity, storeTrust{st: st}, link.WSDialer{}, 1, nil)
	lookup := func(id string) (rpc.Connection, bool) { return linkMgr.Handle(id) }
	bridge := termbridge.New(authn.NewVerifier([]byte("secret"), nil), lookup, nil)

	srv := New(linkMgr, bridge, st, resource.NewRegistry(), events.New(), idPath, lookup, nil, nil)
	return srv, st, idPath
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestEnrollFlowTrustsAgentKey(t *testing.T) {
	srv, st, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enroll/tokens",
		bytes.NewBufferString(`{"label":"rack-4"}`)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create token status = %d, body %s", rec.Code, rec.Body.String())
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}

	enroll, _ := json.Marshal(map[string]string{
		"token":      tok.Token,
		"agent_id":   "srv-1",
		"public_key": "agent-pub-key",
		"hostname":   "host-1",
		"address":    "wss://host-1:7443/ws/periphery",
	})
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enroll", bytes.NewBuffer(enroll)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("enroll status = %d, body %s", rec.Code, rec.Body.String())
	}

	if !st.TrustsPublicKey("agent-pub-key") {
		t.Fatal("enrolled agent key should be trusted")
	}

	// Tokens are one-shot.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enroll", bytes.NewBuffer(enroll)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("second enroll status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/agents", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list agents status = %d", rec.Code)
	}
	var agents []agentStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "srv-1" || agents[0].Connected {
		t.Fatalf("agents = %+v", agents)
	}
}

func TestRotateKeysReplacesIdentity(t *testing.T) {
	srv, _, idPath := newTestServer(t)

	before, err := keys.Load(idPath)
	if err != nil {
		t.Fatalf("load identity: %v", err)
	}
	beforePub, _ := before.PublicBase64()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/keys/rotate", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp rotateKeysResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.PublicKey == "" || resp.PublicKey == beforePub {
		t.Fatalf("rotation returned public key %q, want a fresh one", resp.PublicKey)
	}

	after, err := keys.Load(idPath)
	if err != nil {
		t.Fatalf("load rotated identity: %v", err)
	}
	afterPub, _ := after.PublicBase64()
	if afterPub != resp.PublicKey {
		t.Fatalf("on-disk key %q does not match announced key %q", afterPub, resp.PublicKey)
	}
}

func TestSwarmRPCRejectsEmptyRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/swarm/rpc",
		bytes.NewBufferString(`{"managers":[],"type":""}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

package authn

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), nil)

	token, err := v.IssueJWT("alice", time.Hour)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	raw, _ := json.Marshal(loginFrame{Type: "Jwt", Params: mustJSON(t, jwtParams{JWT: token})})
	sub, err := v.Authenticate(raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sub.UserID != "alice" || sub.Source != "jwt" {
		t.Fatalf("got %+v", sub)
	}
}

func TestJWTExpired(t *testing.T) {
	v := NewVerifier([]byte("test-secret"), nil)
	token, err := v.IssueJWT("alice", -time.Minute)
	if err != nil {
		t.Fatalf("IssueJWT: %v", err)
	}

	raw, _ := json.Marshal(loginFrame{Type: "Jwt", Params: mustJSON(t, jwtParams{JWT: token})})
	_, err = v.Authenticate(raw)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	lookup := func(key string) (string, string, bool) {
		if key == "k1" {
			return "s1", "bob", true
		}
		return "", "", false
	}
	v := NewVerifier(nil, lookup)

	raw, _ := json.Marshal(loginFrame{Type: "ApiKeys", Params: mustJSON(t, apiKeyParams{Key: "k1", Secret: "s1"})})
	sub, err := v.Authenticate(raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sub.UserID != "bob" || sub.Source != "api-key" {
		t.Fatalf("got %+v", sub)
	}
}

func TestAPIKeyWrongSecretRejected(t *testing.T) {
	lookup := func(key string) (string, string, bool) { return "s1", "bob", true }
	v := NewVerifier(nil, lookup)

	raw, _ := json.Marshal(loginFrame{Type: "ApiKeys", Params: mustJSON(t, apiKeyParams{Key: "k1", Secret: "wrong"})})
	_, err := v.Authenticate(raw)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestUnknownLoginTypeRejected(t *testing.T) {
	v := NewVerifier([]byte("s"), nil)
	raw, _ := json.Marshal(loginFrame{Type: "Bogus"})
	_, err := v.Authenticate(raw)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

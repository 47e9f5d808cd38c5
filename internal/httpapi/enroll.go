package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Will-Luck/fleetd/internal/store"
)

// createEnrollTokenRequest is the body of POST /enroll/tokens.
type createEnrollTokenRequest struct {
	Label string `json:"label"`
	TTL   string `json:"ttl,omitempty"` // Go duration string, e.g. "24h"; empty means no expiry
}

type createEnrollTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// handleCreateEnrollToken mints a one-time enrollment token an operator
// hands to a new Agent out of band.
func (s *Server) handleCreateEnrollToken(w http.ResponseWriter, r *http.Request) {
	var req createEnrollTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	now := time.Now()
	var expires time.Time
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			http.Error(w, "malformed ttl", http.StatusBadRequest)
			return
		}
		expires = now.Add(d)
	}

	tok := store.EnrollmentToken{
		Token:     uuid.NewString(),
		Label:     req.Label,
		CreatedAt: now,
		ExpiresAt: expires,
	}
	if err := s.st.CreateEnrollmentToken(tok); err != nil {
		http.Error(w, "failed to create token", http.StatusInternalServerError)
		s.log.Error("create enrollment token failed", "error", err)
		return
	}

	writeJSON(w, http.StatusCreated, createEnrollTokenResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt})
}

// enrollRequest is what a new Agent posts to redeem an enrollment token
// and register its identity and host key.
type enrollRequest struct {
	Token     string `json:"token"`
	AgentID   string `json:"agent_id"`
	PublicKey string `json:"public_key"`
	Hostname  string `json:"hostname"`
	Address   string `json:"address"`
}

// handleEnroll consumes the token, registers the Agent's public key as a
// trusted peer, and records it in the host registry.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Token == "" || req.AgentID == "" || req.PublicKey == "" {
		http.Error(w, "token, agent_id and public_key are required", http.StatusBadRequest)
		return
	}

	now := time.Now()
	if err := s.st.ConsumeEnrollmentToken(req.Token, req.AgentID, now); err != nil {
		http.Error(w, "invalid or expired token", http.StatusForbidden)
		return
	}

	if err := s.st.AddTrustedPeer(store.TrustedPeer{
		AgentID:   req.AgentID,
		PublicKey: req.PublicKey,
		AddedAt:   now,
	}); err != nil {
		http.Error(w, "failed to trust agent key", http.StatusInternalServerError)
		s.log.Error("add trusted peer failed", "agent", req.AgentID, "error", err)
		return
	}

	if err := s.st.RegisterHost(store.HostEntry{
		AgentID:      req.AgentID,
		Hostname:     req.Hostname,
		Address:      req.Address,
		LastSeen:     now,
		RegisteredAt: now,
	}); err != nil {
		http.Error(w, "failed to register host", http.StatusInternalServerError)
		s.log.Error("register host failed", "agent", req.AgentID, "error", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

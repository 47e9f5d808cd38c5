package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Will-Luck/fleetd/internal/link"
)

func decodeJSONBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// agentStatus is one row of GET /agents: the host registry entry joined
// with the live link state for operator display, including the last
// disconnect reason recorded on the handle.
type agentStatus struct {
	AgentID   string `json:"agent_id"`
	Hostname  string `json:"hostname,omitempty"`
	Address   string `json:"address,omitempty"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
	PeerKey   string `json:"peer_public_key,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.st.ListHosts()
	if err != nil {
		http.Error(w, "failed to list hosts", http.StatusInternalServerError)
		s.log.Error("list hosts failed", "error", err)
		return
	}

	byID := make(map[string]agentStatus)
	for _, host := range hosts {
		byID[host.AgentID] = agentStatus{
			AgentID:  host.AgentID,
			Hostname: host.Hostname,
			Address:  host.Address,
		}
	}
	for _, id := range s.linkMgr.IDs() {
		status := byID[id]
		status.AgentID = id
		if h, ok := s.linkMgr.Handle(id); ok {
			status.Connected = h.Connected()
			if err := h.LastError(); err != nil {
				status.LastError = err.Error()
			}
			status.PeerKey = h.Session().PeerPublicKey
		}
		byID[id] = status
	}

	out := make([]agentStatus, 0, len(byID))
	for _, status := range byID {
		out = append(out, status)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleConnectAgent starts (or confirms) the Core-initiated outbound
// supervisor loop toward the agent's registered address.
func (s *Server) handleConnectAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	host, err := s.st.GetHost(id)
	if err != nil || host == nil {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	if host.Address == "" {
		http.Error(w, "agent has no registered address to dial", http.StatusConflict)
		return
	}

	var req struct {
		Insecure bool   `json:"insecure,omitempty"`
		Passkey  string `json:"passkey,omitempty"`
	}
	if r.ContentLength > 0 {
		_ = decodeJSONBody(r, &req)
	}

	// The supervisor loop outlives this request by design.
	s.linkMgr.EnsureOutbound(context.WithoutCancel(r.Context()), id, link.DialArgs{
		Addr:     host.Address,
		Insecure: req.Insecure,
		Passkey:  req.Passkey,
	})
	w.WriteHeader(http.StatusAccepted)
}

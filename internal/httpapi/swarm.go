package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Will-Luck/fleetd/internal/fanout"
	"github.com/Will-Luck/fleetd/internal/rpc"
)

// swarmRPCRequest is the body of POST /swarm/rpc: one RPC value tried
// against each candidate manager in order until one answers.
type swarmRPCRequest struct {
	Managers []string        `json:"managers"`
	Type     string          `json:"type"`
	Params   json.RawMessage `json:"params"`
}

type swarmRPCResponse struct {
	Manager string          `json:"manager"`
	Result  json.RawMessage `json:"result"`
}

// handleSwarmRPC is the HTTP face of the fan-out helper: candidates
// the reachability cache knows are down are skipped, the rest are tried
// in order, and only the last error survives a total failure.
func (s *Server) handleSwarmRPC(w http.ResponseWriter, r *http.Request) {
	var req swarmRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if len(req.Managers) == 0 || req.Type == "" {
		http.Error(w, "managers and type are required", http.StatusBadRequest)
		return
	}

	payload := mustMarshalRequest(req.Type, req.Params)
	result, err := fanout.Try(r.Context(), req.Managers, s.swarm, func(ctx context.Context, managerID string) (swarmRPCResponse, error) {
		raw, err := rpc.Request[json.RawMessage](ctx, s.lookup, managerID, payload)
		if err != nil {
			return swarmRPCResponse{}, err
		}
		return swarmRPCResponse{Manager: managerID, Result: raw}, nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Will-Luck/fleetd/internal/events"
	"github.com/Will-Luck/fleetd/internal/keys"
	"github.com/Will-Luck/fleetd/internal/rpc"
)

// mustMarshalRequest builds the {"type": ..., "params": ...} request
// envelope the Agent-side dispatcher expects.
func mustMarshalRequest(typ string, params any) []byte {
	b, err := json.Marshal(struct {
		Type   string `json:"type"`
		Params any    `json:"params"`
	}{Type: typ, Params: params})
	if err != nil {
		panic(fmt.Sprintf("httpapi: marshal %s params: %v", typ, err))
	}
	return b
}

type rotateKeysResponse struct {
	PublicKey string   `json:"public_key"`
	Notified  []string `json:"notified"`
	Failed    []string `json:"failed,omitempty"`
}

type rotateCoreKeyParams struct {
	NewPublicKey string `json:"new_public_key"`
}

// handleRotateKeys rotates Core's own identity key and announces the new
// public key to every known Agent: the on-disk PEM is
// replaced atomically, the in-process key is swapped for future
// handshakes, and each Agent is asked to pin the new key. Existing
// connections keep running on their old session.
func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	if s.identityPath == "" {
		http.Error(w, "key rotation is not configured", http.StatusConflict)
		return
	}

	fresh, err := keys.RotatePrivateKey(s.identityPath)
	if err != nil {
		http.Error(w, "rotate private key failed", http.StatusInternalServerError)
		s.log.Error("rotate private key failed", "error", err)
		return
	}
	s.linkMgr.SetIdentity(fresh)

	pub, err := fresh.PublicBase64()
	if err != nil {
		http.Error(w, "encode rotated public key failed", http.StatusInternalServerError)
		return
	}
	s.log.Info("core identity rotated", "public_key", pub)

	resp := rotateKeysResponse{PublicKey: pub}
	params := mustMarshalRequest("RotateCorePublicKey", rotateCoreKeyParams{NewPublicKey: pub})
	for _, id := range s.linkMgr.IDs() {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_, err := rpc.Request[struct{}](ctx, s.lookup, id, params)
		cancel()
		if err != nil {
			s.log.Warn("agent not notified of key rotation", "agent", id, "error", err)
			resp.Failed = append(resp.Failed, id)
			continue
		}
		resp.Notified = append(resp.Notified, id)
	}

	s.bus.Publish(events.SSEEvent{Type: events.EventKeyRotated, PublicKey: pub})
	writeJSON(w, http.StatusOK, resp)
}

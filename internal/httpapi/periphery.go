package httpapi

import (
	"context"
	"net/http"

	"github.com/Will-Luck/fleetd/internal/handshake"
	"github.com/Will-Luck/fleetd/internal/transport"
)

// handlePeriphery accepts an Agent's inbound websocket connection, runs
// the responder handshake on it, and installs it on the link.Manager
// under the agent id named in the "agent" query parameter.
func (s *Server) handlePeriphery(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	if agentID == "" {
		http.Error(w, "missing agent query parameter", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("periphery upgrade failed", "agent", agentID, "error", err)
		return
	}
	sock := transport.NewSocket(conn)

	// RequestURI is the path+query form the dialing side also binds into
	// its handshake proof (it reduces its full dial URL the same way).
	ids := handshake.Identifiers{URL: r.URL.RequestURI()}
	// The connection outlives this handler: the request context dies when
	// ServeHTTP returns, which would tear the accepted socket down.
	if _, err := s.linkMgr.AcceptInbound(context.WithoutCancel(r.Context()), agentID, sock, ids); err != nil {
		s.log.Warn("periphery accept failed", "agent", agentID, "error", err)
		return
	}
	s.log.Info("agent connected", "agent", agentID)
}

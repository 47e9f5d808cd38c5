package httpapi

import (
	"net/http"
	"strings"

	"github.com/Will-Luck/fleetd/internal/termbridge"
)

// handleTerminal accepts a browser's /ws/terminal connection and hands it
// to the termbridge.Bridge for login-frame auth and the Agent-side splice.
// The target is described entirely by query parameters, since this
// surface has no document-backed resource model to look one up from
// (that CRUD layer is out of scope).
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent")
	if agentID == "" {
		http.Error(w, "missing agent query parameter", http.StatusBadRequest)
		return
	}

	params := termbridge.ConnectParams{
		Name:     q.Get("name"),
		Command:  splitCommand(q.Get("command")),
		Recreate: q.Get("recreate"),
		Target: termbridge.Target{
			Kind:       q.Get("kind"),
			Server:     q.Get("server"),
			Container:  q.Get("container"),
			Stack:      q.Get("stack"),
			Service:    q.Get("service"),
			Deployment: q.Get("deployment"),
			Mode:       q.Get("mode"),
		},
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("terminal upgrade failed", "agent", agentID, "error", err)
		return
	}

	if err := s.bridge.Serve(r.Context(), conn, agentID, params); err != nil {
		s.log.Info("terminal session ended", "agent", agentID, "error", err)
	}
}

// splitCommand parses the "command" query parameter as a space-separated
// argv, honoring no quoting rules -- the bridge is consumed from a
// trusted operator UI, not a general shell.
func splitCommand(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

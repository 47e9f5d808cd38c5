package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Will-Luck/fleetd/internal/resource"
)

// handleResources dispatches the minimal resource CRUD surface at
// /resources/{kind}[/{id}[/rename]], one Table per kind.
func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		http.Error(w, "missing resource kind", http.StatusBadRequest)
		return
	}

	tbl, err := s.resourceTable(parts[1])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 2:
		s.handleResourceCollection(w, r, tbl)
	case len(parts) == 3:
		s.handleResourceItem(w, r, tbl, parts[2])
	case len(parts) == 4 && parts[3] == "rename":
		s.handleResourceRename(w, r, tbl, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) resourceTable(kind string) (*resource.Table, error) {
	for _, k := range resource.AllKinds() {
		if string(k) == kind {
			return s.resources.Table(k), nil
		}
	}
	return nil, errors.New("unknown resource kind")
}

func (s *Server) handleResourceCollection(w http.ResponseWriter, r *http.Request, tbl *resource.Table) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, tbl.List())

	case http.MethodPost:
		var req struct {
			Name   string          `json:"name"`
			Config json.RawMessage `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		rec, err := tbl.Create(uuid.NewString(), req.Name, req.Config)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusCreated, rec)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleResourceItem(w http.ResponseWriter, r *http.Request, tbl *resource.Table, id string) {
	switch r.Method {
	case http.MethodGet:
		rec, ok := tbl.Get(id)
		if !ok {
			http.Error(w, resource.ErrNotFound.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, rec)

	case http.MethodPut:
		var req struct {
			Config json.RawMessage `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if err := tbl.Update(id, req.Config); err != nil {
			writeResourceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := tbl.Delete(id); err != nil {
			writeResourceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleResourceRename(w http.ResponseWriter, r *http.Request, tbl *resource.Table, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := tbl.Rename(id, req.Name); err != nil {
		writeResourceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeResourceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, resource.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, resource.ErrNameTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusLocked)
	}
}

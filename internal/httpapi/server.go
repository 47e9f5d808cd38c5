// Package httpapi exposes fleetd's Core-side HTTP surface: the two
// websocket upgrade paths (/ws/periphery, /ws/terminal), enrollment
// endpoints backed by internal/store, the /resources capability-record
// CRUD, the /events stream, agent listing and connect (/agents,
// /agents/{id}/connect), Core key rotation (/keys/rotate), swarm RPC
// fan-out (/swarm/rpc), and the ambient /healthz and /metrics endpoints.
// It has no user-auth or static-frontend surface.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-Luck/fleetd/internal/events"
	"github.com/Will-Luck/fleetd/internal/fanout"
	"github.com/Will-Luck/fleetd/internal/link"
	"github.com/Will-Luck/fleetd/internal/resource"
	"github.com/Will-Luck/fleetd/internal/rpc"
	"github.com/Will-Luck/fleetd/internal/store"
	"github.com/Will-Luck/fleetd/internal/termbridge"
)

// Server wires the link.Manager, termbridge.Bridge, store.Store,
// resource.Registry, and events.Bus into a routable http.Handler. The
// handshake credentials and peer trust set live inside linkMgr
// (configured when it was constructed); Server only routes HTTP and
// upgrades websockets onto it.
type Server struct {
	mux *http.ServeMux

	linkMgr   *link.Manager
	bridge    *termbridge.Bridge
	st        *store.Store
	resources *resource.Registry
	bus       *events.Bus
	log       *slog.Logger

	// identityPath is where Core's private key lives, rotated in place by
	// POST /keys/rotate. lookup resolves agent ids for RPC fan-out; swarm
	// is the reachability pre-filter for /swarm/rpc candidates.
	identityPath string
	lookup       rpc.Lookup
	swarm        *fanout.StateCache

	upgrader websocket.Upgrader
}

// New builds a Server.
func New(linkMgr *link.Manager, bridge *termbridge.Bridge, st *store.Store, resources *resource.Registry, bus *events.Bus, identityPath string, lookup rpc.Lookup, swarm *fanout.StateCache, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		linkMgr:      linkMgr,
		bridge:       bridge,
		st:           st,
		resources:    resources,
		bus:          bus,
		log:          log,
		identityPath: identityPath,
		lookup:       lookup,
		swarm:        swarm,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /ws/periphery", s.handlePeriphery)
	s.mux.HandleFunc("GET /ws/terminal", s.handleTerminal)
	s.mux.HandleFunc("POST /enroll/tokens", s.handleCreateEnrollToken)
	s.mux.HandleFunc("POST /enroll", s.handleEnroll)
	s.mux.HandleFunc("/resources/", s.handleResources)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /agents", s.handleListAgents)
	s.mux.HandleFunc("POST /agents/{id}/connect", s.handleConnectAgent)
	s.mux.HandleFunc("POST /keys/rotate", s.handleRotateKeys)
	s.mux.HandleFunc("POST /swarm/rpc", s.handleSwarmRPC)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

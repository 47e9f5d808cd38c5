// Package link implements the connection supervisor: dialing or
// accepting a websocket, running the mutual-auth handshake on it, and keeping a
// writer/reader pair alive for as long as the socket survives, retrying
// on failure.
package link

import (
	"context"
	"sync"
	"time"

	"github.com/Will-Luck/fleetd/internal/handshake"
	"github.com/Will-Luck/fleetd/internal/transport"
)

// livenessTimeout is how long either side tolerates silence (no frame, no
// ping) before declaring the connection dead and reconnecting.
const livenessTimeout = 10 * time.Second

// pingInterval is how often the writer sends a liveness ping when the
// outbound queue has been idle.
const pingInterval = 5 * time.Second

// DefaultRetrySeconds is the fallback cooldown between redial attempts
// when the caller doesn't configure one (FLEET_CONNECTION_RETRY_SECONDS).
const DefaultRetrySeconds = 10

// RequestHandler processes an inbound KindRequest frame that the registry
// didn't already route (i.e. a request, not a response or terminal chunk),
// writes a reply back through sender, and may register its own channel
// entries on registry (e.g. ConnectTerminal registering the channel id it
// hands back in its response so later Terminal frames on that channel
// route to it).
type RequestHandler func(ctx context.Context, msg transport.Message, sender *transport.Sender, registry *transport.Registry)

// Handle is the live (or most-recently-live) state of one logical
// connection to a peer, identified by an opaque string id (an Agent id on
// Core's side, "core" on the Agent's side).
type Handle struct {
	ID string

	mu          sync.RWMutex
	connected   bool
	supervising bool
	lastErr     error
	session     handshake.Session

	registry *transport.Registry
	sender   *transport.Sender
	buffered *transport.Buffered

	cancel context.CancelFunc
	done   chan struct{}
}

func newHandle(id string) *Handle {
	return &Handle{
		ID:       id,
		registry: transport.NewRegistry(),
		sender:   transport.NewSender(),
		buffered: &transport.Buffered{},
	}
}

// Connected reports whether the handle currently has a live socket.
func (h *Handle) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// Session returns the most recently established handshake session.
func (h *Handle) Session() handshake.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.session
}

// LastError returns the error that ended the most recent connection
// attempt, if any.
func (h *Handle) LastError() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastErr
}

// Registry exposes the response/terminal channel registry for this
// handle, used by RPC callers and terminal bridges to register reply slots.
func (h *Handle) Registry() *transport.Registry {
	return h.registry
}

// Sender exposes the outbound frame queue, used by RPC callers and terminals to send
// requests and terminal frames.
func (h *Handle) Sender() *transport.Sender {
	return h.sender
}

func (h *Handle) setConnected(connected bool, session handshake.Session, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = connected
	if connected {
		h.session = session
		h.lastErr = nil
	} else {
		h.lastErr = err
	}
}

// Close tears down the handle's current socket (if any) and closes its
// sender. Manager.Remove calls it after dropping the handle, and the
// outbound supervisor loop stops redialing a handle the Manager no longer
// holds.
func (h *Handle) Close() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.sender.Close()
	h.registry.DrainAll()
}

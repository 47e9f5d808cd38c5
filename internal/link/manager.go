package link

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Will-Luck/fleetd/internal/clock"
	"github.com/Will-Luck/fleetd/internal/handshake"
	"github.com/Will-Luck/fleetd/internal/keys"
	"github.com/Will-Luck/fleetd/internal/metrics"
	"github.com/Will-Luck/fleetd/internal/transport"
)

// Dialer opens the raw websocket half of an outbound connection. Kept as
// an interface so supervisor tests can swap in an in-memory pair instead
// of a real *websocket.Conn.
type Dialer interface {
	Dial(ctx context.Context, addr string, insecure bool) (transport.Socket, error)
}

// DialArgs are the per-peer connection parameters: the
// address to dial, an optional legacy passkey for peers too old to speak
// the X25519 handshake, and whether to accept invalid TLS certificates.
type DialArgs struct {
	Addr     string
	Insecure bool
	Passkey  string
}

// ConnHook observes a connect or disconnect transition for id, used to
// drive SSE events and external notifications from one place rather than
// scattering observer calls through the supervisor loops.
type ConnHook func(id string)

// Manager owns every Handle this process maintains, on either side of the
// Core/Agent relationship: Core keeps one Handle per known Agent id,
// Agent keeps exactly one Handle keyed "core".
type Manager struct {
	validator      handshake.PublicKeyValidator
	dialer         Dialer
	retrySeconds   int
	requestHandler RequestHandler
	clk            clock.Clock

	onConnect    ConnHook
	onDisconnect ConnHook

	mu       sync.Mutex
	identity *keys.Identity
	handles  map[string]*Handle

	// legacyPasskey backs both sides of the v1 fallback: the initiator
	// answers a legacy responder with it, and a responder configured with
	// legacyRespond announces the v1 flow to every inbound peer.
	legacyPasskey string
	legacyRespond bool
}

// NewManager builds a Manager. requestHandler may be nil if this side
// never expects to receive KindRequest frames (e.g. a pure Core that only
// issues requests and never serves them).
func NewManager(identity *keys.Identity, validator handshake.PublicKeyValidator, dialer Dialer, retrySeconds int, requestHandler RequestHandler) *Manager {
	if retrySeconds <= 0 {
		retrySeconds = DefaultRetrySeconds
	}
	return &Manager{
		identity:       identity,
		validator:      validator,
		dialer:         dialer,
		retrySeconds:   retrySeconds,
		requestHandler: requestHandler,
		clk:            clock.Real{},
		handles:        make(map[string]*Handle),
	}
}

// SetClock overrides the Manager's time source, used by tests to avoid
// real reconnect-backoff delays.
func (m *Manager) SetClock(c clock.Clock) {
	m.clk = c
}

// SetLegacy configures the v1 passkey fallback. passkey is offered when a
// dialed peer announces the legacy flow; respondLegacy makes this side
// announce the legacy flow itself on inbound connections (only sensible
// for a passkey-only deployment with no pinned peer keys).
func (m *Manager) SetLegacy(passkey string, respondLegacy bool) {
	m.mu.Lock()
	m.legacyPasskey = passkey
	m.legacyRespond = respondLegacy
	m.mu.Unlock()
}

// SetIdentity hot-swaps the identity used for future handshakes:
// existing connections keep running, the next
// dial/accept authenticates under the new key.
func (m *Manager) SetIdentity(id *keys.Identity) {
	m.mu.Lock()
	m.identity = id
	m.mu.Unlock()
}

func (m *Manager) currentIdentity() *keys.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

func (m *Manager) legacyConfig() (passkey string, respond bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.legacyPasskey, m.legacyRespond
}

// IDs returns every handle id this Manager has ever created, connected or
// not, in no particular order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

// SetConnHooks installs callbacks fired every time a handle transitions
// to connected or disconnected. Either may be nil.
func (m *Manager) SetConnHooks(onConnect, onDisconnect ConnHook) {
	m.onConnect = onConnect
	m.onDisconnect = onDisconnect
}

func (m *Manager) fireConnect(id string) {
	if m.onConnect != nil {
		m.onConnect(id)
	}
}

func (m *Manager) fireDisconnect(id string) {
	if m.onDisconnect != nil {
		m.onDisconnect(id)
	}
}

// Handle returns the handle for id, if one has ever been created.
func (m *Manager) Handle(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

func (m *Manager) getOrCreate(id string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok {
		h = newHandle(id)
		m.handles[id] = h
	}
	return h
}

// Remove stops and forgets the handle for id entirely (used when an Agent
// is deleted/decommissioned, not on ordinary disconnect).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	h, ok := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()
	if ok {
		h.Close()
	}
}

// EnsureOutbound starts (if not already running) the dial/handshake/retry
// supervisor loop for id against addr. Safe to call repeatedly; it is a
// no-op once the supervisor is already running.
func (m *Manager) EnsureOutbound(ctx context.Context, id string, args DialArgs) *Handle {
	h := m.getOrCreate(id)

	h.mu.Lock()
	alreadyRunning := h.supervising
	if !alreadyRunning {
		h.supervising = true
	}
	h.mu.Unlock()
	if alreadyRunning {
		return h
	}

	go m.superviseOutbound(ctx, h, args)
	return h
}

func (m *Manager) superviseOutbound(ctx context.Context, h *Handle, args DialArgs) {
	defer func() {
		h.mu.Lock()
		h.supervising = false
		h.mu.Unlock()
	}()
	for {
		if ctx.Err() != nil {
			return
		}
		if cur, ok := m.Handle(h.ID); !ok || cur != h {
			return // removed via Remove
		}

		sock, err := m.dialer.Dial(ctx, args.Addr, args.Insecure)
		if err != nil {
			metrics.ConnectAttemptsTotal.WithLabelValues("dial_failed").Inc()
			h.setConnected(false, handshake.Session{}, fmt.Errorf("dial %s: %w", args.Addr, err))
			if !m.sleepRetry(ctx) {
				return
			}
			metrics.ReconnectsTotal.Inc()
			continue
		}

		ids := handshake.Identifiers{URL: requestURI(args.Addr)}
		session, err := handshake.Initiate(sock, m.currentIdentity(), m.validator, ids, []byte(args.Passkey))
		if err != nil {
			sock.Close()
			metrics.ConnectAttemptsTotal.WithLabelValues("handshake_failed").Inc()
			h.setConnected(false, handshake.Session{}, fmt.Errorf("handshake: %w", err))
			if !m.sleepRetry(ctx) {
				return
			}
			metrics.ReconnectsTotal.Inc()
			continue
		}

		metrics.ConnectAttemptsTotal.WithLabelValues("ok").Inc()
		metrics.ConnectedAgents.Inc()
		h.setConnected(true, session, nil)
		m.fireConnect(h.ID)
		err = runConnection(ctx, h, sock, m.requestHandler)
		h.setConnected(false, session, err)
		m.fireDisconnect(h.ID)
		metrics.ConnectedAgents.Dec()

		if !m.sleepRetry(ctx) {
			return
		}
		metrics.ReconnectsTotal.Inc()
	}
}

// settleDelay is how long AcceptInbound waits for a just-superseded
// handle's prior connection goroutines to wind down before installing
// the replacement.
const settleDelay = 500 * time.Millisecond

// AcceptInbound runs the responder side of the handshake on an already
// websocket-upgraded sock and, on success, installs it as the live
// connection for id -- replacing (after a short settle delay) whatever
// connection previously held that id.
func (m *Manager) AcceptInbound(ctx context.Context, id string, sock transport.Socket, ids handshake.Identifiers) (*Handle, error) {
	passkey, respondLegacy := m.legacyConfig()
	session, err := handshake.Respond(sock, m.currentIdentity(), m.validator, ids, []byte(passkey), respondLegacy)
	if err != nil {
		sock.Close()
		metrics.ConnectAttemptsTotal.WithLabelValues("handshake_failed").Inc()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	metrics.ConnectAttemptsTotal.WithLabelValues("ok").Inc()

	h := m.getOrCreate(id)

	h.mu.Lock()
	prior := h.cancel
	h.mu.Unlock()
	if prior != nil {
		prior()
		time.Sleep(settleDelay)
	}

	metrics.ConnectedAgents.Inc()
	h.setConnected(true, session, nil)
	m.fireConnect(id)
	go func() {
		err := runConnection(ctx, h, sock, m.requestHandler)
		h.setConnected(false, session, err)
		m.fireDisconnect(id)
		metrics.ConnectedAgents.Dec()
	}()

	return h, nil
}

// requestURI reduces a dial address to the path-and-query form the
// accepting side sees on its *http.Request, so both ends bind the same
// identifier bytes into the handshake proofs. A bare or unparseable
// address is used as-is.
func requestURI(addr string) string {
	u, err := url.Parse(addr)
	if err != nil || u.Path == "" {
		return addr
	}
	return u.RequestURI()
}

func (m *Manager) sleepRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.clk.After(time.Duration(m.retrySeconds) * time.Second):
		return true
	}
}

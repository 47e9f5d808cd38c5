package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Will-Luck/fleetd/internal/authn"
	"github.com/Will-Luck/fleetd/internal/config"
	"github.com/Will-Luck/fleetd/internal/events"
	"github.com/Will-Luck/fleetd/internal/fanout"
	"github.com/Will-Luck/fleetd/internal/httpapi"
	"github.com/Will-Luck/fleetd/internal/keys"
	"github.com/Will-Luck/fleetd/internal/link"
	"github.com/Will-Luck/fleetd/internal/logging"
	"github.com/Will-Luck/fleetd/internal/notify"
	"github.com/Will-Luck/fleetd/internal/resource"
	"github.com/Will-Luck/fleetd/internal/rpc"
	"github.com/Will-Luck/fleetd/internal/store"
	"github.com/Will-Luck/fleetd/internal/termbridge"
)

const shutdownGrace = 5 * time.Second

// storeValidator adapts store.Store's live trusted-peer table to
// handshake.PublicKeyValidator: Core trusts whichever Agent public keys
// enrollment (or direct store edits) have added, with no separate reload
// step needed.
type storeValidator struct {
	st *store.Store
}

func (v storeValidator) Validate(peerPublicKey string) bool {
	return v.st.TrustsPublicKey(peerPublicKey)
}

func runCore(args []string) error {
	fs := flag.NewFlagSet("core", flag.ExitOnError)
	identityPath := fs.String("identity", "", "path to Core's private key (default FLEET_IDENTITY_PATH, then derived from FLEET_DB_PATH)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := logging.New(cfg.LogJSON)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	idPath := *identityPath
	if idPath == "" {
		idPath = cfg.IdentityPath
	}
	if idPath == "" {
		idPath = filepath.Join(filepath.Dir(cfg.DBPath), "core-identity.pem")
	}
	identity, err := keys.EnsureIdentity(idPath)
	if err != nil {
		return fmt.Errorf("ensure core identity: %w", err)
	}
	pub, err := identity.PublicBase64()
	if err != nil {
		return fmt.Errorf("encode core public key: %w", err)
	}
	log.Info("core identity ready", "public_key", pub, "path", idPath)

	bus := events.New()
	notifier := buildNotifier(cfg, log)

	linkMgr := link.NewManager(identity, storeValidator{st: st}, link.WSDialer{}, int(cfg.RetryInterval().Seconds()), nil)
	linkMgr.SetLegacy(cfg.Passkey, false)
	linkMgr.SetConnHooks(
		func(id string) {
			bus.Publish(events.SSEEvent{Type: events.EventAgentConnected, AgentID: id})
			notifier.Notify(context.Background(), notify.Event{Type: notify.EventAgentConnected, AgentID: id})
		},
		func(id string) {
			var reason string
			if h, ok := linkMgr.Handle(id); ok {
				if err := h.LastError(); err != nil {
					reason = err.Error()
				}
			}
			bus.Publish(events.SSEEvent{Type: events.EventAgentDisconnected, AgentID: id, Error: reason})
			notifier.Notify(context.Background(), notify.Event{Type: notify.EventAgentDisconnected, AgentID: id, Error: reason})
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// lookup resolves an agent id to its connection, lazily starting the
	// outbound supervisor for an enrolled host whose address is known but
	// which nothing has dialed yet.
	lookup := func(id string) (rpc.Connection, bool) {
		if h, ok := linkMgr.Handle(id); ok {
			return h, true
		}
		host, err := st.GetHost(id)
		if err != nil || host == nil || host.Address == "" {
			return nil, false
		}
		return linkMgr.EnsureOutbound(ctx, id, link.DialArgs{Addr: host.Address, Passkey: cfg.Passkey}), true
	}
	verifier := authn.NewVerifier([]byte(cfg.Passkey), nil)
	bridge := termbridge.New(verifier, lookup, log.Logger)

	resources := resource.NewRegistry()

	swarmCache := fanout.NewStateCache(linkMgr.IDs, func(id string) bool {
		h, ok := linkMgr.Handle(id)
		return ok && h.Connected()
	}, log.Logger)

	api := httpapi.New(linkMgr, bridge, st, resources, bus, idPath, lookup, swarmCache, log.Logger)

	if err := swarmCache.Start(ctx, ""); err != nil {
		return fmt.Errorf("start swarm state cache: %w", err)
	}

	// Resume the outbound supervisor for every host enrolled with a
	// dialable address; the rest connect inbound on /ws/periphery.
	if hosts, err := st.ListHosts(); err == nil {
		for _, host := range hosts {
			if host.Address != "" {
				linkMgr.EnsureOutbound(ctx, host.AgentID, link.DialArgs{Addr: host.Address, Passkey: cfg.Passkey})
			}
		}
	} else {
		log.Warn("list hosts for outbound dialing failed", "error", err)
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("core listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func buildNotifier(cfg *config.Config, log *logging.Logger) *notify.Multi {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log.Logger)}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, "fleetd/events", "fleetd-core", "", "", 1))
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL))
	}
	return notify.NewMulti(log.Logger, notifiers...)
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Will-Luck/fleetd/internal/config"
	"github.com/Will-Luck/fleetd/internal/docker"
	"github.com/Will-Luck/fleetd/internal/handshake"
	"github.com/Will-Luck/fleetd/internal/keys"
	"github.com/Will-Luck/fleetd/internal/link"
	"github.com/Will-Luck/fleetd/internal/logging"
	"github.com/Will-Luck/fleetd/internal/terminal"
	"github.com/Will-Luck/fleetd/internal/transport"

	"github.com/gorilla/websocket"
)

func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	identityPath := fs.String("identity", "", "path to the Agent's private key (default FLEET_IDENTITY_PATH, then derived from FLEET_DB_PATH)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.AgentID == "" {
		return fmt.Errorf("FLEET_AGENT_ID is required in agent mode")
	}
	log := logging.New(cfg.LogJSON)

	idPath := *identityPath
	if idPath == "" {
		idPath = cfg.IdentityPath
	}
	if idPath == "" {
		idPath = filepath.Join(filepath.Dir(cfg.DBPath), "agent-identity.pem")
	}
	identity, err := keys.EnsureIdentity(idPath)
	if err != nil {
		return fmt.Errorf("ensure agent identity: %w", err)
	}
	pub, err := identity.PublicBase64()
	if err != nil {
		return fmt.Errorf("encode agent public key: %w", err)
	}
	log.Info("agent identity ready", "agent", cfg.AgentID, "public_key", pub, "path", idPath)

	trust, err := keys.NewTrustStore(cfg.CorePublicKeys())
	if err != nil {
		return fmt.Errorf("build trust store: %w", err)
	}

	var execer terminal.DockerExecer
	if cfg.DockerSock != "" {
		dc, err := docker.NewClient(cfg.DockerSock, nil)
		if err != nil {
			log.Warn("docker unavailable, container terminals disabled", "sock", cfg.DockerSock, "error", err)
		} else {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := dc.Ping(pingCtx); err != nil {
				log.Warn("docker daemon not responding, container terminals may fail", "sock", cfg.DockerSock, "error", err)
			}
			pingCancel()
			defer dc.Close()
			execer = dc
		}
	}
	terminals := terminal.NewRegistry(execer, terminal.OSHostShell{}, cfg.ScrollbackKB)

	handler := newAgentHandler(terminals, trust, log.Logger)

	linkMgr := link.NewManager(identity, trust, link.WSDialer{}, int(cfg.RetryInterval().Seconds()), handler.Handle)
	// A deployment with a shared passkey and no pinned Core keys is a
	// legacy-only one; everything else answers the modern flow.
	linkMgr.SetLegacy(cfg.Passkey, cfg.Passkey != "" && len(cfg.CorePublicKeys()) == 0)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.CoreAddr != "" {
		dialURL, err := coreDialURL(cfg.CoreAddr, cfg.AgentID, cfg.TLSInsecure)
		if err != nil {
			return fmt.Errorf("build core dial url: %w", err)
		}
		log.Info("dialing core", "url", dialURL)
		linkMgr.EnsureOutbound(ctx, "core", link.DialArgs{
			Addr:     dialURL,
			Insecure: cfg.TLSInsecure,
			Passkey:  cfg.Passkey,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws/periphery", acceptCore(linkMgr, log))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("agent listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// acceptCore serves the Agent's side of a Core-initiated connection: Core
// dials this Agent's /ws/periphery and the accepted socket is handed to
// the same responder handshake and supervisor the Core side uses.
func acceptCore(linkMgr *link.Manager, log *logging.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	return func(w http.ResponseWriter, r *http.Request) {
		coreID := r.URL.Query().Get("core")
		if coreID == "" {
			coreID = "core"
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("periphery upgrade failed", "core", coreID, "error", err)
			return
		}
		sock := transport.NewSocket(conn)

		ids := handshake.Identifiers{URL: r.URL.RequestURI()}
		if _, err := linkMgr.AcceptInbound(context.WithoutCancel(r.Context()), coreID, sock, ids); err != nil {
			log.Warn("periphery accept failed", "core", coreID, "error", err)
			return
		}
		log.Info("core connected", "core", coreID)
	}
}

// coreDialURL builds the websocket URL an Agent dials Core at, carrying
// identifying query parameters: the advertised agent id, a random
// nonce bound into the handshake proof, and the TLS mode.
func coreDialURL(coreAddr, agentID string, insecure bool) (string, error) {
	u, err := url.Parse(coreAddr)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws/periphery"
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	q := u.Query()
	q.Set("agent", agentID)
	q.Set("nonce", hex.EncodeToString(nonce))
	if insecure {
		q.Set("tls", "insecure")
	} else {
		q.Set("tls", "verify")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

package main

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/term"

	"github.com/Will-Luck/fleetd/internal/authn"
	"github.com/Will-Luck/fleetd/internal/config"
)

// disconnectSeq is the local escape sequence (Alt+Q) that ends an
// interactive session without killing the remote terminal's process.
var disconnectSeq = []byte{197, 147}

const resizeTag byte = 0xFF

// runSSH opens an interactive terminal on a server through Core's
// /ws/terminal endpoint, splicing the local console onto it.
func runSSH(args []string) error {
	var server string
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		server = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("ssh", flag.ExitOnError)
	name := fs.String("name", "", "terminal name (default: the server name)")
	command := fs.String("command", "", "shell command to run the terminal with")
	recreate := fs.Bool("recreate", false, "kill any existing terminal with this name and start fresh")
	coreURL := fs.String("core", "", "Core base URL (default FLEET_CORE_ADDR, then ws://127.0.0.1:8080)")
	insecure := fs.Bool("insecure", false, "accept invalid TLS certificates")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if server == "" {
		return fmt.Errorf("usage: fleetd ssh <server> [--name N] [--command ...] [--recreate]")
	}
	if *name == "" {
		*name = server
	}

	cfg := config.Load()
	base := *coreURL
	if base == "" {
		base = cfg.CoreAddr
	}
	if base == "" {
		base = "ws://127.0.0.1:8080"
	}
	if cfg.Passkey == "" {
		return fmt.Errorf("FLEET_PASSKEY is required to authenticate the terminal session")
	}

	wsURL, err := terminalURL(base, server, *name, *command, *recreate)
	if err != nil {
		return fmt.Errorf("build terminal url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if *insecure || cfg.TLSInsecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in
	}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial core: %w", err)
	}
	defer conn.Close()

	if err := login(conn, cfg.Passkey); err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	restore := func() {}
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(fd, oldState) }
	}
	defer restore()

	// gorilla permits one concurrent writer; the stdin pump and the
	// window-change handler share the socket.
	var writeMu sync.Mutex
	send := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}

	// Begin-forwarding sentinel, then the initial window size.
	if err := send([]byte{0x00}); err != nil {
		return fmt.Errorf("send begin sentinel: %w", err)
	}
	if term.IsTerminal(fd) {
		if frame, err := resizeFrame(fd); err == nil {
			_ = send(frame)
		}
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if frame, err := resizeFrame(fd); err == nil {
				_ = send(frame)
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				_, _ = os.Stdout.Write(data)
			case websocket.TextMessage:
				if string(data) == "STREAM EOF" {
					return
				}
				fmt.Fprintf(os.Stderr, "\r\n%s\r\n", data)
			}
		}
	}()

	disconnect := make(chan struct{})
	go pumpStdin(send, disconnect)

	select {
	case <-done:
	case <-disconnect:
	}

	restore()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	fmt.Fprintln(os.Stderr, "disconnected")
	os.Exit(0)
	return nil
}

// login sends the JWT login frame /ws/terminal expects as its first
// message and waits for the LOGGED_IN acknowledgement.
func login(conn *websocket.Conn, passkey string) error {
	verifier := authn.NewVerifier([]byte(passkey), nil)
	token, err := verifier.IssueJWT("cli", 5*time.Minute)
	if err != nil {
		return fmt.Errorf("issue session jwt: %w", err)
	}

	frame, err := json.Marshal(map[string]any{
		"type":   "Jwt",
		"params": map[string]string{"jwt": token},
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send login frame: %w", err)
	}

	_, reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read login reply: %w", err)
	}
	if string(reply) != "LOGGED_IN" {
		return fmt.Errorf("login rejected: %s", reply)
	}
	return nil
}

// pumpStdin forwards console input to the remote terminal, watching for
// the Alt+Q disconnect sequence (which is consumed locally, never sent).
func pumpStdin(send func([]byte) error, disconnect chan<- struct{}) {
	buf := make([]byte, 4096)
	var pending byte // trailing first-byte of a possibly split sequence
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if pending == disconnectSeq[0] {
				if data[0] == disconnectSeq[1] {
					close(disconnect)
					return
				}
				// The held-back byte was not the start of the sequence.
				if err := send([]byte{pending}); err != nil {
					return
				}
			}
			pending = 0
			for i := 0; i+1 < len(data); i++ {
				if data[i] == disconnectSeq[0] && data[i+1] == disconnectSeq[1] {
					if i > 0 {
						_ = send(data[:i])
					}
					close(disconnect)
					return
				}
			}
			if data[len(data)-1] == disconnectSeq[0] {
				pending = disconnectSeq[0]
				data = data[:len(data)-1]
			}
			if len(data) > 0 {
				if err := send(data); err != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// resizeFrame encodes the current window size as a 0xFF-tagged resize
// message.
func resizeFrame(fd int) ([]byte, error) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return nil, err
	}
	dims, err := json.Marshal(struct {
		Rows uint `json:"rows"`
		Cols uint `json:"cols"`
	}{Rows: uint(rows), Cols: uint(cols)})
	if err != nil {
		return nil, err
	}
	return append([]byte{resizeTag}, dims...), nil
}

// terminalURL builds the /ws/terminal URL for a host-shell target on
// server, with the on-demand creation parameters.
func terminalURL(base, server, name, command string, recreate bool) (string, error) {
	u, err := url.Parse(base)
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
	u.Path = "/ws/terminal"

	q := u.Query()
	q.Set("agent", server)
	q.Set("kind", "Server")
	q.Set("server", server)
	q.Set("name", name)
	if command != "" {
		q.Set("command", command)
	}
	if recreate {
		q.Set("recreate", "Always")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

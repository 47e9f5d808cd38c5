// Package termbridge implements the terminal bridge: it splices a
// browser websocket to an Agent's terminal channel, authenticating the
// browser first and cleaning up the Agent-side terminal on disconnect.
package termbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Will-Luck/fleetd/internal/authn"
	"github.com/Will-Luck/fleetd/internal/rpc"
	"github.com/Will-Luck/fleetd/internal/transport"
)

// Target is the tagged union of things a terminal can be opened against,
// matching the /ws/terminal query parameters.
type Target struct {
	Kind       string // "Server", "Container", "Stack", "Deployment"
	Server     string
	Container  string
	Stack      string
	Service    string
	Deployment string
	Mode       string // container targets: "Exec" (default) or "Attach"
}

// ConnectParams are the RPC params sent to the Agent's ConnectTerminal
// operation.
type ConnectParams struct {
	Name     string   `json:"name"`
	Target   Target   `json:"target"`
	Command  []string `json:"command,omitempty"`
	Recreate string   `json:"recreate,omitempty"`
}

// ConnectResponse is what the Agent's ConnectTerminal RPC returns.
type ConnectResponse struct {
	Channel transport.ChannelID `json:"channel"`
}

// Bridge owns one browser<->Agent terminal splice.
type Bridge struct {
	verifier   *authn.Verifier
	lookupConn rpc.Lookup
	log        *slog.Logger
}

// New builds a Bridge. lookupConn resolves an Agent id to the link
// connection carrying its already-established websocket (same Lookup the
// rpc package uses).
func New(verifier *authn.Verifier, lookupConn rpc.Lookup, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{verifier: verifier, lookupConn: lookupConn, log: log}
}

// Serve drives one browser connection end to end: login-frame auth, the
// ConnectTerminal RPC against agentID, and the bidirectional splice.
// Blocks until the browser disconnects, the Agent connection ends, or ctx
// is cancelled.
func (b *Bridge) Serve(ctx context.Context, browser *websocket.Conn, agentID string, params ConnectParams) error {
	if err := b.authenticate(browser); err != nil {
		writeCloseText(browser, err.Error())
		return err
	}

	resp, err := rpc.Request[ConnectResponse](ctx, b.lookupConn, agentID, mustMarshal("ConnectTerminal", params))
	if err != nil {
		writeCloseText(browser, fmt.Sprintf("[500]: %v", err))
		return err
	}

	conn, ok := b.lookupConn(agentID)
	if !ok {
		err := fmt.Errorf("termbridge: agent %s connection disappeared after ConnectTerminal", agentID)
		writeCloseText(browser, fmt.Sprintf("[500]: %v", err))
		return err
	}

	terminalIn, deregister := conn.Registry().RegisterTerminal(resp.Channel)
	defer deregister()

	bridgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- clientToAgent(bridgeCtx, browser, resp.Channel, conn.Sender()) }()
	go func() { errCh <- agentToClient(bridgeCtx, browser, terminalIn) }()

	err = <-errCh
	cancel()
	<-errCh

	b.disconnectTerminal(context.Background(), agentID, resp.Channel)
	return err
}

func (b *Bridge) authenticate(browser *websocket.Conn) error {
	_, raw, err := browser.ReadMessage()
	if err != nil {
		return fmt.Errorf("termbridge: read login frame: %w", err)
	}
	if _, err := b.verifier.Authenticate(raw); err != nil {
		return err
	}
	return browser.WriteMessage(websocket.TextMessage, []byte("LOGGED_IN"))
}

// clientToAgent reads raw bytes from the browser and forwards them as
// Terminal frames on ch until the browser closes or ctx is cancelled.
func clientToAgent(ctx context.Context, browser *websocket.Conn, ch transport.ChannelID, sender *transport.Sender) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := browser.ReadMessage()
		if err != nil {
			return fmt.Errorf("termbridge: browser read: %w", err)
		}
		frame := transport.Encode(transport.TerminalOkMsg(ch, data))
		if err := sender.Enqueue(ctx, frame); err != nil {
			return err
		}
	}
}

// agentToClient reads terminal frames from the Agent and forwards them to
// the browser: binary passthrough on success, text
// prefixed with the error on a per-frame error, and a closing "STREAM EOF"
// text message when the Agent-side channel ends.
func agentToClient(ctx context.Context, browser *websocket.Conn, terminalIn <-chan transport.TerminalFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-terminalIn:
			if !ok {
				_ = browser.WriteMessage(websocket.TextMessage, []byte("STREAM EOF"))
				return nil
			}
			if frame.Err != nil {
				_ = browser.WriteMessage(websocket.TextMessage, []byte(frame.Err.Error()))
				_ = browser.WriteMessage(websocket.TextMessage, []byte("STREAM EOF"))
				return frame.Err
			}
			if !frame.Ok {
				_ = browser.WriteMessage(websocket.TextMessage, frame.Data)
				continue
			}
			if err := browser.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
				return fmt.Errorf("termbridge: browser write: %w", err)
			}
		}
	}
}

type disconnectParams struct {
	Channel transport.ChannelID `json:"channel"`
}

// disconnectTerminal sends a best-effort DisconnectTerminal RPC; failures
// are logged, not propagated, and the disconnect is attempted at most once.
func (b *Bridge) disconnectTerminal(ctx context.Context, agentID string, ch transport.ChannelID) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := rpc.Request[struct{}](ctx, b.lookupConn, agentID, mustMarshal("DisconnectTerminal", disconnectParams{Channel: ch})); err != nil {
		b.log.Warn("best-effort disconnect terminal failed", "agent", agentID, "channel", ch.String(), "error", err)
	}
}

func writeCloseText(browser *websocket.Conn, text string) {
	_ = browser.WriteMessage(websocket.TextMessage, []byte(text))
	_ = browser.Close()
}

type requestEnvelope struct {
	Type   string `json:"type"`
	Params any    `json:"params"`
}

func mustMarshal(typ string, params any) []byte {
	b, err := json.Marshal(requestEnvelope{Type: typ, Params: params})
	if err != nil {
		panic(fmt.Sprintf("termbridge: marshal %s params: %v", typ, err))
	}
	return b
}

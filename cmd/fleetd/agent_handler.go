package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Will-Luck/fleetd/internal/keys"
	"github.com/Will-Luck/fleetd/internal/terminal"
	"github.com/Will-Luck/fleetd/internal/termbridge"
	"github.com/Will-Luck/fleetd/internal/transport"
)

// requestEnvelope mirrors termbridge's private wire shape for the RPC
// operations the Agent serves: {"type": "...", "params": ...}.
type requestEnvelope struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type disconnectParams struct {
	Channel transport.ChannelID `json:"channel"`
}

// agentHandler implements link.RequestHandler: it serves every RPC Core
// issues against this Agent's connection -- the terminal operations the
// termbridge drives, plus health and key-rotation housekeeping.
type agentHandler struct {
	terminals *terminal.Registry
	trust     *keys.TrustStore
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[transport.ChannelID]terminalSession
}

type terminalSession struct {
	name       string
	deregister func()
}

func newAgentHandler(terminals *terminal.Registry, trust *keys.TrustStore, log *slog.Logger) *agentHandler {
	return &agentHandler{
		terminals: terminals,
		trust:     trust,
		log:       log,
		sessions:  make(map[transport.ChannelID]terminalSession),
	}
}

// Handle implements link.RequestHandler.
func (a *agentHandler) Handle(ctx context.Context, msg transport.Message, sender *transport.Sender, registry *transport.Registry) {
	var env requestEnvelope
	if err := json.Unmarshal(msg.RequestPayload, &env); err != nil {
		a.respondErr(ctx, sender, msg.Channel, fmt.Errorf("malformed request: %w", err))
		return
	}

	switch env.Type {
	case "GetHealth":
		a.handleGetHealth(ctx, msg.Channel, sender)
	case "CreateTerminal":
		a.handleCreateTerminal(ctx, msg.Channel, env.Params, sender)
	case "ConnectTerminal":
		a.handleConnectTerminal(ctx, msg.Channel, env.Params, sender, registry)
	case "ExecuteTerminal":
		a.handleExecuteTerminal(ctx, msg.Channel, env.Params, sender)
	case "DisconnectTerminal":
		a.handleDisconnectTerminal(ctx, msg.Channel, env.Params, sender)
	case "DeleteTerminal":
		a.handleDeleteTerminal(ctx, msg.Channel, env.Params, sender)
	case "RotateCorePublicKey":
		a.handleRotateCorePublicKey(ctx, msg.Channel, env.Params, sender)
	default:
		a.respondErr(ctx, sender, msg.Channel, fmt.Errorf("unknown rpc type %q", env.Type))
	}
}

type healthResponse struct {
	Terminals int `json:"terminals"`
}

func (a *agentHandler) handleGetHealth(ctx context.Context, replyCh transport.ChannelID, sender *transport.Sender) {
	a.mu.Lock()
	n := len(a.sessions)
	a.mu.Unlock()
	a.respondOk(ctx, sender, replyCh, healthResponse{Terminals: n})
}

func (a *agentHandler) handleCreateTerminal(ctx context.Context, replyCh transport.ChannelID, raw json.RawMessage, sender *transport.Sender) {
	var params termbridge.ConnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("malformed create params: %w", err))
		return
	}
	target, err := resolveTarget(params.Target)
	if err != nil {
		a.respondErr(ctx, sender, replyCh, err)
		return
	}
	if _, err := a.terminals.CreateTerminal(ctx, params.Name, target, params.Command, parseRecreatePolicy(params.Recreate), 80, 24); err != nil {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("create terminal: %w", err))
		return
	}
	a.respondOk(ctx, sender, replyCh, struct {
		Name string `json:"name"`
	}{Name: params.Name})
}

type executeParams struct {
	Name           string `json:"name"`
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type executeResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// executePendingInterval is how often a long-running ExecuteTerminal emits
// a Pending frame so the Core-side caller keeps extending its deadline.
const executePendingInterval = 5 * time.Second

func (a *agentHandler) handleExecuteTerminal(ctx context.Context, replyCh transport.ChannelID, raw json.RawMessage, sender *transport.Sender) {
	var params executeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("malformed execute params: %w", err))
		return
	}

	command := stripComments(params.Command)
	if command == "" {
		a.respondOk(ctx, sender, replyCh, executeResponse{Output: "", ExitCode: 0})
		return
	}

	term, ok := a.terminals.Get(params.Name)
	if !ok {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("no terminal named %q", params.Name))
		return
	}

	timeout := time.Duration(params.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}

	go func() {
		done := make(chan struct{})
		var output []byte
		var exitCode int
		var execErr error
		go func() {
			output, exitCode, execErr = terminal.ExecuteTerminal(ctx, term, command, timeout)
			close(done)
		}()

		ticker := time.NewTicker(executePendingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				if execErr != nil {
					a.respondErr(ctx, sender, replyCh, execErr)
					return
				}
				a.respondOk(ctx, sender, replyCh, executeResponse{Output: string(output), ExitCode: exitCode})
				return
			case <-ticker.C:
				_ = sender.Enqueue(ctx, transport.EncodePending(replyCh))
			case <-ctx.Done():
				return
			}
		}
	}()
}

type deleteParams struct {
	Name string `json:"name"`
}

func (a *agentHandler) handleDeleteTerminal(ctx context.Context, replyCh transport.ChannelID, raw json.RawMessage, sender *transport.Sender) {
	var params deleteParams
	if err := json.Unmarshal(raw, &params); err != nil {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("malformed delete params: %w", err))
		return
	}
	a.terminals.DeleteTerminal(params.Name)
	a.respondOk(ctx, sender, replyCh, struct{}{})
}

type rotateParams struct {
	NewPublicKey string `json:"new_public_key"`
}

func (a *agentHandler) handleRotateCorePublicKey(ctx context.Context, replyCh transport.ChannelID, raw json.RawMessage, sender *transport.Sender) {
	var params rotateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("malformed rotate params: %w", err))
		return
	}
	if a.trust == nil {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("no trust store configured"))
		return
	}
	if err := keys.RotateCorePublicKey(a.trust, params.NewPublicKey); err != nil {
		a.respondErr(ctx, sender, replyCh, err)
		return
	}
	a.log.Info("core public key rotated", "new_public_key", params.NewPublicKey)
	a.respondOk(ctx, sender, replyCh, struct{}{})
}

// stripComments removes comment lines and blank lines from a shell command,
// returning "" for a command that had no executable content at all.
func stripComments(command string) string {
	var kept []string
	for _, line := range strings.Split(command, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func (a *agentHandler) handleConnectTerminal(ctx context.Context, replyCh transport.ChannelID, raw json.RawMessage, sender *transport.Sender, registry *transport.Registry) {
	var params termbridge.ConnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("malformed connect params: %w", err))
		return
	}

	target, err := resolveTarget(params.Target)
	if err != nil {
		a.respondErr(ctx, sender, replyCh, err)
		return
	}

	policy := parseRecreatePolicy(params.Recreate)
	term, err := a.terminals.CreateTerminal(ctx, params.Name, target, params.Command, policy, 80, 24)
	if err != nil {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("create terminal: %w", err))
		return
	}

	ch := transport.NewChannelID()
	inbound, deregister := registry.RegisterTerminal(ch)

	a.mu.Lock()
	a.sessions[ch] = terminalSession{name: params.Name, deregister: deregister}
	a.mu.Unlock()

	a.respondOk(ctx, sender, replyCh, termbridge.ConnectResponse{Channel: ch})

	go func() {
		if err := terminal.ConnectTerminal(context.Background(), term, ch, inbound, sender); err != nil {
			a.log.Info("terminal session ended", "name", params.Name, "error", err)
		}
		a.endSession(ch)
	}()
}

func (a *agentHandler) handleDisconnectTerminal(ctx context.Context, replyCh transport.ChannelID, raw json.RawMessage, sender *transport.Sender) {
	var params disconnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		a.respondErr(ctx, sender, replyCh, fmt.Errorf("malformed disconnect params: %w", err))
		return
	}
	a.endSession(params.Channel)
	a.respondOk(ctx, sender, replyCh, struct{}{})
}

// endSession deregisters the channel from the connection's transport.Registry
// and deletes the underlying terminal, tearing down its Docker exec/attach or
// host-shell process. Safe to call more than once for the same channel.
func (a *agentHandler) endSession(ch transport.ChannelID) {
	a.mu.Lock()
	sess, ok := a.sessions[ch]
	delete(a.sessions, ch)
	a.mu.Unlock()
	if !ok {
		return
	}
	sess.deregister()
	a.terminals.DeleteTerminal(sess.name)
}

func (a *agentHandler) respondOk(ctx context.Context, sender *transport.Sender, ch transport.ChannelID, v any) {
	_ = sender.Enqueue(ctx, transport.EncodeOk(ch, v))
}

func (a *agentHandler) respondErr(ctx context.Context, sender *transport.Sender, ch transport.ChannelID, err error) {
	_ = sender.Enqueue(ctx, transport.EncodeErr(ch, err))
}

func resolveTarget(t termbridge.Target) (terminal.Target, error) {
	switch t.Kind {
	case "Server":
		return terminal.Target{Kind: terminal.TargetServer}, nil
	case "Container", "":
		return terminal.Target{Kind: terminal.TargetContainer, Container: t.Container, Mode: parseMode(t.Mode)}, nil
	case "Deployment":
		// A deployment's container carries the deployment's name.
		return terminal.Target{Kind: terminal.TargetContainer, Container: t.Deployment, Mode: terminal.Exec}, nil
	case "Stack":
		// Compose naming: <stack>-<service>-1 for the service's first
		// (and, for terminal purposes, only) replica.
		if t.Service == "" {
			return terminal.Target{}, fmt.Errorf("stack target requires a service")
		}
		return terminal.Target{Kind: terminal.TargetContainer, Container: fmt.Sprintf("%s-%s-1", t.Stack, t.Service), Mode: terminal.Exec}, nil
	default:
		return terminal.Target{}, fmt.Errorf("unsupported terminal target kind %q", t.Kind)
	}
}

func parseMode(raw string) terminal.Mode {
	if raw == "Attach" {
		return terminal.Attach
	}
	return terminal.Exec
}

func parseRecreatePolicy(raw string) terminal.RecreatePolicy {
	switch raw {
	case "Always":
		return terminal.Always
	case "DifferentCommand":
		return terminal.DifferentCommand
	default:
		return terminal.Never
	}
}

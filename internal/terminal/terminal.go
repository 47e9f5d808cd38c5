// Package terminal implements the Agent-side terminal subsystem: named
// PTY-like sessions backed by either a container exec/attach or the local
// host shell, with recreate policies and a bounded scrollback buffer.
package terminal

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Will-Luck/fleetd/internal/metrics"
	"github.com/Will-Luck/fleetd/internal/transport"
)

// RecreatePolicy controls what CreateTerminal does when a terminal with
// the requested name already exists.
type RecreatePolicy int

const (
	// Never reuses an existing terminal if the command matches, and
	// errors if it doesn't.
	Never RecreatePolicy = iota
	// Always kills any existing terminal with this name and starts fresh.
	Always
	// DifferentCommand keeps the existing terminal if its command is
	// identical, recreating only when the command differs.
	DifferentCommand
)

// Mode distinguishes the two ways a container terminal can be opened.
type Mode int

const (
	// Exec runs a fresh command inside the container (`docker exec -it`).
	Exec Mode = iota
	// Attach joins the container's own PID 1 console (`docker attach`).
	Attach
)

// TargetKind distinguishes a container-backed terminal from the Agent's
// own host shell.
type TargetKind int

const (
	TargetContainer TargetKind = iota
	TargetServer
)

// Target describes what a terminal connects to.
type Target struct {
	Kind      TargetKind
	Container string // container name or id, when Kind == TargetContainer
	Mode      Mode
}

// DockerExecer is the subset of internal/docker.Client the terminal
// subsystem needs for container targets.
type DockerExecer interface {
	ExecStream(ctx context.Context, containerID string, cmd []string, cols, rows uint) (execID string, conn io.ReadWriteCloser, err error)
	ResizeExec(ctx context.Context, execID string, cols, rows uint) error
	ExecExitCode(ctx context.Context, execID string) (int, error)
	AttachStream(ctx context.Context, containerID string) (io.ReadWriteCloser, error)
}

// HostShell spawns the Agent's local shell for Target{Kind: TargetServer}.
// There is no PTY allocation library in the dependency set this module
// draws on, so the host shell target talks to the child process over
// plain stdio pipes rather than a real pseudo-terminal; resize requests
// on this target are accepted and ignored.
type HostShell interface {
	Start(ctx context.Context, command []string) (io.ReadWriteCloser, error)
}

// Terminal is one live (or recently live) named session.
type Terminal struct {
	Name    string
	Target  Target
	Command []string

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	execID  string // set for container Exec targets, used to resize/inspect
	scroll  *ringBuffer
	resizer func(cols, rows uint) error
	closed  bool
}

func (t *Terminal) write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scroll.Write(p)
}

// Scrollback returns a copy of the buffered recent output, for replay to
// a reconnecting viewer. Best-effort only -- not a durability guarantee.
func (t *Terminal) Scrollback() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scroll.Bytes()
}

// Resize forwards a PTY resize request, if the underlying target supports
// one.
func (t *Terminal) Resize(cols, rows uint) error {
	t.mu.Lock()
	resizer := t.resizer
	t.mu.Unlock()
	if resizer == nil {
		return nil
	}
	return resizer(cols, rows)
}

func (t *Terminal) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func sameCommand(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Registry is the Agent-wide named-terminal table.
type Registry struct {
	mu        sync.Mutex
	terminals map[string]*Terminal
	docker    DockerExecer
	host      HostShell
	scrollKB  int
}

// NewRegistry builds an empty terminal Registry. scrollbackKB bounds each
// terminal's replay buffer.
func NewRegistry(docker DockerExecer, host HostShell, scrollbackKB int) *Registry {
	if scrollbackKB <= 0 {
		scrollbackKB = 64
	}
	return &Registry{
		terminals: make(map[string]*Terminal),
		docker:    docker,
		host:      host,
		scrollKB:  scrollbackKB,
	}
}

// Get returns the named terminal, if it currently exists.
func (r *Registry) Get(name string) (*Terminal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.terminals[name]
	return t, ok
}

// CreateTerminal returns the named terminal, applying policy when one
// with the same name already exists.
func (r *Registry) CreateTerminal(ctx context.Context, name string, target Target, command []string, policy RecreatePolicy, cols, rows uint) (*Terminal, error) {
	r.mu.Lock()
	existing, ok := r.terminals[name]
	r.mu.Unlock()

	if ok {
		switch policy {
		case Never:
			if sameCommand(existing.Command, command) {
				return existing, nil
			}
			return nil, fmt.Errorf("terminal %q exists with a different command", name)
		case Always:
			r.DeleteTerminal(name)
		case DifferentCommand:
			if sameCommand(existing.Command, command) {
				return existing, nil
			}
			r.DeleteTerminal(name)
		}
	}

	t, err := r.spawn(ctx, name, target, command, cols, rows)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.terminals[name] = t
	r.mu.Unlock()
	metrics.TerminalSessions.Inc()
	return t, nil
}

func (r *Registry) spawn(ctx context.Context, name string, target Target, command []string, cols, rows uint) (*Terminal, error) {
	t := &Terminal{
		Name:    name,
		Target:  target,
		Command: command,
		scroll:  newRingBuffer(r.scrollKB * 1024),
	}

	switch target.Kind {
	case TargetContainer:
		if r.docker == nil {
			return nil, fmt.Errorf("container terminals are not enabled on this agent")
		}
		switch target.Mode {
		case Exec:
			execID, conn, err := r.docker.ExecStream(ctx, target.Container, command, cols, rows)
			if err != nil {
				return nil, fmt.Errorf("exec terminal %q: %w", name, err)
			}
			t.conn = conn
			t.execID = execID
			t.resizer = func(cols, rows uint) error { return r.docker.ResizeExec(ctx, execID, cols, rows) }
		case Attach:
			conn, err := r.docker.AttachStream(ctx, target.Container)
			if err != nil {
				return nil, fmt.Errorf("attach terminal %q: %w", name, err)
			}
			t.conn = conn
		default:
			return nil, fmt.Errorf("unknown container terminal mode %d", target.Mode)
		}
	case TargetServer:
		if r.host == nil {
			return nil, fmt.Errorf("host shell terminals are not enabled on this agent")
		}
		conn, err := r.host.Start(ctx, command)
		if err != nil {
			return nil, fmt.Errorf("start host terminal %q: %w", name, err)
		}
		t.conn = conn
	default:
		return nil, fmt.Errorf("unknown terminal target kind %d", target.Kind)
	}

	return t, nil
}

// DeleteTerminal closes and forgets the named terminal. A no-op if it
// doesn't exist.
func (r *Registry) DeleteTerminal(name string) {
	r.mu.Lock()
	t, ok := r.terminals[name]
	if ok {
		delete(r.terminals, name)
	}
	r.mu.Unlock()
	if ok {
		_ = t.close()
		metrics.TerminalSessions.Dec()
	}
}

// Wire framing for inbound terminal traffic: the first byte of the first
// frame is a begin sentinel, frames starting with resizePrefix carry a
// JSON resize payload, everything else is raw stdin.
const (
	beginSentinel byte = 0x00
	resizePrefix  byte = 0xFF
)

// ConnectTerminal wires one viewer's channel to term's underlying
// connection: inbound carries client frames, outbound is written as
// transport.Terminal frames via sender. Blocks until ctx is cancelled or
// the underlying connection ends.
func ConnectTerminal(ctx context.Context, term *Terminal, ch transport.ChannelID, inbound <-chan transport.TerminalFrame, sender *transport.Sender) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- pumpInbound(ctx, term, ch, inbound, sender)
	}()
	go func() {
		errCh <- pumpOutbound(ctx, term, ch, sender)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func pumpInbound(ctx context.Context, term *Terminal, ch transport.ChannelID, inbound <-chan transport.TerminalFrame, sender *transport.Sender) error {
	begun := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-inbound:
			if !ok {
				return nil
			}
			if frame.Err != nil {
				return frame.Err
			}
			data := frame.Data
			if !begun {
				if len(data) == 0 || data[0] != beginSentinel {
					continue
				}
				begun = true
				data = data[1:]
				if len(data) == 0 {
					continue
				}
			}
			if len(data) > 0 && data[0] == resizePrefix {
				var dims struct {
					Rows uint `json:"rows"`
					Cols uint `json:"cols"`
				}
				if err := parseResize(data[1:], &dims); err == nil {
					if resizeErr := term.Resize(dims.Cols, dims.Rows); resizeErr != nil {
						// A failed resize doesn't end the session; the
						// viewer just gets told about it.
						sendTerminalErr(ctx, sender, ch, fmt.Sprintf("resize failed: %v", resizeErr))
					}
				}
				continue
			}
			if _, err := term.conn.Write(data); err != nil {
				sendTerminalErr(ctx, sender, ch, fmt.Sprintf("write terminal stdin: %v", err))
				return fmt.Errorf("write terminal stdin: %w", err)
			}
			metrics.TerminalBytesTotal.WithLabelValues("in").Add(float64(len(data)))
		}
	}
}

// sendTerminalErr forwards a per-frame error to the viewer without
// terminating the channel.
func sendTerminalErr(ctx context.Context, sender *transport.Sender, ch transport.ChannelID, msg string) {
	_ = sender.Enqueue(ctx, transport.Encode(transport.TerminalErr(ch, msg)))
}

func pumpOutbound(ctx context.Context, term *Terminal, ch transport.ChannelID, sender *transport.Sender) error {
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := term.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte{}, buf[:n]...)
			term.write(chunk)
			frame := transport.Encode(transport.TerminalOkMsg(ch, chunk))
			if sendErr := sender.Enqueue(ctx, frame); sendErr != nil {
				return sendErr
			}
			metrics.TerminalBytesTotal.WithLabelValues("out").Add(float64(n))
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read terminal output: %w", err)
		}
	}
}

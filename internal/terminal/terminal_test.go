package terminal

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Will-Luck/fleetd/internal/transport"
)

type fakeDocker struct {
	conn       net.Conn
	resizes    []uint
	execCalls  int
	attachCall int
}

func (f *fakeDocker) ExecStream(ctx context.Context, containerID string, cmd []string, cols, rows uint) (string, io.ReadWriteCloser, error) {
	f.execCalls++
	return "exec-1", f.conn, nil
}

func (f *fakeDocker) ResizeExec(ctx context.Context, execID string, cols, rows uint) error {
	f.resizes = append(f.resizes, cols)
	return nil
}

func (f *fakeDocker) ExecExitCode(ctx context.Context, execID string) (int, error) {
	return 0, nil
}

func (f *fakeDocker) AttachStream(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
	f.attachCall++
	return f.conn, nil
}

func newRegistryWithPipe(t *testing.T) (*Registry, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return NewRegistry(&fakeDocker{conn: server}, nil, 1), client
}

func TestCreateTerminalNeverPolicyReusesSameCommand(t *testing.T) {
	reg, _ := newRegistryWithPipe(t)
	target := Target{Kind: TargetContainer, Container: "c1", Mode: Exec}

	first, err := reg.CreateTerminal(context.Background(), "shell", target, []string{"/bin/sh"}, Never, 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := reg.CreateTerminal(context.Background(), "shell", target, []string{"/bin/sh"}, Never, 80, 24)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first != second {
		t.Fatal("expected Never policy to reuse the existing terminal")
	}
}

func TestCreateTerminalNeverPolicyErrorsOnDifferentCommand(t *testing.T) {
	reg, _ := newRegistryWithPipe(t)
	target := Target{Kind: TargetContainer, Container: "c1", Mode: Exec}

	if _, err := reg.CreateTerminal(context.Background(), "shell", target, []string{"/bin/sh"}, Never, 80, 24); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.CreateTerminal(context.Background(), "shell", target, []string{"/bin/bash"}, Never, 80, 24); err == nil {
		t.Fatal("expected error recreating with a different command under Never")
	}
}

func TestCreateTerminalAlwaysPolicyRecreates(t *testing.T) {
	reg, pipe := newRegistryWithPipe(t)
	defer pipe.Close()
	target := Target{Kind: TargetContainer, Container: "c1", Mode: Exec}

	first, err := reg.CreateTerminal(context.Background(), "shell", target, []string{"/bin/sh"}, Always, 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := reg.CreateTerminal(context.Background(), "shell", target, []string{"/bin/sh"}, Always, 80, 24)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if first == second {
		t.Fatal("expected Always policy to create a new terminal instance")
	}
}

func TestConnectTerminalRoundTrip(t *testing.T) {
	reg, clientSide := newRegistryWithPipe(t)
	target := Target{Kind: TargetContainer, Container: "c1", Mode: Exec}

	term, err := reg.CreateTerminal(context.Background(), "shell", target, []string{"/bin/sh"}, Always, 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Fake shell: echoes back whatever it reads, prefixed.
	go func() {
		r := bufio.NewReader(clientSide)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				clientSide.Write([]byte("echo:" + line))
			}
			if err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := transport.NewChannelID()
	sender := transport.NewSender()
	inbound := make(chan transport.TerminalFrame, 4)

	done := make(chan error, 1)
	go func() { done <- ConnectTerminal(ctx, term, ch, inbound, sender) }()

	inbound <- transport.TerminalFrame{Data: append([]byte{beginSentinel}, []byte("hello\n")...)}

	select {
	case frame := <-sender.Out():
		msg, err := transport.Decode(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !strings.Contains(string(msg.TerminalData), "echo:hello") {
			t.Fatalf("unexpected echoed output: %q", msg.TerminalData)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal output frame")
	}

	cancel()
	<-done
}

func TestExecuteTerminalCapturesOutputAndExitCode(t *testing.T) {
	reg, clientSide := newRegistryWithPipe(t)
	target := Target{Kind: TargetContainer, Container: "c1", Mode: Exec}

	term, err := reg.CreateTerminal(context.Background(), "batch", target, []string{"/bin/sh"}, Always, 80, 24)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	go func() {
		r := bufio.NewReader(clientSide)
		for {
			line, err := r.ReadString('\n')
			if strings.Contains(line, "printf") {
				clientSide.Write([]byte("result-line\n" + exitMarker + "3\n"))
			}
			if err != nil {
				return
			}
		}
	}()

	out, code, err := ExecuteTerminal(context.Background(), term, "do-a-thing", time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if !strings.Contains(string(out), "result-line") {
		t.Fatalf("output = %q, missing result-line", out)
	}
}

package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// pipeConn adapts a running command's stdin/stdout pipes to
// io.ReadWriteCloser, closing both pipes (and waiting on the process) on
// Close.
type pipeConn struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *pipeConn) Close() error {
	stdinErr := p.stdin.Close()
	stdoutErr := p.stdout.Close()
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	if stdinErr != nil {
		return stdinErr
	}
	return stdoutErr
}

// OSHostShell is the production HostShell: it spawns command (or the
// user's login shell if command is empty) as a child process and exposes
// its stdio over plain pipes. No PTY is allocated — there is no PTY
// allocation library anywhere in this module's dependency set, so
// interactive programs that require a real terminal (line editors,
// full-screen TUIs) will not behave as they would under a genuine
// pseudo-terminal. Resize requests on this target are accepted and
// silently dropped (see Terminal.Resize).
type OSHostShell struct{}

// Start implements HostShell.
func (OSHostShell) Start(ctx context.Context, command []string) (io.ReadWriteCloser, error) {
	argv := command
	if len(argv) == 0 {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		argv = []string{shell}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("host shell stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("host shell stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start host shell: %w", err)
	}

	return &pipeConn{stdin: stdin, stdout: stdout, cmd: cmd}, nil
}

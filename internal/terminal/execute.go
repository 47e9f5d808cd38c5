package terminal

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"
)

// exitMarker delimits a one-shot ExecuteTerminal command's output from its
// exit code inside the terminal's shared byte stream. It is not stripped
// from that stream: pumpOutbound forwards raw bytes regardless of whether
// an ExecuteTerminal call is concurrently watching for it, so a viewer
// attached to the same terminal sees the marker line.
const exitMarker = "\x01fleetd-exit:"

// ExecuteTerminal runs command to completion inside an already-open
// terminal (as opposed to ConnectTerminal's interactive stdin/stdout
// splice) and returns its combined output and exit code. Only meaningful
// for a shell-backed terminal, since it relies on the shell echoing an
// exit-code marker after the command finishes.
func ExecuteTerminal(ctx context.Context, term *Terminal, command string, timeout time.Duration) (output []byte, exitCode int, err error) {
	cmdLine := fmt.Sprintf("%s; printf '%s%%d\\n' $?\n", command, exitMarker)
	if _, err := term.conn.Write([]byte(cmdLine)); err != nil {
		return nil, -1, fmt.Errorf("write command: %w", err)
	}

	deadline := time.Now().Add(timeout)
	var collected bytes.Buffer
	buf := make([]byte, 4096)

	for {
		if ctx.Err() != nil {
			return collected.Bytes(), -1, ctx.Err()
		}
		if time.Now().After(deadline) {
			return collected.Bytes(), -1, fmt.Errorf("execute terminal %q: timed out after %s", term.Name, timeout)
		}

		n, readErr := term.conn.Read(buf)
		if n > 0 {
			collected.Write(buf[:n])
			if idx := bytes.Index(collected.Bytes(), []byte(exitMarker)); idx >= 0 {
				tail := collected.Bytes()[idx+len(exitMarker):]
				if nl := bytes.IndexByte(tail, '\n'); nl >= 0 {
					code, parseErr := strconv.Atoi(string(bytes.TrimSpace(tail[:nl])))
					if parseErr != nil {
						return collected.Bytes()[:idx], -1, fmt.Errorf("parse exit marker: %w", parseErr)
					}
					return collected.Bytes()[:idx], code, nil
				}
			}
		}
		if readErr != nil {
			return collected.Bytes(), -1, fmt.Errorf("read terminal output: %w", readErr)
		}
	}
}

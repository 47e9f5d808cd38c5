package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// InspectContainer returns full container details by ID, used to read the
// terminal-control labels before opening an exec session.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// ExecStream opens an interactive, TTY-attached exec session inside a
// container and returns its exec id plus the raw duplex connection. Used
// by the terminal subsystem's "Exec" target mode (the Go analogue of
// `docker exec -it <container> <shell>`).
func (c *Client) ExecStream(ctx context.Context, containerID string, cmd []string, cols, rows uint) (execID string, conn io.ReadWriteCloser, err error) {
	inspect, err := c.InspectContainer(ctx, containerID)
	if err != nil {
		return "", nil, fmt.Errorf("inspect %s before exec: %w", containerID, err)
	}
	var labels map[string]string
	if inspect.Config != nil {
		labels = inspect.Config.Labels
	}
	if !TerminalAllowed(labels) {
		return "", nil, fmt.Errorf("container %s has terminals disabled (%s label)", containerID, LabelTerminal)
	}
	if len(cmd) == 0 {
		cmd = []string{TerminalShell(labels, "/bin/sh")}
	}

	size := client.ConsoleSize{Height: rows, Width: cols}
	execCfg := client.ExecCreateOptions{
		Cmd:          cmd,
		TTY:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  size,
	}

	resp, err := c.api.ExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", nil, fmt.Errorf("exec create in %s: %w", containerID, err)
	}

	attachResp, err := c.api.ExecAttach(ctx, resp.ID, client.ExecAttachOptions{TTY: true})
	if err != nil {
		return "", nil, fmt.Errorf("exec attach %s: %w", resp.ID, err)
	}

	return resp.ID, attachResp.Conn, nil
}

// ResizeExec resizes the PTY of a running exec session.
func (c *Client) ResizeExec(ctx context.Context, execID string, cols, rows uint) error {
	if _, err := c.api.ExecResize(ctx, execID, client.ExecResizeOptions{Height: rows, Width: cols}); err != nil {
		return fmt.Errorf("resize exec %s to %dx%d: %w", execID, cols, rows, err)
	}
	return nil
}

// ExecExitCode returns the exit code of a finished exec session.
func (c *Client) ExecExitCode(ctx context.Context, execID string) (int, error) {
	inspect, err := c.api.ExecInspect(ctx, execID, client.ExecInspectOptions{})
	if err != nil {
		return -1, fmt.Errorf("inspect exec %s: %w", execID, err)
	}
	return inspect.ExitCode, nil
}

// AttachStream opens a non-exec attach to a container's own PTY (the "docker
// attach" terminal target mode, as opposed to spawning a new exec shell).
func (c *Client) AttachStream(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
	resp, err := c.api.ContainerAttach(ctx, containerID, client.ContainerAttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach to container %s: %w", containerID, err)
	}
	return resp.Conn, nil
}

package link

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Will-Luck/fleetd/internal/transport"
)

// errConnectionEnded is recorded on a Handle when its connection context is
// cancelled (parent shutdown, Close, or replacement by AcceptInbound). Read,
// write and liveness failures record their own error instead.
var errConnectionEnded = errors.New("link: connection ended")

var errLivenessTimeout = errors.New("link: no frame or ping received within liveness window")

// runConnection owns one already-handshaken socket for its entire
// lifetime: it spawns the writer and reader tasks, enforces the liveness
// timeout, and returns once either task exits or ctx is cancelled.
func runConnection(ctx context.Context, h *Handle, sock transport.Socket, handleRequest RequestHandler) error {
	connCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	// Drained last: every outstanding channel learns the connection is gone
	// before the handle becomes redialable.
	defer h.registry.DrainAll()
	defer cancel()
	defer sock.Close()

	var lastFrameUnixNano int64
	touch := func() { atomic.StoreInt64(&lastFrameUnixNano, time.Now().UnixNano()) }
	touch()

	errCh := make(chan error, 3)

	go func() { errCh <- writerLoop(connCtx, sock, h.sender, h.buffered) }()
	go func() {
		err := transport.ReadLoop(connCtx, sock, func(msg transport.Message) {
			touch()
			dispatch(connCtx, msg, h, sock, handleRequest)
		})
		errCh <- err
	}()
	go func() { errCh <- livenessWatch(connCtx, &lastFrameUnixNano) }()

	select {
	case <-connCtx.Done():
		return errConnectionEnded
	case err := <-errCh:
		return err
	}
}

func livenessWatch(ctx context.Context, lastFrameUnixNano *int64) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(lastFrameUnixNano))
			if time.Since(last) > livenessTimeout {
				return errLivenessTimeout
			}
		}
	}
}

func writerLoop(ctx context.Context, sock transport.Socket, sender *transport.Sender, buffered *transport.Buffered) error {
	// Whatever was in flight when the previous socket dropped goes out
	// first on the new one.
	if frame, ok := buffered.Peek(); ok {
		if err := sock.WriteFrame(frame); err != nil {
			return err
		}
		buffered.Clear()
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-sender.Out():
			if !ok {
				return errors.New("link: sender closed")
			}
			buffered.Set(frame)
			if err := sock.WriteFrame(frame); err != nil {
				return err
			}
			buffered.Clear()
			ticker.Reset(pingInterval)
		case <-ticker.C:
			if err := sock.WritePing(); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one decoded frame: Response/Terminal frames go through
// the registry, a peer-initiated Request goes to handleRequest if the
// caller supplied one, and every other kind (Ping included) is ignored.
func dispatch(ctx context.Context, msg transport.Message, h *Handle, sock transport.Socket, handleRequest RequestHandler) {
	switch msg.Kind {
	case transport.KindResponse, transport.KindTerminal:
		h.registry.Route(msg)
	case transport.KindRequest:
		if handleRequest != nil {
			// One ephemeral task per inbound request, so a slow handler
			// (terminal spawn, key rotation) never starves the reader or
			// the liveness clock.
			go handleRequest(ctx, msg, h.sender, h.registry)
		}
	case transport.KindPing:
		// Liveness already touched by the caller; nothing further to do.
	}
}

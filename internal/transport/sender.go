package transport

import (
	"context"
	"errors"
)

// outboundQueueDepth bounds the writer's backlog. A connection that can't
// drain this fast is about to be judged dead by the liveness timeout anyway.
const outboundQueueDepth = 128

// ErrSenderClosed is returned by Enqueue once Close has been called.
var ErrSenderClosed = errors.New("sender closed")

// Sender is a connection's outbound message queue endpoint. Any number
// of producers (RPC callers, terminal bridges) enqueue encoded frames;
// exactly one writer goroutine drains them onto the socket.
type Sender struct {
	out    chan []byte
	closed chan struct{}
}

// NewSender returns a ready-to-use Sender.
func NewSender() *Sender {
	return &Sender{
		out:    make(chan []byte, outboundQueueDepth),
		closed: make(chan struct{}),
	}
}

// Enqueue hands frame to the writer. It blocks until there is room, the
// context is cancelled, or the sender is closed.
func (s *Sender) Enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return ErrSenderClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.closed:
		return ErrSenderClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Out exposes the receive side for the writer goroutine.
func (s *Sender) Out() <-chan []byte {
	return s.out
}

// Close permanently stops new enqueues. Safe to call more than once.
func (s *Sender) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

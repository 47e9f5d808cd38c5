package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the minimal duplex byte-frame transport the protocol needs.
// Wrapping *websocket.Conn behind this interface keeps the codec and
// multiplexer testable without a real network socket (see ws_test.go's
// in-memory pipe).
type Socket interface {
	// ReadFrame blocks for the next frame. Text frames are
	// accepted and coerced to binary before decode — callers never see the
	// original websocket message type.
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	WritePing() error
	Close() error
}

// wsSocket adapts a *websocket.Conn to Socket.
type wsSocket struct {
	conn *websocket.Conn
}

// NewSocket wraps an established websocket connection (either side — the
// same adapter serves both the Core-accepted and Agent-dialed sockets).
func NewSocket(conn *websocket.Conn) Socket {
	return &wsSocket{conn: conn}
}

func (w *wsSocket) ReadFrame() ([]byte, error) {
	msgType, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", msgType)
	}
	return data, nil
}

func (w *wsSocket) WriteFrame(frame []byte) error {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (w *wsSocket) WritePing() error {
	if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
		return fmt.Errorf("websocket ping: %w", err)
	}
	return nil
}

func (w *wsSocket) Close() error {
	return w.conn.Close()
}

// ReadLoop decodes frames from sock until it errors or ctx is cancelled,
// invoking handle for each successfully decoded Message. A decode error
// (malformed frame) or a read error ends the loop: the
// whole session ends and the supervisor redials.
func ReadLoop(ctx context.Context, sock Socket, handle func(Message)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := sock.ReadFrame()
		if err != nil {
			return err
		}
		msg, err := Decode(frame)
		if err != nil {
			return err
		}
		handle(msg)
	}
}

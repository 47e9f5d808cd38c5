package transport

import (
	"context"
	"errors"
	"testing"
)

// memSocket is an in-memory Socket backed by a slice of pre-queued frames,
// used to drive ReadLoop without a real websocket connection.
type memSocket struct {
	frames [][]byte
	pos    int
	writes [][]byte
}

func (m *memSocket) ReadFrame() ([]byte, error) {
	if m.pos >= len(m.frames) {
		return nil, errors.New("memSocket: no more frames")
	}
	f := m.frames[m.pos]
	m.pos++
	return f, nil
}

func (m *memSocket) WriteFrame(frame []byte) error {
	m.writes = append(m.writes, frame)
	return nil
}

func (m *memSocket) WritePing() error { return nil }
func (m *memSocket) Close() error     { return nil }

func TestReadLoopDeliversEachDecodedMessage(t *testing.T) {
	ch := NewChannelID()
	sock := &memSocket{frames: [][]byte{
		Encode(Ping()),
		Encode(Request(ch, []byte(`{"type":"hello"}`))),
		EncodePending(ch),
	}}

	var got []Message
	err := ReadLoop(context.Background(), sock, func(msg Message) {
		got = append(got, msg)
	})
	if err == nil {
		t.Fatalf("expected ReadLoop to end with an error once frames are exhausted")
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].Kind != KindPing {
		t.Errorf("got[0].Kind = %v, want KindPing", got[0].Kind)
	}
	if got[1].Kind != KindRequest || got[1].Channel != ch {
		t.Errorf("got[1] = %+v, want KindRequest on %v", got[1], ch)
	}
	if got[2].Kind != KindResponse || got[2].Envelope.Status != StatusPending {
		t.Errorf("got[2] = %+v, want pending response", got[2])
	}
}

func TestReadLoopStopsOnMalformedFrame(t *testing.T) {
	sock := &memSocket{frames: [][]byte{{}}}
	err := ReadLoop(context.Background(), sock, func(Message) {
		t.Fatal("handle should not be called for a malformed frame")
	})
	var malformed *ErrMalformedFrame
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want *ErrMalformedFrame", err)
	}
}

func TestReadLoopStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sock := &memSocket{frames: [][]byte{Encode(Ping())}}
	err := ReadLoop(ctx, sock, func(Message) {
		t.Fatal("handle should not be called once context is cancelled")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

package transport

import "testing"

func TestBufferedSetClearPeek(t *testing.T) {
	var b Buffered

	if _, set := b.Peek(); set {
		t.Fatalf("expected empty slot initially")
	}

	b.Set([]byte("frame-1"))
	frame, set := b.Peek()
	if !set || string(frame) != "frame-1" {
		t.Fatalf("peek = %q, %v", frame, set)
	}

	b.Clear()
	if _, set := b.Peek(); set {
		t.Fatalf("expected empty slot after Clear")
	}
}

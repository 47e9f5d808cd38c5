package transport

import "sync"

// Buffered is the writer's single "not-yet-acknowledged" outbound frame
// slot. A frame is moved into the slot before the socket send is attempted, and cleared
// only once that send succeeds. On reconnect, whatever is left in the slot
// is the first frame the new writer sends — this is how a message that was
// in flight when the socket dropped survives the reconnect.
type Buffered struct {
	mu    sync.Mutex
	frame []byte
	set   bool
}

// Set stores frame as the pending, unacknowledged send.
func (b *Buffered) Set(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = frame
	b.set = true
}

// Clear empties the slot after a successful send.
func (b *Buffered) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = nil
	b.set = false
}

// Peek returns the current slot contents and whether anything is set,
// without clearing it. Used on reconnect to retransmit first.
func (b *Buffered) Peek() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.set
}

// Package rpc implements the request/response layer: given a connected
// (or connectable) peer identified by id, send one typed request and wait
// for its typed response, transparently extending the wait on Pending
// frames.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Will-Luck/fleetd/internal/metrics"
	"github.com/Will-Luck/fleetd/internal/transport"
)

// DefaultTimeout is the base wait for a response; a Pending frame resets
// it rather than accumulating, so a slow-but-alive RPC never times out.
const DefaultTimeout = 10 * time.Second

// connectPollInterval/connectPollAttempts bound how long a call waits for
// a handle that exists but hasn't finished its handshake yet.
const connectPollInterval = 50 * time.Millisecond

const connectPollAttempts = 3

// ErrNotConnected is returned when no handle exists for the target id and
// no outbound address was supplied to create one.
var ErrNotConnected = errors.New("rpc: not connected")

// ErrChannelClosed is returned when the reply slot is torn down (peer
// disconnected) before a terminal frame arrived.
var ErrChannelClosed = errors.New("rpc: channel closed before response")

// Connection is the subset of a link.Handle that Request needs: enough to
// send a frame and wait on a reply slot. Defined here (rather than
// depending on package link) so rpc has no import cycle and can be used
// against any connection-like object, including in tests.
type Connection interface {
	Connected() bool
	Sender() *transport.Sender
	Registry() *transport.Registry
}

// Lookup resolves id to a Connection, lazily establishing one when none
// exists yet and an address is known. Returning (nil, false) means
// "no address configured for id" -- the caller fails fast rather than
// polling.
type Lookup func(id string) (conn Connection, startedDial bool)

// Request sends req (already JSON-marshalled request envelope) to id and
// decodes the Ok response into a value of type T. It owns the full
// call sequence: lookup/dial, poll-for-connected, channel
// allocation, send, and the Pending-extending wait loop.
func Request[T any](ctx context.Context, lookup Lookup, id string, requestPayload []byte) (T, error) {
	return RequestTimeout[T](ctx, lookup, id, requestPayload, DefaultTimeout)
}

// RequestTimeout is the custom-timeout variant: timeout caps each wait
// iteration, but a Pending frame still restarts the clock indefinitely.
func RequestTimeout[T any](ctx context.Context, lookup Lookup, id string, requestPayload []byte, timeout time.Duration) (T, error) {
	var zero T
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.RPCTotal.WithLabelValues(outcome).Inc()
		metrics.RPCDuration.Observe(time.Since(start).Seconds())
	}()

	conn, ok := lookup(id)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	connected := false
	for attempt := 0; attempt < connectPollAttempts; attempt++ {
		if conn.Connected() {
			connected = true
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(connectPollInterval):
		}
	}
	if !connected && !conn.Connected() {
		return zero, fmt.Errorf("%w: %s not connected after poll", ErrNotConnected, id)
	}

	ch := transport.NewChannelID()
	replies, deregister := conn.Registry().RegisterResponse(ch)
	defer deregister()

	frame := transport.Encode(transport.Request(ch, requestPayload))
	if err := conn.Sender().Enqueue(ctx, frame); err != nil {
		return zero, fmt.Errorf("rpc: send request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case env, ok := <-replies:
			if !ok {
				return zero, ErrChannelClosed
			}
			switch env.Status {
			case transport.StatusPending:
				continue
			case transport.StatusOk:
				var out T
				if err := json.Unmarshal(env.Data, &out); err != nil {
					return zero, fmt.Errorf("rpc: decode response: %w", err)
				}
				outcome = "ok"
				return out, nil
			case transport.StatusErr:
				return zero, fmt.Errorf("rpc: %s", string(env.Data))
			default:
				return zero, fmt.Errorf("rpc: unexpected status %v", env.Status)
			}
		case <-time.After(timeout):
			return zero, fmt.Errorf("rpc: timed out waiting for response from %s", id)
		}
	}
}

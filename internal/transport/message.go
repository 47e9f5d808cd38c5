// Package transport implements the framed, multiplexed wire protocol shared
// by Core and Agent: a single websocket carries request/response RPC,
// terminal byte streams, handshake frames, and liveness pings, each tagged
// with a one-byte discriminator (see codec.go).
package transport

import (
	"github.com/google/uuid"
)

// ChannelID identifies one logical multiplexed stream on a connection.
// Allocated by whichever side initiates the stream; lives until either
// endpoint sends a terminating frame.
type ChannelID [16]byte

// NewChannelID allocates a fresh random channel id.
func NewChannelID() ChannelID {
	return ChannelID(uuid.New())
}

func (c ChannelID) String() string {
	return uuid.UUID(c).String()
}

// IsZero reports whether c is the zero channel id (never legitimately
// allocated — used as a sentinel for "no channel").
func (c ChannelID) IsZero() bool {
	return c == ChannelID{}
}

// Status is the terminal-or-not marker carried by a Response envelope.
type Status byte

const (
	// StatusOk terminates the channel with a successful result.
	StatusOk Status = 0
	// StatusErr terminates the channel with a failure.
	StatusErr Status = 1
	// StatusPending does NOT terminate the channel; it only tells the
	// caller "still working, extend your deadline".
	StatusPending Status = 2
)

// Envelope is the payload of a Response frame.
type Envelope struct {
	Status Status
	// Data is JSON-encoded T on StatusOk, a cause-chain string on
	// StatusErr, and empty on StatusPending.
	Data []byte
}

// Kind discriminates the TransportMessage union (the last byte of every
// encoded frame, see codec.go).
type Kind byte

const (
	KindRequest Kind = iota
	KindResponse
	KindTerminal
	KindLoginV1PasskeyFlow
	KindLoginV1Passkey
	KindLoginSuccess
	KindLoginError
	KindPing
	// KindHandshake carries one step of the Noise-style mutual
	// authentication exchange. Its payload is opaque to the transport
	// layer — internal/handshake owns the sub-encoding.
	KindHandshake
)

// Message is the tagged union of everything that can cross the wire.
// Exactly one of the typed fields below is meaningful, selected by Kind.
type Message struct {
	Kind Kind

	Channel ChannelID // Request, Response, Terminal

	// Request
	RequestPayload []byte // JSON: {"type": "...", "params": ...}

	// Response
	Envelope Envelope

	// Terminal
	TerminalOk   bool   // true = TerminalData carries bytes, false = error
	TerminalData []byte // raw bytes, or the UTF-8 error message

	// LoginV1PasskeyFlow
	PasskeyFlow bool

	// LoginV1Passkey
	Passkey []byte

	// LoginError
	ErrMessage string

	// Handshake
	HandshakePayload []byte
}

// Handshake builds a KindHandshake message carrying one opaque step of the
// key-agreement exchange.
func Handshake(payload []byte) Message {
	return Message{Kind: KindHandshake, HandshakePayload: payload}
}

// Request builds a KindRequest message.
func Request(ch ChannelID, payload []byte) Message {
	return Message{Kind: KindRequest, Channel: ch, RequestPayload: payload}
}

// Response builds a KindResponse message.
func Response(ch ChannelID, env Envelope) Message {
	return Message{Kind: KindResponse, Channel: ch, Envelope: env}
}

// TerminalOkMsg builds a KindTerminal message carrying a successful byte chunk.
func TerminalOkMsg(ch ChannelID, data []byte) Message {
	return Message{Kind: KindTerminal, Channel: ch, TerminalOk: true, TerminalData: data}
}

// TerminalErr builds a KindTerminal message carrying a per-frame error.
func TerminalErr(ch ChannelID, msg string) Message {
	return Message{Kind: KindTerminal, Channel: ch, TerminalOk: false, TerminalData: []byte(msg)}
}

// Ping builds the transport-level liveness frame (distinct from StatusPending).
func Ping() Message {
	return Message{Kind: KindPing}
}

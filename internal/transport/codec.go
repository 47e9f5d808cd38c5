package transport

import (
	"encoding/json"
	"fmt"
)

// errEncodingFailed is the fallback string for the (unreachable in
// practice) case where marshalling an error for an Err envelope itself
// fails. Encoding a response must be infallible.
const errEncodingFailed = "error encoding failed"

// Encode serialises a Message into exactly one websocket binary frame.
// The last byte of the returned slice is the Kind discriminator; everything
// before it is the payload for that kind.
func Encode(msg Message) []byte {
	var buf []byte

	switch msg.Kind {
	case KindRequest:
		buf = append(buf, msg.Channel[:]...)
		buf = append(buf, msg.RequestPayload...)

	case KindResponse:
		buf = append(buf, msg.Channel[:]...)
		buf = append(buf, byte(msg.Envelope.Status))
		buf = append(buf, msg.Envelope.Data...)

	case KindTerminal:
		buf = append(buf, msg.Channel[:]...)
		if msg.TerminalOk {
			buf = append(buf, 0)
		} else {
			buf = append(buf, 1)
		}
		buf = append(buf, msg.TerminalData...)

	case KindLoginV1PasskeyFlow:
		if msg.PasskeyFlow {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}

	case KindLoginV1Passkey:
		buf = append(buf, msg.Passkey...)

	case KindLoginSuccess:
		// no payload

	case KindLoginError:
		buf = append(buf, []byte(msg.ErrMessage)...)

	case KindPing:
		// no payload

	case KindHandshake:
		buf = append(buf, msg.HandshakePayload...)
	}

	return append(buf, byte(msg.Kind))
}

// EncodeOk builds and encodes a KindResponse frame carrying a JSON-encoded
// successful value.
func EncodeOk(ch ChannelID, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return EncodeErr(ch, err)
	}
	return Encode(Response(ch, Envelope{Status: StatusOk, Data: data}))
}

// EncodeErr builds and encodes a KindResponse frame carrying the cause-chain
// string for err. This path is infallible: if for some
// reason the chain can't even be rendered, the literal fallback string is
// used instead of returning an error.
func EncodeErr(ch ChannelID, err error) []byte {
	msg := causeChain(err)
	if msg == "" {
		msg = errEncodingFailed
	}
	return Encode(Response(ch, Envelope{Status: StatusErr, Data: []byte(msg)}))
}

// EncodePending builds and encodes a KindResponse frame that extends the
// caller's deadline without terminating the channel.
func EncodePending(ch ChannelID) []byte {
	return Encode(Response(ch, Envelope{Status: StatusPending}))
}

// causeChain renders err and everything wrapped inside it, innermost last,
// joined by ": " -- the wire format for Response::Err payloads.
func causeChain(err error) string {
	if err == nil {
		return ""
	}
	chain := []string{err.Error()}
	for {
		unwrapped := errUnwrap(err)
		if unwrapped == nil {
			break
		}
		chain = append(chain, unwrapped.Error())
		err = unwrapped
	}
	out := chain[0]
	for _, c := range chain[1:] {
		out = fmt.Sprintf("%s: %s", out, c)
	}
	return out
}

func errUnwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// ErrMalformedFrame is returned by Decode when a frame cannot be parsed.
// A decode failure is fatal to the whole socket: callers
// must close the connection and let the supervisor re-dial.
type ErrMalformedFrame struct {
	Reason string
}

func (e *ErrMalformedFrame) Error() string {
	return fmt.Sprintf("malformed transport frame: %s", e.Reason)
}

// Decode parses exactly one websocket binary frame into a Message.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, &ErrMalformedFrame{Reason: "empty frame"}
	}

	kind := Kind(frame[len(frame)-1])
	payload := frame[:len(frame)-1]

	switch kind {
	case KindRequest:
		ch, rest, err := takeChannel(payload)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindRequest, Channel: ch, RequestPayload: rest}, nil

	case KindResponse:
		ch, rest, err := takeChannel(payload)
		if err != nil {
			return Message{}, err
		}
		if len(rest) < 1 {
			return Message{}, &ErrMalformedFrame{Reason: "response missing status byte"}
		}
		status := Status(rest[0])
		if status != StatusOk && status != StatusErr && status != StatusPending {
			return Message{}, &ErrMalformedFrame{Reason: "response has invalid status byte"}
		}
		return Message{Kind: KindResponse, Channel: ch, Envelope: Envelope{Status: status, Data: rest[1:]}}, nil

	case KindTerminal:
		ch, rest, err := takeChannel(payload)
		if err != nil {
			return Message{}, err
		}
		if len(rest) < 1 {
			return Message{}, &ErrMalformedFrame{Reason: "terminal frame missing result tag"}
		}
		ok := rest[0] == 0
		return Message{Kind: KindTerminal, Channel: ch, TerminalOk: ok, TerminalData: rest[1:]}, nil

	case KindLoginV1PasskeyFlow:
		if len(payload) != 1 {
			return Message{}, &ErrMalformedFrame{Reason: "login v1 passkey flow frame must be one byte"}
		}
		return Message{Kind: KindLoginV1PasskeyFlow, PasskeyFlow: payload[0] != 0}, nil

	case KindLoginV1Passkey:
		return Message{Kind: KindLoginV1Passkey, Passkey: payload}, nil

	case KindLoginSuccess:
		return Message{Kind: KindLoginSuccess}, nil

	case KindLoginError:
		return Message{Kind: KindLoginError, ErrMessage: string(payload)}, nil

	case KindPing:
		return Message{Kind: KindPing}, nil

	case KindHandshake:
		return Message{Kind: KindHandshake, HandshakePayload: payload}, nil

	default:
		return Message{}, &ErrMalformedFrame{Reason: fmt.Sprintf("unknown discriminator %d", kind)}
	}
}

func takeChannel(payload []byte) (ChannelID, []byte, error) {
	if len(payload) < 16 {
		return ChannelID{}, nil, &ErrMalformedFrame{Reason: "frame too short for channel id"}
	}
	var ch ChannelID
	copy(ch[:], payload[:16])
	return ch, payload[16:], nil
}

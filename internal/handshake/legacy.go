package handshake

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/Will-Luck/fleetd/internal/transport"
)

// RunLegacyResponder implements the pre-shared-passkey fallback used by
// Agents too old to speak the X25519 handshake. The
// initiator proves knowledge of the shared passkey by MAC-ing the
// connection Identifiers with it and the responder checks that MAC; a
// legacy initiator that doesn't share the same passkey produces a MAC
// that won't match.
func RunLegacyResponder(sock transport.Socket, passkey []byte, ids Identifiers) error {
	frame := transport.Encode(transport.Message{Kind: transport.KindLoginV1PasskeyFlow, PasskeyFlow: true})
	if err := sock.WriteFrame(frame); err != nil {
		return fmt.Errorf("send login v1 passkey flow: %w", err)
	}
	return runLegacyResponderAfterAnnounce(sock, passkey, ids)
}

func runLegacyResponderAfterAnnounce(sock transport.Socket, passkey []byte, ids Identifiers) error {
	reply, err := sock.ReadFrame()
	if err != nil {
		return fmt.Errorf("read login v1 passkey: %w", err)
	}
	msg, err := transport.Decode(reply)
	if err != nil {
		return err
	}
	if msg.Kind != transport.KindLoginV1Passkey {
		return fmt.Errorf("expected login v1 passkey frame, got kind %d", msg.Kind)
	}

	want := legacyMAC(passkey, ids)
	if !hmac.Equal(msg.Passkey, want) {
		errFrame := transport.Encode(transport.Message{Kind: transport.KindLoginError, ErrMessage: "invalid passkey"})
		_ = sock.WriteFrame(errFrame)
		return ErrUntrustedPeer
	}

	okFrame := transport.Encode(transport.Message{Kind: transport.KindLoginSuccess})
	if err := sock.WriteFrame(okFrame); err != nil {
		return fmt.Errorf("send login success: %w", err)
	}
	return nil
}

// RunLegacyInitiator is the dialing side of the fallback. It does not read
// the flow announcement itself (callers only invoke this after having
// already seen PasskeyFlow == true on a KindLoginV1PasskeyFlow frame); it
// sends its passkey-keyed MAC over the connection Identifiers and waits
// for success or error.
func RunLegacyInitiator(sock transport.Socket, passkey []byte, ids Identifiers) error {
	mac := legacyMAC(passkey, ids)
	frame := transport.Encode(transport.Message{Kind: transport.KindLoginV1Passkey, Passkey: mac})
	if err := sock.WriteFrame(frame); err != nil {
		return fmt.Errorf("send login v1 passkey: %w", err)
	}

	reply, err := sock.ReadFrame()
	if err != nil {
		return fmt.Errorf("read login result: %w", err)
	}
	msg, err := transport.Decode(reply)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case transport.KindLoginSuccess:
		return nil
	case transport.KindLoginError:
		return fmt.Errorf("legacy login rejected: %s", msg.ErrMessage)
	default:
		return fmt.Errorf("expected login result frame, got kind %d", msg.Kind)
	}
}

func legacyMAC(passkey []byte, ids Identifiers) []byte {
	h := hmac.New(sha256.New, passkey)
	h.Write(ids.bytes())
	return h.Sum(nil)
}

// constantTimeEqual compares two MACs in constant time. It is unexported,
// so only code inside this package can call it.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

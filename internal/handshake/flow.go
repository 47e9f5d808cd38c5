package handshake

import (
	"fmt"

	"github.com/Will-Luck/fleetd/internal/keys"
	"github.com/Will-Luck/fleetd/internal/transport"
)

// Respond runs the accepting side of a full session establishment: it first
// announces which login flow this responder speaks (a single
// v1-passkey-flow boolean precedes everything else), then runs either the
// legacy passkey exchange or the X25519 three-message handshake.
//
// legacy should only be true for a deployment that has a shared passkey and
// no pinned peer keys; everything else answers false.
func Respond(sock transport.Socket, id *keys.Identity, validator PublicKeyValidator, ids Identifiers, passkey []byte, legacy bool) (Session, error) {
	announce := transport.Encode(transport.Message{Kind: transport.KindLoginV1PasskeyFlow, PasskeyFlow: legacy})
	if err := sock.WriteFrame(announce); err != nil {
		return Session{}, fmt.Errorf("announce login flow: %w", err)
	}

	if legacy {
		if err := runLegacyResponderAfterAnnounce(sock, passkey, ids); err != nil {
			return Session{}, err
		}
		return Session{Legacy: true}, nil
	}
	return RunResponder(sock, id, validator, ids)
}

// Initiate runs the dialing side: it reads the responder's flow
// announcement and branches to the legacy passkey exchange or the X25519
// handshake accordingly. An initiator without a configured passkey cannot
// talk to a legacy responder and fails immediately.
func Initiate(sock transport.Socket, id *keys.Identity, validator PublicKeyValidator, ids Identifiers, passkey []byte) (Session, error) {
	frame, err := sock.ReadFrame()
	if err != nil {
		return Session{}, fmt.Errorf("read login flow announcement: %w", err)
	}
	msg, err := transport.Decode(frame)
	if err != nil {
		return Session{}, err
	}
	if msg.Kind != transport.KindLoginV1PasskeyFlow {
		return Session{}, fmt.Errorf("expected login flow announcement, got kind %d", msg.Kind)
	}

	if msg.PasskeyFlow {
		if len(passkey) == 0 {
			return Session{}, fmt.Errorf("peer requires the legacy passkey flow but no passkey is configured")
		}
		if err := RunLegacyInitiator(sock, passkey, ids); err != nil {
			return Session{}, err
		}
		return Session{Legacy: true}, nil
	}
	return RunInitiator(sock, id, validator, ids)
}

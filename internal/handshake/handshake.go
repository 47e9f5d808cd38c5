package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/Will-Luck/fleetd/internal/keys"
	"github.com/Will-Luck/fleetd/internal/transport"
)

// ErrUntrustedPeer is returned when the peer's static key does not appear
// in the validator's trust set. This is terminal: the
// connection is closed and the caller is expected to back off and retry,
// not attempt the handshake again on the same socket.
var ErrUntrustedPeer = errors.New("handshake: peer presented an untrusted static public key")

// ErrProofMismatch means the peer's proof-of-possession didn't decrypt
// under the derived key, or decrypted to identifiers that don't match this
// connection. From the initiator's side this looks identical to an
// untrusted peer: there is nothing more specific to report back.
var ErrProofMismatch = errors.New("handshake: proof-of-possession check failed")

// PublicKeyValidator decides whether a base64-SPKI-encoded peer static
// public key is one this side is willing to talk to.
type PublicKeyValidator interface {
	Validate(peerPublicKeyBase64 string) bool
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// RunInitiator performs the dialing side of the three-message exchange on
// an already-connected socket. It blocks until the exchange completes or
// fails; callers must not start the multiplexed read loop until it returns.
func RunInitiator(sock transport.Socket, id *keys.Identity, validator PublicKeyValidator, ids Identifiers) (Session, error) {
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return Session{}, fmt.Errorf("generate ephemeral key: %w", err)
	}

	if err := writeHandshake(sock, encodeStep1(ephemeral.PublicKey().Bytes())); err != nil {
		return Session{}, fmt.Errorf("send handshake step 1: %w", err)
	}

	step2, err := readHandshake(sock)
	if err != nil {
		return Session{}, fmt.Errorf("read handshake step 2: %w", err)
	}
	peerEphemeralRaw, encStaticR, proofR, err := decodeStep2(step2)
	if err != nil {
		return Session{}, err
	}
	peerEphemeral, err := keys.ParsePublicKey(peerEphemeralRaw)
	if err != nil {
		return Session{}, fmt.Errorf("parse responder ephemeral key: %w", err)
	}

	ee, err := dh(ephemeral, peerEphemeral)
	if err != nil {
		return Session{}, err
	}
	keyEE, err := deriveKey(ee, "ee")
	if err != nil {
		return Session{}, err
	}
	staticRRaw, err := open(keyEE, ids.bytes(), encStaticR)
	if err != nil {
		return Session{}, fmt.Errorf("decrypt responder static key: %w", err)
	}
	staticR, err := keys.ParsePublicKey(staticRRaw)
	if err != nil {
		return Session{}, fmt.Errorf("parse responder static key: %w", err)
	}
	staticRBase64, err := keys.EncodePublicKeyBase64(staticR)
	if err != nil {
		return Session{}, err
	}
	if !validator.Validate(staticRBase64) {
		return Session{}, ErrUntrustedPeer
	}

	es, err := dh(ephemeral, staticR)
	if err != nil {
		return Session{}, err
	}
	keyEEES, err := deriveKey(concat(ee, es), "ee_es")
	if err != nil {
		return Session{}, err
	}
	if _, err := open(keyEEES, ids.bytes(), proofR); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}

	encStaticI, err := seal(keyEEES, ids.bytes(), id.Public().Bytes())
	if err != nil {
		return Session{}, err
	}
	se, err := dh(id.Private(), peerEphemeral)
	if err != nil {
		return Session{}, err
	}
	keyFinal, err := deriveKey(concat(ee, es, se), "final")
	if err != nil {
		return Session{}, err
	}
	proofI, err := seal(keyFinal, ids.bytes(), ids.bytes())
	if err != nil {
		return Session{}, err
	}

	if err := writeHandshake(sock, encodeStep3(encStaticI, proofI)); err != nil {
		return Session{}, fmt.Errorf("send handshake step 3: %w", err)
	}

	// The responder answers step 3 with LoginSuccess or LoginError.
	verdict, err := sock.ReadFrame()
	if err != nil {
		return Session{}, fmt.Errorf("read handshake result: %w", err)
	}
	if msg, err := transport.Decode(verdict); err != nil || msg.Kind != transport.KindLoginSuccess {
		return Session{}, fmt.Errorf("%w: responder rejected the handshake: %s", ErrUntrustedPeer, msg.ErrMessage)
	}

	selfBase64, err := id.PublicBase64()
	if err != nil {
		return Session{}, err
	}
	return Session{
		PeerPublicKey:  staticRBase64,
		SelfPublicKey:  selfBase64,
		TranscriptHash: transcriptHash(ephemeral.PublicKey().Bytes(), peerEphemeralRaw, staticRRaw, id.Public().Bytes()),
	}, nil
}

// RunResponder performs the accepting side of the exchange. It answers
// step 3 with a verdict frame, which RunInitiator waits for: KindLoginSuccess
// on success, or KindLoginError (before returning an error) on an untrusted
// or unverifiable initiator.
func RunResponder(sock transport.Socket, id *keys.Identity, validator PublicKeyValidator, ids Identifiers) (Session, error) {
	step1, err := readHandshake(sock)
	if err != nil {
		return Session{}, fmt.Errorf("read handshake step 1: %w", err)
	}
	peerEphemeralRaw, err := decodeStep1(step1)
	if err != nil {
		return Session{}, err
	}
	peerEphemeral, err := keys.ParsePublicKey(peerEphemeralRaw)
	if err != nil {
		return Session{}, fmt.Errorf("parse initiator ephemeral key: %w", err)
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return Session{}, fmt.Errorf("generate ephemeral key: %w", err)
	}

	ee, err := dh(ephemeral, peerEphemeral)
	if err != nil {
		return Session{}, err
	}
	keyEE, err := deriveKey(ee, "ee")
	if err != nil {
		return Session{}, err
	}
	encStaticR, err := seal(keyEE, ids.bytes(), id.Public().Bytes())
	if err != nil {
		return Session{}, err
	}

	es, err := dh(id.Private(), peerEphemeral)
	if err != nil {
		return Session{}, err
	}
	keyEEES, err := deriveKey(concat(ee, es), "ee_es")
	if err != nil {
		return Session{}, err
	}
	proofR, err := seal(keyEEES, ids.bytes(), ids.bytes())
	if err != nil {
		return Session{}, err
	}

	if err := writeHandshake(sock, encodeStep2(ephemeral.PublicKey().Bytes(), encStaticR, proofR)); err != nil {
		return Session{}, fmt.Errorf("send handshake step 2: %w", err)
	}

	step3, err := readHandshake(sock)
	if err != nil {
		return Session{}, fmt.Errorf("read handshake step 3: %w", err)
	}
	encStaticI, proofI, err := decodeStep3(step3)
	if err != nil {
		return Session{}, err
	}
	staticIRaw, err := open(keyEEES, ids.bytes(), encStaticI)
	if err != nil {
		_ = writeLoginError(sock, "handshake failed")
		return Session{}, fmt.Errorf("decrypt initiator static key: %w", err)
	}
	staticI, err := keys.ParsePublicKey(staticIRaw)
	if err != nil {
		_ = writeLoginError(sock, "handshake failed")
		return Session{}, fmt.Errorf("parse initiator static key: %w", err)
	}
	staticIBase64, err := keys.EncodePublicKeyBase64(staticI)
	if err != nil {
		return Session{}, err
	}
	if !validator.Validate(staticIBase64) {
		_ = writeLoginError(sock, "untrusted peer")
		return Session{}, ErrUntrustedPeer
	}

	se, err := dh(ephemeral, staticI)
	if err != nil {
		return Session{}, err
	}
	keyFinal, err := deriveKey(concat(ee, es, se), "final")
	if err != nil {
		return Session{}, err
	}
	if _, err := open(keyFinal, ids.bytes(), proofI); err != nil {
		_ = writeLoginError(sock, "proof of possession failed")
		return Session{}, fmt.Errorf("%w: %v", ErrProofMismatch, err)
	}
	if err := sock.WriteFrame(transport.Encode(transport.Message{Kind: transport.KindLoginSuccess})); err != nil {
		return Session{}, fmt.Errorf("send login success: %w", err)
	}

	selfBase64, err := id.PublicBase64()
	if err != nil {
		return Session{}, err
	}
	return Session{
		PeerPublicKey:  staticIBase64,
		SelfPublicKey:  selfBase64,
		TranscriptHash: transcriptHash(peerEphemeralRaw, ephemeral.PublicKey().Bytes(), id.Public().Bytes(), staticIRaw),
	}, nil
}

func writeHandshake(sock transport.Socket, payload []byte) error {
	return sock.WriteFrame(transport.Encode(transport.Handshake(payload)))
}

func readHandshake(sock transport.Socket) ([]byte, error) {
	frame, err := sock.ReadFrame()
	if err != nil {
		return nil, err
	}
	msg, err := transport.Decode(frame)
	if err != nil {
		return nil, err
	}
	if msg.Kind != transport.KindHandshake {
		return nil, fmt.Errorf("expected handshake frame, got kind %d", msg.Kind)
	}
	return msg.HandshakePayload, nil
}

func writeLoginError(sock transport.Socket, reason string) error {
	return sock.WriteFrame(transport.Encode(transport.Message{Kind: transport.KindLoginError, ErrMessage: reason}))
}

// Package handshake implements the mutual-authentication key agreement:
// a Noise-XX-derived three-message exchange keyed by each side's X25519
// identity, plus a legacy pre-shared-passkey fallback for old Agents.
package handshake

import (
	"crypto/sha256"
	"encoding/base64"
)

// Identifiers binds a handshake to the specific connection it happened on:
// the URL/accept-nonce/query-string material exchanged during the websocket
// upgrade. Both sides must agree on these bytes or the proof-of-possession
// check fails — this is what stops a captured handshake transcript from
// being replayed onto a different connection.
type Identifiers struct {
	URL         string
	AcceptNonce string
	Query       string
}

func (id Identifiers) bytes() []byte {
	return []byte(id.URL + "\x00" + id.AcceptNonce + "\x00" + id.Query)
}

// Session is the result of a successful handshake: the peer's verified
// static public key and a transcript hash binding the whole exchange,
// stored on the connection handle. Frames exchanged after the handshake
// are not checked against the transcript hash.
type Session struct {
	PeerPublicKey  string // base64 SPKI
	SelfPublicKey  string // base64 SPKI
	TranscriptHash string // base64, identifies this exact session
	// Legacy marks a session established over the pre-shared-passkey
	// fallback: no key agreement ran, so the fields above are empty.
	Legacy bool
}

func transcriptHash(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

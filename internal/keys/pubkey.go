package keys

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// ParsePublicKey parses a raw 32-byte X25519 public key as exchanged on the
// wire during the handshake.
func ParsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse x25519 public key: %w", err)
	}
	return pub, nil
}

// EncodePublicKeyBase64 renders pub the same way Identity.PublicBase64 does
// (base64 of the SPKI encoding), so a peer's on-the-wire raw key and a
// trust-store's configured key can be compared directly.
func EncodePublicKeyBase64(pub *ecdh.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal spki public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

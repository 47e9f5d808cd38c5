package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// deriveKey turns a raw Diffie-Hellman shared secret into a 32-byte AEAD
// key, domain-separated by label so the keys derived at each step ("ee",
// "ee_es", "final") never collide even if two inputs happened to produce
// the same raw bytes.
func deriveKey(shared []byte, label string) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, nil, []byte(label))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key for %s: %w", label, err)
	}
	return key, nil
}

// seal encrypts plaintext under key, binding associatedData (the
// connection Identifiers at every call site) so a ciphertext from one
// connection can't be spliced into another.
func seal(key, associatedData, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	ct := aead.Seal(nonce, nonce, plaintext, associatedData)
	return ct, nil
}

// open decrypts a blob produced by seal.
func open(key, associatedData, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, associatedData)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return pt, nil
}

func dh(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("x25519 ecdh: %w", err)
	}
	return shared, nil
}

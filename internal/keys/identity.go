// Package keys manages the X25519 identity key pairs used by the
// handshake, their on-disk persistence, and the trusted-peer allow-lists
// each side validates the other against.
package keys

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is one side's long-lived X25519 key pair.
type Identity struct {
	private *ecdh.PrivateKey
	public  *ecdh.PublicKey
}

// Private returns the raw X25519 private key, used directly by the
// handshake's Diffie-Hellman steps.
func (id *Identity) Private() *ecdh.PrivateKey { return id.private }

// Public returns the raw X25519 public key.
func (id *Identity) Public() *ecdh.PublicKey { return id.public }

// PublicBase64 is the wire/display form used in trusted-peer sets and
// operator-facing output: base64 of the SPKI-encoded public key.
func (id *Identity) PublicBase64() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(id.public)
	if err != nil {
		return "", fmt.Errorf("marshal spki public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// Generate creates a fresh X25519 identity. It is not persisted — call
// Save or use Rotate to write it to disk.
func Generate() (*Identity, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return &Identity{private: priv, public: priv.PublicKey()}, nil
}

// Load reads a PKCS#8-PEM-encoded private key from path and derives the
// identity from it. Also accepts a raw 32-byte private key PEM block
// ("X25519 PRIVATE KEY") for interop with keys generated outside Go.
func Load(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	return decodePrivateKeyPEM(raw)
}

func decodePrivateKeyPEM(raw []byte) (*Identity, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
		}
		priv, ok := key.(*ecdh.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("pkcs8 key is not an X25519 key")
		}
		return &Identity{private: priv, public: priv.PublicKey()}, nil

	case "X25519 PRIVATE KEY":
		priv, err := ecdh.X25519().NewPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse raw x25519 private key: %w", err)
		}
		return &Identity{private: priv, public: priv.PublicKey()}, nil

	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

// Save writes id's private key to path as PKCS#8 PEM (mode 0600), atomically
// via temp-file-then-rename, matching the CA key persistence idiom this
// module's teacher uses for its certificate authority.
func (id *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.private)
	if err != nil {
		return fmt.Errorf("marshal pkcs8 private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return atomicWrite(path, pemBytes, 0o600)
}

// EnsureIdentity loads the identity at path, generating and persisting a
// fresh one if the file doesn't exist yet.
func EnsureIdentity(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, fmt.Errorf("persist new identity: %w", err)
	}
	return id, nil
}

// atomicWrite writes data to a temp file in the same directory as path and
// renames it into place, so a crash mid-write never leaves a truncated key
// on disk.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

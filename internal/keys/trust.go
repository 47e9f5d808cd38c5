package keys

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// filePrefix marks a trust-store entry as a path to reload from disk rather
// than a literal base64 public key, e.g. "file:/etc/fleetd/core-keys.txt".
const filePrefix = "file:"

// TrustStore is the allow-list of base64-SPKI public keys a side accepts as
// its peer during the handshake.
type TrustStore struct {
	mu      sync.RWMutex
	entries []string        // raw config entries (literal keys and "file:" paths)
	keys    map[string]bool // resolved, flattened set
}

// NewTrustStore builds a TrustStore from a mix of literal base64 keys and
// "file:<path>" entries, reading every file once up front.
func NewTrustStore(entries []string) (*TrustStore, error) {
	ts := &TrustStore{entries: entries, keys: make(map[string]bool)}
	if err := ts.Reload(); err != nil {
		return nil, err
	}
	return ts, nil
}

// Validate implements the handshake's PublicKeyValidator contract: does
// peerPublicKey (base64 SPKI) belong to this side's trusted-peer set.
func (ts *TrustStore) Validate(peerPublicKey string) bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.keys[peerPublicKey]
}

// Reload re-reads every "file:" entry from disk and rebuilds the resolved
// key set. Literal entries never change. Called by NewTrustStore and by
// AddPersisted after a core key rotation writes a new key into a trusted
// file; Validate does not reload on a miss.
func (ts *TrustStore) Reload() error {
	resolved := make(map[string]bool)

	for _, entry := range ts.entries {
		if !strings.HasPrefix(entry, filePrefix) {
			if key := strings.TrimSpace(entry); key != "" {
				resolved[key] = true
			}
			continue
		}

		path := strings.TrimPrefix(entry, filePrefix)
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reload trusted peer file %s: %w", path, err)
		}
		for _, line := range strings.Split(string(raw), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			resolved[line] = true
		}
	}

	ts.mu.Lock()
	ts.keys = resolved
	ts.mu.Unlock()
	return nil
}

// AddPersisted appends a newly trusted public key to the first file-backed
// entry (if any configured) and reloads. Used by the key-rotation
// handler: the Agent learns Core's new key and must
// both remember it for this process and persist it for future restarts.
func (ts *TrustStore) AddPersisted(publicKey string) error {
	var filePath string
	for _, entry := range ts.entries {
		if strings.HasPrefix(entry, filePrefix) {
			filePath = strings.TrimPrefix(entry, filePrefix)
			break
		}
	}

	if filePath == "" {
		// No file-backed entry configured — trust it for this process only.
		ts.mu.Lock()
		ts.keys[publicKey] = true
		ts.mu.Unlock()
		return nil
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open trusted peer file %s: %w", filePath, err)
	}
	_, writeErr := f.WriteString(publicKey + "\n")
	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("append trusted peer file %s: %w", filePath, writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close trusted peer file %s: %w", filePath, closeErr)
	}

	return ts.Reload()
}

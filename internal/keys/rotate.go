package keys

import (
	"fmt"
	"os"
	"time"

	"github.com/Will-Luck/fleetd/internal/metrics"
)

// RotatePrivateKey generates a fresh identity, archives a copy of the
// previous key file alongside it (suffixed with its rotation timestamp,
// mirroring the teacher's CA key persistence idiom), and atomically
// replaces path with the new key. Returns the new identity; the caller is responsible for
// announcing the new public key to peers.
func RotatePrivateKey(path string) (*Identity, error) {
	fresh, err := Generate()
	if err != nil {
		return nil, fmt.Errorf("generate rotated identity: %w", err)
	}

	if previous, err := os.ReadFile(path); err == nil {
		archivePath := fmt.Sprintf("%s.%s.bak", path, time.Now().UTC().Format("20060102T150405"))
		if err := os.WriteFile(archivePath, previous, 0o600); err != nil {
			return nil, fmt.Errorf("archive previous identity: %w", err)
		}
	}

	if err := fresh.Save(path); err != nil {
		return nil, fmt.Errorf("persist rotated identity: %w", err)
	}
	metrics.KeyRotationsTotal.Inc()
	return fresh, nil
}

// RotateCorePublicKey is the Agent-side handler for a Core-announced key
// rotation: it adds newPublicKey to the Agent's trust store (and
// persists it to the store's file-backed entry, if configured, so the
// pin survives a restart) without dropping the previous key, so in-flight
// connections authenticated under the old key are not disrupted mid-
// rotation. The caller is expected to remove the stale key from the
// trust file out of band once rollover is confirmed complete.
func RotateCorePublicKey(ts *TrustStore, newPublicKey string) error {
	if newPublicKey == "" {
		return fmt.Errorf("rotate core public key: empty key")
	}
	if err := ts.AddPersisted(newPublicKey); err != nil {
		return fmt.Errorf("rotate core public key: %w", err)
	}
	return nil
}

package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTrustedPeers  = []byte("trusted_peers")
	bucketHostRegistry  = []byte("host_registry")
	bucketEnrollTokens  = []byte("enrollment_tokens")
	bucketRevokedKeys   = []byte("revoked_keys")
	bucketSettings      = []byte("settings")
	bucketLogs          = []byte("logs")
)

// Store wraps a BoltDB database for Core-side fleetd persistence: the
// trusted peer set, the registered host inventory, enrollment tokens and
// revoked public keys.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTrustedPeers, bucketHostRegistry, bucketEnrollTokens, bucketRevokedKeys, bucketSettings, bucketLogs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// TrustedPeer is a Core-pinned Agent public key entry.
type TrustedPeer struct {
	AgentID   string    `json:"agent_id"`
	PublicKey string    `json:"public_key"` // base64-encoded X25519 key
	Label     string    `json:"label,omitempty"`
	AddedAt   time.Time `json:"added_at"`
}

// AddTrustedPeer pins an Agent's public key as trusted.
func (s *Store) AddTrustedPeer(peer TrustedPeer) error {
	if peer.AddedAt.IsZero() {
		peer.AddedAt = time.Now().UTC()
	}
	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("marshal trusted peer: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrustedPeers)
		return b.Put([]byte(peer.AgentID), data)
	})
}

// GetTrustedPeer returns the trusted peer entry for an Agent ID.
// Returns nil, nil if the Agent is not trusted.
func (s *Store) GetTrustedPeer(agentID string) (*TrustedPeer, error) {
	var peer *TrustedPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrustedPeers)
		v := b.Get([]byte(agentID))
		if v == nil {
			return nil
		}
		peer = &TrustedPeer{}
		return json.Unmarshal(v, peer)
	})
	return peer, err
}

// RemoveTrustedPeer revokes trust for an Agent ID.
func (s *Store) RemoveTrustedPeer(agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrustedPeers)
		return b.Delete([]byte(agentID))
	})
}

// ListTrustedPeers returns all pinned trusted peers.
func (s *Store) ListTrustedPeers() ([]TrustedPeer, error) {
	var peers []TrustedPeer
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrustedPeers)
		return b.ForEach(func(_, v []byte) error {
			var peer TrustedPeer
			if err := json.Unmarshal(v, &peer); err != nil {
				return nil
			}
			peers = append(peers, peer)
			return nil
		})
	})
	return peers, err
}

// TrustsPublicKey reports whether publicKey currently belongs to a
// trusted peer. Core uses this as its handshake.PublicKeyValidator, so
// trust changes made via enrollment or revocation take effect on the
// very next connection attempt with no separate reload step.
func (s *Store) TrustsPublicKey(publicKey string) bool {
	peers, err := s.ListTrustedPeers()
	if err != nil {
		return false
	}
	for _, p := range peers {
		if p.PublicKey == publicKey {
			return true
		}
	}
	return false
}

// HostEntry is a registered Agent host in the fleet inventory.
type HostEntry struct {
	AgentID      string    `json:"agent_id"`
	Hostname     string    `json:"hostname"`
	Address      string    `json:"address,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RegisterHost records or updates a host's inventory entry.
func (s *Store) RegisterHost(entry HostEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHostRegistry)

		existing := b.Get([]byte(entry.AgentID))
		if existing != nil {
			var prev HostEntry
			if err := json.Unmarshal(existing, &prev); err == nil {
				entry.RegisteredAt = prev.RegisteredAt
			}
		}
		if entry.RegisteredAt.IsZero() {
			entry.RegisteredAt = time.Now().UTC()
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal host entry: %w", err)
		}
		return b.Put([]byte(entry.AgentID), data)
	})
}

// TouchHost updates a host's last-seen timestamp without touching other fields.
func (s *Store) TouchHost(agentID string, seenAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHostRegistry)
		v := b.Get([]byte(agentID))
		if v == nil {
			return nil
		}
		var entry HostEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("unmarshal host entry: %w", err)
		}
		entry.LastSeen = seenAt
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal host entry: %w", err)
		}
		return b.Put([]byte(agentID), data)
	})
}

// GetHost returns the registered host entry for an Agent ID.
func (s *Store) GetHost(agentID string) (*HostEntry, error) {
	var entry *HostEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHostRegistry)
		v := b.Get([]byte(agentID))
		if v == nil {
			return nil
		}
		entry = &HostEntry{}
		return json.Unmarshal(v, entry)
	})
	return entry, err
}

// ListHosts returns every registered host.
func (s *Store) ListHosts() ([]HostEntry, error) {
	var hosts []HostEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHostRegistry)
		return b.ForEach(func(_, v []byte) error {
			var entry HostEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			hosts = append(hosts, entry)
			return nil
		})
	})
	return hosts, err
}

// DeregisterHost removes a host from the inventory.
func (s *Store) DeregisterHost(agentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHostRegistry)
		return b.Delete([]byte(agentID))
	})
}

// EnrollmentToken is a single-use credential that lets a new Agent bootstrap
// trust with Core without a pre-shared key.
type EnrollmentToken struct {
	Token     string    `json:"token"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	UsedBy    string    `json:"used_by,omitempty"`
}

// CreateEnrollmentToken stores a new enrollment token.
func (s *Store) CreateEnrollmentToken(tok EnrollmentToken) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal enrollment token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollTokens)
		return b.Put([]byte(tok.Token), data)
	})
}

// ConsumeEnrollmentToken validates and marks a token used. It fails if the
// token is unknown, already used, or expired.
func (s *Store) ConsumeEnrollmentToken(token, usedBy string, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollTokens)
		v := b.Get([]byte(token))
		if v == nil {
			return fmt.Errorf("unknown enrollment token")
		}
		var tok EnrollmentToken
		if err := json.Unmarshal(v, &tok); err != nil {
			return fmt.Errorf("unmarshal enrollment token: %w", err)
		}
		if tok.Used {
			return fmt.Errorf("enrollment token already used")
		}
		if !tok.ExpiresAt.IsZero() && now.After(tok.ExpiresAt) {
			return fmt.Errorf("enrollment token expired")
		}
		tok.Used = true
		tok.UsedBy = usedBy
		data, err := json.Marshal(tok)
		if err != nil {
			return fmt.Errorf("marshal enrollment token: %w", err)
		}
		return b.Put([]byte(token), data)
	})
}

// ListEnrollmentTokens returns all stored enrollment tokens.
func (s *Store) ListEnrollmentTokens() ([]EnrollmentToken, error) {
	var tokens []EnrollmentToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollTokens)
		return b.ForEach(func(_, v []byte) error {
			var tok EnrollmentToken
			if err := json.Unmarshal(v, &tok); err != nil {
				return nil
			}
			tokens = append(tokens, tok)
			return nil
		})
	})
	return tokens, err
}

// RevokeEnrollmentToken deletes a token outright, e.g. if it leaked.
func (s *Store) RevokeEnrollmentToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnrollTokens)
		return b.Delete([]byte(token))
	})
}

// RevokePublicKey marks a public key (base64) as revoked, analogous to a
// revoked certificate serial — checked on every handshake.
func (s *Store) RevokePublicKey(publicKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevokedKeys)
		return b.Put([]byte(publicKey), []byte(time.Now().UTC().Format(time.RFC3339Nano)))
	})
}

// IsRevokedPublicKey reports whether a public key has been revoked.
func (s *Store) IsRevokedPublicKey(publicKey string) (bool, error) {
	var revoked bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevokedKeys)
		revoked = b.Get([]byte(publicKey)) != nil
		return nil
	})
	return revoked, err
}

// ListRevokedPublicKeys returns all revoked public keys.
func (s *Store) ListRevokedPublicKeys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevokedKeys)
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// SaveSetting stores a setting key-value pair in the settings bucket.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.Put([]byte(key), []byte(value))
	})
}

// LoadSetting loads a setting by key from the settings bucket.
// Returns empty string if the key doesn't exist.
func (s *Store) LoadSetting(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		v := b.Get([]byte(key))
		if v != nil {
			val = string(v)
		}
		return nil
	})
	return val, err
}

// GetAllSettings returns all key-value pairs from the settings bucket.
func (s *Store) GetAllSettings() (map[string]string, error) {
	result := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.ForEach(func(k, v []byte) error {
			result[string(k)] = string(v)
			return nil
		})
	})
	return result, err
}

// LogEntry represents a timestamped event in the Core activity log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"` // agent_enrolled, agent_trusted, agent_revoked, key_rotated, token_issued
	Message   string    `json:"message"`
	AgentID   string    `json:"agent_id,omitempty"`
}

// AppendLog writes a log entry to the logs bucket.
func (s *Store) AppendLog(entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		key := []byte(entry.Timestamp.Format(time.RFC3339Nano))
		return b.Put(key, data)
	})
}

// ListLogs returns the most recent log entries, newest first, up to limit.
func (s *Store) ListLogs(limit int) ([]LogEntry, error) {
	var entries []LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all fleetd configuration from environment variables.
// Mutable fields (RetryInterval, CorePublicKeys) are protected by an
// RWMutex and must be accessed via getter/setter methods at runtime, since
// the connection supervisor reads them while HTTP handlers or a key
// rotation may write them.
type Config struct {
	// Identity
	AgentID string

	// Core connection (agent mode)
	CoreAddr    string
	TLSInsecure bool
	Passkey     string
	ListenAddr  string // agent mode: address of the Agent's own /ws/periphery, /healthz and /metrics listener
	HTTPAddr    string // core mode: address for internal/httpapi

	// Storage
	DBPath string

	// Identity and Docker access
	IdentityPath     string
	DockerSock       string
	ScrollbackKB     int

	// Logging
	LogJSON bool

	// Notifications
	MQTTBroker string
	WebhookURL string

	MetricsEnabled bool

	// mu protects the mutable runtime fields below.
	mu                sync.RWMutex
	retryInterval     time.Duration // fixed cooldown between reconnect attempts
	corePublicKeys    []string      // pinned Core public keys, base64, reloadable
	keyRotationPeriod time.Duration
}

// NewTestConfig creates a Config with sensible defaults for testing.
// Use the setter methods to override specific values.
func NewTestConfig() *Config {
	return &Config{
		retryInterval:     2 * time.Second,
		keyRotationPeriod: 30 * 24 * time.Hour,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		AgentID:           envStr("FLEET_AGENT_ID", ""),
		CoreAddr:          envStr("FLEET_CORE_ADDR", ""),
		TLSInsecure:       envBool("FLEET_TLS_INSECURE", false),
		Passkey:           envStr("FLEET_PASSKEY", ""),
		ListenAddr:        envStr("FLEET_LISTEN_ADDR", ":7443"),
		HTTPAddr:          envStr("FLEET_HTTP_ADDR", ":8080"),
		DBPath:            envStr("FLEET_DB_PATH", "/data/fleetd.db"),
		IdentityPath:      envStr("FLEET_IDENTITY_PATH", ""),
		DockerSock:        envStr("FLEET_DOCKER_SOCK", "/var/run/docker.sock"),
		ScrollbackKB:      envInt("FLEET_TERMINAL_SCROLLBACK_KB", 64),
		LogJSON:           envBool("FLEET_LOG_JSON", true),
		MQTTBroker:        envStr("FLEET_MQTT_BROKER", ""),
		WebhookURL:        envStr("FLEET_WEBHOOK_URL", ""),
		MetricsEnabled:    envBool("FLEET_METRICS", false),
		retryInterval:     envDuration("FLEET_CONNECTION_RETRY_SECONDS", 10*time.Second),
		corePublicKeys:    envList("FLEET_CORE_PUBLIC_KEYS"),
		keyRotationPeriod: envDuration("FLEET_KEY_ROTATION_PERIOD", 30*24*time.Hour),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	ri := c.retryInterval
	c.mu.RUnlock()

	var errs []error
	if ri <= 0 {
		errs = append(errs, fmt.Errorf("FLEET_CONNECTION_RETRY_SECONDS must be > 0, got %s", ri))
	}
	if c.AgentID == "" && c.CoreAddr != "" {
		errs = append(errs, fmt.Errorf("FLEET_AGENT_ID is required when FLEET_CORE_ADDR is set"))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	ri := c.retryInterval
	keys := c.corePublicKeys
	c.mu.RUnlock()

	return map[string]string{
		"FLEET_AGENT_ID":                  c.AgentID,
		"FLEET_CORE_ADDR":                 c.CoreAddr,
		"FLEET_TLS_INSECURE":              fmt.Sprintf("%t", c.TLSInsecure),
		"FLEET_PASSKEY":                   redactPath(c.Passkey),
		"FLEET_LISTEN_ADDR":               c.ListenAddr,
		"FLEET_HTTP_ADDR":                 c.HTTPAddr,
		"FLEET_DB_PATH":                   c.DBPath,
		"FLEET_IDENTITY_PATH":             c.IdentityPath,
		"FLEET_DOCKER_SOCK":               c.DockerSock,
		"FLEET_TERMINAL_SCROLLBACK_KB":    fmt.Sprintf("%d", c.ScrollbackKB),
		"FLEET_LOG_JSON":                  fmt.Sprintf("%t", c.LogJSON),
		"FLEET_MQTT_BROKER":               c.MQTTBroker,
		"FLEET_WEBHOOK_URL":               c.WebhookURL,
		"FLEET_METRICS":                   fmt.Sprintf("%t", c.MetricsEnabled),
		"FLEET_CONNECTION_RETRY_SECONDS":  ri.String(),
		"FLEET_CORE_PUBLIC_KEYS":          fmt.Sprintf("%d configured", len(keys)),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Bare integers are seconds, matching FLEET_CONNECTION_RETRY_SECONDS.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// RetryInterval returns the current reconnect cooldown (thread-safe).
func (c *Config) RetryInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retryInterval
}

// SetRetryInterval updates the reconnect cooldown at runtime (thread-safe).
func (c *Config) SetRetryInterval(d time.Duration) {
	c.mu.Lock()
	c.retryInterval = d
	c.mu.Unlock()
}

// CorePublicKeys returns the currently pinned Core public keys (thread-safe).
func (c *Config) CorePublicKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.corePublicKeys))
	copy(out, c.corePublicKeys)
	return out
}

// SetCorePublicKeys replaces the pinned Core public key set, e.g. after a
// rotation notification arrives (thread-safe).
func (c *Config) SetCorePublicKeys(keys []string) {
	c.mu.Lock()
	c.corePublicKeys = append([]string(nil), keys...)
	c.mu.Unlock()
}

// KeyRotationPeriod returns the configured identity key rotation interval (thread-safe).
func (c *Config) KeyRotationPeriod() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keyRotationPeriod
}

// SetKeyRotationPeriod updates the identity key rotation interval at runtime (thread-safe).
func (c *Config) SetKeyRotationPeriod(d time.Duration) {
	c.mu.Lock()
	c.keyRotationPeriod = d
	c.mu.Unlock()
}

// redactPath returns "(set)" if the value is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

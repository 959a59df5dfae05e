package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the sync server.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode, X-Client-ID header is accepted and API key validation is relaxed.
	Mode string

	// Database
	DBURL string

	// Run datastore migrations on startup.
	DatastoreMigrateAtStart bool

	// Datastore backend type
	DatastoreType string // "postgres"

	// Redis backs the cross-process SYNC_COMPLETE notification bus. Empty
	// disables cross-process broadcast and falls back to in-process only.
	RedisURL string

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string // Internal URL for OIDC discovery (when issuer URL is not reachable)

	// Prometheus
	PrometheusURL string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener           ListenerConfig
	ManagementListener ListenerConfig
	// ManagementListenerEnabled is true when --management-port (or BOOKMARKSYNC_MANAGEMENT_PORT)
	// was explicitly provided. When false, management endpoints are served on the main port.
	ManagementListenerEnabled bool
	// ManagementAccessLog enables HTTP access logging for management endpoints (/health, /ready, /metrics).
	ManagementAccessLog bool
	CORSEnabled         bool
	CORSOrigins         string

	// Security
	// APIKeys maps API key values to client/user IDs (BOOKMARKSYNC_API_KEYS_<USER_ID>=<key>).
	APIKeys map[string]string // key value → userId

	// Body size limit (bytes)
	MaxBodySize int64

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int

	// DB pool
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Sync batch limits
	// PushMaxBatchSize is set from its flag but not read by the sync routes,
	// which cap a push at a fixed 100 operations.
	PushMaxBatchSize int
	// PullPageSize is set from its flag but not read by the sync routes,
	// which default a pull page to 100 records and cap it at 1000.
	PullPageSize int

	// SyncDebounce is set from its flag but nothing in the server reads it.
	SyncDebounce time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeProd,
		DatastoreType:           "postgres",
		DatastoreMigrateAtStart: true,
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
			EnableTLS:       true,
		},
		MaxBodySize:      5 * 1024 * 1024,
		DrainTimeout:     30,
		DBMaxOpenConns:   25,
		DBMaxIdleConns:   5,
		PushMaxBatchSize: 500,
		PullPageSize:     500,
		SyncDebounce:     2 * time.Second,
	}
}

// ResolvedTempDir returns the platform temp directory (os.TempDir); Config
// has no temp directory setting of its own.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	return os.TempDir()
}

// LoadAPIKeysFromEnv scans env vars matching BOOKMARKSYNC_API_KEYS_<USER_ID>=<key>[,<key>...]
// and returns a map from key value to userID. Comma-separated values let a
// single user rotate between multiple live keys.
func LoadAPIKeysFromEnv() map[string]string {
	const prefix = "BOOKMARKSYNC_API_KEYS_"
	result := map[string]string{}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		eqIdx := strings.IndexByte(env, '=')
		if eqIdx < 0 {
			continue
		}
		userID := strings.ToLower(strings.TrimSpace(env[len(prefix):eqIdx]))
		if userID == "" {
			continue
		}
		for _, key := range strings.Split(env[eqIdx+1:], ",") {
			keyValue := strings.TrimSpace(key)
			if keyValue == "" {
				continue
			}
			result[keyValue] = userID
		}
	}
	return result
}

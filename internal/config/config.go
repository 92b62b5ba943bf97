package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all Dockyard server configuration from environment variables.
type Config struct {
	// Listener
	ListenAddr  string // HTTP listener for the agent WebSocket endpoint and /metrics
	MetricsPath string

	// Agent protocol
	AuthTimeout       time.Duration // how long a new connection may take to send its first frame
	HeartbeatInterval time.Duration // expected agent heartbeat cadence
	HeartbeatMisses   int           // missed intervals before an agent is marked disconnected
	MaxFrameBytes     int64         // hard cap on a single WebSocket frame

	// Replay protection
	ReplayWindow time.Duration // acceptance window for message timestamps
	ReplaySkew   time.Duration // tolerated clock skew into the future

	// Secrets
	MasterKey    string // master passphrase for token encryption (required)
	SaltFilePath string // location of the 16-byte master-key salt file

	// Storage
	DBPath string

	// Command routing
	PreferAgent    bool          // prefer agent dispatch over direct shell when both work
	CommandTimeout time.Duration // default timeout for routed commands

	// Operator API
	APIReadToken    string // bearer token granting read-level API access
	APIExecuteToken string // bearer token granting execute-level API access
	APIAdminToken   string // bearer token granting admin-level API access

	// Shell fallback
	SSHPoolSize      int  // idle sessions kept per (host, port, user)
	StrictHostKeys   bool // verify SSH host keys against the known-hosts file
	SSHKnownHosts    string
	SSHConnectTimout time.Duration

	// Logging
	LogJSON  bool
	LogLevel string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr:        envStr("DOCKYARD_LISTEN_ADDR", ":8480"),
		MetricsPath:       envStr("DOCKYARD_METRICS_PATH", "/metrics"),
		AuthTimeout:       envDuration("DOCKYARD_AUTH_TIMEOUT", 30*time.Second),
		HeartbeatInterval: envDuration("DOCKYARD_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatMisses:   envInt("DOCKYARD_HEARTBEAT_MISSES", 3),
		MaxFrameBytes:     int64(envInt("DOCKYARD_MAX_FRAME_BYTES", 1<<20)),
		ReplayWindow:      envDuration("DOCKYARD_REPLAY_WINDOW", 5*time.Minute),
		ReplaySkew:        envDuration("DOCKYARD_REPLAY_SKEW", 30*time.Second),
		MasterKey:         os.Getenv("DOCKYARD_MASTER_KEY"),
		SaltFilePath:      envStr("DOCKYARD_SALT_FILE", "/data/master-salt"),
		DBPath:            envStr("DOCKYARD_DB_PATH", "/data/dockyard.db"),
		PreferAgent:       envBool("DOCKYARD_PREFER_AGENT", true),
		CommandTimeout:    envDuration("DOCKYARD_COMMAND_TIMEOUT", 30*time.Second),
		APIReadToken:      os.Getenv("DOCKYARD_API_READ_TOKEN"),
		APIExecuteToken:   os.Getenv("DOCKYARD_API_EXECUTE_TOKEN"),
		APIAdminToken:     os.Getenv("DOCKYARD_API_ADMIN_TOKEN"),
		SSHPoolSize:       envInt("DOCKYARD_SSH_POOL_SIZE", 4),
		StrictHostKeys:    envBool("DOCKYARD_SSH_STRICT_HOST_KEYS", true),
		SSHKnownHosts:     envStr("DOCKYARD_SSH_KNOWN_HOSTS", "/data/known_hosts"),
		SSHConnectTimout:  envDuration("DOCKYARD_SSH_CONNECT_TIMEOUT", 10*time.Second),
		LogJSON:           envBool("DOCKYARD_LOG_JSON", true),
		LogLevel:          envStr("DOCKYARD_LOG_LEVEL", "info"),
	}
}

// Validate checks configuration for invalid values.
// The master key is mandatory: without it encrypted agent tokens can neither
// be written nor read, so refusing to start is the only safe behaviour.
func (c *Config) Validate() error {
	var errs []error
	if c.MasterKey == "" {
		errs = append(errs, errors.New("DOCKYARD_MASTER_KEY must be set"))
	}
	if c.AuthTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DOCKYARD_AUTH_TIMEOUT must be > 0, got %s", c.AuthTimeout))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("DOCKYARD_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.HeartbeatMisses < 1 {
		errs = append(errs, fmt.Errorf("DOCKYARD_HEARTBEAT_MISSES must be >= 1, got %d", c.HeartbeatMisses))
	}
	if c.MaxFrameBytes < 4096 {
		errs = append(errs, fmt.Errorf("DOCKYARD_MAX_FRAME_BYTES must be >= 4096, got %d", c.MaxFrameBytes))
	}
	if c.ReplayWindow <= 0 {
		errs = append(errs, fmt.Errorf("DOCKYARD_REPLAY_WINDOW must be > 0, got %s", c.ReplayWindow))
	}
	if c.SSHPoolSize < 1 {
		errs = append(errs, fmt.Errorf("DOCKYARD_SSH_POOL_SIZE must be >= 1, got %d", c.SSHPoolSize))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Package config loads icotes server settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every tunable the fabric reads. It is built once at startup
// from the environment and passed explicitly to each service; nothing reads
// os.Getenv after Load returns.
type Config struct {
	// WorkspaceRoot is the filesystem root for local operations and the
	// parent of the .icotes state directory.
	WorkspaceRoot string

	// HTTPPort is the listen port for the HTTP/WebSocket server.
	HTTPPort string

	Broker     BrokerConfig
	Connection ConnectionConfig
	Broadcast  BroadcastConfig
	WSAPI      WSAPIConfig
	Hop        HopConfig
	Terminal   TerminalConfig
}

// BrokerConfig tunes the in-memory message broker.
type BrokerConfig struct {
	HistorySize    int           // bounded publish history
	ExpiryInterval time.Duration // cadence of the TTL eviction scan
}

// ConnectionConfig tunes the connection manager.
type ConnectionConfig struct {
	MaxPerSession     int           // per-session connection cap
	ConnectionTimeout time.Duration // idle reaper threshold
	PingInterval      time.Duration // WebSocket liveness probe cadence
}

// BroadcastConfig tunes the event broadcaster.
type BroadcastConfig struct {
	HistorySize     int           // bounded event history for replay
	DeliveryTimeout time.Duration // per-client delivery bound
}

// WSAPIConfig tunes the WebSocket API layer.
type WSAPIConfig struct {
	ReplaySize        int           // per-session replay ring capacity
	ConnectionTimeout time.Duration // inbound idle window before the socket is closed
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// HopConfig tunes the SSH hop service.
type HopConfig struct {
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration // bound on every SFTP call
	SFTPStartTimeout time.Duration
	MaxRetries       int     // reconnection attempts before giving up
	BackoffBase      float64 // reconnect backoff base (base^attempt seconds, capped at 30s)
	RemoteShell      string
	DebugMode        bool
}

// TerminalConfig tunes the local terminal service.
type TerminalConfig struct {
	SessionTimeout  time.Duration // idle sessions older than this are destroyed
	CleanupInterval time.Duration
}

// Load builds a Config from the environment, applying defaults for
// everything unset. It fails only on values that parse but make no sense
// (e.g. negative retry counts).
func Load() (*Config, error) {
	workspace := getEnv("WORKSPACE_ROOT", "")
	if workspace == "" {
		workspace = getEnv("ICOTES_WORKSPACE_PATH", "")
	}
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve workspace root: %w", err)
		}
		workspace = cwd
	}
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	cfg := &Config{
		WorkspaceRoot: workspace,
		HTTPPort:      getEnv("HTTP_PORT", "8000"),
		Broker: BrokerConfig{
			HistorySize:    getEnvInt("BROKER_HISTORY_SIZE", 1000),
			ExpiryInterval: getEnvDuration("BROKER_EXPIRY_INTERVAL", 60*time.Second),
		},
		Connection: ConnectionConfig{
			MaxPerSession:     getEnvInt("MAX_CONNECTIONS_PER_SESSION", 10),
			ConnectionTimeout: getEnvDuration("CONNECTION_TIMEOUT", 300*time.Second),
			PingInterval:      getEnvDuration("PING_INTERVAL", 30*time.Second),
		},
		Broadcast: BroadcastConfig{
			HistorySize:     getEnvInt("BROADCAST_HISTORY_SIZE", 1000),
			DeliveryTimeout: getEnvDuration("BROADCAST_DELIVERY_TIMEOUT", 5*time.Second),
		},
		WSAPI: WSAPIConfig{
			ReplaySize:        getEnvInt("WS_REPLAY_SIZE", 1000),
			ConnectionTimeout: getEnvDuration("WS_CONNECTION_TIMEOUT", 3600*time.Second),
			HeartbeatInterval: getEnvDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
			WriteTimeout:      getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		},
		Hop: HopConfig{
			ConnectTimeout:   getEnvDuration("HOP_CONNECTION_TIMEOUT", 30*time.Second),
			OperationTimeout: getEnvDuration("HOP_OPERATION_TIMEOUT", 60*time.Second),
			SFTPStartTimeout: getEnvDuration("HOP_SFTP_START_TIMEOUT", 60*time.Second),
			MaxRetries:       getEnvInt("HOP_RECONNECT_MAX_RETRIES", 3),
			BackoffBase:      getEnvFloat("HOP_RECONNECT_BACKOFF_BASE", 2.0),
			RemoteShell:      getEnv("REMOTE_SHELL", "/bin/bash"),
			DebugMode:        getEnvBool("HOP_DEBUG_MODE", false),
		},
		Terminal: TerminalConfig{
			SessionTimeout:  getEnvDuration("TERMINAL_SESSION_TIMEOUT", 3600*time.Second),
			CleanupInterval: getEnvDuration("TERMINAL_CLEANUP_INTERVAL", 5*time.Minute),
		},
	}

	if cfg.Hop.MaxRetries < 0 {
		return nil, fmt.Errorf("HOP_RECONNECT_MAX_RETRIES must be >= 0, got %d", cfg.Hop.MaxRetries)
	}
	if cfg.Hop.BackoffBase < 1 {
		return nil, fmt.Errorf("HOP_RECONNECT_BACKOFF_BASE must be >= 1, got %v", cfg.Hop.BackoffBase)
	}
	return cfg, nil
}

// StateDir returns the icotes state directory under the workspace root.
func (c *Config) StateDir() string {
	return filepath.Join(c.WorkspaceRoot, ".icotes")
}

// HopConfigPath returns the path of the hop credential file.
func (c *Config) HopConfigPath() string {
	return filepath.Join(c.StateDir(), "hop", "config")
}

// HopKeyDir returns the directory holding stored private keys.
func (c *Config) HopKeyDir() string {
	return filepath.Join(c.StateDir(), "hop", "keys")
}

// LegacyCredentialsPath returns the pre-migration JSON credential file path.
func (c *Config) LegacyCredentialsPath() string {
	return filepath.Join(c.StateDir(), "ssh", "credentials.json")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration reads a duration. Plain integers are interpreted as
// seconds so that env files written for the previous backend keep working.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/supportsync/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	ServerURL   string // realtime websocket endpoint
	APIURL      string // fallback HTTP API; empty disables fallback
	Role        domain.Role
	Credential  string
	DBPath      string // local cache; empty disables persistence
	InspectAddr string // inspect HTTP listener; empty disables it
	LogLevel    slog.Level
	Transport   TransportConfig
	Engine      EngineConfig
	Inspect     InspectConfig
}

// InspectConfig secures the inspect HTTP API.
type InspectConfig struct {
	Token          string // bearer token; empty leaves the API open
	AllowedOrigins []string
}

// TransportConfig tunes the connection state machine.
type TransportConfig struct {
	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatMisses      int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

// EngineConfig tunes delivery, typing and retention.
type EngineConfig struct {
	SendAckTimeout     time.Duration
	TypingWindow       time.Duration
	ClosedRetention    time.Duration
	SweepInterval      time.Duration
	CheckpointInterval time.Duration
	OutboxLimit        int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	role, ok := domain.ParseRole(getEnv("SUPPORTSYNC_ROLE", string(domain.RoleEndUser)))
	if !ok {
		return nil, fmt.Errorf("invalid configuration: SUPPORTSYNC_ROLE must be user or agent")
	}

	cfg := &Config{
		ServerURL:   getEnv("SUPPORTSYNC_SERVER_URL", "ws://localhost:8080/ws"),
		APIURL:      getEnv("SUPPORTSYNC_API_URL", ""),
		Role:        role,
		Credential:  getEnv("SUPPORTSYNC_CREDENTIAL", ""),
		DBPath:      getEnv("SUPPORTSYNC_DB_PATH", "./data/supportsync.db"),
		InspectAddr: getEnv("SUPPORTSYNC_INSPECT_ADDR", ""),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Transport: TransportConfig{
			HandshakeTimeout:     getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
			HeartbeatInterval:    getEnvDuration("HEARTBEAT_INTERVAL", 25*time.Second),
			HeartbeatMisses:      getEnvInt("HEARTBEAT_MISSES", 3),
			ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", 500*time.Millisecond),
			ReconnectMaxDelay:    getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
			ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
		},
		Engine: EngineConfig{
			SendAckTimeout:     getEnvDuration("SEND_ACK_TIMEOUT", 15*time.Second),
			TypingWindow:       getEnvDuration("TYPING_WINDOW", 3*time.Second),
			ClosedRetention:    getEnvDuration("CLOSED_RETENTION", 24*time.Hour),
			SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
			CheckpointInterval: getEnvDuration("CHECKPOINT_INTERVAL", 30*time.Second),
			OutboxLimit:        getEnvInt("OUTBOX_LIMIT", 500),
		},
		Inspect: InspectConfig{
			Token:          getEnv("SUPPORTSYNC_INSPECT_TOKEN", ""),
			AllowedOrigins: splitList(getEnv("SUPPORTSYNC_INSPECT_ORIGINS", "")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("SUPPORTSYNC_SERVER_URL must be a ws:// or wss:// URL")
	}
	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("SUPPORTSYNC_API_URL must be an http:// or https:// URL")
		}
	}
	if c.Role != domain.RoleEndUser && c.Role != domain.RoleAgent {
		return fmt.Errorf("SUPPORTSYNC_ROLE must be user or agent")
	}
	if c.Transport.HandshakeTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.Transport.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Transport.HeartbeatMisses <= 0 {
		return fmt.Errorf("HEARTBEAT_MISSES must be > 0")
	}
	if c.Transport.ReconnectBaseDelay <= 0 || c.Transport.ReconnectMaxDelay < c.Transport.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be >= RECONNECT_BASE_DELAY > 0")
	}
	if c.Transport.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be >= 0")
	}
	if c.Engine.SendAckTimeout <= 0 {
		return fmt.Errorf("SEND_ACK_TIMEOUT must be > 0")
	}
	if c.Engine.TypingWindow <= 0 {
		return fmt.Errorf("TYPING_WINDOW must be > 0")
	}
	if c.Engine.ClosedRetention <= 0 {
		return fmt.Errorf("CLOSED_RETENTION must be > 0")
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.Engine.OutboxLimit < 0 {
		return fmt.Errorf("OUTBOX_LIMIT must be >= 0")
	}
	return nil
}

// PersistenceEnabled returns true when a local cache path is configured.
func (c *Config) PersistenceEnabled() bool {
	return c.DBPath != ""
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

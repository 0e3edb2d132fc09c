package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

const (
	StoreFile     = "file"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	ServerURL  string
	HistoryURL string
	SigningKey []byte

	HeartbeatIncoming time.Duration
	HeartbeatOutgoing time.Duration

	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectMaxAttempts int

	StoreBackend string
	StoreDir     string
	RedisAddr    string
	DatabaseDSN  string

	DebugAddr      string
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverURL, historyURL, base64Secret, storeBackend string) (*Config, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server url cannot be empty")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("server url must use ws or wss, got %q", u.Scheme)
	}
	if historyURL == "" {
		return nil, fmt.Errorf("history url cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	switch storeBackend {
	case StoreFile, StoreRedis, StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("unknown store backend %q", storeBackend)
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerURL:            serverURL,
		HistoryURL:           historyURL,
		SigningKey:           signingKey,
		HeartbeatIncoming:    10 * time.Second,
		HeartbeatOutgoing:    10 * time.Second,
		ReconnectBase:        time.Second,
		ReconnectMax:         30 * time.Second,
		ReconnectMaxAttempts: 10,
		StoreBackend:         storeBackend,
		StoreDir:             "./notifications",
		RedisAddr:            "localhost:6379",
		DebugAddr:            "localhost:8081",
	}, nil
}

// Validate checks the fields callers may override after NewConfig.
func (c *Config) Validate() error {
	if c.HeartbeatIncoming < 0 || c.HeartbeatOutgoing < 0 {
		return fmt.Errorf("heartbeat intervals cannot be negative")
	}
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("reconnect base delay must be positive")
	}
	if c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("reconnect max delay %s is below base delay %s", c.ReconnectMax, c.ReconnectBase)
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("reconnect attempts must be positive")
	}

	switch c.StoreBackend {
	case StoreFile:
		if c.StoreDir == "" {
			return fmt.Errorf("store dir cannot be empty")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
	case StorePostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database DSN cannot be empty")
		}
	}

	return nil
}

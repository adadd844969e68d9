// Package config loads process configuration from the environment with an
// optional .env file. Priority: environment variables > .env > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server runtime configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr   string `env:"TETHER_ADDR" envDefault:":3000"`
	Format string `env:"TETHER_FORMAT" envDefault:"json"`

	// Capacity
	MaxConnections  int   `env:"TETHER_MAX_CONNECTIONS" envDefault:"1000"`
	MaxMessageBytes int64 `env:"TETHER_MAX_MESSAGE_BYTES" envDefault:"1048576"`

	// Heartbeat
	HeartbeatInterval time.Duration `env:"TETHER_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"TETHER_HEARTBEAT_TIMEOUT" envDefault:"60s"`

	// Send queue
	SendQueueDepth int           `env:"TETHER_SEND_QUEUE_DEPTH" envDefault:"1000"`
	FlushInterval  time.Duration `env:"TETHER_FLUSH_INTERVAL" envDefault:"10ms"`

	// Channels
	MaxSubscribers          int  `env:"TETHER_MAX_SUBSCRIBERS" envDefault:"1000"`
	MaxSubscriptionsPerConn int  `env:"TETHER_MAX_SUBSCRIPTIONS_PER_CONN" envDefault:"100"`
	AutoCreateChannels      bool `env:"TETHER_AUTO_CREATE_CHANNELS" envDefault:"true"`

	// RPC
	RPCTimeout time.Duration `env:"TETHER_RPC_TIMEOUT" envDefault:"5s"`

	// Inbound rate limiting
	MessageRate  float64 `env:"TETHER_MESSAGE_RATE" envDefault:"100"`
	MessageBurst int     `env:"TETHER_MESSAGE_BURST" envDefault:"200"`

	// Decode policy: drop undecodable frames, or close the connection.
	StrictDecode bool `env:"TETHER_STRICT_DECODE" envDefault:"false"`

	// NATS ingest bridge (optional; empty URL disables it)
	NATSUrl    string `env:"TETHER_NATS_URL" envDefault:""`
	NATSPrefix string `env:"TETHER_NATS_PREFIX" envDefault:"tether"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Fine without one; production injects real environment variables.
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and cross-field rules.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("TETHER_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("TETHER_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxMessageBytes < 1 {
		return fmt.Errorf("TETHER_MAX_MESSAGE_BYTES must be > 0, got %d", c.MaxMessageBytes)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat interval and timeout must be > 0")
	}
	if c.HeartbeatTimeout < 2*c.HeartbeatInterval {
		return fmt.Errorf("TETHER_HEARTBEAT_TIMEOUT (%s) must be >= 2x TETHER_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.SendQueueDepth < 1 {
		return fmt.Errorf("TETHER_SEND_QUEUE_DEPTH must be > 0, got %d", c.SendQueueDepth)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("TETHER_FLUSH_INTERVAL must be > 0, got %s", c.FlushInterval)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("TETHER_RPC_TIMEOUT must be > 0, got %s", c.RPCTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("format", c.Format).
		Int("max_connections", c.MaxConnections).
		Int64("max_message_bytes", c.MaxMessageBytes).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Int("send_queue_depth", c.SendQueueDepth).
		Dur("flush_interval", c.FlushInterval).
		Int("max_subscribers", c.MaxSubscribers).
		Int("max_subscriptions_per_conn", c.MaxSubscriptionsPerConn).
		Dur("rpc_timeout", c.RPCTimeout).
		Str("nats_url", c.NATSUrl).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}

// Package config loads fanoutsinkd's configuration the way ws/config.go
// loads the websocket server's: caarlos0/env parses tagged struct fields
// from the environment, joho/godotenv optionally preloads a .env file
// first, and Validate enforces range/enum invariants before the server
// starts.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all fanoutsinkd configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	ListenAddr  string `env:"FANOUT_LISTEN_ADDR" envDefault:":8088"`
	MetricsAddr string `env:"FANOUT_METRICS_ADDR" envDefault:":9102"`

	// Producer transport
	NATSURL     string `env:"FANOUT_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSSubject string `env:"FANOUT_NATS_SUBJECT" envDefault:"fanout.payloads"`

	// Capacity
	MaxConnections int `env:"FANOUT_MAX_CONNECTIONS" envDefault:"2000"`

	// Retention (queue controller hard/soft limits)
	UnitType     string `env:"FANOUT_UNIT_TYPE" envDefault:"buffers"` // buffers|bytes|time
	UnitsMax     int64  `env:"FANOUT_UNITS_MAX" envDefault:"500"`
	UnitsSoftMax int64  `env:"FANOUT_UNITS_SOFT_MAX" envDefault:"450"`

	BuffersMin int64 `env:"FANOUT_BUFFERS_MIN" envDefault:"-1"`
	BytesMin   int64 `env:"FANOUT_BYTES_MIN" envDefault:"-1"`
	TimeMinMS  int64 `env:"FANOUT_TIME_MIN_MS" envDefault:"-1"`

	// Client defaults
	DefSyncMethod string `env:"FANOUT_SYNC_METHOD" envDefault:"latest"`
	DefBurstUnit  string `env:"FANOUT_BURST_UNIT" envDefault:"buffers"`
	DefBurstMin   int64  `env:"FANOUT_BURST_MIN" envDefault:"-1"`
	DefBurstMax   int64  `env:"FANOUT_BURST_MAX" envDefault:"-1"`
	RecoverPolicy string `env:"FANOUT_RECOVER_POLICY" envDefault:"resync-keyframe"`

	ResendStreamheader bool          `env:"FANOUT_RESEND_STREAMHEADER" envDefault:"true"`
	HandleRead         bool          `env:"FANOUT_HANDLE_READ" envDefault:"true"`
	ClientTimeout      time.Duration `env:"FANOUT_CLIENT_TIMEOUT" envDefault:"30s"`
	QoSDSCP            int           `env:"FANOUT_QOS_DSCP" envDefault:"-1"`
	PollTimeout        time.Duration `env:"FANOUT_POLL_TIMEOUT" envDefault:"2s"`
	StopGracePeriod    time.Duration `env:"FANOUT_STOP_GRACE_PERIOD" envDefault:"5s"`

	// Monitoring
	MetricsInterval time.Duration `env:"FANOUT_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
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

	if logger != nil {
		logger.Info().Msg("configuration loaded and validated successfully")
	}
	return cfg, nil
}

var validUnitTypes = map[string]bool{"buffers": true, "bytes": true, "time": true}

var validSyncMethods = map[string]bool{
	"latest": true, "next-keyframe": true, "latest-keyframe": true,
	"burst": true, "burst-keyframe": true, "burst-with-keyframe": true,
}

var validRecoverPolicies = map[string]bool{
	"none": true, "resync-latest": true, "resync-soft-limit": true, "resync-keyframe": true,
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("FANOUT_LISTEN_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("FANOUT_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if !validUnitTypes[c.UnitType] {
		return fmt.Errorf("FANOUT_UNIT_TYPE must be one of: buffers, bytes, time (got: %s)", c.UnitType)
	}
	if !validSyncMethods[c.DefSyncMethod] {
		return fmt.Errorf("FANOUT_SYNC_METHOD must be a known sync method (got: %s)", c.DefSyncMethod)
	}
	if !validRecoverPolicies[c.RecoverPolicy] {
		return fmt.Errorf("FANOUT_RECOVER_POLICY must be a known recover policy (got: %s)", c.RecoverPolicy)
	}
	if c.UnitsMax > 0 && c.UnitsSoftMax > 0 && c.UnitsSoftMax > c.UnitsMax {
		return fmt.Errorf("FANOUT_UNITS_SOFT_MAX (%d) must be <= FANOUT_UNITS_MAX (%d)", c.UnitsSoftMax, c.UnitsMax)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Print logs configuration for debugging (human-readable format).
func (c *Config) Print() {
	fmt.Println("=== fanoutsinkd configuration ===")
	fmt.Printf("Environment:      %s\n", c.Environment)
	fmt.Printf("Listen Addr:      %s\n", c.ListenAddr)
	fmt.Printf("NATS URL:         %s\n", c.NATSURL)
	fmt.Printf("NATS Subject:     %s\n", c.NATSSubject)
	fmt.Printf("Max Connections:  %d\n", c.MaxConnections)
	fmt.Printf("Unit Type:        %s\n", c.UnitType)
	fmt.Printf("Units Max:        %d\n", c.UnitsMax)
	fmt.Printf("Units Soft Max:   %d\n", c.UnitsSoftMax)
	fmt.Printf("Sync Method:      %s\n", c.DefSyncMethod)
	fmt.Printf("Recover Policy:   %s\n", c.RecoverPolicy)
}

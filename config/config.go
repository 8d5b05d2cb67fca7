// Package config loads node settings from YAML. Missing keys keep their
// defaults; durations are written as Go duration strings ("300ms", "5m").
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/user/auramesh/logger"
	"github.com/user/auramesh/reassembly"
	"github.com/user/auramesh/recovery"
	"github.com/user/auramesh/transport"
)

// Config is the full node configuration
type Config struct {
	Node       NodeConfig       `mapstructure:"node" yaml:"node"`
	Codec      CodecConfig      `mapstructure:"codec" yaml:"codec"`
	Reassembly ReassemblyConfig `mapstructure:"reassembly" yaml:"reassembly"`
	Transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Recovery   RecoveryConfig   `mapstructure:"recovery" yaml:"recovery"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Data       DataConfig       `mapstructure:"data" yaml:"data"`
}

type NodeConfig struct {
	// ID is the sender id stamped on outbound messages; empty generates one
	ID   string `mapstructure:"id" yaml:"id"`
	Name string `mapstructure:"name" yaml:"name"`
}

type CodecConfig struct {
	// MaxPayload overrides the radio's data budget per part when > 0
	MaxPayload int `mapstructure:"max_payload" yaml:"max_payload"`
}

type ReassemblyConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MaxEntries    int           `mapstructure:"max_entries" yaml:"max_entries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type TransportConfig struct {
	MaxQueued         int           `mapstructure:"max_queued" yaml:"max_queued"`
	MaxRetryCount     int           `mapstructure:"max_retry_count" yaml:"max_retry_count"`
	PendingTTL        time.Duration `mapstructure:"pending_ttl" yaml:"pending_ttl"`
	ChunkDuration     time.Duration `mapstructure:"chunk_duration" yaml:"chunk_duration"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay" yaml:"retry_max_delay"`
	MaxShrinkAttempts int           `mapstructure:"max_shrink_attempts" yaml:"max_shrink_attempts"`
	EventBuffer       int           `mapstructure:"event_buffer" yaml:"event_buffer"`
}

type RecoveryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay       time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	PersistSessions bool          `mapstructure:"persist_sessions" yaml:"persist_sessions"`
	EventLog        bool          `mapstructure:"event_log" yaml:"event_log"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

type DataConfig struct {
	// Dir overrides util.GetDataDir
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Reassembly: ReassemblyConfig{
			TTL:           reassembly.DefaultTTL,
			MaxEntries:    reassembly.DefaultMaxEntries,
			SweepInterval: 30 * time.Second,
		},
		Transport: TransportConfig{
			MaxQueued:         transport.DefaultMaxQueued,
			MaxRetryCount:     transport.DefaultMaxRetryCount,
			PendingTTL:        transport.DefaultPendingTTL,
			ChunkDuration:     transport.DefaultChunkDuration,
			RetryDelay:        transport.DefaultRetryDelay,
			RetryMaxDelay:     transport.DefaultRetryMaxDelay,
			MaxShrinkAttempts: transport.DefaultMaxShrinkAttempts,
			EventBuffer:       transport.DefaultEventBuffer,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:    recovery.DefaultMaxAttempts,
			BaseDelay:      recovery.DefaultBaseDelay,
			MaxDelay:       recovery.DefaultMaxDelay,
			ConnectTimeout: recovery.DefaultConnectTimeout,
		},
		Log: LogConfig{Level: "INFO"},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	if len(raw) > 0 {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
			ErrorUnused: true,
			Result:      cfg,
			TagName:     "mapstructure",
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(raw); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every out-of-range setting at once
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Codec.MaxPayload >= 0, "codec.max_payload must not be negative")

	check(c.Reassembly.TTL > 0, "reassembly.ttl must be positive")
	check(c.Reassembly.MaxEntries > 0, "reassembly.max_entries must be positive")
	check(c.Reassembly.SweepInterval > 0, "reassembly.sweep_interval must be positive")

	check(c.Transport.MaxQueued > 0, "transport.max_queued must be positive")
	check(c.Transport.MaxRetryCount >= 0, "transport.max_retry_count must not be negative")
	check(c.Transport.PendingTTL > 0, "transport.pending_ttl must be positive")
	check(c.Transport.ChunkDuration >= 0, "transport.chunk_duration must not be negative")
	check(c.Transport.RetryDelay >= 0, "transport.retry_delay must not be negative")
	check(c.Transport.RetryMaxDelay >= c.Transport.RetryDelay,
		"transport.retry_max_delay (%v) must be at least retry_delay (%v)", c.Transport.RetryMaxDelay, c.Transport.RetryDelay)
	check(c.Transport.MaxShrinkAttempts >= 0, "transport.max_shrink_attempts must not be negative")

	check(c.Recovery.MaxAttempts > 0, "recovery.max_attempts must be positive")
	check(c.Recovery.BaseDelay > 0, "recovery.base_delay must be positive")
	check(c.Recovery.MaxDelay >= c.Recovery.BaseDelay,
		"recovery.max_delay (%v) must be at least base_delay (%v)", c.Recovery.MaxDelay, c.Recovery.BaseDelay)
	check(c.Recovery.ConnectTimeout > 0, "recovery.connect_timeout must be positive")

	check(logger.ValidLevel(c.Log.Level), "log.level %q is not one of TRACE, DEBUG, INFO, WARN, ERROR", c.Log.Level)

	check(!c.Metrics.Enabled || c.Metrics.Addr != "", "metrics.addr is required when metrics are enabled")

	return errors.Join(errs...)
}

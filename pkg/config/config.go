// Package config provides YAML-based configuration loading for rfmesh.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// Role selects the protocol role: "master" or "slave"
	Role string `mapstructure:"role"`

	// Addr is this node's 6-byte physical address, "aa:bb:cc:dd:ee:ff"
	Addr string `mapstructure:"addr"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Radio selects and tunes the radio backend
	Radio RadioConfig `mapstructure:"radio"`

	// Protocol holds discovery/routing timing and thresholds
	Protocol ProtocolConfig `mapstructure:"protocol"`

	// Status configures the master's HTTP status surface
	Status StatusConfig `mapstructure:"status"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RadioConfig selects the radio backend.
// kind "udp" is the datagram bench bridge; real hardware sits behind the
// same interface out of tree.
type RadioConfig struct {
	Kind   string   `mapstructure:"kind"`    // udp
	Listen string   `mapstructure:"listen"`  // udp listen address
	Peers  []string `mapstructure:"peers"`   // udp peer endpoints
	TxRSSI int      `mapstructure:"tx_rssi"` // emulated dBm stamped on frames
}

// ProtocolConfig carries the protocol's timing windows and thresholds.
// All windows are seconds-scale by design; values are milliseconds for
// test-friendliness.
type ProtocolConfig struct {
	MaxNodes   int `mapstructure:"max_nodes"`
	NumProbers int `mapstructure:"num_probers"`

	DiscoveryWindowMS  int `mapstructure:"discovery_window_ms"`
	ReportWindowMS     int `mapstructure:"report_window_ms"`
	DirectCommWindowMS int `mapstructure:"direct_comm_window_ms"`
	AckJitterMS        int `mapstructure:"ack_jitter_ms"`

	HeartbeatPeriodMS  int `mapstructure:"heartbeat_period_ms"`
	HeartbeatTimeoutMS int `mapstructure:"heartbeat_timeout_ms"`
	LivenessTickMS     int `mapstructure:"liveness_tick_ms"`

	// RediscoverPeriodMS bounds steady state so late joiners get discovered,
	// 0 = only on topology change
	RediscoverPeriodMS int `mapstructure:"rediscover_period_ms"`

	TelemetryPeriodMS int     `mapstructure:"telemetry_period_ms"`
	TelemetryDelta    float64 `mapstructure:"telemetry_delta"`

	// DirectThresholdDBM: a slave at or above this direct RSSI is Direct
	DirectThresholdDBM int `mapstructure:"direct_threshold_dbm"`

	// TableDumpMS: period of the routing table dump to the log, 0 = off
	TableDumpMS int `mapstructure:"table_dump_ms"`
}

// StatusConfig configures the HTTP status endpoint (master only).
type StatusConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "rfmesh-node",
		Role:    "slave",
		Addr:    "02:00:00:00:00:01",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/rfmesh.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Radio: RadioConfig{
			Kind:   "udp",
			Listen: ":7710",
			TxRSSI: -70,
		},
		Protocol: ProtocolConfig{
			MaxNodes:           16,
			NumProbers:         2,
			DiscoveryWindowMS:  5000,
			ReportWindowMS:     5000,
			DirectCommWindowMS: 2000,
			AckJitterMS:        500,
			HeartbeatPeriodMS:  5000,
			HeartbeatTimeoutMS: 15000,
			LivenessTickMS:     1000,
			RediscoverPeriodMS: 300000,
			TelemetryPeriodMS:  10000,
			TelemetryDelta:     0.5,
			DirectThresholdDBM: -100,
			TableDumpMS:        10000,
		},
		Status: StatusConfig{Enable: false, Listen: ":8080"},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides. Environment
// variables use the prefix RFMESH and `.`/`-` are replaced with `_`.
// Example: RFMESH_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RFMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("role", cfg.Role)
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("radio.kind", cfg.Radio.Kind)
	v.SetDefault("radio.listen", cfg.Radio.Listen)
	v.SetDefault("radio.peers", cfg.Radio.Peers)
	v.SetDefault("radio.tx_rssi", cfg.Radio.TxRSSI)
	v.SetDefault("protocol.max_nodes", cfg.Protocol.MaxNodes)
	v.SetDefault("protocol.num_probers", cfg.Protocol.NumProbers)
	v.SetDefault("protocol.discovery_window_ms", cfg.Protocol.DiscoveryWindowMS)
	v.SetDefault("protocol.report_window_ms", cfg.Protocol.ReportWindowMS)
	v.SetDefault("protocol.direct_comm_window_ms", cfg.Protocol.DirectCommWindowMS)
	v.SetDefault("protocol.ack_jitter_ms", cfg.Protocol.AckJitterMS)
	v.SetDefault("protocol.heartbeat_period_ms", cfg.Protocol.HeartbeatPeriodMS)
	v.SetDefault("protocol.heartbeat_timeout_ms", cfg.Protocol.HeartbeatTimeoutMS)
	v.SetDefault("protocol.liveness_tick_ms", cfg.Protocol.LivenessTickMS)
	v.SetDefault("protocol.rediscover_period_ms", cfg.Protocol.RediscoverPeriodMS)
	v.SetDefault("protocol.telemetry_period_ms", cfg.Protocol.TelemetryPeriodMS)
	v.SetDefault("protocol.telemetry_delta", cfg.Protocol.TelemetryDelta)
	v.SetDefault("protocol.direct_threshold_dbm", cfg.Protocol.DirectThresholdDBM)
	v.SetDefault("protocol.table_dump_ms", cfg.Protocol.TableDumpMS)
	v.SetDefault("status.enable", cfg.Status.Enable)
	v.SetDefault("status.listen", cfg.Status.Listen)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("RFMESH_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `rfmesh`
		v.SetConfigName("rfmesh")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rfmesh"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	switch strings.ToLower(strings.TrimSpace(c.Role)) {
	case "master", "slave":
		c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	default:
		return fmt.Errorf("invalid role: %q", c.Role)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Protocol.MaxNodes <= 0 {
		return fmt.Errorf("protocol.max_nodes must be positive")
	}
	if c.Protocol.NumProbers <= 0 {
		return fmt.Errorf("protocol.num_probers must be positive")
	}
	if c.Radio.TxRSSI < -128 || c.Radio.TxRSSI > 0 {
		return fmt.Errorf("radio.tx_rssi out of range: %d", c.Radio.TxRSSI)
	}
	c.Radio.Kind = strings.ToLower(strings.TrimSpace(c.Radio.Kind))
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

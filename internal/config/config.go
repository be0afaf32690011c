// Package config manages HYPERDESK daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables (HYPERDESK_ prefix).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/idiehl/hyperdesk/internal/transfer"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete hyperdesk configuration.
type Config struct {
	Control   ControlConfig   `koanf:"control"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Hyperbox  HyperboxConfig  `koanf:"hyperbox"`
	Store     StoreConfig     `koanf:"store"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Transfer  TransferConfig  `koanf:"transfer"`
}

// ControlConfig holds the WebSocket control server configuration.
type ControlConfig struct {
	// Host is the control listen address (e.g., "127.0.0.1").
	Host string `koanf:"host"`
	// Port is the control listen port.
	Port int `koanf:"port"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9200").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// HyperboxConfig holds the sharing surface location.
type HyperboxConfig struct {
	// Root is the hyperbox root directory; empty means <cwd>/hyperbox.
	Root string `koanf:"root"`
}

// StoreConfig holds the persistence location.
type StoreConfig struct {
	// Path is the SQLite database path; empty means <cwd>/data/hyperdesk.db.
	Path string `koanf:"path"`
}

// DiscoveryConfig holds peer discovery settings.
type DiscoveryConfig struct {
	// UseMDNS enables real mDNS browsing and announcement. Also toggled by
	// HYPERDESK_USE_MDNS=1.
	UseMDNS bool `koanf:"use_mdns"`
	// ScanLimit caps the number of devices returned by a scan.
	ScanLimit int `koanf:"scan_limit"`
	// ScanTimeout bounds an mDNS browse.
	ScanTimeout time.Duration `koanf:"scan_timeout"`
}

// TransferConfig holds the default transfer tuning. These seed the
// preference store; the live values come from preferences.
type TransferConfig struct {
	// ChunkSizeMB is the copy chunk size in MiB.
	ChunkSizeMB int `koanf:"chunk_size_mb"`
	// MaxBandwidth is a rate string: "unlimited", "4 MB/s", "512 KB/s", ...
	MaxBandwidth string `koanf:"max_bandwidth"`
	// RetryPolicy is "exponential", "linear", or "none".
	RetryPolicy string `koanf:"retry_policy"`
	// MaxRetries bounds retry attempts per transfer.
	MaxRetries int `koanf:"max_retries"`
	// Encryption requests encrypted bulk transfer. No encrypted channel is
	// wired; the daemon refuses the flag rather than silently sending
	// plaintext.
	Encryption bool `koanf:"encryption"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Control: ControlConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Metrics: MetricsConfig{
			Addr: ":9200",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Discovery: DiscoveryConfig{
			UseMDNS:     false,
			ScanLimit:   6,
			ScanTimeout: 1500 * time.Millisecond,
		},
		Transfer: TransferConfig{
			ChunkSizeMB:  8,
			MaxBandwidth: "unlimited",
			RetryPolicy:  transfer.RetryExponential,
			MaxRetries:   3,
			Encryption:   false,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for HYPERDESK configuration.
const envPrefix = "HYPERDESK_"

// envKeyFixups repairs env-derived keys whose config names contain
// underscores (the generic mapping turns every underscore into a dot).
var envKeyFixups = map[string]string{
	"discovery.use.mdns":     "discovery.use_mdns",
	"discovery.scan.limit":   "discovery.scan_limit",
	"discovery.scan.timeout": "discovery.scan_timeout",
	"transfer.chunk.size.mb": "transfer.chunk_size_mb",
	"transfer.max.bandwidth": "transfer.max_bandwidth",
	"transfer.retry.policy":  "transfer.retry_policy",
	"transfer.max.retries":   "transfer.max_retries",
	// HYPERDESK_USE_MDNS is the documented short form.
	"use.mdns": "discovery.use_mdns",
}

// Load reads configuration from a YAML file at path (optional), overlays
// environment variable overrides (HYPERDESK_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	HYPERDESK_CONTROL_HOST -> control.host
//	HYPERDESK_CONTROL_PORT -> control.port
//	HYPERDESK_LOG_LEVEL    -> log.level
//	HYPERDESK_USE_MDNS     -> discovery.use_mdns
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// HYPERDESK_USE_MDNS=1 is the documented switch; normalize the "1"
	// form regardless of how koanf coerced it.
	if os.Getenv("HYPERDESK_USE_MDNS") == "1" {
		cfg.Discovery.UseMDNS = true
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// envKeyMapper transforms HYPERDESK_CONTROL_HOST -> control.host, with
// fixups for key names that themselves contain underscores.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", ".")
	if fixed, ok := envKeyFixups[s]; ok {
		return fixed
	}
	return s
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"control.host":           defaults.Control.Host,
		"control.port":           defaults.Control.Port,
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"hyperbox.root":          defaults.Hyperbox.Root,
		"store.path":             defaults.Store.Path,
		"discovery.use_mdns":     defaults.Discovery.UseMDNS,
		"discovery.scan_limit":   defaults.Discovery.ScanLimit,
		"discovery.scan_timeout": defaults.Discovery.ScanTimeout.String(),
		"transfer.chunk_size_mb": defaults.Transfer.ChunkSizeMB,
		"transfer.max_bandwidth": defaults.Transfer.MaxBandwidth,
		"transfer.retry_policy":  defaults.Transfer.RetryPolicy,
		"transfer.max_retries":   defaults.Transfer.MaxRetries,
		"transfer.encryption":    defaults.Transfer.Encryption,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyControlHost indicates the control listen host is empty.
	ErrEmptyControlHost = errors.New("control.host must not be empty")

	// ErrInvalidControlPort indicates an out-of-range control port.
	ErrInvalidControlPort = errors.New("control.port must be in 1-65535")

	// ErrInvalidChunkSize indicates a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("transfer.chunk_size_mb must be >= 1")

	// ErrInvalidRetryPolicy indicates an unrecognized retry policy.
	ErrInvalidRetryPolicy = errors.New("transfer.retry_policy must be exponential, linear, or none")

	// ErrInvalidMaxRetries indicates a negative retry bound.
	ErrInvalidMaxRetries = errors.New("transfer.max_retries must be >= 0")

	// ErrInvalidScanLimit indicates a non-positive scan limit.
	ErrInvalidScanLimit = errors.New("discovery.scan_limit must be >= 1")

	// ErrEncryptionUnsupported indicates encryption was requested but no
	// encrypted bulk channel is wired.
	ErrEncryptionUnsupported = errors.New("transfer.encryption is not supported")
)

// Validate checks a configuration for internal consistency.
func Validate(cfg *Config) error {
	if cfg.Control.Host == "" {
		return ErrEmptyControlHost
	}
	if cfg.Control.Port < 1 || cfg.Control.Port > 65535 {
		return fmt.Errorf("port %d: %w", cfg.Control.Port, ErrInvalidControlPort)
	}
	if cfg.Transfer.ChunkSizeMB < 1 {
		return fmt.Errorf("chunk_size_mb %d: %w", cfg.Transfer.ChunkSizeMB, ErrInvalidChunkSize)
	}
	switch cfg.Transfer.RetryPolicy {
	case transfer.RetryExponential, transfer.RetryLinear, transfer.RetryNone:
	default:
		return fmt.Errorf("retry_policy %q: %w", cfg.Transfer.RetryPolicy, ErrInvalidRetryPolicy)
	}
	if cfg.Transfer.MaxRetries < 0 {
		return fmt.Errorf("max_retries %d: %w", cfg.Transfer.MaxRetries, ErrInvalidMaxRetries)
	}
	if _, err := transfer.ParseBandwidth(cfg.Transfer.MaxBandwidth); err != nil {
		return err
	}
	if cfg.Transfer.Encryption {
		return ErrEncryptionUnsupported
	}
	if cfg.Discovery.ScanLimit < 1 {
		return fmt.Errorf("scan_limit %d: %w", cfg.Discovery.ScanLimit, ErrInvalidScanLimit)
	}
	return nil
}

// ParseLogLevel maps a config level string to a slog.Level. Unknown levels
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

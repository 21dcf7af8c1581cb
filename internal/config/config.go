// Package config manages pumpd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete pumpd configuration.
type Config struct {
	API     APIConfig     `koanf:"api"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Store   StoreConfig   `koanf:"store"`
	Pump    PumpConfig    `koanf:"pump"`
	Pumps   []PumpProfile `koanf:"pumps"`
}

// APIConfig holds the control API listen address. pumpd validates and
// logs it but starts no listener on it, and pumpctl does not read it.
type APIConfig struct {
	// Addr is the control API listen address (e.g., "unix:///run/pumpd.sock").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
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

// StoreConfig selects and configures the PumpStateStore backend
// (spec §6, §9 Design Notes: InMemory/FileBacked/Sqlite).
type StoreConfig struct {
	// Backend selects the persistence backend: "memory", "file", or "sqlite".
	Backend string `koanf:"backend"`
	// Path is the backing file (YAML) or database (SQLite) path. Unused
	// for "memory".
	Path string `koanf:"path"`
}

// PumpConfig holds daemon-wide defaults applied to every pairing/connect
// attempt.
type PumpConfig struct {
	// DiscoveryTimeout is the configured discovery time limit. It is
	// validated but not applied: PairWithNewPump waits for a matching
	// device until its context ends.
	DiscoveryTimeout time.Duration `koanf:"discovery_timeout"`

	// ConnectTimeout bounds how long Connect's pipeline (spec §4.8) may
	// run before the caller should treat it as failed.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// PumpProfile describes a previously paired pump the daemon should know a
// friendly name for. Pairing state itself lives in the store; profiles
// only attach operator-facing metadata (spec §6: addresses are otherwise
// opaque adapter identifiers).
type PumpProfile struct {
	// Address is the adapter-level Bluetooth address, matching a
	// PumpStateStore entry.
	Address string `koanf:"address"`

	// Nickname is an operator-chosen display name shown in pumpd's log lines.
	Nickname string `koanf:"nickname"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Addr: "unix:///run/pumpd/control.sock",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "/var/lib/pumpd/pumps.yaml",
		},
		Pump: PumpConfig{
			DiscoveryTimeout: 30 * time.Second,
			ConnectTimeout:   20 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for pumpd configuration.
// Variables are named PUMPD_<section>_<key>, e.g., PUMPD_API_ADDR.
const envPrefix = "PUMPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (PUMPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	PUMPD_API_ADDR      -> api.addr
//	PUMPD_METRICS_ADDR  -> metrics.addr
//	PUMPD_METRICS_PATH  -> metrics.path
//	PUMPD_LOG_LEVEL     -> log.level
//	PUMPD_LOG_FORMAT    -> log.format
//	PUMPD_STORE_BACKEND -> store.backend
//	PUMPD_STORE_PATH    -> store.path
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// PUMPD_API_ADDR -> api.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms PUMPD_API_ADDR -> api.addr.
// Strips the PUMPD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"api.addr":               defaults.API.Addr,
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"store.backend":          defaults.Store.Backend,
		"store.path":             defaults.Store.Path,
		"pump.discovery_timeout": defaults.Pump.DiscoveryTimeout.String(),
		"pump.connect_timeout":   defaults.Pump.ConnectTimeout.String(),
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
	// ErrEmptyAPIAddr indicates the control API listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrInvalidStoreBackend indicates store.backend is not a recognized value.
	ErrInvalidStoreBackend = errors.New("store.backend must be memory, file, or sqlite")

	// ErrMissingStorePath indicates a file/sqlite backend was selected with no path.
	ErrMissingStorePath = errors.New("store.path must not be empty for file/sqlite backends")

	// ErrInvalidDiscoveryTimeout indicates the discovery timeout is non-positive.
	ErrInvalidDiscoveryTimeout = errors.New("pump.discovery_timeout must be > 0")

	// ErrInvalidConnectTimeout indicates the connect timeout is non-positive.
	ErrInvalidConnectTimeout = errors.New("pump.connect_timeout must be > 0")

	// ErrEmptyProfileAddress indicates a pump profile has no address.
	ErrEmptyProfileAddress = errors.New("pump profile address must not be empty")

	// ErrDuplicateProfileAddress indicates two profiles share the same address.
	ErrDuplicateProfileAddress = errors.New("duplicate pump profile address")
)

// ValidStoreBackends lists the recognized store.backend strings.
var ValidStoreBackends = map[string]bool{
	"memory": true,
	"file":   true,
	"sqlite": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}

	if !ValidStoreBackends[cfg.Store.Backend] {
		return ErrInvalidStoreBackend
	}

	if cfg.Store.Backend != "memory" && cfg.Store.Path == "" {
		return ErrMissingStorePath
	}

	if cfg.Pump.DiscoveryTimeout <= 0 {
		return ErrInvalidDiscoveryTimeout
	}

	if cfg.Pump.ConnectTimeout <= 0 {
		return ErrInvalidConnectTimeout
	}

	if err := validateProfiles(cfg.Pumps); err != nil {
		return err
	}

	return nil
}

// validateProfiles checks each declarative pump profile entry for correctness.
func validateProfiles(profiles []PumpProfile) error {
	seen := make(map[string]struct{}, len(profiles))

	for i, p := range profiles {
		if p.Address == "" {
			return fmt.Errorf("pumps[%d]: %w", i, ErrEmptyProfileAddress)
		}

		if _, dup := seen[p.Address]; dup {
			return fmt.Errorf("pumps[%d] address %q: %w", i, p.Address, ErrDuplicateProfileAddress)
		}
		seen[p.Address] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

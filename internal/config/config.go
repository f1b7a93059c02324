// Package config manages goacd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
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

// Config holds the complete goacd configuration.
type Config struct {
	HTTP       HTTPConfig       `koanf:"http"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
	ACD        ACDConfig        `koanf:"acd"`
	Interfaces InterfacesConfig `koanf:"interfaces"`
	Sessions   []SessionConfig  `koanf:"sessions"`
}

// HTTPConfig holds the status API server configuration.
type HTTPConfig struct {
	// Addr is the API listen address (e.g., ":8765"). The gRPC health
	// service is served on the same listener.
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

// ACDConfig holds the restart policy applied after a session gives up an
// address. RFC 5227 Section 2.1.1 sets MAX_CONFLICTS = 10 and
// RATE_LIMIT_INTERVAL = 60s.
type ACDConfig struct {
	// MaxConflicts is the number of consecutive conflicts after which
	// restarts are rate limited. Zero disables rate limiting.
	MaxConflicts int `koanf:"max_conflicts"`

	// RateLimitInterval is the minimum delay between restarts once
	// MaxConflicts is reached.
	RateLimitInterval time.Duration `koanf:"rate_limit_interval"`

	// RestartOnLost probes the address again after it was lost to a
	// defended conflict.
	RestartOnLost bool `koanf:"restart_on_lost"`

	// RestartDelay is the delay before probing restarts after a conflict.
	RestartDelay time.Duration `koanf:"restart_delay"`
}

// InterfacesConfig controls link state monitoring.
type InterfacesConfig struct {
	// Monitor enables the rtnetlink link monitor. When false, sessions are
	// not stopped on link down.
	Monitor bool `koanf:"monitor"`
}

// SessionConfig describes a declarative ACD session from the configuration
// file. Each entry creates a session on daemon startup and SIGHUP reload.
type SessionConfig struct {
	// Interface is the network interface name.
	Interface string `koanf:"interface"`

	// Address is the IPv4 address to claim and defend.
	Address string `koanf:"address"`
}

// SessionKey returns a unique identifier for the session based on
// (interface, address). Used for diffing sessions on SIGHUP reload.
func (sc SessionConfig) SessionKey() string {
	return sc.Interface + "|" + sc.Address
}

// Addr parses Address as an IPv4 address.
func (sc SessionConfig) Addr() (netip.Addr, error) {
	if sc.Address == "" {
		return netip.Addr{}, fmt.Errorf("session address: %w", ErrInvalidSessionAddress)
	}
	addr, err := netip.ParseAddr(sc.Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse session address %q: %w", sc.Address, err)
	}
	if !addr.Is4() || addr.IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("session address %q: %w", sc.Address, ErrInvalidSessionAddress)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with defaults. The ACD section
// carries the RFC 5227 constants.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8765",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		ACD: ACDConfig{
			MaxConflicts:      10,
			RateLimitInterval: 60 * time.Second,
			RestartDelay:      1 * time.Second,
		},
		Interfaces: InterfacesConfig{
			Monitor: true,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for goacd configuration.
// Variables are named GOACD_<section>_<key>, e.g., GOACD_HTTP_ADDR.
const envPrefix = "GOACD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOACD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping (the first underscore after the prefix
// separates section and key):
//
//	GOACD_HTTP_ADDR                -> http.addr
//	GOACD_METRICS_ADDR             -> metrics.addr
//	GOACD_LOG_LEVEL                -> log.level
//	GOACD_ACD_RATE_LIMIT_INTERVAL  -> acd.rate_limit_interval
//	GOACD_INTERFACES_MONITOR       -> interfaces.monitor
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

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

// envKeyMapper transforms GOACD_ACD_RESTART_DELAY -> acd.restart_delay.
// Strips the prefix, lowercases, and turns the first _ into a dot.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"http.addr":               defaults.HTTP.Addr,
		"metrics.addr":            defaults.Metrics.Addr,
		"metrics.path":            defaults.Metrics.Path,
		"log.level":               defaults.Log.Level,
		"log.format":              defaults.Log.Format,
		"acd.max_conflicts":       defaults.ACD.MaxConflicts,
		"acd.rate_limit_interval": defaults.ACD.RateLimitInterval.String(),
		"acd.restart_on_lost":     defaults.ACD.RestartOnLost,
		"acd.restart_delay":       defaults.ACD.RestartDelay.String(),
		"interfaces.monitor":      defaults.Interfaces.Monitor,
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
	// ErrEmptyHTTPAddr indicates the API listen address is empty.
	ErrEmptyHTTPAddr = errors.New("http.addr must not be empty")

	// ErrInvalidLogFormat indicates an unrecognized log format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")

	// ErrInvalidMaxConflicts indicates a negative conflict limit.
	ErrInvalidMaxConflicts = errors.New("acd.max_conflicts must be >= 0")

	// ErrInvalidRateLimitInterval indicates a negative rate limit interval.
	ErrInvalidRateLimitInterval = errors.New("acd.rate_limit_interval must be >= 0")

	// ErrInvalidRestartDelay indicates a negative restart delay.
	ErrInvalidRestartDelay = errors.New("acd.restart_delay must be >= 0")

	// ErrInvalidSessionInterface indicates a session without an interface.
	ErrInvalidSessionInterface = errors.New("session interface must not be empty")

	// ErrInvalidSessionAddress indicates a session address that is not a
	// usable IPv4 address.
	ErrInvalidSessionAddress = errors.New("session address must be a non-zero IPv4 address")

	// ErrDuplicateSessionKey indicates two sessions share the same (interface, address) key.
	ErrDuplicateSessionKey = errors.New("duplicate session key")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return ErrEmptyHTTPAddr
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	if cfg.ACD.MaxConflicts < 0 {
		return ErrInvalidMaxConflicts
	}

	if cfg.ACD.RateLimitInterval < 0 {
		return ErrInvalidRateLimitInterval
	}

	if cfg.ACD.RestartDelay < 0 {
		return ErrInvalidRestartDelay
	}

	return validateSessions(cfg.Sessions)
}

// validateSessions checks each declarative session entry for correctness.
func validateSessions(sessions []SessionConfig) error {
	seen := make(map[string]struct{}, len(sessions))

	for i, sc := range sessions {
		if sc.Interface == "" {
			return fmt.Errorf("sessions[%d]: %w", i, ErrInvalidSessionInterface)
		}

		addr, err := sc.Addr()
		if err != nil {
			return fmt.Errorf("sessions[%d]: %w: %w", i, ErrInvalidSessionAddress, err)
		}

		key := sc.Interface + "|" + addr.String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sessions[%d] key %q: %w", i, key, ErrDuplicateSessionKey)
		}
		seen[key] = struct{}{}
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

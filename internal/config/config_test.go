package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/goacd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.HTTP.Addr != ":8765" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":8765")
	}

	if cfg.Metrics.Addr != ":9100" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want :9100 /metrics", cfg.Metrics)
	}

	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}

	if cfg.ACD.MaxConflicts != 10 {
		t.Errorf("ACD.MaxConflicts = %d, want 10", cfg.ACD.MaxConflicts)
	}

	if cfg.ACD.RateLimitInterval != 60*time.Second {
		t.Errorf("ACD.RateLimitInterval = %v, want 60s", cfg.ACD.RateLimitInterval)
	}

	if cfg.ACD.RestartDelay != time.Second || cfg.ACD.RestartOnLost {
		t.Errorf("ACD restart = %v/%v, want 1s/false", cfg.ACD.RestartDelay, cfg.ACD.RestartOnLost)
	}

	if !cfg.Interfaces.Monitor {
		t.Error("Interfaces.Monitor = false, want true")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
http:
  addr: ":60000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
acd:
  max_conflicts: 3
  rate_limit_interval: "2m"
  restart_on_lost: true
  restart_delay: "500ms"
interfaces:
  monitor: false
sessions:
  - interface: eth0
    address: 192.0.2.10
  - interface: eth1
    address: 198.51.100.7
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.HTTP.Addr != ":60000" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":60000")
	}

	if cfg.Metrics.Addr != ":9200" || cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}

	want := config.ACDConfig{
		MaxConflicts:      3,
		RateLimitInterval: 2 * time.Minute,
		RestartOnLost:     true,
		RestartDelay:      500 * time.Millisecond,
	}
	if cfg.ACD != want {
		t.Errorf("ACD = %+v, want %+v", cfg.ACD, want)
	}

	if cfg.Interfaces.Monitor {
		t.Error("Interfaces.Monitor = true, want false")
	}

	if len(cfg.Sessions) != 2 {
		t.Fatalf("len(Sessions) = %d, want 2", len(cfg.Sessions))
	}
	if got := cfg.Sessions[1].SessionKey(); got != "eth1|198.51.100.7" {
		t.Errorf("Sessions[1].SessionKey() = %q", got)
	}
	addr, err := cfg.Sessions[0].Addr()
	if err != nil || addr.String() != "192.0.2.10" {
		t.Errorf("Sessions[0].Addr() = %v, %v", addr, err)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override http.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
http:
  addr: ":55555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.HTTP.Addr != ":55555" || cfg.Log.Level != "warn" {
		t.Errorf("overrides not applied: http = %q, level = %q", cfg.HTTP.Addr, cfg.Log.Level)
	}

	defaults := config.DefaultConfig()
	if cfg.Metrics != defaults.Metrics {
		t.Errorf("Metrics = %+v, want default %+v", cfg.Metrics, defaults.Metrics)
	}
	if cfg.Log.Format != defaults.Log.Format {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, defaults.Log.Format)
	}
	if cfg.ACD != defaults.ACD {
		t.Errorf("ACD = %+v, want default %+v", cfg.ACD, defaults.ACD)
	}
	if cfg.Interfaces != defaults.Interfaces {
		t.Errorf("Interfaces = %+v, want default %+v", cfg.Interfaces, defaults.Interfaces)
	}
	if len(cfg.Sessions) != 0 {
		t.Errorf("Sessions = %v, want none", cfg.Sessions)
	}
}

// TestLoadEnvOverrides cannot run in parallel: t.Setenv modifies the
// process environment.
func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GOACD_HTTP_ADDR", ":7000")
	t.Setenv("GOACD_ACD_RATE_LIMIT_INTERVAL", "90s")
	t.Setenv("GOACD_ACD_RESTART_ON_LOST", "true")
	t.Setenv("GOACD_INTERFACES_MONITOR", "false")

	path := writeTemp(t, "http:\n  addr: \":6000\"\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.HTTP.Addr != ":7000" {
		t.Errorf("HTTP.Addr = %q, want env override %q", cfg.HTTP.Addr, ":7000")
	}
	if cfg.ACD.RateLimitInterval != 90*time.Second {
		t.Errorf("ACD.RateLimitInterval = %v, want 90s", cfg.ACD.RateLimitInterval)
	}
	if !cfg.ACD.RestartOnLost {
		t.Error("ACD.RestartOnLost = false, want true")
	}
	if cfg.Interfaces.Monitor {
		t.Error("Interfaces.Monitor = true, want false")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty http addr",
			modify: func(cfg *config.Config) {
				cfg.HTTP.Addr = ""
			},
			wantErr: config.ErrEmptyHTTPAddr,
		},
		{
			name: "unknown log format",
			modify: func(cfg *config.Config) {
				cfg.Log.Format = "xml"
			},
			wantErr: config.ErrInvalidLogFormat,
		},
		{
			name: "negative max conflicts",
			modify: func(cfg *config.Config) {
				cfg.ACD.MaxConflicts = -1
			},
			wantErr: config.ErrInvalidMaxConflicts,
		},
		{
			name: "negative rate limit interval",
			modify: func(cfg *config.Config) {
				cfg.ACD.RateLimitInterval = -time.Second
			},
			wantErr: config.ErrInvalidRateLimitInterval,
		},
		{
			name: "negative restart delay",
			modify: func(cfg *config.Config) {
				cfg.ACD.RestartDelay = -time.Millisecond
			},
			wantErr: config.ErrInvalidRestartDelay,
		},
		{
			name: "session without interface",
			modify: func(cfg *config.Config) {
				cfg.Sessions = []config.SessionConfig{{Address: "192.0.2.1"}}
			},
			wantErr: config.ErrInvalidSessionInterface,
		},
		{
			name: "session without address",
			modify: func(cfg *config.Config) {
				cfg.Sessions = []config.SessionConfig{{Interface: "eth0"}}
			},
			wantErr: config.ErrInvalidSessionAddress,
		},
		{
			name: "session ipv6 address",
			modify: func(cfg *config.Config) {
				cfg.Sessions = []config.SessionConfig{{Interface: "eth0", Address: "2001:db8::1"}}
			},
			wantErr: config.ErrInvalidSessionAddress,
		},
		{
			name: "session unspecified address",
			modify: func(cfg *config.Config) {
				cfg.Sessions = []config.SessionConfig{{Interface: "eth0", Address: "0.0.0.0"}}
			},
			wantErr: config.ErrInvalidSessionAddress,
		},
		{
			name: "session garbage address",
			modify: func(cfg *config.Config) {
				cfg.Sessions = []config.SessionConfig{{Interface: "eth0", Address: "not-an-ip"}}
			},
			wantErr: config.ErrInvalidSessionAddress,
		},
		{
			name: "duplicate session",
			modify: func(cfg *config.Config) {
				cfg.Sessions = []config.SessionConfig{
					{Interface: "eth0", Address: "192.0.2.1"},
					{Interface: "eth1", Address: "192.0.2.1"},
					{Interface: "eth0", Address: "192.0.2.1"},
				}
			},
			wantErr: config.ErrDuplicateSessionKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAcceptsZeroRateLimit(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.ACD.MaxConflicts = 0
	cfg.ACD.RateLimitInterval = 0
	cfg.ACD.RestartDelay = 0
	cfg.Log.Format = "TEXT"

	if err := config.Validate(cfg); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadInvalidSession(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "sessions:\n  - interface: eth0\n    address: \"::1\"\n")

	if _, err := config.Load(path); !errors.Is(err, config.ErrInvalidSessionAddress) {
		t.Errorf("Load() error = %v, want ErrInvalidSessionAddress", err)
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "goacd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}

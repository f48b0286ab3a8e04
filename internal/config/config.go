// Package config loads the shell core's configuration from
// <home>/config.yaml with environment overrides. The policy rules live in a
// sibling policy.yaml consumed by the policy package.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	deskotel "github.com/coworkany/deskcore/internal/otel"
	"github.com/coworkany/deskcore/internal/pricing"
)

// Backend kinds.
const (
	BackendStdio     = "stdio"
	BackendWebSocket = "websocket"
)

// BackendConfig selects and parameterizes the agent backend transport.
type BackendConfig struct {
	// Kind is "stdio" (spawn Command) or "websocket" (dial URL).
	Kind    string   `yaml:"kind"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	URL     string   `yaml:"url"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// DBPath overrides the snapshot database location. Empty uses
	// <home>/deskcore.db.
	DBPath string `yaml:"db_path"`

	// DebounceMillis is the snapshot write debounce. Zero uses the
	// built-in default.
	DebounceMillis int `yaml:"debounce_millis"`

	// CheckpointSchedule is a cron spec for forced snapshot writes,
	// e.g. "@every 5m". Empty disables the checkpoint job.
	CheckpointSchedule string `yaml:"checkpoint_schedule"`

	Backend BackendConfig `yaml:"backend"`

	// Pricing holds per-model cost overrides merged over the built-in
	// table, keyed by model-id substring.
	Pricing map[string]pricing.ModelPricing `yaml:"pricing"`

	Telemetry deskotel.Config `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:           "info",
		CheckpointSchedule: "@every 5m",
		Backend: BackendConfig{
			Kind: BackendStdio,
		},
	}
}

// HomeDir returns the configuration directory, honoring DESKCORE_HOME.
func HomeDir() string {
	if override := os.Getenv("DESKCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".deskcore")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to the effect policy rules file.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// Load reads config.yaml from the home directory, creating the directory on
// first run. A missing file yields defaults; a malformed one is an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create deskcore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DESKCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("DESKCORE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("DESKCORE_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DebounceMillis = v
		}
	}
	if raw := os.Getenv("DESKCORE_CHECKPOINT_SCHEDULE"); raw != "" {
		cfg.CheckpointSchedule = raw
	}
	if raw := os.Getenv("DESKCORE_BACKEND_KIND"); raw != "" {
		cfg.Backend.Kind = raw
	}
	if raw := os.Getenv("DESKCORE_BACKEND_COMMAND"); raw != "" {
		cfg.Backend.Command = raw
	}
	if raw := os.Getenv("DESKCORE_BACKEND_URL"); raw != "" {
		cfg.Backend.URL = raw
	}
	if raw := os.Getenv("DESKCORE_OTEL_ENABLED"); raw != "" {
		cfg.Telemetry.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "deskcore.db")
	}
	if cfg.DebounceMillis < 0 {
		cfg.DebounceMillis = 0
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = BackendStdio
	}
	cfg.Backend.Kind = strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
}

func (c Config) validate() error {
	switch c.Backend.Kind {
	case BackendStdio:
		// Command may stay empty; the shell can run without a backend
		// attached (replay / inspection mode).
	case BackendWebSocket:
		if c.Backend.URL == "" {
			return fmt.Errorf("backend.url required for websocket backend")
		}
	default:
		return fmt.Errorf("unknown backend kind %q (supported: stdio, websocket)", c.Backend.Kind)
	}
	return nil
}

// Fingerprint returns a stable hash of the active config for log
// correlation across restarts.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|db=%s|debounce=%d|checkpoint=%s|backend=%s|cmd=%s|url=%s",
		c.LogLevel, c.DBPath, c.DebounceMillis, c.CheckpointSchedule,
		c.Backend.Kind, c.Backend.Command, c.Backend.URL)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

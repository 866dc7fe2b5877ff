package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig marks configuration that must be fixed before any boss is
// built.
var ErrInvalidConfig = errors.New("invalid config")

// BossConfig describes one boss and, recursively, its sub-bosses.
type BossConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// MaxRethinks has no default; a missing value is a config error.
	MaxRethinks            *int  `yaml:"max_rethinks"`
	MaxRestarts            int   `yaml:"max_restarts"`
	ResetRethinksOnRestart bool  `yaml:"reset_rethinks_on_restart"`
	AutoReflect            *bool `yaml:"auto_reflect"`
	ManualDispatch         bool  `yaml:"manual_dispatch"`

	WorkerCount      int `yaml:"worker_count"`
	MaxAgenticClones int `yaml:"max_agentic_clones"` // legacy name for worker_count

	// DSPServer names the model server the agentic assignee uses. Empty picks
	// the first configured one; with none configured the boss runs the
	// built-in deterministic agent.
	DSPServer string `yaml:"dsp_server"`

	Children []BossConfig `yaml:"children"`
}

// Reflects reports whether reflection runs automatically.
func (b BossConfig) Reflects() bool {
	return b.AutoReflect == nil || *b.AutoReflect
}

// Walk visits b and every descendant depth first.
func (b *BossConfig) Walk(fn func(*BossConfig)) {
	fn(b)
	for i := range b.Children {
		b.Children[i].Walk(fn)
	}
}

// SourcesConfig points at the config collaborator files, relative to the
// home directory unless absolute.
type SourcesConfig struct {
	MCP    string `yaml:"mcp"`
	DSP    string `yaml:"dsp"`
	Prompt string `yaml:"prompt"`
	Humans string `yaml:"humans"`
}

type GatewayConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
	// RequestsPerMinute enables per-client rate limiting when positive.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// ScheduleConfig submits a task on a cron schedule.
type ScheduleConfig struct {
	Name         string        `yaml:"name"`
	Spec         string        `yaml:"spec"`
	Boss         string        `yaml:"boss"`
	Assignee     string        `yaml:"assignee"`
	Title        string        `yaml:"title"`
	Description  string        `yaml:"description"`
	HumanTimeout time.Duration `yaml:"human_timeout"`
	Enabled      *bool         `yaml:"enabled"`
}

// Active reports whether the schedule should run.
func (s ScheduleConfig) Active() bool {
	return s.Enabled == nil || *s.Enabled
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel            string `yaml:"log_level"`
	DBPath              string `yaml:"db_path"`
	HistoryLimit        int    `yaml:"history_limit"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`

	// Retention policy in days. 0 keeps rows forever.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays   int `yaml:"retention_audit_log_days"`

	Boss      BossConfig       `yaml:"boss"`
	Sources   SourcesConfig    `yaml:"sources"`
	Gateway   GatewayConfig    `yaml:"gateway"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Path resolves a collaborator file against the home directory.
func (c Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// Fingerprint returns a stable hash of the settings that shape the boss tree.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|history=%d|bind=%s|sources=%v", c.LogLevel, c.HistoryLimit, c.Gateway.BindAddr, c.Sources)
	c.Boss.Walk(func(b *BossConfig) {
		rethinks := -1
		if b.MaxRethinks != nil {
			rethinks = *b.MaxRethinks
		}
		fmt.Fprintf(h, "|%s:%d:%d:%d", b.ID, rethinks, b.MaxRestarts, b.WorkerCount)
	})
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:                "info",
		HistoryLimit:            500,
		DrainTimeoutSeconds:     5,
		RetentionTaskEventsDays: 90,
		RetentionAuditLogDays:   365,
		Sources: SourcesConfig{
			MCP:    "mcp.json",
			DSP:    "dsp.json",
			Prompt: "prompt.yaml",
			Humans: "humans.yaml",
		},
		Gateway: GatewayConfig{
			BindAddr: "127.0.0.1:18790",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GOBOSS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goboss")
}

// Load reads config.yaml from HomeDir.
func Load() (Config, error) {
	return LoadDir(HomeDir())
}

// LoadDir reads config.yaml from homeDir, applies GOBOSS_* overrides and
// validates the boss tree.
func LoadDir(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goboss home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if cfg.NeedsGenesis {
		return cfg, nil
	}
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 500
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "goboss.db")
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18790"
	}
	if cfg.Boss.ID == "" {
		cfg.Boss.ID = "root"
	}
	cfg.Boss.Walk(func(b *BossConfig) {
		b.ID = strings.TrimSpace(b.ID)
		if b.Name == "" {
			b.Name = b.ID
		}
		if b.WorkerCount <= 0 {
			b.WorkerCount = b.MaxAgenticClones
		}
		if b.WorkerCount <= 0 {
			b.WorkerCount = 3
		}
	})
}

func validate(cfg *Config) error {
	seen := make(map[string]bool)
	var errs []error
	cfg.Boss.Walk(func(b *BossConfig) {
		switch {
		case b.ID == "":
			errs = append(errs, errors.New("boss with empty id"))
			return
		case seen[b.ID]:
			errs = append(errs, fmt.Errorf("duplicate boss id %q", b.ID))
		}
		seen[b.ID] = true
		if b.MaxRethinks == nil {
			errs = append(errs, fmt.Errorf("boss %q: max_rethinks is required", b.ID))
		} else if *b.MaxRethinks < 0 {
			errs = append(errs, fmt.Errorf("boss %q: max_rethinks must be >= 0", b.ID))
		}
		if b.MaxRestarts < 0 {
			errs = append(errs, fmt.Errorf("boss %q: max_restarts must be >= 0", b.ID))
		}
	})
	for i, s := range cfg.Schedules {
		if s.Spec == "" {
			errs = append(errs, fmt.Errorf("schedule %d (%s): spec is required", i, s.Name))
		}
		if s.Boss != "" && !seen[s.Boss] {
			errs = append(errs, fmt.Errorf("schedule %d (%s): unknown boss %q", i, s.Name, s.Boss))
		}
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram enabled without token"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOBOSS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOBOSS_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GOBOSS_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("GOBOSS_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("GOBOSS_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GOBOSS_MAX_RETHINKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Boss.MaxRethinks = &v
		}
	}
	if raw := os.Getenv("GOBOSS_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Boss.WorkerCount = v
		}
	}
	if raw := os.Getenv("GOBOSS_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = "otlphttp"
		cfg.Telemetry.Endpoint = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

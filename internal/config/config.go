package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/sandq/internal/otel"
)

type DatabaseConfig struct {
	// Connection is a URL-style connection string: sqlite:///path,
	// postgres://..., mysql://...
	Connection string `yaml:"connection"`
}

type DispatchConfig struct {
	Workers int `yaml:"workers"`

	// Empty-queue backoff bounds for the worker poll loop.
	PollIntervalMillis    int `yaml:"poll_interval_ms"`
	MaxPollIntervalMillis int `yaml:"max_poll_interval_ms"`

	// AnalyzerCommand is run once per claimed task with the task JSON on
	// stdin. A non-zero exit fails the analysis.
	AnalyzerCommand        []string `yaml:"analyzer_command"`
	AnalysisTimeoutSeconds int      `yaml:"analysis_timeout_seconds"`

	// ReportSchedule is a 5-field cron expression for the queue status
	// report. Empty disables it.
	ReportSchedule string `yaml:"report_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Database DatabaseConfig `yaml:"database"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	OTel     otelPkg.Config `yaml:"otel"`

	// NeedsInit is set when config.yaml does not exist yet.
	NeedsInit bool `yaml:"-"`
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Dispatch.PollIntervalMillis) * time.Millisecond
}

func (c Config) MaxPollInterval() time.Duration {
	return time.Duration(c.Dispatch.MaxPollIntervalMillis) * time.Millisecond
}

func (c Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Dispatch.AnalysisTimeoutSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DefaultConnection is the SQLite database under homeDir.
func DefaultConnection(homeDir string) string {
	return "sqlite:///" + filepath.ToSlash(filepath.Join(homeDir, "db", "sandq.db"))
}

// Fingerprint returns a stable hash of the settings that affect a running
// worker.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|log=%s|workers=%d|poll=%d/%d|analyzer=%v|timeout=%d|report=%s",
		c.Database.Connection, c.LogLevel, c.Dispatch.Workers,
		c.Dispatch.PollIntervalMillis, c.Dispatch.MaxPollIntervalMillis,
		c.Dispatch.AnalyzerCommand, c.Dispatch.AnalysisTimeoutSeconds, c.Dispatch.ReportSchedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig(homeDir string) Config {
	return Config{
		HomeDir:  homeDir,
		LogLevel: "info",
		Database: DatabaseConfig{Connection: DefaultConnection(homeDir)},
		Dispatch: DispatchConfig{
			Workers:                1,
			PollIntervalMillis:     1000,
			MaxPollIntervalMillis:  30000,
			AnalysisTimeoutSeconds: 600,
			ReportSchedule:         "*/5 * * * *",
		},
		OTel: otelPkg.Config{
			Exporter:    otelPkg.ExporterNone,
			ServiceName: "sandq",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("SANDQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sandq")
}

// Load reads config.yaml from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, applies SANDQ_* environment
// overrides and fills defaults. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig(homeDir)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create sandq home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes config.yaml with the effective database connection
// and default settings unless the file already exists.
func WriteDefault(cfg Config) (bool, error) {
	path := ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config.yaml: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, fmt.Errorf("write config.yaml: %w", err)
	}
	return true, nil
}

func normalize(cfg *Config) {
	def := defaultConfig(cfg.HomeDir)
	cfg.Database.Connection = strings.TrimSpace(cfg.Database.Connection)
	if cfg.Database.Connection == "" {
		cfg.Database.Connection = def.Database.Connection
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Dispatch.Workers <= 0 {
		cfg.Dispatch.Workers = def.Dispatch.Workers
	}
	if cfg.Dispatch.PollIntervalMillis <= 0 {
		cfg.Dispatch.PollIntervalMillis = def.Dispatch.PollIntervalMillis
	}
	if cfg.Dispatch.MaxPollIntervalMillis < cfg.Dispatch.PollIntervalMillis {
		cfg.Dispatch.MaxPollIntervalMillis = max(cfg.Dispatch.PollIntervalMillis, def.Dispatch.MaxPollIntervalMillis)
	}
	if cfg.Dispatch.AnalysisTimeoutSeconds <= 0 {
		cfg.Dispatch.AnalysisTimeoutSeconds = def.Dispatch.AnalysisTimeoutSeconds
	}
	cfg.Dispatch.ReportSchedule = strings.TrimSpace(cfg.Dispatch.ReportSchedule)
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = def.OTel.Exporter
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = def.OTel.SampleRate
	}
}

func validate(cfg Config) error {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q: want debug, info, warn or error", cfg.LogLevel)
	}
	return cfg.OTel.Validate()
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("SANDQ_DATABASE_CONNECTION"); raw != "" {
		cfg.Database.Connection = raw
	}
	if raw := os.Getenv("SANDQ_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SANDQ_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatch.Workers = v
		}
	}
	if raw := os.Getenv("SANDQ_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatch.PollIntervalMillis = v
		}
	}
	if raw := os.Getenv("SANDQ_ANALYSIS_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Dispatch.AnalysisTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("SANDQ_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = raw != otelPkg.ExporterNone
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

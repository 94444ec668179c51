package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no config file is given on the command line.
const DefaultPath = "./config/config.yaml"

type Config struct {
	Database   Database   `yaml:"database" toml:"database"`
	Scheduler  Scheduler  `yaml:"scheduler" toml:"scheduler"`
	Fetch      Fetch      `yaml:"fetch" toml:"fetch"`
	Content    Content    `yaml:"content" toml:"content"`
	Quota      Quota      `yaml:"quota" toml:"quota"`
	Enrichment Enrichment `yaml:"enrichment" toml:"enrichment"`
	HTTP       HTTP       `yaml:"http" toml:"http"`
	Log        Log        `yaml:"log" toml:"log"`
}

type Database struct {
	Path         string        `yaml:"path" toml:"path"`
	MaxOpenConns int           `yaml:"max_open_conns" toml:"max_open_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" toml:"busy_timeout"`
}

type Scheduler struct {
	SweepInterval      time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	DueTolerance       time.Duration `yaml:"due_tolerance" toml:"due_tolerance"`
	RetrySweepInterval time.Duration `yaml:"retry_sweep_interval" toml:"retry_sweep_interval"`
	RetryDelay         time.Duration `yaml:"retry_delay" toml:"retry_delay"`
	MaxAttempts        int           `yaml:"max_attempts" toml:"max_attempts"`
	Workers            int           `yaml:"workers" toml:"workers"`
	QueueSize          int           `yaml:"queue_size" toml:"queue_size"`
	TaskTimeout        time.Duration `yaml:"task_timeout" toml:"task_timeout"`
	ReapInterval       time.Duration `yaml:"reap_interval" toml:"reap_interval"`
	EnrichInterval     time.Duration `yaml:"enrich_interval" toml:"enrich_interval"`
}

type Fetch struct {
	Timeout           time.Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	MaxEntriesPerFeed int           `yaml:"max_entries_per_feed" toml:"max_entries_per_feed"`
	UserAgent         string        `yaml:"user_agent" toml:"user_agent"`
	Parallelism       int           `yaml:"parallelism" toml:"parallelism"`
}

type Content struct {
	RelationTTL    time.Duration `yaml:"relation_ttl" toml:"relation_ttl"`
	MaxExtension   time.Duration `yaml:"max_extension" toml:"max_extension"`
	MaxMediaItems  int           `yaml:"max_media_items" toml:"max_media_items"`
	OrphanGrace    time.Duration `yaml:"orphan_grace" toml:"orphan_grace"`
	TrackingParams []string      `yaml:"tracking_params" toml:"tracking_params"`
}

type Quota struct {
	DefaultDailyLimit    int    `yaml:"default_daily_limit" toml:"default_daily_limit"`
	MaxDailyLimit        int    `yaml:"max_daily_limit" toml:"max_daily_limit"`
	DefaultTimezone      string `yaml:"default_timezone" toml:"default_timezone"`
	DefaultPreferredHour int    `yaml:"default_preferred_hour" toml:"default_preferred_hour"`
	HistoryDays          int    `yaml:"history_days" toml:"history_days"`
}

type Enrichment struct {
	Enabled       bool    `yaml:"enabled" toml:"enabled"`
	OllamaBaseURL string  `yaml:"ollama_base_url" toml:"ollama_base_url"`
	Model         string  `yaml:"model" toml:"model"`
	Temperature   float64 `yaml:"temperature" toml:"temperature"`
	SummaryLength int     `yaml:"summary_length" toml:"summary_length"`
	MaxTags       int     `yaml:"max_tags" toml:"max_tags"`
	BatchSize     int     `yaml:"batch_size" toml:"batch_size"`
	QueueSize     int     `yaml:"queue_size" toml:"queue_size"`
}

type HTTP struct {
	Addr        string `yaml:"addr" toml:"addr"`
	AdminSecret string `yaml:"admin_secret,omitempty" toml:"admin_secret"`
}

type Log struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	cfg := &Config{}
	cfg.Database.Path = "./courier.db"
	cfg.Database.MaxOpenConns = 4
	cfg.Database.BusyTimeout = 5 * time.Second

	cfg.Scheduler.SweepInterval = time.Minute
	cfg.Scheduler.DueTolerance = 60 * time.Second
	cfg.Scheduler.RetrySweepInterval = 5 * time.Minute
	cfg.Scheduler.RetryDelay = 10 * time.Minute
	cfg.Scheduler.MaxAttempts = 3
	cfg.Scheduler.Workers = 2
	cfg.Scheduler.QueueSize = 256
	cfg.Scheduler.TaskTimeout = 5 * time.Minute
	cfg.Scheduler.ReapInterval = time.Hour
	cfg.Scheduler.EnrichInterval = 10 * time.Minute

	cfg.Fetch.Timeout = 20 * time.Second
	cfg.Fetch.MaxRetries = 3
	cfg.Fetch.RetryBackoff = 2 * time.Second
	cfg.Fetch.MaxEntriesPerFeed = 100
	cfg.Fetch.UserAgent = "courier/1.0 (+feed aggregator)"
	cfg.Fetch.Parallelism = 1

	cfg.Content.RelationTTL = 24 * time.Hour
	cfg.Content.MaxExtension = 7 * 24 * time.Hour
	cfg.Content.MaxMediaItems = 10
	cfg.Content.OrphanGrace = 10 * time.Minute
	cfg.Content.TrackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term"}

	cfg.Quota.DefaultDailyLimit = 10
	cfg.Quota.MaxDailyLimit = 100
	cfg.Quota.DefaultTimezone = "UTC"
	cfg.Quota.DefaultPreferredHour = 9
	cfg.Quota.HistoryDays = 7

	cfg.Enrichment.OllamaBaseURL = "http://localhost:11434"
	cfg.Enrichment.Model = "llama3"
	cfg.Enrichment.Temperature = 0.3
	cfg.Enrichment.SummaryLength = 80
	cfg.Enrichment.MaxTags = 3
	cfg.Enrichment.BatchSize = 20
	cfg.Enrichment.QueueSize = 128

	cfg.HTTP.Addr = ":8080"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads a yaml or toml file over the defaults. A missing file yields
// the defaults unchanged.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg as yaml, creating the parent directory.
func Write(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COURIER_ADMIN_SECRET"); v != "" {
		c.HTTP.AdminSecret = v
	}
	if v := os.Getenv("COURIER_DB_PATH"); v != "" {
		c.Database.Path = v
	}
}

// Validate reports every out-of-range setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Database.Path != "", "database.path is required")
	check(c.Database.MaxOpenConns > 0, "database.max_open_conns must be positive")
	check(c.Scheduler.SweepInterval > 0, "scheduler.sweep_interval must be positive")
	check(c.Scheduler.DueTolerance >= 0, "scheduler.due_tolerance must not be negative")
	check(c.Scheduler.RetrySweepInterval > 0, "scheduler.retry_sweep_interval must be positive")
	check(c.Scheduler.RetryDelay >= 0, "scheduler.retry_delay must not be negative")
	check(c.Scheduler.MaxAttempts >= 1, "scheduler.max_attempts must be at least 1")
	check(c.Scheduler.Workers >= 1, "scheduler.workers must be at least 1")
	check(c.Scheduler.QueueSize >= 1, "scheduler.queue_size must be at least 1")
	check(c.Scheduler.ReapInterval > 0, "scheduler.reap_interval must be positive")
	check(c.Fetch.Timeout > 0, "fetch.timeout must be positive")
	check(c.Fetch.MaxRetries >= 0, "fetch.max_retries must not be negative")
	check(c.Fetch.MaxEntriesPerFeed > 0, "fetch.max_entries_per_feed must be positive")
	check(c.Fetch.Parallelism >= 1, "fetch.parallelism must be at least 1")
	check(c.Content.RelationTTL > 0, "content.relation_ttl must be positive")
	check(c.Content.MaxExtension > 0, "content.max_extension must be positive")
	check(c.Content.MaxMediaItems >= 0, "content.max_media_items must not be negative")
	check(c.Quota.MaxDailyLimit >= 1, "quota.max_daily_limit must be at least 1")
	check(c.Quota.DefaultDailyLimit >= 1 && c.Quota.DefaultDailyLimit <= c.Quota.MaxDailyLimit,
		"quota.default_daily_limit must be between 1 and %d", c.Quota.MaxDailyLimit)
	check(c.Quota.DefaultPreferredHour >= 0 && c.Quota.DefaultPreferredHour <= 23,
		"quota.default_preferred_hour must be between 0 and 23")
	if _, err := time.LoadLocation(c.Quota.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("quota.default_timezone: %w", err))
	}
	if c.Enrichment.Enabled {
		check(c.Enrichment.Model != "", "enrichment.model is required when enrichment is enabled")
		check(c.Scheduler.EnrichInterval > 0, "scheduler.enrich_interval must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	return errors.Join(errs...)
}

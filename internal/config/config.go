// Package config loads and validates taskcored's YAML configuration: the
// run loop's queue/dispatch knobs, the channel adapters, the persistent task
// store location, and the HTTP gateway's CORS/rate-limit/auth settings.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RunLoopConfig configures the scheduler (spec.md §2 C1/C2).
type RunLoopConfig struct {
	QueueCapacity       int `yaml:"queue_capacity"`        // 0 = unbounded
	PollIntervalMillis  int `yaml:"poll_interval_millis"`  // dispatch loop safety-net wakeup
	ShutdownGraceMillis int `yaml:"shutdown_grace_ms"`     // graceful-shutdown deadline before in-flight units are cancelled
}

// TaskStoreConfig configures the persistent task store (spec.md §2 C10).
type TaskStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// WorkQueueConfig configures the retry/backoff worker loop (spec.md §9 D.1).
type WorkQueueConfig struct {
	MaxRetries         int `yaml:"max_retries"`
	RetryBackoffMillis int `yaml:"retry_backoff_millis"`
	PollIntervalMillis int `yaml:"poll_interval_millis"`
}

// TelegramConfig configures the long-polling Telegram channel.
type TelegramConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Token          string  `yaml:"token"`
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`
	ChannelID      string  `yaml:"channel_id"`
}

// WebSocketConfig configures the WebSocketChannel's upgrade endpoint.
type WebSocketConfig struct {
	Enabled      bool     `yaml:"enabled"`
	ChannelID    string   `yaml:"channel_id"`
	AllowOrigins []string `yaml:"allow_origins"` // empty means local-only
}

// ChannelConfig groups the concrete channel adapters.
type ChannelConfig struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// CronConfig is a single scheduled timer entry (spec.md §4.4 CronTimer).
type CronConfig struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"` // 6-field: second minute hour dom month dow
	TaskType   string `yaml:"task_type"`
	Priority   string `yaml:"priority"` // low|normal|high|critical
}

// IntervalConfig is a single recurring interval timer entry.
type IntervalConfig struct {
	Name          string `yaml:"name"`
	EveryMillis   int    `yaml:"every_millis"`
	TaskType      string `yaml:"task_type"`
	Priority      string `yaml:"priority"`
	FireImmediate bool   `yaml:"fire_immediately"`
}

// TimerConfig groups the configured interval/cron timers.
type TimerConfig struct {
	Intervals []IntervalConfig `yaml:"intervals"`
	Crons     []CronConfig     `yaml:"crons"`
}

// CORSConfig controls the gateway's CORS middleware.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age_seconds"`
}

// RateLimitConfig controls the gateway's per-key token-bucket rate limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// APIKeyEntry is one accepted API key for AuthMiddleware.
type APIKeyEntry struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

// AuthConfig controls the gateway's API key authentication.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// GatewayConfig configures the HTTP surface (spec.md §6, SPEC_FULL.md §B).
type GatewayConfig struct {
	BindAddr        string          `yaml:"bind_addr"`
	MaxRequestBytes int64           `yaml:"max_request_bytes"`
	CORS            CORSConfig      `yaml:"cors"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Auth            AuthConfig      `yaml:"auth"`
}

// OtelConfig controls metrics/trace export.
type OtelConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"` // empty uses stdout exporter
}

// Config is taskcored's top-level configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	RunLoop   RunLoopConfig   `yaml:"runloop"`
	TaskStore TaskStoreConfig `yaml:"task_store"`
	WorkQueue WorkQueueConfig `yaml:"workqueue"`
	Channel   ChannelConfig   `yaml:"channel"`
	Timer     TimerConfig     `yaml:"timer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Otel      OtelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		RunLoop: RunLoopConfig{
			QueueCapacity:       1000,
			PollIntervalMillis:  5000,
			ShutdownGraceMillis: 5000,
		},
		TaskStore: TaskStoreConfig{
			Enabled: true,
			Dir:     "./tasks",
		},
		WorkQueue: WorkQueueConfig{
			MaxRetries:         3,
			RetryBackoffMillis: 5000,
			PollIntervalMillis: 2000,
		},
		Gateway: GatewayConfig{
			BindAddr:        "127.0.0.1:18789",
			MaxRequestBytes: 10 * 1024 * 1024,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
				MaxAge:         3600,
			},
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				BurstSize:         10,
			},
		},
		Otel: OtelConfig{
			ServiceName: "taskcore",
		},
	}
}

// HomeDir returns the directory taskcored reads config.yaml and the task
// store from, honoring the TASKCORE_HOME override.
func HomeDir() string {
	if override := os.Getenv("TASKCORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskcore")
}

// Load reads config.yaml from HomeDir (or TASKCORE_HOME), applies env
// overrides and defaults, and validates the result.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskcore home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
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
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RunLoop.PollIntervalMillis <= 0 {
		cfg.RunLoop.PollIntervalMillis = 5000
	}
	if cfg.RunLoop.ShutdownGraceMillis <= 0 {
		cfg.RunLoop.ShutdownGraceMillis = 5000
	}
	if cfg.TaskStore.Dir == "" {
		cfg.TaskStore.Dir = "./tasks"
	}
	if cfg.WorkQueue.MaxRetries <= 0 {
		cfg.WorkQueue.MaxRetries = 3
	}
	if cfg.WorkQueue.RetryBackoffMillis <= 0 {
		cfg.WorkQueue.RetryBackoffMillis = 5000
	}
	if cfg.WorkQueue.PollIntervalMillis <= 0 {
		cfg.WorkQueue.PollIntervalMillis = 2000
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18789"
	}
	if cfg.Gateway.MaxRequestBytes <= 0 {
		cfg.Gateway.MaxRequestBytes = 10 * 1024 * 1024
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "taskcore"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKCORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKCORE_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("TASKCORE_QUEUE_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RunLoop.QueueCapacity = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channel.Telegram.Token = raw
	}
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a reload changed anything that matters operationally.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "loglevel=%s|bind=%s|queue_cap=%d|store_dir=%s",
		c.LogLevel, c.Gateway.BindAddr, c.RunLoop.QueueCapacity, c.TaskStore.Dir)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RetryBackoff returns the configured work-queue retry backoff as a Duration.
func (c WorkQueueConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMillis) * time.Millisecond
}

// PollInterval returns the configured work-queue poll interval as a Duration.
func (c WorkQueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// PollInterval returns the configured run loop poll interval as a Duration.
func (c RunLoopConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// ShutdownGrace returns the configured graceful-shutdown deadline as a Duration.
func (c RunLoopConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMillis) * time.Millisecond
}

// Package config loads engine configuration from an optional YAML file with
// environment-variable overrides. 优先级：环境变量 > 配置文件 > 默认值。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type QueueConfig struct {
	// Mode selects the queue backing: "http" publishes to the external
	// push queue, "inproc" runs deliveries inside this process.
	Mode       string        `yaml:"mode"`
	PublishURL string        `yaml:"publish_url"`
	// ConsumeURL is the public URL of this engine's consume endpoint; the
	// external queue POSTs job messages to it.
	ConsumeURL string        `yaml:"consume_url"`
	Delay      time.Duration `yaml:"delay"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

type VenueConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollDeadline time.Duration `yaml:"poll_deadline"`
}

type WorkerConfig struct {
	// MinTradableUSDC is the smallest order the venue accepts, in USDC.
	MinTradableUSDC string `yaml:"min_tradable_usdc"`
}

type SweepConfig struct {
	Interval     time.Duration `yaml:"interval"`
	PendingAge   time.Duration `yaml:"pending_age"`
	ExecutingAge time.Duration `yaml:"executing_age"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type Config struct {
	Listen string      `yaml:"listen"`
	DBPath string      `yaml:"db_path"`
	Queue  QueueConfig `yaml:"queue"`
	Venue  VenueConfig `yaml:"venue"`
	Worker WorkerConfig `yaml:"worker"`
	Sweep  SweepConfig `yaml:"sweep"`
	Log    LogConfig   `yaml:"log"`
}

// Load reads the YAML file at path (skipped when path is empty), then applies
// COPYTRADE_* environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", path, err)
		}
	}

	cfg.Listen = getEnv("COPYTRADE_LISTEN", orDefault(cfg.Listen, ":8080"))
	cfg.DBPath = getEnv("COPYTRADE_DB_PATH", orDefault(cfg.DBPath, "data/copytrade.db"))

	cfg.Queue.Mode = getEnv("COPYTRADE_QUEUE_MODE", orDefault(cfg.Queue.Mode, "inproc"))
	cfg.Queue.PublishURL = getEnv("COPYTRADE_QUEUE_PUBLISH_URL", cfg.Queue.PublishURL)
	cfg.Queue.ConsumeURL = getEnv("COPYTRADE_QUEUE_CONSUME_URL", cfg.Queue.ConsumeURL)
	cfg.Queue.Delay = parseDurationEnv("COPYTRADE_QUEUE_DELAY", orDefaultDur(cfg.Queue.Delay, 30*time.Second))
	cfg.Queue.MaxRetries = parseIntEnv("COPYTRADE_QUEUE_MAX_RETRIES", orDefaultInt(cfg.Queue.MaxRetries, 5))
	cfg.Queue.Backoff = parseDurationEnv("COPYTRADE_QUEUE_BACKOFF", orDefaultDur(cfg.Queue.Backoff, 5*time.Second))

	cfg.Venue.BaseURL = getEnv("COPYTRADE_VENUE_URL", cfg.Venue.BaseURL)
	cfg.Venue.PollInterval = parseDurationEnv("COPYTRADE_VENUE_POLL_INTERVAL", orDefaultDur(cfg.Venue.PollInterval, 2*time.Second))
	cfg.Venue.PollDeadline = parseDurationEnv("COPYTRADE_VENUE_POLL_DEADLINE", orDefaultDur(cfg.Venue.PollDeadline, 90*time.Second))

	cfg.Worker.MinTradableUSDC = getEnv("COPYTRADE_MIN_TRADABLE_USDC", orDefault(cfg.Worker.MinTradableUSDC, "0.01"))

	cfg.Sweep.Interval = parseDurationEnv("COPYTRADE_SWEEP_INTERVAL", orDefaultDur(cfg.Sweep.Interval, time.Minute))
	cfg.Sweep.PendingAge = parseDurationEnv("COPYTRADE_SWEEP_PENDING_AGE", orDefaultDur(cfg.Sweep.PendingAge, 2*time.Minute))
	cfg.Sweep.ExecutingAge = parseDurationEnv("COPYTRADE_SWEEP_EXECUTING_AGE", orDefaultDur(cfg.Sweep.ExecutingAge, 5*time.Minute))

	cfg.Log.Level = getEnv("COPYTRADE_LOG_LEVEL", orDefault(cfg.Log.Level, "info"))
	cfg.Log.File = getEnv("COPYTRADE_LOG_FILE", cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Queue.Mode != "http" && c.Queue.Mode != "inproc" {
		return fmt.Errorf("queue mode 必须是 http 或 inproc，当前: %q", c.Queue.Mode)
	}
	if c.Queue.Mode == "http" {
		if c.Queue.PublishURL == "" {
			return fmt.Errorf("queue mode http 需要 publish_url")
		}
		if c.Queue.ConsumeURL == "" {
			return fmt.Errorf("queue mode http 需要 consume_url")
		}
	}
	if c.Venue.BaseURL == "" {
		return fmt.Errorf("venue base_url 不能为空")
	}
	// 回收周期必须长于 venue 轮询截止时间，否则慢任务会被误判为死任务
	if c.Sweep.ExecutingAge <= c.Venue.PollDeadline {
		return fmt.Errorf("sweep executing_age (%s) 必须大于 venue poll_deadline (%s)",
			c.Sweep.ExecutingAge, c.Venue.PollDeadline)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orDefaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orDefaultDur(v, def time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return def
}

package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Repository RepositoryConfig `yaml:"repository"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Retry      RetryConfig      `yaml:"retry"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// RepositoryConfig controls save-time conflict retries and snapshotting.
type RepositoryConfig struct {
	MaxRetries        int `yaml:"max_retries"`
	BaseDelayMillis   int `yaml:"base_delay_ms"`
	SnapshotThreshold int `yaml:"snapshot_threshold"`
}

// PublisherConfig controls inline projection dispatch retries.
type PublisherConfig struct {
	MaxRetries     int   `yaml:"max_retries"`
	BackoffSeconds []int `yaml:"backoff_seconds"`
}

// RetryConfig controls the background projection-retry worker and the
// failure backoff schedule it shares with the tracker.
type RetryConfig struct {
	IntervalSeconds int   `yaml:"interval_seconds"`
	BatchSize       int   `yaml:"batch_size"`
	MaxRetries      int   `yaml:"max_retries"`
	ScheduleSeconds []int `yaml:"schedule_seconds"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Repository.MaxRetries == 0 {
		c.Repository.MaxRetries = 3
	}
	if c.Repository.BaseDelayMillis == 0 {
		c.Repository.BaseDelayMillis = 50
	}
	if c.Repository.SnapshotThreshold == 0 {
		c.Repository.SnapshotThreshold = 20
	}
	if c.Publisher.MaxRetries == 0 {
		c.Publisher.MaxRetries = 3
	}
	if len(c.Publisher.BackoffSeconds) == 0 {
		c.Publisher.BackoffSeconds = []int{1, 2, 4}
	}
	if c.Retry.IntervalSeconds == 0 {
		c.Retry.IntervalSeconds = 10
	}
	if c.Retry.BatchSize == 0 {
		c.Retry.BatchSize = 100
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 5
	}
	if len(c.Retry.ScheduleSeconds) == 0 {
		c.Retry.ScheduleSeconds = []int{1, 2, 4, 8, 16}
	}
}

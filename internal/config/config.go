// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type APIConfig struct {
	Port int `yaml:"port"`
	// Keys maps API key -> tenant id. Real credential management belongs to
	// the fronting auth layer; this is the minimal tenant resolver the core
	// needs to scope every request.
	Keys        map[string]string `yaml:"keys"`
	MaxUploadMB int               `yaml:"max_upload_mb"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	DataRoot string `yaml:"data_root"`
}

type ScannerConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

type EngineConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	Workers    int `yaml:"workers"`
	MaxRetries int `yaml:"max_retries"`
	MaxPages   int `yaml:"max_pages"` // 0 = engine default

	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConvertTimeout time.Duration `yaml:"convert_timeout"`
	ExportTimeout  time.Duration `yaml:"export_timeout"`
	ChunkTimeout   time.Duration `yaml:"chunk_timeout"`

	// ClaimTimeout bounds each blocking queue claim so workers notice shutdown.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
	// ClaimLeaseTTL is how long a claim stays off-limits to the reaper. Must
	// exceed the sum of the stage timeouts or live claims get recycled mid-run.
	ClaimLeaseTTL time.Duration `yaml:"claim_lease_ttl"`
	// ReapInterval is how often expired-lease processing entries are requeued.
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type WebhookConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Engine    EngineConfig    `yaml:"engine"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Retention RetentionConfig `yaml:"retention"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Storage.DataRoot == "" {
		return nil, errors.New("storage.data_root is required")
	}
	if cfg.Engine.BaseURL == "" {
		return nil, errors.New("engine.base_url is required")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.MaxUploadMB <= 0 {
		cfg.API.MaxUploadMB = 50
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = 10
	}
	if cfg.Scanner.Port == 0 {
		cfg.Scanner.Port = 3310
	}
	if cfg.Scanner.Timeout <= 0 {
		cfg.Scanner.Timeout = 30 * time.Second
	}
	if cfg.Engine.Timeout <= 0 {
		cfg.Engine.Timeout = 5 * time.Minute
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.MaxRetries <= 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.ScanTimeout <= 0 {
		cfg.Pipeline.ScanTimeout = time.Minute
	}
	if cfg.Pipeline.ConvertTimeout <= 0 {
		cfg.Pipeline.ConvertTimeout = 10 * time.Minute
	}
	if cfg.Pipeline.ExportTimeout <= 0 {
		cfg.Pipeline.ExportTimeout = 5 * time.Minute
	}
	if cfg.Pipeline.ChunkTimeout <= 0 {
		cfg.Pipeline.ChunkTimeout = 5 * time.Minute
	}
	if cfg.Pipeline.ClaimTimeout <= 0 {
		cfg.Pipeline.ClaimTimeout = 5 * time.Second
	}
	if cfg.Pipeline.ClaimLeaseTTL <= 0 {
		cfg.Pipeline.ClaimLeaseTTL = 30 * time.Minute
	}
	if cfg.Pipeline.ReapInterval <= 0 {
		cfg.Pipeline.ReapInterval = time.Minute
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if cfg.Webhook.InitialBackoff <= 0 {
		cfg.Webhook.InitialBackoff = 30 * time.Second
	}
	if cfg.Webhook.RequestTimeout <= 0 {
		cfg.Webhook.RequestTimeout = 10 * time.Second
	}
	if cfg.Webhook.RatePerSecond <= 0 {
		cfg.Webhook.RatePerSecond = 10
	}
	if cfg.Webhook.PollInterval <= 0 {
		cfg.Webhook.PollInterval = 2 * time.Second
	}
	if cfg.Retention.Interval <= 0 {
		cfg.Retention.Interval = time.Hour
	}
}

// Package config assembles service configuration from an optional YAML file
// with environment variable overrides. Precedence: defaults, then file, then
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the rulesd service configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// PackDir is the rule pack directory for the filesystem pack store.
	// When PackDriver is "sqlite", packs are read from the database instead.
	PackDriver string `yaml:"pack_driver"` // "fs" | "sqlite"
	PackDir    string `yaml:"pack_dir"`

	// StoreDriver selects the window/log backend.
	StoreDriver string `yaml:"store_driver"` // "memory" | "sqlite" | "postgres"
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`

	// Workers caps batch recalculation concurrency. Zero means one worker
	// per CPU.
	Workers int `yaml:"workers"`

	// RateLimitRPS / RateLimitBurst throttle the recalculate endpoint.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	Evidence EvidenceConfig `yaml:"evidence"`

	// OTLPEndpoint enables trace/metric export when set (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// EvidenceConfig configures evidence pack uploads. An empty bucket disables
// the corresponding backend.
type EvidenceConfig struct {
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Prefix   string `yaml:"s3_prefix"`
	GCSBucket  string `yaml:"gcs_bucket"`
	GCSPrefix  string `yaml:"gcs_prefix"`
}

func defaults() *Config {
	return &Config{
		Port:           "8084",
		LogLevel:       "INFO",
		PackDriver:     "fs",
		PackDir:        "rulepacks",
		StoreDriver:    "sqlite",
		SQLitePath:     "rules.db",
		RateLimitRPS:   10,
		RateLimitBurst: 20,
	}
}

// Load builds the configuration. When RULES_CONFIG_FILE (or the path
// argument) names a YAML file it is applied over the defaults, then
// environment variables override individual fields.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("RULES_CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.PackDriver, "RULES_PACK_DRIVER")
	setString(&cfg.PackDir, "RULES_PACK_DIR")
	setString(&cfg.StoreDriver, "RULES_STORE_DRIVER")
	setString(&cfg.SQLitePath, "RULES_SQLITE_PATH")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")
	setString(&cfg.Evidence.S3Bucket, "EVIDENCE_S3_BUCKET")
	setString(&cfg.Evidence.S3Region, "EVIDENCE_S3_REGION")
	setString(&cfg.Evidence.S3Endpoint, "EVIDENCE_S3_ENDPOINT")
	setString(&cfg.Evidence.S3Prefix, "EVIDENCE_S3_PREFIX")
	setString(&cfg.Evidence.GCSBucket, "EVIDENCE_GCS_BUCKET")
	setString(&cfg.Evidence.GCSPrefix, "EVIDENCE_GCS_PREFIX")

	if v := os.Getenv("RULES_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("RULES_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RULES_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}
}

func (c *Config) validate() error {
	switch c.PackDriver {
	case "fs", "sqlite":
	default:
		return fmt.Errorf("config: unknown pack_driver %q", c.PackDriver)
	}
	switch c.StoreDriver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown store_driver %q", c.StoreDriver)
	}
	if c.StoreDriver == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("config: store_driver postgres requires database_url")
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative")
	}
	return nil
}

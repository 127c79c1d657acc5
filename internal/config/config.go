package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the remediation engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Rules     RulesConfig     `yaml:"rules"`
	Inference InferenceConfig `yaml:"inference"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Policy    PolicyConfig    `yaml:"policy"`
	Workers   WorkersConfig   `yaml:"workers"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig selects the incident store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	DSN    string `yaml:"dsn"`
}

// DedupeConfig controls Redis-backed deduplication of upstream event ids.
type DedupeConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RulesConfig controls rule-catalog loading for the deterministic layer.
type RulesConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// InferenceConfig configures access to the external scoring provider.
type InferenceConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	Path        string        `yaml:"path"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"maxRetries"`
	BackoffBase time.Duration `yaml:"backoffBase"`
}

// ExecutorConfig configures access to the external mutation executor.
type ExecutorConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// PolicyConfig holds the decision thresholds of the coordination core.
type PolicyConfig struct {
	AutoAcceptThreshold float64       `yaml:"autoAcceptThreshold"`
	ActionThreshold     float64       `yaml:"actionThreshold"`
	InferenceTiebreak   string        `yaml:"inferenceTiebreak"`
	MaxAttempts         int           `yaml:"maxAttempts"`
	DispatchBackoff     time.Duration `yaml:"dispatchBackoff"`
}

// WorkersConfig sizes the incident processing pool.
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queueSize"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("REMEDIA_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Store:   StoreConfig{Driver: "memory"},
		Dedupe: DedupeConfig{
			Enabled:   false,
			KeyPrefix: "remedia:event",
			TTL:       24 * time.Hour,
		},
		Rules: RulesConfig{Path: "configs/rules/default.yaml", Watch: false},
		Inference: InferenceConfig{
			Path:        "/predict",
			Timeout:     2 * time.Second,
			MaxRetries:  2,
			BackoffBase: 200 * time.Millisecond,
		},
		Executor: ExecutorConfig{
			Path:    "/execute",
			Timeout: 10 * time.Second,
		},
		Policy: PolicyConfig{
			AutoAcceptThreshold: 0.95,
			ActionThreshold:     0.80,
			InferenceTiebreak:   "highest_confidence",
			MaxAttempts:         3,
			DispatchBackoff:     500 * time.Millisecond,
		},
		Workers: WorkersConfig{Count: 4, QueueSize: 256},
	}
}

func (c *Config) validate() error {
	if c.Policy.AutoAcceptThreshold < 0 || c.Policy.AutoAcceptThreshold > 1 {
		return fmt.Errorf("policy.autoAcceptThreshold must be in [0,1], got %v", c.Policy.AutoAcceptThreshold)
	}
	if c.Policy.ActionThreshold < 0 || c.Policy.ActionThreshold > 1 {
		return fmt.Errorf("policy.actionThreshold must be in [0,1], got %v", c.Policy.ActionThreshold)
	}
	if c.Policy.MaxAttempts < 1 {
		return fmt.Errorf("policy.maxAttempts must be >= 1, got %d", c.Policy.MaxAttempts)
	}
	switch c.Policy.InferenceTiebreak {
	case "highest_confidence", "lowest_priority_value":
	default:
		return fmt.Errorf("policy.inferenceTiebreak must be highest_confidence or lowest_priority_value, got %q", c.Policy.InferenceTiebreak)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver must be memory or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the sqlite driver")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1, got %d", c.Workers.Count)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REMEDIA_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("REMEDIA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REMEDIA_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("REMEDIA_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("REMEDIA_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("REMEDIA_DEDUPE_ENABLED"); v != "" {
		cfg.Dedupe.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("REMEDIA_DEDUPE_ADDR"); v != "" {
		cfg.Dedupe.Addr = v
	}
	if v := os.Getenv("REMEDIA_DEDUPE_USERNAME"); v != "" {
		cfg.Dedupe.Username = v
	}
	if v := os.Getenv("REMEDIA_DEDUPE_PASSWORD"); v != "" {
		cfg.Dedupe.Password = v
	}
	if v := os.Getenv("REMEDIA_DEDUPE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Dedupe.DB = db
		}
	}
	if v := os.Getenv("REMEDIA_DEDUPE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dedupe.TTL = d
		}
	}
	if v := os.Getenv("REMEDIA_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("REMEDIA_RULES_WATCH"); v != "" {
		cfg.Rules.Watch = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("REMEDIA_INFERENCE_BASE_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := os.Getenv("REMEDIA_INFERENCE_PATH"); v != "" {
		cfg.Inference.Path = v
	}
	if v := os.Getenv("REMEDIA_INFERENCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Inference.Timeout = d
		}
	}
	if v := os.Getenv("REMEDIA_EXECUTOR_BASE_URL"); v != "" {
		cfg.Executor.BaseURL = v
	}
	if v := os.Getenv("REMEDIA_EXECUTOR_PATH"); v != "" {
		cfg.Executor.Path = v
	}
	if v := os.Getenv("REMEDIA_EXECUTOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Executor.Timeout = d
		}
	}
	if v := os.Getenv("REMEDIA_POLICY_AUTO_ACCEPT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Policy.AutoAcceptThreshold = f
		}
	}
	if v := os.Getenv("REMEDIA_POLICY_ACTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Policy.ActionThreshold = f
		}
	}
	if v := os.Getenv("REMEDIA_POLICY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Policy.MaxAttempts = n
		}
	}
	if v := os.Getenv("REMEDIA_WORKERS_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("REMEDIA_WORKERS_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.QueueSize = n
		}
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Workers   WorkersConfig   `yaml:"workers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type SecretsConfig struct {
	// EncryptionKey is a 32-byte key, hex or base64 encoded. Required.
	EncryptionKey string `yaml:"encryption_key"`
}

type GatewayConfig struct {
	MaxInFlight      int     `yaml:"max_in_flight"`
	RequestTimeout   string  `yaml:"request_timeout"` // e.g. "10s"
	MaxAttempts      int     `yaml:"max_attempts"`
	BackoffBase      string  `yaml:"backoff_base"`
	HostRPS          float64 `yaml:"host_rps"`
	FailureThreshold int     `yaml:"failure_threshold"`
	BreakerCoolDown  string  `yaml:"breaker_cool_down"`
}

type WebhookConfig struct {
	// GlobalSecret authenticates deliveries for projects without their
	// own secret.
	GlobalSecret string `yaml:"global_secret"`
	// CallbackBaseURL is this service's externally reachable base URL,
	// used when registering webhooks on the remote host.
	CallbackBaseURL string `yaml:"callback_base_url"`
	QueueSize       int    `yaml:"queue_size"`
}

type WorkersConfig struct {
	Count int `yaml:"count"`
}

type SchedulerConfig struct {
	Spec  string `yaml:"spec"`
	Grace string `yaml:"grace"`
	Batch int    `yaml:"batch"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Secrets.EncryptionKey == "" {
		return fmt.Errorf("REVIEWRELAY_ENCRYPTION_KEY must be set (32-byte key, hex or base64)")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	return nil
}

// Duration parses a config duration string, falling back when unset or
// malformed.
func Duration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "reviewrelay.db",
		},
		Gateway: GatewayConfig{
			MaxInFlight:      6,
			RequestTimeout:   "10s",
			MaxAttempts:      3,
			BackoffBase:      "350ms",
			HostRPS:          10,
			FailureThreshold: 5,
			BreakerCoolDown:  "30s",
		},
		Webhook: WebhookConfig{
			QueueSize: 256,
		},
		Workers: WorkersConfig{
			Count: 2,
		},
		Scheduler: SchedulerConfig{
			Spec:  "@every 1m",
			Grace: "5s",
			Batch: 50,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REVIEWRELAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("REVIEWRELAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("REVIEWRELAY_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("REVIEWRELAY_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REVIEWRELAY_ENCRYPTION_KEY"); v != "" {
		cfg.Secrets.EncryptionKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("REVIEWRELAY_GATEWAY_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.MaxInFlight = n
		}
	}
	if v := os.Getenv("REVIEWRELAY_GATEWAY_REQUEST_TIMEOUT"); v != "" {
		cfg.Gateway.RequestTimeout = v
	}
	if v := os.Getenv("REVIEWRELAY_GATEWAY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.MaxAttempts = n
		}
	}
	if v := os.Getenv("REVIEWRELAY_GATEWAY_HOST_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Gateway.HostRPS = f
		}
	}
	if v := os.Getenv("REVIEWRELAY_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.GlobalSecret = v
	}
	if v := os.Getenv("REVIEWRELAY_CALLBACK_BASE_URL"); v != "" {
		cfg.Webhook.CallbackBaseURL = strings.TrimRight(strings.TrimSpace(v), "/")
	}
	if v := os.Getenv("REVIEWRELAY_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Webhook.QueueSize = n
		}
	}
	if v := os.Getenv("REVIEWRELAY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("REVIEWRELAY_SCHEDULER_SPEC"); v != "" {
		cfg.Scheduler.Spec = v
	}
	if v := os.Getenv("REVIEWRELAY_SCHEDULER_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.Batch = n
		}
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/replyflow/replyflow/internal/models"
	"gopkg.in/yaml.v3"
)

// PlanLimits holds per-tier rate limits and queue priority.
type PlanLimits struct {
	HourlyLimit   int `yaml:"hourly-limit"`
	MonthlyLimit  int `yaml:"monthly-limit"`
	QueuePriority int `yaml:"queue-priority"`
}

// Config is the root configuration for the service.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Webhook struct {
		// VerifyToken answers the platform's subscription handshake.
		VerifyToken string `yaml:"verify-token"`
		// AppSecret, when set, enables X-Hub-Signature-256 validation.
		AppSecret string `yaml:"app-secret"`
	} `yaml:"webhook"`

	Gateway struct {
		BaseURL        string        `yaml:"base-url"`
		RequestTimeout time.Duration `yaml:"request-timeout"`
	} `yaml:"gateway"`

	Dispatch struct {
		// NextPostWindow bounds how long a next-post rule stays fresh.
		NextPostWindow time.Duration `yaml:"next-post-window"`
		// CacheTTL controls the account/rule read-through cache.
		CacheTTL time.Duration `yaml:"cache-ttl"`
	} `yaml:"dispatch"`

	RateLimit struct {
		// Backend selects the counter store: "db" or "redis".
		Backend string `yaml:"backend"`
		// Spread defers sends across the hour once two have gone out.
		Spread bool `yaml:"spread"`
	} `yaml:"ratelimit"`

	Drain struct {
		Interval  time.Duration `yaml:"interval"`
		BatchSize int           `yaml:"batch-size"`
	} `yaml:"drain"`

	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max-size-mb"`
		MaxBackups int    `yaml:"max-backups"`
	} `yaml:"log"`

	Plans map[string]PlanLimits `yaml:"plans"`
}

// Default returns a configuration populated with built-in defaults.
func Default() Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Database.DSN = "replyflow.db"
	cfg.Gateway.BaseURL = "https://graph.instagram.com/v21.0"
	cfg.Gateway.RequestTimeout = 20 * time.Second
	cfg.Dispatch.NextPostWindow = 48 * time.Hour
	cfg.Dispatch.CacheTTL = time.Minute
	cfg.RateLimit.Backend = "db"
	cfg.Drain.Interval = time.Hour
	cfg.Drain.BatchSize = 200
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 100
	cfg.Log.MaxBackups = 3
	cfg.Plans = map[string]PlanLimits{
		string(models.PlanFree):  {HourlyLimit: 25, MonthlyLimit: 250, QueuePriority: 0},
		string(models.PlanPro):   {HourlyLimit: 200, MonthlyLimit: 5000, QueuePriority: 5},
		string(models.PlanScale): {HourlyLimit: 1000, MonthlyLimit: 50000, QueuePriority: 10},
	}
	return cfg
}

// Load reads the YAML config at path, overlaying defaults and then
// environment overrides. A missing file is not an error; defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			if !os.IsNotExist(errRead) {
				return cfg, fmt.Errorf("config: read %s: %w", path, errRead)
			}
		} else if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	}

	applyEnvOverrides(&cfg)

	if errValidate := cfg.validate(); errValidate != nil {
		return cfg, errValidate
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override secrets and
// endpoints without touching the config file.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("REPLYFLOW_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLYFLOW_ADDR")); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLYFLOW_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLYFLOW_VERIFY_TOKEN")); v != "" {
		cfg.Webhook.VerifyToken = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLYFLOW_APP_SECRET")); v != "" {
		cfg.Webhook.AppSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("REPLYFLOW_GATEWAY_URL")); v != "" {
		cfg.Gateway.BaseURL = v
	}
}

func (c Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.RateLimit.Backend)) {
	case "", "db", "redis":
	default:
		return fmt.Errorf("config: unknown ratelimit backend %q", c.RateLimit.Backend)
	}
	if c.Drain.BatchSize <= 0 {
		return fmt.Errorf("config: drain batch-size must be positive")
	}
	return nil
}

// LimitsForPlan returns the limits for a plan tier, falling back to the free
// tier when the plan is unknown.
func (c Config) LimitsForPlan(plan models.PlanTier) PlanLimits {
	if limits, ok := c.Plans[string(plan)]; ok {
		return limits
	}
	if limits, ok := c.Plans[string(models.PlanFree)]; ok {
		return limits
	}
	return PlanLimits{HourlyLimit: 25, MonthlyLimit: 250}
}

// Package config loads the riskd configuration from YAML. The Config is
// constructed once in main and passed explicitly into the orchestrator,
// engines, and servers; there is no ambient global.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full riskd configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Batch      BatchConfig      `yaml:"batch"`
	Report     ReportConfig     `yaml:"report"`
	Ops        OpsConfig        `yaml:"ops"`
	Schedules  []ScheduleConfig `yaml:"schedules"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxConns     int           `yaml:"max_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig configures the quote cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	QuoteTTL time.Duration `yaml:"quote_ttl"`
}

// MarketDataConfig configures the upstream price provider.
type MarketDataConfig struct {
	Provider       string        `yaml:"provider"`
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
}

// BatchConfig configures the orchestrator.
type BatchConfig struct {
	EngineTimeout   time.Duration `yaml:"engine_timeout"`
	WallClockBudget time.Duration `yaml:"wall_clock_budget"`
	TriggeredBy     string        `yaml:"triggered_by"`
}

// ReportConfig configures the report generator.
type ReportConfig struct {
	OutputDir   string `yaml:"output_dir"`
	WriteToDisk bool   `yaml:"write_to_disk"`
	MaxRetries  int    `yaml:"max_retries"`
}

// OpsConfig configures the ops HTTP server.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ScheduleConfig is a recurring job definition seeded into the schedule
// store at startup (upsert by name).
type ScheduleConfig struct {
	Name           string                 `yaml:"name"`
	JobName        string                 `yaml:"job_name"`
	CronExpression string                 `yaml:"cron_expression"`
	Timezone       string                 `yaml:"timezone"`
	Enabled        bool                   `yaml:"enabled"`
	Parameters     map[string]interface{} `yaml:"parameters"`
	Description    string                 `yaml:"description"`
}

// Load reads and validates configuration from a YAML file, applying
// defaults for unset fields. DSN may be overridden via RISKD_DATABASE_DSN.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if dsn := os.Getenv("RISKD_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if key := os.Getenv("RISKD_MARKET_DATA_API_KEY"); key != "" {
		cfg.MarketData.APIKey = key
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.QueryTimeout <= 0 {
		c.Database.QueryTimeout = 10 * time.Second
	}
	if c.Redis.QuoteTTL <= 0 {
		c.Redis.QuoteTTL = 15 * time.Minute
	}
	if c.MarketData.RequestTimeout <= 0 {
		c.MarketData.RequestTimeout = 10 * time.Second
	}
	if c.MarketData.RatePerSecond <= 0 {
		c.MarketData.RatePerSecond = 5
	}
	if c.MarketData.Burst <= 0 {
		c.MarketData.Burst = 10
	}
	if c.Batch.EngineTimeout <= 0 {
		c.Batch.EngineTimeout = 5 * time.Minute
	}
	if c.Batch.WallClockBudget <= 0 {
		c.Batch.WallClockBudget = 30 * time.Minute
	}
	if c.Batch.TriggeredBy == "" {
		c.Batch.TriggeredBy = "manual"
	}
	if c.Report.OutputDir == "" {
		c.Report.OutputDir = "artifacts/reports"
	}
	if c.Report.MaxRetries <= 0 {
		c.Report.MaxRetries = 3
	}
	if c.Ops.ListenAddr == "" {
		c.Ops.ListenAddr = ":8090"
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	for _, s := range c.Schedules {
		if s.Name == "" || s.JobName == "" || s.CronExpression == "" {
			return fmt.Errorf("schedule entries require name, job_name, and cron_expression")
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("schedule %s: invalid timezone %q: %w", s.Name, s.Timezone, err)
			}
		}
	}
	return nil
}

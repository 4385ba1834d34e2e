// Package config provides configuration management for the cost dashboard.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/cloudspend/internal/budgets"
	"github.com/lvonguyen/cloudspend/internal/providers"
)

// Duration wraps time.Duration with YAML string parsing ("30s", "1h").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration.
type Config struct {
	Server  ServerConfig     `yaml:"server"`
	Rates   RatesConfig      `yaml:"rates"`
	Azure   AzureConfig      `yaml:"azure"`
	AWS     AWSConfig        `yaml:"aws"`
	GCP     GCPConfig        `yaml:"gcp"`
	MongoDB MongoDBConfig    `yaml:"mongodb"`
	Budgets []budgets.Budget `yaml:"budgets"`
	Refresh RefreshConfig    `yaml:"refresh"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// RatesConfig holds USD conversion rates keyed by unit, plus the unit
// assumed when an upstream reports an unknown one.
type RatesConfig struct {
	DefaultUnit string             `yaml:"default_unit"`
	USDPer      map[string]float64 `yaml:"usd_per"`
}

// AzureConfig holds Azure-specific configuration.
type AzureConfig struct {
	Enabled        bool     `yaml:"enabled"`
	SubscriptionID string   `yaml:"subscription_id"`
	APITimeout     Duration `yaml:"api_timeout"`
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Region     string   `yaml:"region"`
	RoleARN    string   `yaml:"role_arn"`
	APITimeout Duration `yaml:"api_timeout"`
}

// GCPConfig holds GCP-specific configuration. Dataset names the BigQuery
// dataset holding the billing export; BillingAccount enables budget import.
type GCPConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ProjectID       string   `yaml:"project_id"`
	Dataset         string   `yaml:"dataset"`
	CredentialsFile string   `yaml:"credentials_file"`
	BillingAccount  string   `yaml:"billing_account"`
	APITimeout      Duration `yaml:"api_timeout"`
}

// MongoDBConfig holds MongoDB Atlas configuration.
type MongoDBConfig struct {
	Enabled         bool     `yaml:"enabled"`
	OrgID           string   `yaml:"org_id"`
	BaseURL         string   `yaml:"base_url"`
	APITimeout      Duration `yaml:"api_timeout"`
	PollInterval    Duration `yaml:"poll_interval"`
	MaxPollAttempts int      `yaml:"max_poll_attempts"`
}

// RefreshConfig controls the background ingestion cycle.
type RefreshConfig struct {
	Interval Duration `yaml:"interval"`
}

// Load loads configuration from a YAML file, expanding environment
// variables, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(30 * time.Second)
	}
	if c.Rates.DefaultUnit == "" {
		c.Rates.DefaultUnit = "USD"
	}
	if c.Azure.APITimeout == 0 {
		c.Azure.APITimeout = Duration(30 * time.Second)
	}
	if c.AWS.APITimeout == 0 {
		c.AWS.APITimeout = Duration(30 * time.Second)
	}
	if c.GCP.APITimeout == 0 {
		c.GCP.APITimeout = Duration(60 * time.Second)
	}
	if c.MongoDB.BaseURL == "" {
		c.MongoDB.BaseURL = "https://cloud.mongodb.com"
	}
	if c.MongoDB.APITimeout == 0 {
		c.MongoDB.APITimeout = Duration(30 * time.Second)
	}
	if c.MongoDB.PollInterval == 0 {
		c.MongoDB.PollInterval = Duration(time.Second)
	}
	if c.MongoDB.MaxPollAttempts == 0 {
		c.MongoDB.MaxPollAttempts = 12
	}
	if c.Refresh.Interval == 0 {
		c.Refresh.Interval = Duration(time.Hour)
	}
}

// Validate checks enabled sections for required fields.
func (c *Config) Validate() error {
	if c.Azure.Enabled && c.Azure.SubscriptionID == "" {
		return fmt.Errorf("azure: subscription_id is required when enabled")
	}
	if c.AWS.Enabled && c.AWS.Region == "" {
		return fmt.Errorf("aws: region is required when enabled")
	}
	if c.GCP.Enabled {
		if c.GCP.ProjectID == "" {
			return fmt.Errorf("gcp: project_id is required when enabled")
		}
		if c.GCP.Dataset == "" {
			return fmt.Errorf("gcp: dataset is required when enabled")
		}
	}
	if c.MongoDB.Enabled && c.MongoDB.OrgID == "" {
		return fmt.Errorf("mongodb: org_id is required when enabled")
	}

	for unit, rate := range c.Rates.USDPer {
		if rate <= 0 {
			return fmt.Errorf("rates: usd_per[%s] must be positive, got %v", unit, rate)
		}
	}

	known := map[string]bool{"all": true, "": true}
	for _, p := range providers.KnownProviders {
		known[p] = true
	}
	for _, b := range c.Budgets {
		if b.Name == "" {
			return fmt.Errorf("budgets: every budget needs a name")
		}
		if !known[b.Provider] {
			return fmt.Errorf("budgets: %s: unknown provider %q", b.Name, b.Provider)
		}
		if b.MonthlyLimitUSD <= 0 {
			return fmt.Errorf("budgets: %s: monthly_limit_usd must be positive", b.Name)
		}
		for _, at := range b.AlertAt {
			if at <= 0 {
				return fmt.Errorf("budgets: %s: alert_at entries must be positive", b.Name)
			}
		}
	}

	if c.Refresh.Interval.Std() < time.Minute {
		return fmt.Errorf("refresh: interval must be at least 1m, got %s", c.Refresh.Interval.Std())
	}
	return nil
}

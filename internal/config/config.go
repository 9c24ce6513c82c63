// Package config loads the daemon configuration from a YAML file with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "5m" style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Source is one football data source, tried in order.
type Source struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// APIKeyEnv names an environment variable that overrides APIKey.
	APIKeyEnv string `yaml:"api_key_env"`
}

// AgentConfig assigns one model to one panel role.
type AgentConfig struct {
	// Provider is "anthropic", "openai" or "deepseek".
	Provider string `yaml:"provider"`
	// Model overrides the provider's default model when set.
	Model string `yaml:"model"`
}

// Config is the full daemon configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`
	Lang     string `yaml:"lang"`

	Provider struct {
		Sources   []Source `yaml:"sources"`
		RateLimit float64  `yaml:"rate_limit"` // requests per second
		Burst     int      `yaml:"burst"`
	} `yaml:"provider"`

	Cache struct {
		Backend    string        `yaml:"backend"` // "memory" or "redis"
		RedisURL   string        `yaml:"redis_url"`
		TTL        Duration `yaml:"ttl"`
		MaxEntries int           `yaml:"max_entries"`
	} `yaml:"cache"`

	Store struct {
		Backend     string `yaml:"backend"` // "memory" or "postgres"
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"store"`

	Agents struct {
		// Roles maps panel roles ("scout", "statistics", "odds",
		// "strategy", "arbiter") to model assignments.
		Roles   map[string]AgentConfig `yaml:"roles"`
		Timeout Duration               `yaml:"timeout"`
	} `yaml:"agents"`

	Consensus struct {
		ConfidenceFloor   float64 `yaml:"confidence_floor"`
		ArbiterFloor      float64 `yaml:"arbiter_floor"`
		UnclearCeiling    float64 `yaml:"unclear_ceiling"`
		GoalExpectancyLow float64 `yaml:"goal_expectancy_low"`
		GoalExpectancyHi  float64 `yaml:"goal_expectancy_hi"`
		Quorum            int     `yaml:"quorum"`
	} `yaml:"consensus"`

	Pipeline struct {
		SessionTTL   Duration `yaml:"session_ttl"`
		CouponSize   int      `yaml:"coupon_size"`
		Concurrency  int      `yaml:"concurrency"`
		CouponUserID string   `yaml:"coupon_user_id"`
		// DailyCoupon turns on the daily system coupon; the coupon is
		// assembled from that day's fixtures at DailyCouponHour UTC.
		DailyCoupon     bool `yaml:"daily_coupon"`
		DailyCouponHour int  `yaml:"daily_coupon_hour"`
	} `yaml:"pipeline"`

	Settlement struct {
		Enabled       bool          `yaml:"enabled"`
		SweepInterval Duration `yaml:"sweep_interval"`
	} `yaml:"settlement"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Lang:     "en",
	}
	cfg.Provider.RateLimit = 5
	cfg.Provider.Burst = 10
	cfg.Cache.Backend = "memory"
	cfg.Cache.TTL = Duration(15 * time.Minute)
	cfg.Cache.MaxEntries = 1000
	cfg.Store.Backend = "memory"
	cfg.Agents.Timeout = Duration(45 * time.Second)
	cfg.Agents.Roles = map[string]AgentConfig{
		"scout":      {Provider: "anthropic"},
		"statistics": {Provider: "openai"},
		"odds":       {Provider: "deepseek"},
		"strategy":   {Provider: "openai", Model: "gpt-4o"},
		"arbiter":    {Provider: "anthropic"},
	}
	cfg.Pipeline.SessionTTL = Duration(2 * time.Hour)
	cfg.Pipeline.CouponSize = 3
	cfg.Pipeline.Concurrency = 5
	cfg.Pipeline.CouponUserID = "system"
	cfg.Pipeline.DailyCoupon = true
	cfg.Pipeline.DailyCouponHour = 9
	cfg.Settlement.Enabled = true
	cfg.Settlement.SweepInterval = Duration(10 * time.Minute)
	return cfg
}

// Load reads a YAML config file on top of the defaults and applies
// environment overrides. An empty path returns the defaults with
// overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TACTICORE_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("TACTICORE_PG_DSN"); v != "" {
		c.Store.PostgresDSN = v
		c.Store.Backend = "postgres"
	}
	if v := os.Getenv("TACTICORE_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
		c.Cache.Backend = "redis"
	}
	for i := range c.Provider.Sources {
		s := &c.Provider.Sources[i]
		if s.APIKeyEnv != "" {
			if v := os.Getenv(s.APIKeyEnv); v != "" {
				s.APIKey = v
			}
		}
	}
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("config: postgres backend needs a DSN")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("config: redis cache needs a URL")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	for role, ac := range c.Agents.Roles {
		switch ac.Provider {
		case "anthropic", "openai", "deepseek":
		default:
			return fmt.Errorf("config: role %s has unknown provider %q", role, ac.Provider)
		}
	}
	return nil
}

// APIKeyFor returns the provider key from the conventional environment
// variable.
func APIKeyFor(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "deepseek":
		return os.Getenv("DEEPSEEK_API_KEY")
	}
	return ""
}

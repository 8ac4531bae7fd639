package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"perp_go/internal/domain"

	"gopkg.in/yaml.v3"
)

// Config holds all application settings. Secrets are loaded from the
// YAML file first and then overridden from environment variables so keys
// never have to live on disk.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		Bitget struct {
			RestURL    string `yaml:"rest_url"`
			WSURL      string `yaml:"ws_url"`
			AccessKey  string `yaml:"access_key"`
			SecretKey  string `yaml:"secret_key"`
			Passphrase string `yaml:"passphrase"`
		} `yaml:"bitget"`
	} `yaml:"api"`

	Trading struct {
		Symbols          []string `yaml:"symbols"`
		CycleIntervalSec int      `yaml:"cycle_interval_sec"`
		OrderIDPrefix    string   `yaml:"order_id_prefix"`
	} `yaml:"trading"`

	RateLimit struct {
		SafetyFactor       float64 `yaml:"safety_factor"`
		EmergencyThreshold float64 `yaml:"emergency_threshold"`
		RefreshHours       int     `yaml:"refresh_hours"`
	} `yaml:"rate_limit"`

	Risk struct {
		MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`
		MaxDailyLossPct float64 `yaml:"max_daily_loss_pct"`
		MaxPositionPct  float64 `yaml:"max_position_pct"`
		CooldownSec     int     `yaml:"cooldown_sec"`
		CheckIntervalSec int    `yaml:"check_interval_sec"`
	} `yaml:"risk"`

	Strategy struct {
		Funding struct {
			Enabled        bool    `yaml:"enabled"`
			EntryThreshold float64 `yaml:"entry_threshold"`
			ExitThreshold  float64 `yaml:"exit_threshold"`
			AllocationPct  float64 `yaml:"allocation_pct"`
			Priority       int     `yaml:"priority"`
		} `yaml:"funding"`
	} `yaml:"strategy"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file, applies environment
// overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideWithEnv replaces secrets with environment values when present.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("PERP_BITGET_KEY"); key != "" {
		cfg.API.Bitget.AccessKey = key
	}
	if secret := os.Getenv("PERP_BITGET_SECRET"); secret != "" {
		cfg.API.Bitget.SecretKey = secret
	}
	if pass := os.Getenv("PERP_BITGET_PASSPHRASE"); pass != "" {
		cfg.API.Bitget.Passphrase = pass
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Trading.CycleIntervalSec == 0 {
		cfg.Trading.CycleIntervalSec = 30
	}
	if cfg.Trading.OrderIDPrefix == "" {
		cfg.Trading.OrderIDPrefix = "perp"
	}
	if cfg.RateLimit.RefreshHours == 0 {
		cfg.RateLimit.RefreshHours = 6
	}
	if cfg.Risk.CheckIntervalSec == 0 {
		cfg.Risk.CheckIntervalSec = 15
	}
	if cfg.Strategy.Funding.EntryThreshold == 0 {
		cfg.Strategy.Funding.EntryThreshold = 0.0005
	}
	if cfg.Strategy.Funding.ExitThreshold == 0 {
		cfg.Strategy.Funding.ExitThreshold = 0.0001
	}
	if cfg.Strategy.Funding.AllocationPct == 0 {
		cfg.Strategy.Funding.AllocationPct = 0.1
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/perp.db"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity. Invalid thresholds are fatal at
// startup; there is no safe fallback for risk limits.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.API.Bitget.RestURL, "https://") {
		return &domain.ConfigError{Field: "api.bitget.rest_url",
			Err: fmt.Errorf("must be an https URL, got %q", c.API.Bitget.RestURL)}
	}
	if c.API.Bitget.WSURL != "" && !strings.HasPrefix(c.API.Bitget.WSURL, "wss://") {
		return &domain.ConfigError{Field: "api.bitget.ws_url",
			Err: fmt.Errorf("must be a wss URL, got %q", c.API.Bitget.WSURL)}
	}
	if len(c.Trading.Symbols) == 0 {
		return &domain.ConfigError{Field: "trading.symbols",
			Err: errors.New("at least one symbol is required")}
	}
	if c.Trading.CycleIntervalSec <= 0 {
		return &domain.ConfigError{Field: "trading.cycle_interval_sec",
			Err: errors.New("must be positive")}
	}

	if f := c.RateLimit.SafetyFactor; f <= 0 || f >= 1 {
		return &domain.ConfigError{Field: "rate_limit.safety_factor",
			Err: fmt.Errorf("must be in (0,1), got %v", f)}
	}
	if t := c.RateLimit.EmergencyThreshold; t <= 0 || t >= 1 {
		return &domain.ConfigError{Field: "rate_limit.emergency_threshold",
			Err: fmt.Errorf("must be in (0,1), got %v", t)}
	}

	if c.Risk.MaxDrawdownPct <= 0 {
		return &domain.ConfigError{Field: "risk.max_drawdown_pct",
			Err: errors.New("must be positive")}
	}
	if c.Risk.MaxDailyLossPct <= 0 {
		return &domain.ConfigError{Field: "risk.max_daily_loss_pct",
			Err: errors.New("must be positive")}
	}
	if c.Risk.MaxPositionPct <= 0 {
		return &domain.ConfigError{Field: "risk.max_position_pct",
			Err: errors.New("must be positive")}
	}
	if c.Risk.CooldownSec <= 0 {
		return &domain.ConfigError{Field: "risk.cooldown_sec",
			Err: errors.New("must be positive")}
	}
	if a := c.Strategy.Funding.AllocationPct; a <= 0 || a > 1 {
		return &domain.ConfigError{Field: "strategy.funding.allocation_pct",
			Err: fmt.Errorf("must be in (0,1], got %v", a)}
	}
	return nil
}

// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime-host configuration structure.
type Config struct {
	App       AppConfig                 `yaml:"app"`
	Account   AccountConfig             `yaml:"account"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Lease     LeaseConfig               `yaml:"lease"`
	Intent    IntentConfig              `yaml:"intent"`
	SafetyNet SafetyNetConfig           `yaml:"safety_net"`
	Insurance InsuranceConfig           `yaml:"insurance"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	System    SystemConfig              `yaml:"system"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	CurrentExchange string `yaml:"current_exchange"`
	DatabasePath    string `yaml:"database_path"`
	HTTPPort        string `yaml:"http_port"`
	Mode            string `yaml:"mode" validate:"oneof=paper live"`
}

// AccountConfig contains sizing defaults (spec I2/I3).
type AccountConfig struct {
	AccountId         string  `yaml:"account_id"`
	CapitalUSD        float64 `yaml:"capital_usd"`
	RiskFraction      float64 `yaml:"risk_fraction"` // default 0.01
	Leverage          int     `yaml:"leverage"`       // fixed constant, default 10
	SlippageTolerance float64 `yaml:"slippage_tolerance"`
}

// ExchangeConfig contains exchange-specific connection settings.
type ExchangeConfig struct {
	APIKeyFile    string  `yaml:"api_key_file"`
	SecretKeyFile string  `yaml:"secret_key_file"`
	BaseURL       string  `yaml:"base_url"`
	WSBaseURL     string  `yaml:"ws_base_url"`
	FeeRate       float64 `yaml:"fee_rate"`
	RateLimitRPS  float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int    `yaml:"rate_limit_burst"`
}

// LeaseConfig controls the (account, symbol) lease's TTL and renewal.
type LeaseConfig struct {
	TTLSeconds    int `yaml:"ttl_seconds"`    // default 15
	RenewEverySec int `yaml:"renew_every_sec"` // must be <= TTL/3
}

// IntentConfig controls the entry/exit retry budgets (spec §4.7.5).
type IntentConfig struct {
	EntrySubmitTimeoutSec int `yaml:"entry_submit_timeout_sec"` // default 10
	EntryLookupAttempts   int `yaml:"entry_lookup_attempts"`    // default 5
	ExitMaxBackoffSec     int `yaml:"exit_max_backoff_sec"`     // default 60, retried indefinitely
}

// SafetyNetConfig controls the independent safety-net monitor (C9).
type SafetyNetConfig struct {
	Enabled          bool    `yaml:"enabled"`
	PollIntervalSec  int     `yaml:"poll_interval_sec"`  // default 20
	SafetyPercent    float64 `yaml:"safety_percent"`     // default 0.02
}

// InsuranceConfig controls the optional dormant exchange-side stop (§4.7.4).
type InsuranceConfig struct {
	EnabledDefault bool    `yaml:"enabled_default"`
	Buffer         float64 `yaml:"buffer"` // absolute price distance added beyond trailing stop
}

// TelemetryConfig controls the Prometheus metrics endpoint.
type TelemetryConfig struct {
	MetricsPort   string `yaml:"metrics_port"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// SystemConfig contains ambient system settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR FATAL"`
}

// ValidationError represents one configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads a YAML file, expands ${VAR}/$VAR environment references in the
// raw text, parses it, and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Account.RiskFraction == 0 {
		c.Account.RiskFraction = 0.01
	}
	if c.Account.Leverage == 0 {
		c.Account.Leverage = 10
	}
	if c.Account.SlippageTolerance == 0 {
		c.Account.SlippageTolerance = 0.005
	}
	if c.Lease.TTLSeconds == 0 {
		c.Lease.TTLSeconds = 15
	}
	if c.Lease.RenewEverySec == 0 {
		c.Lease.RenewEverySec = c.Lease.TTLSeconds / 3
		if c.Lease.RenewEverySec < 1 {
			c.Lease.RenewEverySec = 1
		}
	}
	if c.Intent.EntrySubmitTimeoutSec == 0 {
		c.Intent.EntrySubmitTimeoutSec = 10
	}
	if c.Intent.EntryLookupAttempts == 0 {
		c.Intent.EntryLookupAttempts = 5
	}
	if c.Intent.ExitMaxBackoffSec == 0 {
		c.Intent.ExitMaxBackoffSec = 60
	}
	if c.SafetyNet.PollIntervalSec == 0 {
		c.SafetyNet.PollIntervalSec = 20
	}
	if c.SafetyNet.SafetyPercent == 0 {
		c.SafetyNet.SafetyPercent = 0.02
	}
	if c.App.Mode == "" {
		c.App.Mode = "paper"
	}
	if c.App.DatabasePath == "" {
		c.App.DatabasePath = "engine.db"
	}
	if c.App.HTTPPort == "" {
		c.App.HTTPPort = "8090"
	}
	if c.Telemetry.MetricsPort == "" {
		c.Telemetry.MetricsPort = "9090"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	// Insurance defaults off in paper mode, on in live mode, per spec's Open
	// Question resolution (§9). In live mode it is always on: an explicit
	// enabled_default of false is overridden here.
	if !c.Insurance.EnabledDefault && c.App.Mode == "live" {
		c.Insurance.EnabledDefault = true
	}
}

// Validate performs comprehensive validation, accumulating every violation
// found rather than failing on the first one.
func (c *Config) Validate() error {
	var errs []string

	if c.Account.AccountId == "" {
		errs = append(errs, ValidationError{Field: "account.account_id", Message: "required"}.Error())
	}
	if c.Account.CapitalUSD <= 0 {
		errs = append(errs, ValidationError{Field: "account.capital_usd", Message: "must be positive"}.Error())
	}
	if c.Account.RiskFraction <= 0 || c.Account.RiskFraction > 1 {
		errs = append(errs, ValidationError{Field: "account.risk_fraction", Value: c.Account.RiskFraction, Message: "must be in (0,1]"}.Error())
	}
	validModes := []string{"paper", "live"}
	if !contains(validModes, c.App.Mode) {
		errs = append(errs, ValidationError{Field: "app.mode", Value: c.App.Mode, Message: "must be one of: paper, live"}.Error())
	}
	if c.App.CurrentExchange == "" {
		errs = append(errs, ValidationError{Field: "app.current_exchange", Message: "required"}.Error())
	} else if _, ok := c.Exchanges[c.App.CurrentExchange]; !ok {
		errs = append(errs, ValidationError{Field: "app.current_exchange", Value: c.App.CurrentExchange, Message: "no matching entry under exchanges"}.Error())
	}
	if c.Lease.RenewEverySec*3 > c.Lease.TTLSeconds {
		errs = append(errs, ValidationError{Field: "lease.renew_every_sec", Message: "must be at most ttl_seconds/3 (spec §4.3)"}.Error())
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: "must be one of: DEBUG INFO WARN ERROR FATAL"}.Error())
	}

	for name, ex := range c.Exchanges {
		if ex.FeeRate < 0 || ex.FeeRate > 1 {
			errs = append(errs, ValidationError{Field: fmt.Sprintf("exchanges.%s.fee_rate", name), Value: ex.FeeRate, Message: "must be in [0,1]"}.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

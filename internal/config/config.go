// Package config loads service configuration from a .env file, the process
// environment and an optional config file named by CONFIG_FILE.
// Environment variables win over the file; both win over the defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// Server
	Port           int           `mapstructure:"port" validate:"min=1,max=65535"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Storage
	DatabaseURL  string        `mapstructure:"database_url"`
	RedisURL     string        `mapstructure:"redis_url"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	LocalCacheMB int           `mapstructure:"local_cache_mb" validate:"min=0"`

	// Prices
	PriceAPIURL  string        `mapstructure:"price_api_url" validate:"omitempty,url"`
	PriceTimeout time.Duration `mapstructure:"price_timeout"`

	// Logging
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFile  string `mapstructure:"log_file"`

	// Risk
	RiskVaRMethod      string  `mapstructure:"risk_var_method" validate:"oneof=historical parametric"`
	RiskVaRConfidence  float64 `mapstructure:"risk_var_confidence" validate:"gt=0,lt=1"`
	RiskFreeRate       float64 `mapstructure:"risk_free_rate" validate:"gte=-1,lte=1"`
	AlertNearThreshold float64 `mapstructure:"alert_near_threshold" validate:"gte=0,lte=1"`

	// Ledger
	CapitalizeBuyFees bool `mapstructure:"capitalize_buy_fees"`
}

var defaults = map[string]any{
	"port":                 8080,
	"request_timeout":      "30s",
	"database_url":         "",
	"redis_url":            "",
	"cache_ttl":            "30s",
	"local_cache_mb":       64,
	"price_api_url":        "",
	"price_timeout":        "5s",
	"log_level":            "info",
	"log_file":             "",
	"risk_var_method":      "historical",
	"risk_var_confidence":  0.95,
	"risk_free_rate":       0.0,
	"alert_near_threshold": 0.05,
	"capitalize_buy_fees":  false,
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.RiskVaRMethod = strings.ToLower(strings.TrimSpace(cfg.RiskVaRMethod))
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []string

	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, fmt.Sprintf("%s fails %q (got %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "REQUEST_TIMEOUT must be positive")
	}
	if c.PriceTimeout <= 0 {
		errs = append(errs, "PRICE_TIMEOUT must be positive")
	}
	if c.CacheTTL < 0 {
		errs = append(errs, "CACHE_TTL must not be negative")
	}
	if c.RedisURL != "" && c.CacheTTL == 0 {
		errs = append(errs, "CACHE_TTL must be positive when REDIS_URL is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// CacheEnabled reports whether analysis reports are cached at all.
func (c *Config) CacheEnabled() bool {
	return c.CacheTTL > 0 && (c.LocalCacheMB > 0 || c.RedisURL != "")
}

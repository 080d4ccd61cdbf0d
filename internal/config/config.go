// Package config loads service configuration from an optional YAML file with
// environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	yaml "gopkg.in/yaml.v3"
)

type PingPayConfig struct {
	BaseURL          string `yaml:"baseUrl"`
	APIKey           string `yaml:"apiKey"`
	RecipientAddress string `yaml:"recipientAddress"`
	WebhookSecret    string `yaml:"webhookSecret"`
}

type PrintfulConfig struct {
	BaseURL string `yaml:"baseUrl"`
	APIKey  string `yaml:"apiKey"`
	StoreID string `yaml:"storeId"`
}

type GelatoConfig struct {
	BaseURL string `yaml:"baseUrl"`
	APIKey  string `yaml:"apiKey"`
}

type ReaperConfig struct {
	MaxAgeHours     int `yaml:"maxAgeHours"`
	IntervalMinutes int `yaml:"intervalMinutes"`
}

type AuthConfig struct {
	Mode   string `yaml:"mode"` // "dev" or "hmac"
	Secret string `yaml:"secret"`
}

type Config struct {
	Addr          string  `yaml:"addr"`
	PublicBaseURL string  `yaml:"publicBaseUrl"`
	DatabaseURL   string  `yaml:"databaseUrl"`
	RedisURL      string  `yaml:"redisUrl"`
	TaxRate       float64 `yaml:"taxRate"`

	Auth     AuthConfig     `yaml:"auth"`
	PingPay  PingPayConfig  `yaml:"pingpay"`
	Printful PrintfulConfig `yaml:"printful"`
	Gelato   GelatoConfig   `yaml:"gelato"`
	Reaper   ReaperConfig   `yaml:"reaper"`
}

// Load reads path when it exists, then applies environment overrides. An
// empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Config{
		Addr: ":8080",
		Auth: AuthConfig{Mode: "dev"},
		Reaper: ReaperConfig{
			MaxAgeHours:     24,
			IntervalMinutes: 60,
		},
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	env(&cfg.Addr, "ADDR")
	env(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")
	env(&cfg.DatabaseURL, "DATABASE_URL")
	env(&cfg.RedisURL, "REDIS_URL")
	envFloat(&cfg.TaxRate, "TAX_RATE")

	env(&cfg.Auth.Mode, "AUTH_MODE")
	env(&cfg.Auth.Secret, "AUTH_SECRET")

	env(&cfg.PingPay.BaseURL, "PINGPAY_BASE_URL")
	env(&cfg.PingPay.APIKey, "PINGPAY_API_KEY")
	env(&cfg.PingPay.RecipientAddress, "PINGPAY_RECIPIENT_ADDRESS")
	env(&cfg.PingPay.WebhookSecret, "PINGPAY_WEBHOOK_SECRET")

	env(&cfg.Printful.BaseURL, "PRINTFUL_BASE_URL")
	env(&cfg.Printful.APIKey, "PRINTFUL_API_KEY")
	env(&cfg.Printful.StoreID, "PRINTFUL_STORE_ID")

	env(&cfg.Gelato.BaseURL, "GELATO_BASE_URL")
	env(&cfg.Gelato.APIKey, "GELATO_API_KEY")

	envInt(&cfg.Reaper.MaxAgeHours, "REAPER_MAX_AGE_HOURS")
	envInt(&cfg.Reaper.IntervalMinutes, "REAPER_INTERVAL_MINUTES")

	return cfg, nil
}

func env(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

package config

import (
	"time"

	"github.com/spf13/viper"
)

// CollectionsConfig configures the provider Collections status API client.
type CollectionsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ReconciliationConfig configures the periodic reconciliation cycle.
// Interval and Lookback are configuration, never derived state.
type ReconciliationConfig struct {
	Interval time.Duration
	Lookback time.Duration
}

// QuotaConfig holds the default monthly generation/purchase limit applied
// when a user has no explicit override.
type QuotaConfig struct {
	DefaultMonthlyLimit int
}

// RateLimitConfig configures the Redis-backed fixed-window limiter.
type RateLimitConfig struct {
	Window time.Duration
	Max    int
}

// LoadCollectionsConfig returns Collections API configuration with defaults.
func LoadCollectionsConfig() *CollectionsConfig {
	viper.SetDefault("collections.base_url", "https://payments.example.com/api/v1")
	viper.SetDefault("collections.timeout", 10*time.Second)

	return &CollectionsConfig{
		BaseURL: viper.GetString("collections.base_url"),
		APIKey:  viper.GetString("collections.api_key"),
		Timeout: viper.GetDuration("collections.timeout"),
	}
}

// LoadReconciliationConfig returns reconciliation configuration with defaults.
func LoadReconciliationConfig() *ReconciliationConfig {
	viper.SetDefault("reconciliation.interval", 5*time.Minute)
	viper.SetDefault("reconciliation.lookback", 7*24*time.Hour)

	return &ReconciliationConfig{
		Interval: viper.GetDuration("reconciliation.interval"),
		Lookback: viper.GetDuration("reconciliation.lookback"),
	}
}

// LoadQuotaConfig returns quota configuration with defaults.
func LoadQuotaConfig() *QuotaConfig {
	viper.SetDefault("quota.default_monthly_limit", 100)

	return &QuotaConfig{
		DefaultMonthlyLimit: viper.GetInt("quota.default_monthly_limit"),
	}
}

// LoadRateLimitConfig returns rate limiter configuration with defaults.
func LoadRateLimitConfig() *RateLimitConfig {
	viper.SetDefault("ratelimit.window", time.Minute)
	viper.SetDefault("ratelimit.max", 30)

	return &RateLimitConfig{
		Window: viper.GetDuration("ratelimit.window"),
		Max:    viper.GetInt("ratelimit.max"),
	}
}

// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Cache     CacheConfig     `mapstructure:"cache"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// CacheConfig controls the embedded resolution/content cache.
type CacheConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// FetcherConfig configures HTTP client timeouts and retry behavior.
type FetcherConfig struct {
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	JitterFraction   float64 `mapstructure:"jitter_fraction"`
}

// RateLimitConfig governs per-domain request pacing and the circuit breaker.
type RateLimitConfig struct {
	MinDelayMs         int      `mapstructure:"min_delay_ms"`
	MaxDelayMs         int      `mapstructure:"max_delay_ms"`
	AggregatorBaseMs   int      `mapstructure:"aggregator_base_ms"`
	AggregatorBandMs   int      `mapstructure:"aggregator_band_ms"`
	AggregatorDomains  []string `mapstructure:"aggregator_domains"`
	BackoffThreshold   int      `mapstructure:"backoff_threshold"`
	AbortThreshold     int      `mapstructure:"abort_threshold"`
	MaxBackoffSeconds  int      `mapstructure:"max_backoff_seconds"`
	PauseEveryRequests int      `mapstructure:"pause_every_requests"`
	PauseMinSeconds    int      `mapstructure:"pause_min_seconds"`
	PauseMaxSeconds    int      `mapstructure:"pause_max_seconds"`
	DailyAggregatorCap int      `mapstructure:"daily_aggregator_cap"`
}

// ResolverConfig controls resolution cascade behavior.
type ResolverConfig struct {
	MaxAttempts   int  `mapstructure:"max_attempts"`
	EnableDecoder bool `mapstructure:"enable_decoder"`
}

// ExtractorConfig controls content extraction thresholds.
type ExtractorConfig struct {
	MinContentChars   int `mapstructure:"min_content_chars"`
	MinContainerChars int `mapstructure:"min_container_chars"`
}

// BatchConfig governs batch execution.
type BatchConfig struct {
	Workers       int    `mapstructure:"workers"`
	Mode          string `mapstructure:"mode"`
	ProgressEvery int    `mapstructure:"progress_every"`
}

// MetricsConfig toggles the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.path", "newsward_cache.db")
	v.SetDefault("cache.retention_days", 30)
	v.SetDefault("fetcher.timeout_seconds", 20)
	v.SetDefault("fetcher.max_retries", 3)
	v.SetDefault("fetcher.backoff_initial_ms", 500)
	v.SetDefault("fetcher.backoff_max_ms", 5000)
	v.SetDefault("fetcher.jitter_fraction", 0.5)
	v.SetDefault("ratelimit.min_delay_ms", 800)
	v.SetDefault("ratelimit.max_delay_ms", 2000)
	v.SetDefault("ratelimit.aggregator_base_ms", 2500)
	v.SetDefault("ratelimit.aggregator_band_ms", 4000)
	v.SetDefault("ratelimit.aggregator_domains", []string{"google."})
	v.SetDefault("ratelimit.backoff_threshold", 3)
	v.SetDefault("ratelimit.abort_threshold", 5)
	v.SetDefault("ratelimit.max_backoff_seconds", 30)
	v.SetDefault("ratelimit.pause_every_requests", 100)
	v.SetDefault("ratelimit.pause_min_seconds", 10)
	v.SetDefault("ratelimit.pause_max_seconds", 20)
	v.SetDefault("ratelimit.daily_aggregator_cap", 0)
	v.SetDefault("resolver.max_attempts", 3)
	v.SetDefault("resolver.enable_decoder", true)
	v.SetDefault("extractor.min_content_chars", 100)
	v.SetDefault("extractor.min_container_chars", 200)
	v.SetDefault("batch.workers", 3)
	v.SetDefault("batch.mode", "concurrent")
	v.SetDefault("batch.progress_every", 10)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Cache.RetentionDays < 0 {
		return fmt.Errorf("cache.retention_days must be >= 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.RateLimit.MinDelayMs > c.RateLimit.MaxDelayMs {
		return fmt.Errorf("ratelimit.min_delay_ms must be <= ratelimit.max_delay_ms")
	}
	if c.RateLimit.AbortThreshold < c.RateLimit.BackoffThreshold {
		return fmt.Errorf("ratelimit.abort_threshold must be >= ratelimit.backoff_threshold")
	}
	if c.Resolver.MaxAttempts <= 0 {
		return fmt.Errorf("resolver.max_attempts must be > 0")
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers must be > 0")
	}
	switch c.Batch.Mode {
	case "sequential", "concurrent":
	default:
		return fmt.Errorf("batch.mode must be sequential or concurrent, got %q", c.Batch.Mode)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr must be set when metrics are enabled")
	}
	return nil
}

// FetchTimeout converts the configured timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}

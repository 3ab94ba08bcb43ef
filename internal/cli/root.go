// Package cli implements the newsward command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prensa-labs/newsward/internal/config"
	"github.com/prensa-labs/newsward/internal/fetcher"
	"github.com/prensa-labs/newsward/internal/logging"
	"github.com/prensa-labs/newsward/internal/ratelimit"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "newsward",
	Short: "Resolve aggregator indirect URLs and extract article content",
	Long: `newsward resolves news-aggregator redirect URLs to their publisher
URLs through a cascade of resolution strategies, extracts the article
content behind them, and caches both in an embedded database.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newCacheCommand())
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// bootstrap loads configuration and builds the logger shared by every
// subcommand.
func bootstrap() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func syncLogger(logger *zap.Logger) {
	if err := logger.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", err)
	}
}

func rateLimitConfigFrom(cfg config.Config) ratelimit.Config {
	rl := cfg.RateLimit
	return ratelimit.Config{
		MinDelay:            time.Duration(rl.MinDelayMs) * time.Millisecond,
		MaxDelay:            time.Duration(rl.MaxDelayMs) * time.Millisecond,
		AggregatorBase:      time.Duration(rl.AggregatorBaseMs) * time.Millisecond,
		AggregatorBandWidth: time.Duration(rl.AggregatorBandMs) * time.Millisecond,
		AggregatorDomains:   rl.AggregatorDomains,
		BackoffThreshold:    rl.BackoffThreshold,
		AbortThreshold:      rl.AbortThreshold,
		MaxBackoff:          time.Duration(rl.MaxBackoffSeconds) * time.Second,
		PauseEvery:          rl.PauseEveryRequests,
		PauseMin:            time.Duration(rl.PauseMinSeconds) * time.Second,
		PauseMax:            time.Duration(rl.PauseMaxSeconds) * time.Second,
		DailyAggregatorCap:  rl.DailyAggregatorCap,
	}
}

func retryPolicyFrom(cfg config.Config) fetcher.RetryPolicy {
	f := cfg.Fetcher
	return fetcher.RetryPolicy{
		MaxAttempts:    f.MaxRetries,
		BaseDelay:      time.Duration(f.BackoffInitialMs) * time.Millisecond,
		MaxDelay:       time.Duration(f.BackoffMaxMs) * time.Millisecond,
		JitterFraction: f.JitterFraction,
	}
}

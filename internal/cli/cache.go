package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prensa-labs/newsward/internal/cache"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the resolution and content caches",
	}
	cmd.AddCommand(newCacheStatsCommand())
	cmd.AddCommand(newCacheCleanupCommand())
	return cmd
}

func newCacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print cache row counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			store, err := cache.Open(cfg.Cache.Path, logger)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer store.Close()

			stats, err := store.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read cache stats: %w", err)
			}

			fmt.Printf("resolutions:            %d\n", stats.Resolutions)
			fmt.Printf("successful resolutions: %d\n", stats.SuccessfulResolutions)
			fmt.Printf("content records:        %d\n", stats.ContentRecords)
			return nil
		},
	}
}

func newCacheCleanupCommand() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete cache entries older than the retention horizon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			if days <= 0 {
				days = cfg.Cache.RetentionDays
			}

			store, err := cache.Open(cfg.Cache.Path, logger)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer store.Close()

			removed, err := store.Cleanup(cmd.Context(), days)
			if err != nil {
				return fmt.Errorf("cache cleanup: %w", err)
			}
			fmt.Printf("removed %d entries older than %d days\n", removed, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention horizon in days (defaults to cache.retention_days)")
	return cmd
}

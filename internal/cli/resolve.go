package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prensa-labs/newsward/internal/batch"
	"github.com/prensa-labs/newsward/internal/cache"
	"github.com/prensa-labs/newsward/internal/extractor"
	"github.com/prensa-labs/newsward/internal/fetcher"
	"github.com/prensa-labs/newsward/internal/metrics"
	"github.com/prensa-labs/newsward/internal/ratelimit"
	"github.com/prensa-labs/newsward/internal/resolver"
)

func newResolveCommand() *cobra.Command {
	var (
		inputPath  string
		outputPath string
		workers    int
		sequential bool
		noCache    bool
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a file of indirect URLs and extract their content",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			if workers > 0 {
				cfg.Batch.Workers = workers
			}
			if sequential {
				cfg.Batch.Mode = batch.ModeSequential
			}
			if noCache {
				cfg.Cache.Enabled = false
			}

			metrics.Init()
			if cfg.Metrics.Enabled {
				metrics.Serve(cfg.Metrics.Addr, logger)
			}

			ctx := cmd.Context()

			urls, err := readURLs(inputPath)
			if err != nil {
				return err
			}
			if len(urls) == 0 {
				return fmt.Errorf("no URLs found in %s", inputPath)
			}

			var store *cache.Store
			if cfg.Cache.Enabled {
				store, err = cache.Open(cfg.Cache.Path, logger)
				if err != nil {
					return fmt.Errorf("open cache: %w", err)
				}
				defer store.Close()
				if removed, err := store.Cleanup(ctx, cfg.Cache.RetentionDays); err != nil {
					logger.Warn("cache cleanup failed", zap.Error(err))
				} else if removed > 0 {
					logger.Info("cache cleanup", zap.Int64("removed", removed))
				}
			}

			limiter := ratelimit.New(rateLimitConfigFrom(cfg), logger)
			client := fetcher.New(fetcher.Config{
				Timeout: cfg.FetchTimeout(),
				Retry:   retryPolicyFrom(cfg),
			}, logger)

			var decoder resolver.TokenDecoder
			if cfg.Resolver.EnableDecoder {
				decoder = resolver.NewBatchDecoder(client, limiter, logger)
			}

			resolverCfg := resolver.DefaultConfig()
			resolverCfg.MaxAttempts = cfg.Resolver.MaxAttempts

			var resolutionStore resolver.ResolutionCache
			var contentStore extractor.ContentCache
			if store != nil {
				resolutionStore = store
				contentStore = store
			}

			res := resolver.New(resolverCfg, client, limiter, resolutionStore, decoder, logger)
			ext := extractor.New(client, limiter, contentStore, logger)
			proc := batch.New(batch.Config{
				Mode:          cfg.Batch.Mode,
				Workers:       cfg.Batch.Workers,
				ProgressEvery: cfg.Batch.ProgressEvery,
			}, res, ext, limiter, logger)

			results := proc.Process(ctx, urls)
			if err := writeResults(outputPath, results); err != nil {
				return err
			}

			logger.Info("resolve finished",
				zap.Int("urls", len(urls)),
				zap.Int64("requests", limiter.Requests()))
			return nil
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "", "file with one indirect URL per line")
	cmd.Flags().StringVar(&outputPath, "output", "", "JSONL output file (stdout when empty)")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count override")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "process URLs one at a time")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the resolution and content caches")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}

// readURLs loads one URL per line, skipping blanks and #-comments.
func readURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return urls, nil
}

// writeResults emits one JSON object per result, in input order.
func writeResults(path string, results []batch.Result) error {
	out := os.Stdout
	if path != "" && path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

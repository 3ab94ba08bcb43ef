// Package batch runs the resolve-then-extract pipeline over an ordered list
// of indirect URLs, sequentially or through a bounded worker pool.
package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prensa-labs/newsward/internal/cache"
	"github.com/prensa-labs/newsward/internal/ratelimit"
)

// Processing modes.
const (
	ModeSequential = "sequential"
	ModeConcurrent = "concurrent"
)

// Sentinel methods for items that never reached a resolver verdict.
const (
	MethodError         = "error"
	MethodDomainAborted = "domain_aborted"
)

// Resolver maps an indirect URL to a publisher URL.
type Resolver interface {
	Resolve(ctx context.Context, indirectURL string) (string, string, error)
}

// Extractor pulls article content from a publisher URL.
type Extractor interface {
	Extract(ctx context.Context, url string) (cache.ContentRecord, error)
}

// Gate answers whether a domain's circuit breaker has tripped, so further
// work for it is skipped without touching the network.
type Gate interface {
	Aborted(rawURL string) bool
}

// Result is one processed input URL.
type Result struct {
	InputURL  string              `json:"input_url"`
	DirectURL string              `json:"direct_url"`
	Method    string              `json:"method"`
	Content   cache.ContentRecord `json:"content"`
}

// Config controls batch execution.
type Config struct {
	Mode          string
	Workers       int
	ProgressEvery int
}

// DefaultConfig runs three workers concurrently with progress every ten
// items.
func DefaultConfig() Config {
	return Config{Mode: ModeConcurrent, Workers: 3, ProgressEvery: 10}
}

// Processor drives the pipeline. One result per input URL, in input order,
// regardless of completion order.
type Processor struct {
	cfg       Config
	resolver  Resolver
	extractor Extractor
	gate      Gate
	logger    *zap.Logger
}

// New builds a Processor. extractor and gate may be nil.
func New(cfg Config, resolver Resolver, extractor Extractor, gate Gate, logger *zap.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:       cfg,
		resolver:  resolver,
		extractor: extractor,
		gate:      gate,
		logger:    logger,
	}
}

// Process runs every URL through resolve-then-extract and returns one result
// per input, in input order. Per-item failures become error sentinel results;
// the batch always completes.
func (p *Processor) Process(ctx context.Context, urls []string) []Result {
	logger := p.logger.With(
		zap.String("run_id", uuid.NewString()),
		zap.Int("total", len(urls)),
		zap.String("mode", p.cfg.Mode),
	)
	logger.Info("batch started")

	results := make([]Result, len(urls))
	if p.cfg.Mode == ModeSequential || p.cfg.Workers == 1 {
		p.runSequential(ctx, logger, urls, results)
	} else {
		p.runConcurrent(ctx, logger, urls, results)
	}

	logger.Info("batch finished")
	return results
}

func (p *Processor) runSequential(ctx context.Context, logger *zap.Logger, urls []string, results []Result) {
	for i, u := range urls {
		results[i] = p.processOne(ctx, logger, u)
		if (i+1)%p.cfg.ProgressEvery == 0 {
			logger.Info("batch progress", zap.Int("done", i+1))
		}
	}
}

func (p *Processor) runConcurrent(ctx context.Context, logger *zap.Logger, urls []string, results []Result) {
	var (
		wg   sync.WaitGroup
		done atomic.Int64
		sem  = make(chan struct{}, p.cfg.Workers)
	)
	for i, u := range urls {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = p.processOne(ctx, logger, u)
			if n := done.Add(1); n%int64(p.cfg.ProgressEvery) == 0 {
				logger.Info("batch progress", zap.Int64("done", n))
			}
		}(i, u)
	}
	wg.Wait()
}

// processOne resolves a single URL and, when resolution actually moved it,
// extracts its content. Panics and resolver failures degrade to sentinel
// results so one bad item cannot sink the batch.
func (p *Processor) processOne(ctx context.Context, logger *zap.Logger, inputURL string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing url",
				zap.String("url", inputURL), zap.Any("panic", r))
			result = Result{
				InputURL:  inputURL,
				DirectURL: inputURL,
				Method:    MethodError,
				Content:   failedContent(inputURL),
			}
		}
	}()

	if p.gate != nil && p.gate.Aborted(inputURL) {
		return Result{
			InputURL:  inputURL,
			DirectURL: inputURL,
			Method:    MethodDomainAborted,
			Content:   failedContent(inputURL),
		}
	}

	direct, method, err := p.resolver.Resolve(ctx, inputURL)
	if err != nil {
		if errors.Is(err, ratelimit.ErrDomainAborted) {
			logger.Warn("domain aborted", zap.String("url", inputURL))
			return Result{
				InputURL:  inputURL,
				DirectURL: inputURL,
				Method:    MethodDomainAborted,
				Content:   failedContent(inputURL),
			}
		}
		logger.Error("resolution failed", zap.String("url", inputURL), zap.Error(err))
		return Result{
			InputURL:  inputURL,
			DirectURL: inputURL,
			Method:    MethodError,
			Content:   failedContent(inputURL),
		}
	}

	result = Result{InputURL: inputURL, DirectURL: direct, Method: method}
	if p.extractor != nil && direct != "" && direct != inputURL {
		content, err := p.extractor.Extract(ctx, direct)
		if err != nil {
			logger.Warn("extraction failed", zap.String("url", direct), zap.Error(err))
			content = failedContent(direct)
		}
		result.Content = content
	} else {
		result.Content = failedContent(direct)
	}
	return result
}

func failedContent(url string) cache.ContentRecord {
	return cache.ContentRecord{URL: url, ExtractionMethod: "failed"}
}

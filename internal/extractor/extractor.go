// Package extractor pulls article text and metadata out of publisher pages
// through a cascade of extraction strategies.
package extractor

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/prensa-labs/newsward/internal/cache"
	"github.com/prensa-labs/newsward/internal/fetcher"
	"github.com/prensa-labs/newsward/internal/metrics"
	"github.com/prensa-labs/newsward/internal/ratelimit"
)

const (
	// MethodFailed tags records produced when every strategy came up empty.
	MethodFailed = "failed"

	// minContentLength is the shortest body accepted as a successful
	// extraction.
	minContentLength = 100

	// minContainerLength is the shortest text block the heuristic strategy
	// accepts as a content container.
	minContainerLength = 200
)

// Fetcher is the HTTP surface strategies need.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (fetcher.Response, error)
}

// Gate throttles outbound requests per domain.
type Gate interface {
	Wait(ctx context.Context, rawURL string) error
	RecordError(rawURL string) error
	RecordSuccess(rawURL string)
}

// ContentCache persists extracted content. Nil-safe at the Extractor level.
type ContentCache interface {
	GetContent(ctx context.Context, url string) (*cache.ContentRecord, error)
	SaveContent(ctx context.Context, url string, rec cache.ContentRecord) error
}

// Strategy is one extraction attempt. A nil record means the strategy did
// not produce a long enough body; the cascade moves on.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, url string) (*cache.ContentRecord, error)
}

type strategyFunc struct {
	name string
	fn   func(ctx context.Context, url string) (*cache.ContentRecord, error)
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) Extract(ctx context.Context, url string) (*cache.ContentRecord, error) {
	return s.fn(ctx, url)
}

// Extractor runs the strategy cascade with cache-first semantics.
type Extractor struct {
	client     Fetcher
	gate       Gate
	store      ContentCache
	strategies []Strategy
	logger     *zap.Logger
}

// New builds an Extractor with the default strategy order. store may be nil.
func New(client Fetcher, gate Gate, store ContentCache, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		client: client,
		gate:   gate,
		store:  store,
		logger: logger,
	}
	e.strategies = []Strategy{
		strategyFunc{"trafilatura", e.extractWithTrafilatura},
		strategyFunc{"readability", e.extractWithReadability},
		strategyFunc{"heuristic", e.extractWithHeuristics},
	}
	return e
}

// Extract returns the article content behind url, trying each strategy in
// priority order and caching the first success. When everything fails, the
// returned record carries the failed sentinel and zero confidence; only
// ratelimit.ErrDomainAborted is surfaced as an error.
func (e *Extractor) Extract(ctx context.Context, url string) (cache.ContentRecord, error) {
	if url == "" {
		return failedRecord(url), nil
	}

	if e.store != nil {
		rec, err := e.store.GetContent(ctx, url)
		if err != nil {
			e.logger.Warn("content cache read failed", zap.Error(err))
		} else if rec != nil {
			e.logger.Debug("content cache hit", zap.String("url", url))
			return *rec, nil
		}
	}

	for _, s := range e.strategies {
		rec, err := s.Extract(ctx, url)
		if err != nil {
			if errors.Is(err, ratelimit.ErrDomainAborted) {
				return cache.ContentRecord{}, err
			}
			if ctx.Err() != nil {
				return cache.ContentRecord{}, ctx.Err()
			}
			e.logger.Debug("extraction strategy failed",
				zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		if rec == nil {
			continue
		}
		rec.URL = url
		rec.ExtractionMethod = s.Name()
		e.logger.Info("extracted",
			zap.String("strategy", s.Name()),
			zap.Int("word_count", rec.WordCount))
		if e.store != nil {
			if err := e.store.SaveContent(ctx, url, *rec); err != nil {
				e.logger.Warn("content cache write failed", zap.Error(err))
			}
		}
		metrics.IncExtraction(s.Name())
		return *rec, nil
	}

	metrics.IncExtraction(MethodFailed)
	return failedRecord(url), nil
}

// Strategies exposes the cascade order, primarily for tests.
func (e *Extractor) Strategies() []Strategy {
	return e.strategies
}

func failedRecord(url string) cache.ContentRecord {
	return cache.ContentRecord{
		URL:              url,
		ExtractionMethod: MethodFailed,
		Confidence:       0,
	}
}

// confidence blends normalized word count (capped by the overall ceiling of
// one) with a fixed bonus per non-empty metadata field.
func confidence(wordCount int, lengthWeight, fieldBonus float64, fields ...string) float64 {
	score := float64(wordCount) / 500 * lengthWeight
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			score += fieldBonus
		}
	}
	if score > 1 {
		return 1
	}
	return score
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// fetchFailed records the failure against the domain and surfaces an abort
// if the breaker tripped.
func (e *Extractor) fetchFailed(rawURL string, err error) error {
	if abortErr := e.gate.RecordError(rawURL); abortErr != nil {
		return abortErr
	}
	return err
}

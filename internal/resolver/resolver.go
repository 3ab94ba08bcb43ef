// Package resolver turns aggregator indirect URLs into publisher URLs by
// running an ordered cascade of resolution strategies.
package resolver

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prensa-labs/newsward/internal/cache"
	"github.com/prensa-labs/newsward/internal/fetcher"
	"github.com/prensa-labs/newsward/internal/metrics"
	"github.com/prensa-labs/newsward/internal/ratelimit"
)

// Sentinel method names recorded in results and in the resolution cache.
const (
	MethodInvalidInput = "invalid_input"
	MethodNoResolution = "no_resolution"
	MethodDecoder      = "decoder"
)

// Fetcher is the HTTP surface strategies need.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (fetcher.Response, error)
	PostForm(ctx context.Context, rawURL string, form map[string]string) (fetcher.Response, error)
}

// Gate throttles outbound requests per domain.
type Gate interface {
	Wait(ctx context.Context, rawURL string) error
	RecordError(rawURL string) error
	RecordSuccess(rawURL string)
}

// ResolutionCache persists resolved URLs. Nil-safe at the Resolver level.
type ResolutionCache interface {
	GetResolution(ctx context.Context, indirectURL string) (*cache.ResolutionRecord, error)
	SaveResolution(ctx context.Context, indirectURL, directURL, method string, success bool) error
}

// TokenDecoder is an optional dedicated decoder tried before the strategy
// cascade. Absence simply skips that step.
type TokenDecoder interface {
	Decode(ctx context.Context, indirectURL string) (string, error)
}

// Strategy is one independent resolution attempt. Attempt returns an empty
// string when the strategy does not apply; errors are swallowed by the
// cascade unless they carry ratelimit.ErrDomainAborted.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, indirectURL string) (string, error)
}

type strategyFunc struct {
	name string
	fn   func(ctx context.Context, indirectURL string) (string, error)
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) Attempt(ctx context.Context, indirectURL string) (string, error) {
	return s.fn(ctx, indirectURL)
}

// Config controls the resolution loop.
type Config struct {
	MaxAttempts    int
	BlockedDomains []string
	InterRoundMin  time.Duration
	InterRoundMax  time.Duration
	AggregatorHost string
	FeedURLPrefix  string
	ArticleURLBase string
}

// DefaultConfig matches the aggregator the resolver was built for.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BlockedDomains: []string{
			"google.", "gstatic.", "googleusercontent.",
			"googlevideo.", "youtube.", "youtu.be",
		},
		InterRoundMin:  2 * time.Second,
		InterRoundMax:  4 * time.Second,
		AggregatorHost: "news.google.com",
		FeedURLPrefix:  "https://news.google.com/rss/articles/",
		ArticleURLBase: "https://news.google.com/articles/",
	}
}

// Resolver runs the strategy cascade with cache-first semantics.
type Resolver struct {
	cfg        Config
	client     Fetcher
	gate       Gate
	store      ResolutionCache
	decoder    TokenDecoder
	strategies []Strategy
	logger     *zap.Logger
}

// New builds a Resolver with the default strategy order. store and decoder
// may be nil.
func New(cfg Config, client Fetcher, gate Gate, store ResolutionCache, decoder TokenDecoder, logger *zap.Logger) *Resolver {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		cfg:     cfg,
		client:  client,
		gate:    gate,
		store:   store,
		decoder: decoder,
		logger:  logger,
	}
	r.strategies = []Strategy{
		strategyFunc{"decode_token", r.decodeToken},
		strategyFunc{"extract_url_params", r.extractURLParams},
		strategyFunc{"resolve_via_feed", r.resolveViaFeed},
		strategyFunc{"resolve_via_article_page", r.resolveViaArticlePage},
		strategyFunc{"follow_redirects", r.followRedirects},
		strategyFunc{"parse_html", r.parseHTML},
		strategyFunc{"decode_token_scan", r.decodeTokenScan},
	}
	return r
}

// Strategies exposes the cascade order, primarily for tests.
func (r *Resolver) Strategies() []Strategy {
	return r.strategies
}

// Resolve maps an indirect URL to a publisher URL and the name of the method
// that produced it. Unresolvable inputs come back as the input URL with the
// no_resolution sentinel; only ratelimit.ErrDomainAborted is surfaced as an
// error.
func (r *Resolver) Resolve(ctx context.Context, indirectURL string) (string, string, error) {
	if !looksLikeURL(indirectURL) {
		metrics.IncResolution(MethodInvalidInput)
		return "", MethodInvalidInput, nil
	}

	if r.store != nil {
		rec, err := r.store.GetResolution(ctx, indirectURL)
		if err != nil {
			r.logger.Warn("resolution cache read failed", zap.Error(err))
		} else if rec != nil {
			r.logger.Debug("resolution cache hit",
				zap.String("url", indirectURL), zap.String("method", rec.Method))
			return rec.DirectURL, rec.Method, nil
		}
	}

	// The dedicated decoder runs once per call, ahead of the cascade.
	if r.decoder != nil {
		direct, err := r.decoder.Decode(ctx, indirectURL)
		if err != nil {
			if errors.Is(err, ratelimit.ErrDomainAborted) {
				return "", "", err
			}
			r.logger.Debug("decoder failed", zap.String("url", indirectURL), zap.Error(err))
		} else if direct != "" && r.isExternalURL(direct) {
			r.persist(ctx, indirectURL, direct, MethodDecoder, true)
			metrics.IncResolution(MethodDecoder)
			return direct, MethodDecoder, nil
		}
	}

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			r.logger.Info("resolution retry",
				zap.String("url", truncate(indirectURL, 60)),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", r.cfg.MaxAttempts))
			if err := sleepBetween(ctx, r.cfg.InterRoundMin, r.cfg.InterRoundMax); err != nil {
				return "", "", err
			}
		}

		for _, s := range r.strategies {
			direct, err := s.Attempt(ctx, indirectURL)
			if err != nil {
				if errors.Is(err, ratelimit.ErrDomainAborted) {
					return "", "", err
				}
				if ctx.Err() != nil {
					return "", "", ctx.Err()
				}
				r.logger.Debug("strategy failed",
					zap.String("strategy", s.Name()), zap.Error(err))
				continue
			}
			if direct != "" && r.isExternalURL(direct) {
				r.logger.Info("resolved",
					zap.String("strategy", s.Name()),
					zap.String("direct_url", truncate(direct, 80)))
				r.persist(ctx, indirectURL, direct, s.Name(), true)
				metrics.IncResolution(s.Name())
				return direct, s.Name(), nil
			}
		}
	}

	r.logger.Warn("unresolved",
		zap.String("url", truncate(indirectURL, 60)),
		zap.Int("attempts", r.cfg.MaxAttempts))
	r.persist(ctx, indirectURL, indirectURL, MethodNoResolution, false)
	metrics.IncResolution(MethodNoResolution)
	return indirectURL, MethodNoResolution, nil
}

func (r *Resolver) persist(ctx context.Context, indirectURL, directURL, method string, success bool) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveResolution(ctx, indirectURL, directURL, method, success); err != nil {
		r.logger.Warn("resolution cache write failed", zap.Error(err))
	}
}

// isExternalURL reports whether rawURL points outside the aggregator's
// domain family.
func (r *Resolver) isExternalURL(rawURL string) bool {
	return IsExternalURL(rawURL, r.cfg.BlockedDomains)
}

// IsExternalURL reports whether rawURL is HTTP(S) and its host matches none
// of the blocked domain fragments.
func IsExternalURL(rawURL string, blocked []string) bool {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Host)
	for _, fragment := range blocked {
		if strings.Contains(host, fragment) {
			return false
		}
	}
	return true
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleepBetween(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d = min + rand.N(max-min)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

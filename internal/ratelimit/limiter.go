// Package ratelimit implements per-domain request pacing with adaptive
// backoff and a fail-fast circuit breaker for domains that keep failing.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prensa-labs/newsward/internal/metrics"
)

// ErrDomainAborted signals that a domain accumulated too many consecutive
// errors and no further requests should be issued to it.
var ErrDomainAborted = errors.New("domain aborted after repeated failures")

// Config holds rate limiter tuning knobs.
type Config struct {
	// Inter-request delay band for ordinary domains.
	MinDelay time.Duration
	MaxDelay time.Duration

	// Aggregator pacing: base delay grows with the request count, the
	// actual delay is drawn from [base, base+BandWidth].
	AggregatorBase      time.Duration
	AggregatorBandWidth time.Duration
	AggregatorDomains   []string

	// Error escalation. Consecutive errors at or above BackoffThreshold
	// install an exponential backoff window; crossing AbortThreshold trips
	// the breaker for the domain.
	BackoffThreshold int
	AbortThreshold   int
	MaxBackoff       time.Duration

	// Extra pause injected every PauseEvery aggregator requests to break
	// up request periodicity.
	PauseEvery int
	PauseMin   time.Duration
	PauseMax   time.Duration

	// DailyAggregatorCap limits aggregator requests per rolling day.
	// Zero means unbounded.
	DailyAggregatorCap int
}

// DefaultConfig returns the pacing profile used in production.
func DefaultConfig() Config {
	return Config{
		MinDelay:            800 * time.Millisecond,
		MaxDelay:            2 * time.Second,
		AggregatorBase:      2500 * time.Millisecond,
		AggregatorBandWidth: 4 * time.Second,
		AggregatorDomains:   []string{"google."},
		BackoffThreshold:    3,
		AbortThreshold:      5,
		MaxBackoff:          30 * time.Second,
		PauseEvery:          100,
		PauseMin:            10 * time.Second,
		PauseMax:            20 * time.Second,
	}
}

type domainState struct {
	lastRequest       time.Time
	consecutiveErrors int
	backoffUntil      time.Time
	requests          int
}

// Limiter tracks per-domain request timing and error counts. It is safe for
// concurrent use; waiting for one domain never blocks callers on another.
type Limiter struct {
	mu              sync.Mutex
	cfg             Config
	domains         map[string]*domainState
	aborted         map[string]struct{}
	requests        int64
	aggregatorCount int
	aggregatorReset time.Time
	logger          *zap.Logger
}

// New creates a Limiter. Zero-valued config fields fall back to defaults.
func New(cfg Config, logger *zap.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.BackoffThreshold <= 0 {
		cfg.BackoffThreshold = def.BackoffThreshold
	}
	if cfg.AbortThreshold < cfg.BackoffThreshold {
		cfg.AbortThreshold = def.AbortThreshold
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if len(cfg.AggregatorDomains) == 0 {
		cfg.AggregatorDomains = def.AggregatorDomains
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		cfg:             cfg,
		domains:         make(map[string]*domainState),
		aborted:         make(map[string]struct{}),
		aggregatorReset: time.Now(),
		logger:          logger,
	}
}

// Domain extracts the lowercase host from a raw URL.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Wait blocks until it is safe to issue a request to the URL's domain,
// honoring context cancellation. It reserves a send slot under the lock so
// concurrent callers targeting the same domain are spaced apart, then sleeps
// outside the lock.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := Domain(rawURL)

	l.mu.Lock()
	if _, dead := l.aborted[domain]; dead {
		l.mu.Unlock()
		return fmt.Errorf("domain %s: %w", domain, ErrDomainAborted)
	}

	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{}
		l.domains[domain] = st
	}

	now := time.Now()
	l.requests++
	isAgg := l.isAggregator(domain)

	var extra time.Duration
	if isAgg {
		// Rolling daily counter for the aggregator family.
		if now.Sub(l.aggregatorReset) > 24*time.Hour {
			l.aggregatorCount = 0
			l.aggregatorReset = now
		}
		l.aggregatorCount++
		if l.cfg.DailyAggregatorCap > 0 && l.aggregatorCount > l.cfg.DailyAggregatorCap {
			extra += time.Hour
			l.aggregatorCount = 0
			l.logger.Warn("daily aggregator cap reached, pausing",
				zap.Int("cap", l.cfg.DailyAggregatorCap))
		}
		if l.cfg.PauseEvery > 0 && l.aggregatorCount > 0 && l.aggregatorCount%l.cfg.PauseEvery == 0 {
			extra += randDuration(l.cfg.PauseMin, l.cfg.PauseMax)
		}
	}

	var at time.Time
	switch {
	case st.lastRequest.IsZero() && isAgg:
		// First contact with the aggregator gets an initial delay.
		at = now.Add(randDuration(2*time.Second, 4*time.Second))
	case st.lastRequest.IsZero():
		at = now
	default:
		at = st.lastRequest.Add(l.delayFor(isAgg))
	}
	if st.backoffUntil.After(at) {
		at = st.backoffUntil
	}
	at = at.Add(extra)
	if at.Before(now) {
		at = now
	}
	st.lastRequest = at
	st.requests++
	l.mu.Unlock()

	if wait := time.Until(at); wait > 0 {
		if err := pause(ctx, wait); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		if wait > time.Millisecond {
			metrics.ObserveRateLimitDelay(isAgg, wait)
		}
	}
	return nil
}

// RecordError increments the domain's consecutive error count. At the backoff
// threshold it installs a capped exponential backoff window; past the abort
// threshold it trips the breaker and returns ErrDomainAborted.
func (l *Limiter) RecordError(rawURL string) error {
	domain := Domain(rawURL)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dead := l.aborted[domain]; dead {
		return fmt.Errorf("domain %s: %w", domain, ErrDomainAborted)
	}

	st, ok := l.domains[domain]
	if !ok {
		st = &domainState{}
		l.domains[domain] = st
	}
	st.consecutiveErrors++

	if st.consecutiveErrors > l.cfg.AbortThreshold {
		l.aborted[domain] = struct{}{}
		metrics.IncDomainAbort()
		l.logger.Warn("circuit breaker tripped",
			zap.String("domain", domain),
			zap.Int("consecutive_errors", st.consecutiveErrors))
		return fmt.Errorf("domain %s: %w", domain, ErrDomainAborted)
	}

	if st.consecutiveErrors >= l.cfg.BackoffThreshold {
		backoff := time.Duration(1<<uint(st.consecutiveErrors-l.cfg.BackoffThreshold+1)) * time.Second
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
		st.backoffUntil = time.Now().Add(backoff)
		l.logger.Warn("installing backoff window",
			zap.String("domain", domain),
			zap.Duration("backoff", backoff),
			zap.Int("consecutive_errors", st.consecutiveErrors))
	}
	return nil
}

// RecordSuccess decrements the domain's consecutive error count toward zero.
func (l *Limiter) RecordSuccess(rawURL string) {
	domain := Domain(rawURL)

	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.domains[domain]; ok && st.consecutiveErrors > 0 {
		st.consecutiveErrors--
	}
}

// Aborted reports whether the breaker has tripped for the URL's domain.
func (l *Limiter) Aborted(rawURL string) bool {
	domain := Domain(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, dead := l.aborted[domain]
	return dead
}

// Requests returns the global request counter.
func (l *Limiter) Requests() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests
}

func (l *Limiter) isAggregator(domain string) bool {
	for _, marker := range l.cfg.AggregatorDomains {
		if strings.Contains(domain, marker) {
			return true
		}
	}
	return false
}

// delayFor draws the inter-request delay. Aggregator delay grows slowly with
// the running request count to avoid a detectable fixed cadence.
// Callers must hold l.mu.
func (l *Limiter) delayFor(isAgg bool) time.Duration {
	if !isAgg {
		return randDuration(l.cfg.MinDelay, l.cfg.MaxDelay)
	}
	base := l.cfg.AggregatorBase + time.Duration(l.aggregatorCount/100)*time.Second
	return randDuration(base, base+l.cfg.AggregatorBandWidth)
}

func randDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

func pause(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

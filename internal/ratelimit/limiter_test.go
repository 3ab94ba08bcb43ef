package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinDelay = 50 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	return cfg
}

func TestWaitEnforcesMinimumSpacing(t *testing.T) {
	t.Parallel()

	l := New(testConfig(), zap.NewNop())
	ctx := context.Background()

	const calls = 4
	stamps := make([]time.Time, 0, calls)
	for range calls {
		require.NoError(t, l.Wait(ctx, "https://example.org/article"))
		stamps = append(stamps, time.Now())
	}

	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		require.GreaterOrEqual(t, gap, 45*time.Millisecond,
			"calls %d and %d were too close", i-1, i)
	}
}

func TestWaitDoesNotCoupleDomains(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinDelay = 200 * time.Millisecond
	cfg.MaxDelay = 200 * time.Millisecond
	l := New(cfg, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://slow.example.org/a"))
	require.NoError(t, l.Wait(ctx, "https://slow.example.org/b")) // reserves a later slot

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example.net/x"))
	require.Less(t, time.Since(start), 100*time.Millisecond,
		"an unrelated domain should not inherit another domain's spacing")
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinDelay = 5 * time.Second
	cfg.MaxDelay = 5 * time.Second
	l := New(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Wait(ctx, "https://example.org/one"))

	cancel()
	start := time.Now()
	err := l.Wait(ctx, "https://example.org/two")
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

func TestRecordErrorTripsBreakerExactlyAtThreshold(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BackoffThreshold = 3
	cfg.AbortThreshold = 5
	l := New(cfg, zap.NewNop())

	url := "https://news.example.com/item"
	for i := 1; i <= 5; i++ {
		require.NoError(t, l.RecordError(url), "error %d should not abort yet", i)
	}
	err := l.RecordError(url)
	require.ErrorIs(t, err, ErrDomainAborted, "the call past the threshold must trip the breaker")
	require.True(t, l.Aborted(url))
}

func TestWaitRejectsAbortedDomain(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.AbortThreshold = 1
	cfg.BackoffThreshold = 1
	l := New(cfg, zap.NewNop())

	url := "https://dead.example.org/"
	require.NoError(t, l.RecordError(url))
	require.ErrorIs(t, l.RecordError(url), ErrDomainAborted)

	err := l.Wait(context.Background(), url)
	require.ErrorIs(t, err, ErrDomainAborted)
}

func TestRecordSuccessDecrementsErrors(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BackoffThreshold = 3
	cfg.AbortThreshold = 3
	l := New(cfg, zap.NewNop())

	url := "https://flaky.example.org/"
	require.NoError(t, l.RecordError(url))
	require.NoError(t, l.RecordError(url))
	l.RecordSuccess(url)
	l.RecordSuccess(url)
	l.RecordSuccess(url) // must not go negative

	// With the counter back at zero, three more errors are needed before
	// the breaker can trip.
	require.NoError(t, l.RecordError(url))
	require.NoError(t, l.RecordError(url))
	require.NoError(t, l.RecordError(url))
	require.True(t, errors.Is(l.RecordError(url), ErrDomainAborted))
}

func TestRecordErrorInstallsBackoffWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinDelay = 0
	cfg.MaxDelay = 0
	cfg.BackoffThreshold = 1
	cfg.AbortThreshold = 10
	l := New(cfg, zap.NewNop())

	url := "https://backoff.example.org/"
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, url))
	require.NoError(t, l.RecordError(url)) // installs a 2s window

	start := time.Now()
	require.NoError(t, l.Wait(ctx, url))
	require.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond,
		"wait should sit out the backoff window")
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "news.google.com", Domain("https://News.Google.com/articles/abc?x=1"))
	require.Equal(t, "unknown", Domain("::not a url::"))
	require.Equal(t, "unknown", Domain("relative/path"))
}

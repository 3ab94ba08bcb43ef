package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

func testClient(policy RetryPolicy) *Client {
	return New(Config{Timeout: 5 * time.Second, Retry: policy}, zap.NewNop())
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		JitterFraction: 0.5,
	}
}

func TestGetReturnsBodyAndStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>hello</html>"))
	}))
	defer srv.Close()

	resp, err := testClient(fastPolicy(1)).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>hello</html>", string(resp.Body))
	assert.Contains(t, resp.Headers.Get("Content-Type"), "text/html")
}

func TestGetReportsFinalURLAfterRedirect(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("landed"))
	})

	resp, err := testClient(fastPolicy(1)).Get(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/final", resp.URL)
	assert.Equal(t, "landed", string(resp.Body))
}

func TestGetRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := testClient(fastPolicy(3)).Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), calls.Load())
}

func TestGetDoesNotRetryClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := testClient(fastPolicy(3)).Get(context.Background(), srv.URL)
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetExhaustsRetriesOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(fastPolicy(3)).Get(context.Background(), srv.URL)
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.Equal(t, int64(3), calls.Load())
}

func TestPostFormSendsFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, _ = w.Write([]byte(r.Form.Get("f.req")))
	}))
	defer srv.Close()

	resp, err := testClient(fastPolicy(1)).PostForm(context.Background(), srv.URL, map[string]string{
		"f.req": "payload",
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(resp.Body))
}

func TestGetHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testClient(fastPolicy(1)).Get(ctx, "http://127.0.0.1:0/never")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	assert.True(t, p.ShouldRetry(&StatusError{Code: http.StatusTooManyRequests}, 1))
	assert.True(t, p.ShouldRetry(&StatusError{Code: http.StatusInternalServerError}, 1))
	assert.False(t, p.ShouldRetry(&StatusError{Code: http.StatusNotFound}, 1))
	assert.False(t, p.ShouldRetry(errors.New("parse failure"), 1))
	assert.False(t, p.ShouldRetry(&StatusError{Code: http.StatusBadGateway}, p.MaxAttempts))
	assert.False(t, p.ShouldRetry(nil, 1))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
}

func TestRetryPolicyBackoffStaysBounded(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	for attempt := 0; attempt < 8; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestDoReturnsFirstNonRetryableError(t *testing.T) {
	t.Parallel()

	var calls int
	sentinel := errors.New("permanent")
	err := Do(context.Background(), fastPolicy(5), func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

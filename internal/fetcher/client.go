// Package fetcher performs HTTP retrieval with browser-like headers and
// bounded retries for transient failures.
package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"
	"go.uber.org/zap"

	"github.com/prensa-labs/newsward/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	Timeout time.Duration
	Retry   RetryPolicy
}

// Response is the outcome of a completed request after redirects.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client fetches pages through a Colly collector. A fresh clone of the base
// collector serves every request so per-request hooks never leak.
type Client struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())

	return &Client{
		cfg:           cfg,
		logger:        logger,
		baseCollector: c,
	}
}

// Get retrieves rawURL, following redirects and retrying transient failures
// per the configured policy. The returned Response carries the final URL
// after redirects.
func (c *Client) Get(ctx context.Context, rawURL string) (Response, error) {
	var resp Response
	err := Do(ctx, c.cfg.Retry, func() error {
		r, err := c.request(ctx, rawURL, nil)
		if r.StatusCode != 0 || err == nil {
			resp = r
		}
		return err
	})
	return resp, err
}

// PostForm submits form data to rawURL with the same retry semantics as Get.
func (c *Client) PostForm(ctx context.Context, rawURL string, form map[string]string) (Response, error) {
	var resp Response
	err := Do(ctx, c.cfg.Retry, func() error {
		r, err := c.request(ctx, rawURL, form)
		if r.StatusCode != 0 || err == nil {
			resp = r
		}
		return err
	})
	return resp, err
}

func (c *Client) request(ctx context.Context, rawURL string, form map[string]string) (Response, error) {
	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector := c.buildCollector(start, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		if form != nil {
			done <- collector.Post(rawURL, form)
		} else {
			done <- collector.Visit(rawURL)
		}
	}()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return result, fetchErr
		}
		if err != nil {
			return result, fmt.Errorf("visit %s: %w", rawURL, err)
		}
		return result, nil
	}
}

func (c *Client) buildCollector(start time.Time, result *Response, fetchErr *error) *colly.Collector {
	collector := c.baseCollector.Clone()
	collector.SetRequestTimeout(c.cfg.Timeout)
	extensions.RandomUserAgent(collector)

	collector.OnRequest(func(r *colly.Request) {
		setBrowserHeaders(r)
	})

	collector.OnResponse(func(r *colly.Response) {
		metrics.IncHTTPRequest(statusClass(r.StatusCode))
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			metrics.IncHTTPRequest(statusClass(r.StatusCode))
			result.URL = r.Request.URL.String()
			result.StatusCode = r.StatusCode
			*fetchErr = &StatusError{Code: r.StatusCode, URL: r.Request.URL.String()}
			return
		}
		*fetchErr = err
	})

	return collector
}

// setBrowserHeaders mirrors what a desktop browser sends. Aggregator feed
// URLs additionally get an XML accept header and a matching referer, which
// some feed endpoints require.
func setBrowserHeaders(r *colly.Request) {
	u := r.URL.String()
	if strings.Contains(u, "news.google.com/rss") {
		r.Headers.Set("Accept", "application/rss+xml, application/xml, text/xml, */*")
		r.Headers.Set("Referer", "https://news.google.com/")
	} else if r.Headers.Get("Accept") == "" {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	}
	if r.Headers.Get("Accept-Language") == "" {
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	}
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

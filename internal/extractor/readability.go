package extractor

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/prensa-labs/newsward/internal/cache"
)

// extractWithReadability is the general-purpose article parser. It yields
// fewer metadata fields than trafilatura, so only title, author and date
// feed the confidence bonus.
func (e *Extractor) extractWithReadability(ctx context.Context, rawURL string) (*cache.ContentRecord, error) {
	if err := e.gate.Wait(ctx, rawURL); err != nil {
		return nil, err
	}
	resp, err := e.client.Get(ctx, rawURL)
	if err != nil {
		return nil, e.fetchFailed(rawURL, err)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	article, err := readability.FromReader(bytes.NewReader(resp.Body), parsed)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(article.TextContent)
	if len(content) < minContentLength {
		return nil, nil
	}

	var dateRaw, dateISO string
	if article.PublishedTime != nil {
		dateRaw = article.PublishedTime.String()
		dateISO = article.PublishedTime.Format(time.RFC3339)
	}

	words := wordCount(content)
	rec := &cache.ContentRecord{
		Title:       strings.TrimSpace(article.Title),
		Content:     content,
		DateRaw:     dateRaw,
		DateISO:     dateISO,
		Author:      strings.TrimSpace(article.Byline),
		Description: strings.TrimSpace(article.Excerpt),
		WordCount:   words,
		HTTPStatus:  resp.StatusCode,
		Confidence:  confidence(words, 0.7, 0.10, article.Title, article.Byline, dateISO),
	}
	e.gate.RecordSuccess(rawURL)
	return rec, nil
}

package extractor

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/markusmobius/go-trafilatura"

	"github.com/prensa-labs/newsward/internal/cache"
)

// extractWithTrafilatura is the high-precision strategy. It carries the
// richest metadata and therefore the highest per-field weighting.
func (e *Extractor) extractWithTrafilatura(ctx context.Context, rawURL string) (*cache.ContentRecord, error) {
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
	result, err := trafilatura.Extract(bytes.NewReader(resp.Body), trafilatura.Options{
		OriginalURL:     parsed,
		ExcludeComments: true,
		Deduplicate:     true,
		EnableFallback:  true,
		Focus:           trafilatura.FavorPrecision,
	})
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(result.ContentText)
	if len(content) < minContentLength {
		return nil, nil
	}

	meta := result.Metadata
	title := meta.Title
	author := meta.Author
	description := meta.Description
	var dateRaw string
	if !meta.Date.IsZero() {
		dateRaw = meta.Date.Format(time.RFC3339)
	}
	if title == "" {
		title = documentTitle(resp.Body)
	}

	words := wordCount(content)
	rec := &cache.ContentRecord{
		Title:       title,
		Content:     content,
		DateRaw:     dateRaw,
		DateISO:     normalizeDate(dateRaw),
		Author:      author,
		Description: description,
		WordCount:   words,
		HTTPStatus:  resp.StatusCode,
		Confidence:  confidence(words, 0.6, 0.10, title, author, dateRaw, description),
	}
	e.gate.RecordSuccess(rawURL)
	return rec, nil
}

func documentTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

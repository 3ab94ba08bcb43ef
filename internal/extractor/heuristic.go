package extractor

import (
	"bytes"
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/prensa-labs/newsward/internal/cache"
)

// Known main-content containers, in preference order.
var contentSelectors = []string{
	"article", `[role="main"]`, "main", ".article-content",
	".entry-content", ".post-content", ".content", ".story-body",
	".article-body", ".post-body", "#content", ".main-content",
}

var titleSelectors = []string{"title", "h1", `[property="og:title"]`, `[name="title"]`}

var authorSelectors = []string{
	`[property="article:author"]`, `[name="author"]`,
	".author", ".byline", `[rel="author"]`,
}

var dateSelectors = []string{
	`[property="article:published_time"]`,
	`[name="publish_date"]`,
	"time[datetime]",
	".date", ".published",
}

var descriptionSelectors = []string{
	`[property="og:description"]`,
	`[name="description"]`,
	`meta[name="description"]`,
}

// extractWithHeuristics is the guaranteed fallback: selector walks over the
// stripped document, accepting whatever text-bearing block it finds.
func (e *Extractor) extractWithHeuristics(ctx context.Context, rawURL string) (*cache.ContentRecord, error) {
	if err := e.gate.Wait(ctx, rawURL); err != nil {
		return nil, err
	}
	resp, err := e.client.Get(ctx, rawURL)
	if err != nil {
		return nil, e.fetchFailed(rawURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, err
	}

	title := firstText(doc, titleSelectors)
	content := mainContent(doc)
	if len(content) < minContentLength {
		return nil, nil
	}
	author := firstText(doc, authorSelectors)
	dateRaw := firstDate(doc)
	description := firstAttr(doc, descriptionSelectors, "content")

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
		Confidence:  confidence(words, 0.4, 0.15, title, author, dateRaw, description),
	}
	e.gate.RecordSuccess(rawURL)
	return rec, nil
}

// mainContent strips non-content elements, walks the known container
// selectors, then falls back to the largest text-bearing block and finally
// to the whole body.
func mainContent(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, aside").Remove()

	for _, selector := range contentSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		text := collapseText(sel.Text())
		if len(text) > minContainerLength {
			return text
		}
	}

	var best string
	doc.Find("div, section, article").Each(func(_ int, s *goquery.Selection) {
		text := collapseText(s.Text())
		if len(text) > len(best) && len(text) > minContainerLength {
			best = text
		}
	})
	if best != "" {
		return best
	}

	if body := doc.Find("body").First(); body.Length() > 0 {
		return collapseText(body.Text())
	}
	return collapseText(doc.Text())
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, selector := range selectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if text := collapseText(sel.Text()); text != "" {
			return text
		}
		if content := strings.TrimSpace(sel.AttrOr("content", "")); content != "" {
			return content
		}
	}
	return ""
}

func firstDate(doc *goquery.Document) string {
	for _, selector := range dateSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		for _, candidate := range []string{
			sel.AttrOr("datetime", ""),
			sel.AttrOr("content", ""),
			collapseText(sel.Text()),
		} {
			if candidate = strings.TrimSpace(candidate); candidate != "" {
				return candidate
			}
		}
	}
	return ""
}

func firstAttr(doc *goquery.Document, selectors []string, attr string) string {
	for _, selector := range selectors {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		if value := strings.TrimSpace(sel.AttrOr(attr, "")); value != "" {
			return value
		}
	}
	return ""
}

func collapseText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

// Query parameter names commonly carrying the destination URL.
var redirectParamNames = []string{"url", "u", "q", "link", "redirect", "target", "dest", "goto", "out"}

var (
	readTokenPattern     = regexp.MustCompile(`/read/([^?]+)`)
	articlesTokenPattern = regexp.MustCompile(`/articles/([^?]+)`)
	feedLinkPattern      = regexp.MustCompile(`<link>(.*?)</link>`)
	refreshURLPattern    = regexp.MustCompile(`(?i)url=(.+)`)
	windowLocPattern     = regexp.MustCompile(`window\.location\s*=\s*['"]([^'"]+)['"]`)
	documentLocPattern   = regexp.MustCompile(`document\.location\s*=\s*['"]([^'"]+)['"]`)

	scanBase64Std     = regexp.MustCompile(`[A-Za-z0-9+/=]{20,}`)
	scanBase64URLSafe = regexp.MustCompile(`[A-Za-z0-9_\-]{20,}`)
	scanBase64Escaped = regexp.MustCompile(`%3D([A-Za-z0-9+/%]+)%3D`)
)

// decodeToken extracts a token from known path patterns and decodes it
// offline through base64 alphabet and padding variants.
func (r *Resolver) decodeToken(_ context.Context, indirectURL string) (string, error) {
	token := extractToken(indirectURL)
	if token == "" {
		return "", nil
	}
	for _, variant := range tokenVariants(token) {
		for _, text := range decodeVariants(variant) {
			if found := scanForExternalURL(text, r.isExternalURL); found != "" {
				return found, nil
			}
		}
	}
	return "", nil
}

// extractURLParams looks for the destination URL in common redirect query
// parameters.
func (r *Resolver) extractURLParams(_ context.Context, indirectURL string) (string, error) {
	return r.urlFromParams(indirectURL), nil
}

func (r *Resolver) urlFromParams(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	query := parsed.Query()
	for _, name := range redirectParamNames {
		values := query[name]
		if len(values) == 0 {
			continue
		}
		candidate := values[0]
		// Double-encoded values need a second unescape pass.
		if unescaped, err := url.QueryUnescape(candidate); err == nil {
			candidate = unescaped
		}
		if r.isExternalURL(candidate) {
			return candidate
		}
	}
	return ""
}

// resolveViaFeed rebuilds the aggregator's syndication feed URL from the
// token and takes the first external item link.
func (r *Resolver) resolveViaFeed(ctx context.Context, indirectURL string) (string, error) {
	token := matchToken(indirectURL, readTokenPattern, articlesTokenPattern)
	if token == "" {
		return "", nil
	}
	feedURL := r.cfg.FeedURLPrefix + token + carryQuery(indirectURL)

	if err := r.gate.Wait(ctx, feedURL); err != nil {
		return "", err
	}
	resp, err := r.client.Get(ctx, feedURL)
	if err != nil {
		return "", r.fetchFailed(feedURL, err)
	}

	if feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body)); err == nil {
		for _, item := range feed.Items {
			link := strings.TrimSpace(item.Link)
			if r.isExternalURL(link) {
				r.gate.RecordSuccess(feedURL)
				return link, nil
			}
		}
	}

	// Fallback for feeds the parser chokes on.
	for _, m := range feedLinkPattern.FindAllStringSubmatch(string(resp.Body), -1) {
		link := strings.TrimSpace(m[1])
		if r.isExternalURL(link) {
			r.gate.RecordSuccess(feedURL)
			return link, nil
		}
	}
	return "", nil
}

// resolveViaArticlePage fetches the aggregator's article landing page and
// hunts for the publisher URL in its markup.
func (r *Resolver) resolveViaArticlePage(ctx context.Context, indirectURL string) (string, error) {
	m := readTokenPattern.FindStringSubmatch(indirectURL)
	if m == nil {
		return "", nil
	}
	pageURL := r.cfg.ArticleURLBase + m[1] + carryQuery(indirectURL)

	if err := r.gate.Wait(ctx, pageURL); err != nil {
		return "", err
	}
	resp, err := r.client.Get(ctx, pageURL)
	if err != nil {
		return "", r.fetchFailed(pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return "", err
	}

	if found := r.huntArticlePage(doc, pageURL); found != "" {
		r.gate.RecordSuccess(pageURL)
		return found, nil
	}
	return "", nil
}

// huntArticlePage checks, in priority order: canonical link, Open Graph URL,
// AMP link, JSON-LD URL fields, URLs inside inline scripts, then anchors.
func (r *Resolver) huntArticlePage(doc *goquery.Document, pageURL string) string {
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok && r.isExternalURL(href) {
		return href
	}
	if content, ok := doc.Find(`meta[property="og:url"]`).First().Attr("content"); ok && r.isExternalURL(content) {
		return content
	}
	if href, ok := doc.Find(`link[rel="amphtml"]`).First().Attr("href"); ok && r.isExternalURL(href) {
		return href
	}

	var found string
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = r.scanJSONLD(s.Text())
		return found == ""
	})
	if found != "" {
		return found
	}

	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = scanForExternalURL(s.Text(), r.isExternalURL)
		return found == ""
	})
	if found != "" {
		return found
	}

	base, baseErr := url.Parse(pageURL)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href := s.AttrOr("href", "")
		if !strings.HasPrefix(href, "http") && baseErr == nil {
			if ref, err := url.Parse(href); err == nil {
				href = base.ResolveReference(ref).String()
			}
		}
		if r.isExternalURL(href) {
			found = href
			return false
		}
		// Aggregator-internal anchors may still tuck the destination
		// into their query string.
		if strings.Contains(href, "google.") {
			if extracted := r.urlFromParams(href); extracted != "" {
				found = extracted
				return false
			}
		}
		return true
	})
	return found
}

func (r *Resolver) scanJSONLD(raw string) string {
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ""
	}
	items, ok := data.([]any)
	if !ok {
		items = []any{data}
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"url", "mainEntityOfPage", "@id"} {
			if candidate, ok := obj[key].(string); ok && r.isExternalURL(candidate) {
				return candidate
			}
		}
	}
	return ""
}

// followRedirects issues the request and accepts the final URL when the
// redirect chain left the aggregator.
func (r *Resolver) followRedirects(ctx context.Context, indirectURL string) (string, error) {
	if err := r.gate.Wait(ctx, indirectURL); err != nil {
		return "", err
	}
	resp, err := r.client.Get(ctx, indirectURL)
	if err != nil {
		return "", r.fetchFailed(indirectURL, err)
	}
	if resp.URL != indirectURL && r.isExternalURL(resp.URL) {
		r.gate.RecordSuccess(indirectURL)
		return resp.URL, nil
	}
	return "", nil
}

// parseHTML fetches the page itself and looks for a meta-refresh target, a
// scripted location assignment, or any external URL in the page text.
func (r *Resolver) parseHTML(ctx context.Context, indirectURL string) (string, error) {
	if err := r.gate.Wait(ctx, indirectURL); err != nil {
		return "", err
	}
	resp, err := r.client.Get(ctx, indirectURL)
	if err != nil {
		return "", r.fetchFailed(indirectURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return "", err
	}

	var found string
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(s.AttrOr("http-equiv", ""), "refresh") {
			return true
		}
		m := refreshURLPattern.FindStringSubmatch(s.AttrOr("content", ""))
		if m == nil {
			return true
		}
		candidate := strings.Trim(strings.TrimSpace(m[1]), `'"`)
		if r.isExternalURL(candidate) {
			found = candidate
			return false
		}
		return true
	})

	if found == "" {
		doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := s.Text()
			for _, p := range []*regexp.Regexp{windowLocPattern, documentLocPattern} {
				for _, m := range p.FindAllStringSubmatch(text, -1) {
					if r.isExternalURL(m[1]) {
						found = m[1]
						return false
					}
				}
			}
			return true
		})
	}

	if found == "" {
		found = scanForExternalURL(doc.Text(), r.isExternalURL)
	}

	if found != "" {
		r.gate.RecordSuccess(indirectURL)
		return found, nil
	}
	return "", nil
}

// decodeTokenScan brute-forces every base64-shaped substring anywhere in the
// URL through the decoding variants.
func (r *Resolver) decodeTokenScan(_ context.Context, indirectURL string) (string, error) {
	var candidates []string
	seen := make(map[string]struct{})
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		candidates = append(candidates, s)
	}

	collect := func(match string) {
		clean := match
		if unescaped, err := url.QueryUnescape(match); err == nil {
			clean = unescaped
		}
		add(clean)
		add(strings.NewReplacer("-", "+", "_", "/").Replace(clean))
		add(strings.NewReplacer("+", "-", "/", "_").Replace(clean))
	}

	for _, m := range scanBase64Std.FindAllString(indirectURL, -1) {
		collect(m)
	}
	for _, m := range scanBase64URLSafe.FindAllString(indirectURL, -1) {
		collect(m)
	}
	for _, m := range scanBase64Escaped.FindAllStringSubmatch(indirectURL, -1) {
		collect(m[1])
	}

	for _, candidate := range candidates {
		for _, text := range decodeVariants(candidate) {
			if found := scanForExternalURL(text, r.isExternalURL); found != "" {
				return found, nil
			}
		}
	}
	return "", nil
}

// fetchFailed records the failure against the domain and surfaces an abort
// if the breaker tripped.
func (r *Resolver) fetchFailed(rawURL string, err error) error {
	if abortErr := r.gate.RecordError(rawURL); abortErr != nil {
		return abortErr
	}
	return err
}

func matchToken(rawURL string, patterns ...*regexp.Regexp) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	}
	return ""
}

func carryQuery(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil && parsed.RawQuery != "" {
		return "?" + parsed.RawQuery
	}
	return ""
}

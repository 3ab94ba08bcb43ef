package resolver

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prensa-labs/newsward/internal/fetcher"
)

func TestHuntArticlePagePriority(t *testing.T) {
	t.Parallel()

	r := newTestResolver(&stubFetcher{}, nil)
	pageURL := "https://news.google.com/articles/TOK"

	cases := []struct {
		name string
		html string
		want string
	}{
		{
			name: "canonical wins",
			html: `<html><head>
<link rel="canonical" href="https://example.com/canonical"/>
<meta property="og:url" content="https://example.com/og"/>
</head></html>`,
			want: "https://example.com/canonical",
		},
		{
			name: "og url",
			html: `<html><head><meta property="og:url" content="https://example.com/og"/></head></html>`,
			want: "https://example.com/og",
		},
		{
			name: "amp link",
			html: `<html><head><link rel="amphtml" href="https://example.com/amp"/></head></html>`,
			want: "https://example.com/amp",
		},
		{
			name: "json-ld url",
			html: `<html><head><script type="application/ld+json">{"@type":"NewsArticle","url":"https://example.com/ld"}</script></head></html>`,
			want: "https://example.com/ld",
		},
		{
			name: "script embedded url",
			html: `<html><body><script>var target = "https://example.com/scripted";</script></body></html>`,
			want: "https://example.com/scripted",
		},
		{
			name: "anchor param extraction",
			html: `<html><body><a href="https://www.google.com/url?q=https%3A%2F%2Fexample.com%2Fanchored">go</a></body></html>`,
			want: "https://example.com/anchored",
		},
		{
			name: "internal-only page yields nothing",
			html: `<html><body><a href="https://news.google.com/home">home</a></body></html>`,
			want: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(tc.html)))
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.huntArticlePage(doc, pageURL))
		})
	}
}

func TestParseHTMLMetaRefresh(t *testing.T) {
	t.Parallel()

	input := "https://news.google.com/somewhere"
	client := &stubFetcher{pages: map[string]fetcher.Response{
		input: {
			URL:        input,
			StatusCode: http.StatusOK,
			Body: []byte(`<html><head>
<meta http-equiv="refresh" content="0; url=https://example.com/refreshed"/>
</head></html>`),
		},
	}}
	r := newTestResolver(client, nil)

	direct, err := r.parseHTML(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/refreshed", direct)
}

func TestParseHTMLWindowLocation(t *testing.T) {
	t.Parallel()

	input := "https://news.google.com/somewhere"
	client := &stubFetcher{pages: map[string]fetcher.Response{
		input: {
			URL:        input,
			StatusCode: http.StatusOK,
			Body:       []byte(`<html><body><script>window.location = "https://example.com/moved";</script></body></html>`),
		},
	}}
	r := newTestResolver(client, nil)

	direct, err := r.parseHTML(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/moved", direct)
}

func TestFollowRedirectsRejectsInternalTarget(t *testing.T) {
	t.Parallel()

	input := "https://news.google.com/rss/articles/X"
	client := &stubFetcher{pages: map[string]fetcher.Response{
		input: {URL: "https://news.google.com/final", StatusCode: http.StatusOK},
	}}
	r := newTestResolver(client, nil)

	direct, err := r.followRedirects(context.Background(), input)
	require.NoError(t, err)
	assert.Empty(t, direct)
}

func TestFollowRedirectsAcceptsExternalTarget(t *testing.T) {
	t.Parallel()

	input := "https://news.google.com/rss/articles/X"
	client := &stubFetcher{pages: map[string]fetcher.Response{
		input: {URL: "https://example.com/landed", StatusCode: http.StatusOK},
	}}
	r := newTestResolver(client, nil)

	direct, err := r.followRedirects(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/landed", direct)
}

func TestDecodeTokenScanFindsEmbeddedToken(t *testing.T) {
	t.Parallel()

	token := base64.RawURLEncoding.EncodeToString([]byte("padding-bytes https://example.com/hidden-story end"))
	input := "https://news.google.com/odd/path?blob=" + token
	r := newTestResolver(&stubFetcher{}, nil)

	direct, err := r.decodeTokenScan(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/hidden-story", direct)
}

func TestURLFromParamsHandlesDoubleEncoding(t *testing.T) {
	t.Parallel()

	r := newTestResolver(&stubFetcher{}, nil)
	raw := "https://www.google.com/url?q=https%253A%252F%252Fexample.com%252Fdouble"
	assert.Equal(t, "https://example.com/double", r.urlFromParams(raw))
}

func TestParseBatchExecuteResponse(t *testing.T) {
	t.Parallel()

	body := []byte(")]}'\n\n" + `[["wrb.fr","Fbv4je","[\"garturlres\",\"https://example.com/decoded\"]",null,null,null,"generic"],["di",23],["af.httprm",22,"1234",5]]`)
	direct, err := parseBatchExecuteResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/decoded", direct)

	_, err = parseBatchExecuteResponse([]byte("garbage"))
	require.Error(t, err)
}

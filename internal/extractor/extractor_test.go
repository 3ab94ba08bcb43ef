package extractor

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prensa-labs/newsward/internal/cache"
	"github.com/prensa-labs/newsward/internal/fetcher"
	"github.com/prensa-labs/newsward/internal/ratelimit"
)

type stubGate struct {
	waitErr error
}

func (g *stubGate) Wait(context.Context, string) error { return g.waitErr }
func (g *stubGate) RecordError(string) error           { return nil }
func (g *stubGate) RecordSuccess(string)               {}

type stubFetcher struct {
	pages map[string]fetcher.Response
	calls int
}

func (f *stubFetcher) Get(_ context.Context, rawURL string) (fetcher.Response, error) {
	f.calls++
	if resp, ok := f.pages[rawURL]; ok {
		return resp, nil
	}
	return fetcher.Response{URL: rawURL, StatusCode: http.StatusNotFound},
		&fetcher.StatusError{Code: http.StatusNotFound, URL: rawURL}
}

func articlePage() []byte {
	paragraph := strings.Repeat("La economía nacional registró un crecimiento sostenido durante el primer trimestre del año según cifras oficiales. ", 8)
	return []byte(`<html><head>
<title>Crecimiento económico del primer trimestre</title>
<meta name="author" content="María Gómez"/>
<meta property="article:published_time" content="2024-03-15T10:30:00Z"/>
<meta property="og:description" content="Cifras oficiales del primer trimestre"/>
</head><body>
<nav>inicio | economía | política</nav>
<article><h1>Crecimiento económico del primer trimestre</h1>
<p>` + paragraph + `</p><p>` + paragraph + `</p></article>
<footer>pie de página</footer>
</body></html>`)
}

func newTestExtractor(client Fetcher, store ContentCache) *Extractor {
	return New(client, &stubGate{}, store, zap.NewNop())
}

func TestExtractFromArticlePage(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/economia/crecimiento"
	client := &stubFetcher{pages: map[string]fetcher.Response{
		url: {URL: url, StatusCode: http.StatusOK, Body: articlePage()},
	}}

	rec, err := newTestExtractor(client, nil).Extract(context.Background(), url)
	require.NoError(t, err)
	assert.NotEqual(t, MethodFailed, rec.ExtractionMethod)
	assert.Greater(t, rec.WordCount, 50)
	assert.Positive(t, rec.Confidence)
	assert.NotEmpty(t, rec.Title)
}

func TestExtractHeuristicFillsMetadata(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/economia/crecimiento"
	client := &stubFetcher{pages: map[string]fetcher.Response{
		url: {URL: url, StatusCode: http.StatusOK, Body: articlePage()},
	}}
	e := newTestExtractor(client, nil)

	rec, err := e.extractWithHeuristics(context.Background(), url)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Crecimiento económico del primer trimestre", rec.Title)
	assert.Equal(t, "María Gómez", rec.Author)
	assert.Equal(t, "2024-03-15T10:30:00Z", rec.DateRaw)
	assert.Equal(t, "2024-03-15T10:30:00Z", rec.DateISO)
	assert.Equal(t, "Cifras oficiales del primer trimestre", rec.Description)
	assert.NotContains(t, rec.Content, "pie de página")
	assert.NotContains(t, rec.Content, "inicio | econom")
	assert.Equal(t, http.StatusOK, rec.HTTPStatus)
}

func TestExtractShortContentFallsThroughToFailed(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/stub"
	client := &stubFetcher{pages: map[string]fetcher.Response{
		url: {URL: url, StatusCode: http.StatusOK, Body: []byte("<html><body><p>demasiado corto</p></body></html>")},
	}}

	rec, err := newTestExtractor(client, nil).Extract(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, MethodFailed, rec.ExtractionMethod)
	assert.Zero(t, rec.Confidence)
	assert.Empty(t, rec.Content)
}

func TestExtractUsesCacheOnSecondCall(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/economia/crecimiento"
	client := &stubFetcher{pages: map[string]fetcher.Response{
		url: {URL: url, StatusCode: http.StatusOK, Body: articlePage()},
	}}
	store := cache.OpenMemory(t)
	e := newTestExtractor(client, store)

	first, err := e.Extract(context.Background(), url)
	require.NoError(t, err)
	require.NotEqual(t, MethodFailed, first.ExtractionMethod)
	callsAfterFirst := client.calls

	second, err := e.Extract(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.ExtractionMethod, second.ExtractionMethod)
	assert.Equal(t, callsAfterFirst, client.calls, "cached call must not touch the network")
	assert.NotEmpty(t, second.ContentHash)
}

func TestExtractEmptyURL(t *testing.T) {
	t.Parallel()

	rec, err := newTestExtractor(&stubFetcher{}, nil).Extract(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, MethodFailed, rec.ExtractionMethod)
}

func TestExtractPropagatesDomainAbort(t *testing.T) {
	t.Parallel()

	e := New(&stubFetcher{}, &stubGate{waitErr: ratelimit.ErrDomainAborted}, nil, zap.NewNop())
	_, err := e.Extract(context.Background(), "https://example.com/x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ratelimit.ErrDomainAborted)
}

func TestConfidenceMonotonicInWordCount(t *testing.T) {
	t.Parallel()

	prev := 0.0
	for _, words := range []int{0, 50, 100, 250, 500, 1000, 5000} {
		score := confidence(words, 0.6, 0.10, "title", "", "", "")
		assert.GreaterOrEqual(t, score, prev, "word count %d", words)
		assert.LessOrEqual(t, score, 1.0)
		prev = score
	}
}

func TestConfidenceRewardsMetadata(t *testing.T) {
	t.Parallel()

	bare := confidence(300, 0.4, 0.15)
	rich := confidence(300, 0.4, 0.15, "t", "a", "d", "desc")
	assert.Greater(t, rich, bare)
	assert.InDelta(t, bare+4*0.15, rich, 1e-9)
}

func TestNormalizeDate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2024-03-15T10:30:00Z", normalizeDate("2024-03-15T10:30:00Z"))
	assert.Equal(t, "", normalizeDate(""))
	assert.Equal(t, "", normalizeDate("no es una fecha"))
	assert.NotEmpty(t, normalizeDate("March 15, 2024"))
}

func TestStrategyOrder(t *testing.T) {
	t.Parallel()

	var names []string
	for _, s := range newTestExtractor(&stubFetcher{}, nil).Strategies() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"trafilatura", "readability", "heuristic"}, names)
}

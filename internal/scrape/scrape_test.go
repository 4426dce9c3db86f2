package scrape

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"dataroma-screener/internal/cache"
	"dataroma-screener/internal/model"
)

type fakeFetcher struct {
	pages []string
	calls []url.Values
}

func (f *fakeFetcher) FetchPage(ctx context.Context, params url.Values) (string, error) {
	f.calls = append(f.calls, params)
	page := 1
	if l := params.Get("L"); l != "" {
		page = atoiMust(l)
	}
	return f.pages[page-1], nil
}

func atoiMust(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

func pageHTML(rows [][2]string, pages string) string {
	var b strings.Builder
	b.WriteString("<html><body><table>")
	for _, r := range rows {
		b.WriteString(`<tr><td class="sym">`)
		b.WriteString(r[0])
		b.WriteString(`</td><td class="stock">`)
		b.WriteString(r[1])
		b.WriteString(`</td></tr>`)
	}
	b.WriteString("</table>")
	if pages != "" {
		b.WriteString(`<div id="pages">`)
		b.WriteString(pages)
		b.WriteString(`</div>`)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func TestScrape_LiveFetchPaginatesAndDedupes(t *testing.T) {
	page1 := pageHTML([][2]string{{" aapl ", "Apple Inc"}, {"MSFT", "Microsoft Corp"}}, `<a href="?L=2">2</a>`)
	page2 := pageHTML([][2]string{{"msft", "Microsoft Corp"}, {"GOOG", "Alphabet Inc"}}, `<a href="?L=2">2</a>`)
	fetcher := &fakeFetcher{pages: []string{page1, page2}}

	a := &Adapter{Cache: cache.New(t.TempDir()), Fetch: fetcher, BaseURL: defaultURL}
	result, err := a.Scrape(context.Background(), model.ScrapeOptions{UseCache: true})
	require.NoError(t, err)
	require.Equal(t, "live", result.Source)
	require.Len(t, result.Entries, 3)
	require.Equal(t, "AAPL", result.Entries[0].Symbol)
	require.Equal(t, len(fetcher.calls), 2)
}

func TestScrape_CacheHitReturnsDedupedFromCache(t *testing.T) {
	c := cache.New(t.TempDir())
	opts := model.ScrapeOptions{UseCache: true}
	descriptor := descriptorFor(opts)
	_, err := cache.Write[[]model.Holding](c, descriptor, []model.Holding{
		{Symbol: "AAPL", StockName: "Apple Inc"},
		{Symbol: "aapl", StockName: "apple inc"},
	})
	require.NoError(t, err)

	a := &Adapter{Cache: c, Fetch: &fakeFetcher{}, BaseURL: defaultURL}
	result, err := a.Scrape(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, "cache", result.Source)
	require.Len(t, result.Entries, 1)
}

func TestScrape_MaxEntriesTruncatesAndStopsPaging(t *testing.T) {
	page1 := pageHTML([][2]string{{"AAPL", "Apple Inc"}, {"MSFT", "Microsoft Corp"}}, `<a href="?L=2">2</a>`)
	fetcher := &fakeFetcher{pages: []string{page1, "should-not-be-fetched"}}

	a := &Adapter{Cache: cache.New(t.TempDir()), Fetch: fetcher, BaseURL: defaultURL}
	result, err := a.Scrape(context.Background(), model.ScrapeOptions{UseCache: false, MaxEntries: 1})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	require.Len(t, fetcher.calls, 1)
}

func TestScrape_EmptyResultsAreNotCached(t *testing.T) {
	fetcher := &fakeFetcher{pages: []string{pageHTML(nil, "")}}
	c := cache.New(t.TempDir())
	a := &Adapter{Cache: c, Fetch: fetcher, BaseURL: defaultURL}

	result, err := a.Scrape(context.Background(), model.ScrapeOptions{UseCache: true})
	require.NoError(t, err)
	require.Empty(t, result.Entries)
	require.Nil(t, result.CachedPayload)

	got, err := cache.Read[[]model.Holding](c, descriptorFor(model.ScrapeOptions{}))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDeduplicate_IsIdempotentAndCaseInsensitive(t *testing.T) {
	entries := []model.Holding{
		{Symbol: "AAPL", StockName: "Apple Inc"},
		{Symbol: "aapl", StockName: "APPLE INC"},
		{Symbol: "MSFT", StockName: "Microsoft Corp"},
	}
	once := deduplicate(entries)
	twice := deduplicate(once)
	require.Equal(t, once, twice)
	require.Len(t, once, 2)
}

func TestBuildCacheKey_UsesCacheTokenVerbatimWhenSet(t *testing.T) {
	require.Equal(t, "my-token", buildCacheKey(model.ScrapeOptions{CacheToken: "my-token", MaxEntries: 5}))
}

func TestBuildCacheKey_DefaultsMinPercentAndMaxEntries(t *testing.T) {
	require.Equal(t, "grand-portfolio_v2_0_max-all", buildCacheKey(model.ScrapeOptions{}))
	require.Equal(t, "grand-portfolio_v2_5_max-10", buildCacheKey(model.ScrapeOptions{MinPercent: 5, MaxEntries: 10}))
}

func TestCleanSymbol_StripsWhitespaceAndUppercases(t *testing.T) {
	require.Equal(t, "BRK.B", cleanSymbol(" brk.b "))
}

func TestParsePage_ExtractsTotalPagesFromPagesDiv(t *testing.T) {
	html := pageHTML([][2]string{{"A", "A Inc"}}, `<a href="?L=1">1</a><a href="?L=3">3</a><a href="?L=2">2</a>`)
	entries, totalPages := parsePage(html)
	require.Len(t, entries, 1)
	require.Equal(t, 3, totalPages)
}

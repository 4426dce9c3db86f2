// Package scrape implements the Dataroma scrape adapter (C3): paged
// HTML fetch, parse, dedupe, and cache-backed memoization of the
// upstream "grand portfolio" holdings list.
package scrape

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"dataroma-screener/internal/cache"
	"dataroma-screener/internal/httpx"
	"dataroma-screener/internal/model"
)

const (
	providerID    = "dataroma"
	defaultURL    = "https://www.dataroma.com/m/g/portfolio.php"
	delayShort    = 100 * time.Millisecond
	delayLong     = 200 * time.Millisecond
)

// PageFetcher fetches one page of the holdings list given query params.
// Adapter's default implementation hits the live site; tests supply a
// fake so no network call is made.
type PageFetcher interface {
	FetchPage(ctx context.Context, params url.Values) (string, error)
}

// httpFetcher is the live PageFetcher, backed by internal/httpx.
type httpFetcher struct {
	client  *httpx.Client
	baseURL string
}

func (f *httpFetcher) FetchPage(ctx context.Context, params url.Values) (string, error) {
	u := f.baseURL
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return "", fmt.Errorf("dataroma GET %s -> %d: %s", u, resp.StatusCode, string(b))
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Adapter is the scrape adapter (C3).
type Adapter struct {
	Cache   *cache.Store
	Fetch   PageFetcher
	BaseURL string
}

// New builds an Adapter backed by a live HTTP fetcher.
func New(c *cache.Store, hc *httpx.Client, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultURL
	}
	return &Adapter{
		Cache:   c,
		Fetch:   &httpFetcher{client: hc, baseURL: baseURL},
		BaseURL: baseURL,
	}
}

func normalizeOptions(opts model.ScrapeOptions) model.ScrapeOptions {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 0
	}
	return opts
}

func buildCacheKey(opts model.ScrapeOptions) string {
	if opts.CacheToken != "" {
		return opts.CacheToken
	}
	maxEntries := "all"
	if opts.MaxEntries > 0 {
		maxEntries = strconv.Itoa(opts.MaxEntries)
	}
	minPercent := 0
	if opts.MinPercent > 0 {
		minPercent = int(opts.MinPercent)
	}
	return fmt.Sprintf("grand-portfolio_v2_%d_max-%s", minPercent, maxEntries)
}

func descriptorFor(opts model.ScrapeOptions) model.CacheDescriptor {
	return model.CacheDescriptor{Scope: "scrape", Provider: providerID, Key: buildCacheKey(opts)}
}

func buildParams(opts model.ScrapeOptions, page int) url.Values {
	v := url.Values{}
	if opts.MinPercent > 0 {
		v.Set("pct", strconv.FormatFloat(opts.MinPercent, 'f', -1, 64))
	}
	if page > 1 {
		v.Set("L", strconv.Itoa(page))
	}
	return v
}

// Scrape runs the C3 algorithm from spec.md §4.3.
func (a *Adapter) Scrape(ctx context.Context, opts model.ScrapeOptions) (model.ScrapeResult, error) {
	opts = normalizeOptions(opts)
	descriptor := descriptorFor(opts)

	if opts.UseCache {
		cached, err := cache.Read[[]model.Holding](a.Cache, descriptor)
		if err != nil {
			return model.ScrapeResult{}, err
		}
		if cached != nil {
			entries := deduplicate(cached.Payload)
			return model.ScrapeResult{Entries: entries, Source: "cache", CachedPayload: cached}, nil
		}
	}

	raw, err := a.fetchAllPages(ctx, opts)
	if err != nil {
		return model.ScrapeResult{}, err
	}
	entries := deduplicate(raw)

	var cachedPayload *model.CachedPayload[[]model.Holding]
	if len(entries) > 0 {
		cachedPayload, err = cache.Write[[]model.Holding](a.Cache, descriptor, entries)
		if err != nil {
			return model.ScrapeResult{}, err
		}
	}

	return model.ScrapeResult{Entries: entries, Source: "live", CachedPayload: cachedPayload}, nil
}

func (a *Adapter) fetchAllPages(ctx context.Context, opts model.ScrapeOptions) ([]model.Holding, error) {
	firstHTML, err := a.getWithDelay(ctx, buildParams(opts, 1))
	if err != nil {
		return nil, err
	}
	firstEntries, totalPages := parsePage(firstHTML)
	all := append([]model.Holding(nil), firstEntries...)

	if opts.MaxEntries > 0 && len(all) >= opts.MaxEntries {
		return all[:opts.MaxEntries], nil
	}

	for page := 2; page <= totalPages; page++ {
		pageHTML, err := a.getWithDelay(ctx, buildParams(opts, page))
		if err != nil {
			return nil, err
		}
		entries, _ := parsePage(pageHTML)
		all = append(all, entries...)

		if opts.MaxEntries > 0 && len(all) >= opts.MaxEntries {
			return all[:opts.MaxEntries], nil
		}
	}

	return all, nil
}

func (a *Adapter) getWithDelay(ctx context.Context, params url.Values) (string, error) {
	if err := sleepJitter(ctx); err != nil {
		return "", err
	}
	return a.Fetch.FetchPage(ctx, params)
}

func sleepJitter(ctx context.Context) error {
	delay := delayShort
	if rand.IntN(2) == 1 {
		delay = delayLong
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var pageLinkRe = regexp.MustCompile(`L=(\d+)`)

// parsePage extracts holding rows and the total-pages count from one
// Dataroma grand-portfolio HTML page.
func parsePage(pageHTML string) ([]model.Holding, int) {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil, 1
	}

	var entries []model.Holding
	totalPages := 1

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "tr":
				if sym, stock, ok := extractRow(n); ok {
					entries = append(entries, model.Holding{Symbol: cleanSymbol(sym), StockName: stock})
				}
			case "div":
				if hasID(n, "pages") {
					for _, p := range pageNumbersIn(n) {
						if p > totalPages {
							totalPages = p
						}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return entries, totalPages
}

func extractRow(tr *html.Node) (symbol, stock string, ok bool) {
	var symCell, stockCell *html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != "td" {
			continue
		}
		classes := classesOf(c)
		if classes["sym"] {
			symCell = c
		}
		if classes["stock"] {
			stockCell = c
		}
	}
	if symCell == nil || stockCell == nil {
		return "", "", false
	}
	symbol = strings.TrimSpace(textOf(symCell))
	stock = strings.TrimSpace(textOf(stockCell))
	if symbol == "" || stock == "" {
		return "", "", false
	}
	return symbol, stock, true
}

func pageNumbersIn(n *html.Node) []int {
	var out []int
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key == "href" {
					if m := pageLinkRe.FindStringSubmatch(attr.Val); m != nil {
						if v, err := strconv.Atoi(m[1]); err == nil {
							out = append(out, v)
						}
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func hasID(n *html.Node, id string) bool {
	for _, attr := range n.Attr {
		if attr.Key == "id" && attr.Val == id {
			return true
		}
	}
	return false
}

func classesOf(n *html.Node) map[string]bool {
	out := map[string]bool{}
	for _, attr := range n.Attr {
		if attr.Key == "class" {
			for _, c := range strings.Fields(attr.Val) {
				out[c] = true
			}
		}
	}
	return out
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func cleanSymbol(v string) string {
	return strings.ToUpper(strings.Join(strings.Fields(v), ""))
}

// deduplicate removes repeats by case-folded (symbol, stock_name) pair,
// keeping first-seen order. Idempotent: dedupe(dedupe(xs)) == dedupe(xs).
func deduplicate(entries []model.Holding) []model.Holding {
	seen := make(map[string]struct{}, len(entries))
	out := make([]model.Holding, 0, len(entries))
	for _, e := range entries {
		key := strings.ToUpper(e.Symbol) + "::" + strings.ToUpper(e.StockName)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Package marketdata implements the EODHD-style market data adapter
// (C4): cached exchange and symbol universes, plus uncached per-symbol
// fundamentals lookups.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dataroma-screener/internal/cache"
	"dataroma-screener/internal/model"
)

const providerID = "eodhd"

const (
	exchangesTTL = 7 * 24 * time.Hour
	symbolsTTL   = 24 * time.Hour
)

// HTTPDoer is the minimal surface marketdata needs from an HTTP client,
// so tests can substitute a fake instead of hitting the network.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client is the market data adapter (C4).
type Client struct {
	HTTP     HTTPDoer
	Cache    *cache.Store
	BaseURL  string
	APIToken string
}

// New builds a Client.
func New(doer HTTPDoer, c *cache.Store, baseURL, apiToken string) *Client {
	return &Client{HTTP: doer, Cache: c, BaseURL: strings.TrimRight(baseURL, "/"), APIToken: apiToken}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_token", c.APIToken)
	query.Set("fmt", "json")

	u := fmt.Sprintf("%s%s?%s", c.BaseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("eodhd GET %s -> %d: %s", path, resp.StatusCode, string(body))
	}
	return body, nil
}

// Exchanges returns the list of supported exchanges, cached for 7 days.
func (c *Client) Exchanges(ctx context.Context, useCache bool) (model.CachedPayload[[]model.ExchangeSummary], error) {
	descriptor := model.CacheDescriptor{Scope: "exchange-list", Provider: providerID, Key: "all"}

	if useCache {
		cached, err := cache.Read[[]model.ExchangeSummary](c.Cache, descriptor)
		if err != nil {
			return model.CachedPayload[[]model.ExchangeSummary]{}, err
		}
		if cached != nil {
			return *cached, nil
		}
	}

	body, err := c.get(ctx, "/exchanges-list/", nil)
	if err != nil {
		return model.CachedPayload[[]model.ExchangeSummary]{}, err
	}

	var raw []rawExchange
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.CachedPayload[[]model.ExchangeSummary]{}, fmt.Errorf("decode exchanges-list: %w", err)
	}

	out := make([]model.ExchangeSummary, 0, len(raw))
	for _, r := range raw {
		out = append(out, model.ExchangeSummary{
			Code:         r.Code,
			Name:         r.Name,
			Country:      r.Country,
			Currency:     r.Currency,
			OperatingMIC: r.OperatingMIC,
		})
	}

	expires := time.Now().Add(exchangesTTL)
	descriptor.ExpiresAt = &expires
	written, err := cache.Write[[]model.ExchangeSummary](c.Cache, descriptor, out)
	if err != nil {
		return model.CachedPayload[[]model.ExchangeSummary]{}, err
	}

	return *written, nil
}

// Symbols returns the symbol list for exchangeCode, cached for 1 day.
// When commonStockOnly is true, only type "Common Stock" entries are
// returned, under a distinct cache key.
func (c *Client) Symbols(ctx context.Context, exchangeCode string, useCache, commonStockOnly bool) (model.CachedPayload[[]model.SymbolRecord], error) {
	upper := strings.ToUpper(exchangeCode)
	key := upper
	if commonStockOnly {
		key = upper + "_common"
	}
	descriptor := model.CacheDescriptor{Scope: "exchange-symbols", Provider: providerID, Key: key}

	if useCache {
		cached, err := cache.Read[[]model.SymbolRecord](c.Cache, descriptor)
		if err != nil {
			return model.CachedPayload[[]model.SymbolRecord]{}, err
		}
		if cached != nil {
			return *cached, nil
		}
	}

	body, err := c.get(ctx, fmt.Sprintf("/exchange-symbol-list/%s", upper), nil)
	if err != nil {
		return model.CachedPayload[[]model.SymbolRecord]{}, err
	}

	var raw []rawSymbol
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.CachedPayload[[]model.SymbolRecord]{}, fmt.Errorf("decode exchange-symbol-list for %s: %w", upper, err)
	}

	out := make([]model.SymbolRecord, 0, len(raw))
	for _, r := range raw {
		if commonStockOnly && !strings.EqualFold(r.Type, "Common Stock") {
			continue
		}
		out = append(out, model.SymbolRecord{
			Code:     r.Code,
			Name:     r.Name,
			Exchange: upper,
			Country:  r.Country,
			Currency: r.Currency,
			ISIN:     r.ISIN,
			Type:     r.Type,
		})
	}

	expires := time.Now().Add(symbolsTTL)
	descriptor.ExpiresAt = &expires
	written, err := cache.Write[[]model.SymbolRecord](c.Cache, descriptor, out)
	if err != nil {
		return model.CachedPayload[[]model.SymbolRecord]{}, err
	}

	return *written, nil
}

// Fundamentals fetches a single stock's fundamentals snapshot. It is
// never cached: it is always fetched fresh from the upstream API.
func (c *Client) Fundamentals(ctx context.Context, stockCode, exchangeCode string) (model.FundamentalsSnapshot, error) {
	path := fmt.Sprintf("/fundamentals/%s.%s", strings.ToUpper(stockCode), strings.ToUpper(exchangeCode))
	body, err := c.get(ctx, path, nil)
	if err != nil {
		return model.FundamentalsSnapshot{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return model.FundamentalsSnapshot{}, fmt.Errorf("decode fundamentals for %s.%s: %w", stockCode, exchangeCode, err)
	}

	return buildSnapshot(stockCode, exchangeCode, raw), nil
}

type rawExchange struct {
	Code         string `json:"Code"`
	Name         string `json:"Name"`
	Country      string `json:"Country"`
	Currency     string `json:"Currency"`
	OperatingMIC string `json:"OperatingMIC"`
}

type rawSymbol struct {
	Code     string `json:"Code"`
	Name     string `json:"Name"`
	Country  string `json:"Country"`
	Currency string `json:"Currency"`
	ISIN     string `json:"Isin"`
	Type     string `json:"Type"`
}

func buildSnapshot(stockCode, exchangeCode string, raw map[string]any) model.FundamentalsSnapshot {
	general, _ := raw["General"].(map[string]any)
	highlights, _ := raw["Highlights"].(map[string]any)
	valuation, _ := raw["Valuation"].(map[string]any)

	name := stringField(general, "Name")
	if name == "" {
		name = stockCode
	}

	snapshot := model.FundamentalsSnapshot{
		StockCode:             stockCode,
		ExchangeCode:          exchangeCode,
		Name:                  name,
		TrailingPE:            floatField(highlights, "PERatio"),
		ForwardPE:             floatField(valuation, "ForwardPE"),
		ForwardDividendYield:  floatField(highlights, "DividendYield"),
		FreeCashFlowMargin:    freeCashFlowMargin(highlights),
		AsOf:                  time.Now().UTC(),
		Raw:                   raw,
	}
	return snapshot
}

func freeCashFlowMargin(highlights map[string]any) *float64 {
	fcf := floatField(highlights, "FreeCashFlow")
	revenue := floatField(highlights, "RevenueTTM")
	if fcf == nil || revenue == nil || *revenue == 0 {
		return nil
	}
	margin := *fcf / *revenue
	return &margin
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]any, key string) *float64 {
	if m == nil {
		return nil
	}
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return &t
	case string:
		if t == "" || strings.EqualFold(t, "NA") || strings.EqualFold(t, "NaN") {
			return nil
		}
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

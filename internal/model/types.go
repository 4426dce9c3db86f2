// Package model holds the domain types shared across the pipeline:
// holdings scraped from Dataroma, the EODHD-shaped symbol universe,
// match candidates, and the session aggregate that threads them
// together.
package model

import "time"

// Holding is one row of the upstream aggregated portfolio.
type Holding struct {
	Symbol    string `json:"symbol"`
	StockName string `json:"stockName"`
	Exchange  string `json:"exchange,omitempty"`
}

// SymbolRecord is a tradable instrument known to the market-data provider.
type SymbolRecord struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Country  string `json:"country"`
	Currency string `json:"currency"`
	ISIN     string `json:"isin,omitempty"`
	Type     string `json:"type,omitempty"`
}

// ExchangeSummary describes one exchange known to the provider.
type ExchangeSummary struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	Country      string `json:"country"`
	Currency     string `json:"currency"`
	OperatingMIC string `json:"operatingMic"`
}

// CacheDescriptor identifies a cache entry. Two descriptors collide iff
// scope, provider, and key are equal after sanitization.
type CacheDescriptor struct {
	Scope     string     `json:"scope"`
	Provider  string     `json:"provider"`
	Key       string     `json:"key"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CachedPayload wraps a value with its descriptor and write timestamp.
type CachedPayload[T any] struct {
	Descriptor CacheDescriptor `json:"descriptor"`
	Payload    T               `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ScrapeOptions controls a single scrape invocation.
type ScrapeOptions struct {
	UseCache   bool    `json:"useCache"`
	CacheToken string  `json:"cacheToken,omitempty"`
	MinPercent float64 `json:"minPercent,omitempty"`
	MaxEntries int     `json:"maxEntries,omitempty"`
}

// ScrapeResult is the outcome of a scrape, either fresh or from cache.
type ScrapeResult struct {
	Entries       []Holding                 `json:"entries"`
	Source        string                    `json:"source"` // "live" | "cache"
	CachedPayload *CachedPayload[[]Holding] `json:"cachedPayload,omitempty"`
}

// FundamentalsSnapshot is the uncached C4 fundamentals response.
type FundamentalsSnapshot struct {
	StockCode            string         `json:"stockCode"`
	ExchangeCode         string         `json:"exchangeCode"`
	Name                 string         `json:"name"`
	TrailingPE           *float64       `json:"trailingPE,omitempty"`
	ForwardPE            *float64       `json:"forwardPE,omitempty"`
	ForwardDividendYield *float64       `json:"forwardDividendYield,omitempty"`
	FreeCashFlowMargin   *float64       `json:"freeCashFlowMargin,omitempty"`
	AsOf                 time.Time      `json:"asOf"`
	Raw                  map[string]any `json:"raw"`
}

// MatchCandidate is the engine's belief about which provider symbol
// corresponds to a holding.
type MatchCandidate struct {
	DataromaSymbol string        `json:"dataromaSymbol"`
	DataromaName   string        `json:"dataromaName"`
	ProviderSymbol *SymbolRecord `json:"providerSymbol,omitempty"`
	Confidence     float64       `json:"confidence"`
	Reasons        []string      `json:"reasons"`
	NotAvailable   bool          `json:"notAvailable,omitempty"`
}

// ProviderUniverse is the full set of tradable symbols known to the
// provider, organized by exchange.
type ProviderUniverse struct {
	Exchanges CachedPayload[[]ExchangeSummary]         `json:"exchanges"`
	Symbols   map[string]CachedPayload[[]SymbolRecord] `json:"symbols"`
}

// Step names.
const (
	StepScrape   = "scrape"
	StepUniverse = "universe"
	StepMatch    = "match"
	StepValidate = "validate"
	StepScreener = "screener"
)

// Step statuses.
const (
	StatusIdle     = "idle"
	StatusRunning  = "running"
	StatusBlocked  = "blocked"
	StatusComplete = "complete"
)

// StepState is one node in the session's state machine.
type StepState struct {
	Step    string         `json:"step"`
	Status  string         `json:"status"`
	Context map[string]any `json:"context,omitempty"`
}

// Session is the single persisted aggregate for one pipeline run.
type Session struct {
	ID               string                 `json:"id"`
	CreatedAt        time.Time              `json:"createdAt"`
	Steps            []StepState            `json:"steps"`
	Dataroma         *ScrapeResult          `json:"dataroma,omitempty"`
	ProviderUniverse *ProviderUniverse      `json:"providerUniverse,omitempty"`
	Matches          []MatchCandidate       `json:"matches,omitempty"`
	ScreenerRows     []FundamentalsSnapshot `json:"screenerRows,omitempty"`
}

// ProviderKey is a stored API key for one provider.
type ProviderKey struct {
	Provider  string    `json:"provider"`
	APIKey    string    `json:"apiKey"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CachePreferences toggles cache use per data source.
type CachePreferences struct {
	DataromaScrape bool `json:"dataromaScrape"`
	StockUniverse  bool `json:"stockUniverse"`
}

// AppSettingsPreferences is the user-tunable half of AppSettings.
type AppSettingsPreferences struct {
	DefaultProvider string           `json:"defaultProvider"`
	Cache           CachePreferences `json:"cache"`
}

// AppSettings is the persisted application settings document.
type AppSettings struct {
	ProviderKeys []ProviderKey          `json:"providerKeys"`
	Preferences  AppSettingsPreferences `json:"preferences"`
}

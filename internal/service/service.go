// Package service composes C1-C6 into a single process-wide object:
// shared caches and stores, provider clients built from current
// settings, the screener pipeline, and an in-memory "latest session"
// pointer.
package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dataroma-screener/internal/apperr"
	"dataroma-screener/internal/cache"
	"dataroma-screener/internal/config"
	"dataroma-screener/internal/httpx"
	"dataroma-screener/internal/marketdata"
	"dataroma-screener/internal/model"
	"dataroma-screener/internal/scrape"
	"dataroma-screener/internal/screener"
	"dataroma-screener/internal/sessionstore"
)

const envAPITokenFallback = "demo"

// Service is the process-wide singleton. It is safe for concurrent use.
type Service struct {
	cfg config.Config

	mu       sync.RWMutex
	settings model.AppSettings

	cache    *cache.Store
	sessions *sessionstore.Store
	pipeline *screener.Pipeline

	latestMu sync.RWMutex
	latest   *model.Session
}

// New builds a Service from cfg, loading settings from disk (or
// defaulting them if absent).
func New(cfg config.Config) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		cache:    cache.New(cfg.Paths.CacheDir),
		sessions: sessionstore.New(cfg.Paths.SessionDir),
	}

	settings, err := s.loadSettings()
	if err != nil {
		return nil, err
	}
	s.settings = settings
	s.rebuild()

	return s, nil
}

func defaultSettings() model.AppSettings {
	return model.AppSettings{
		Preferences: model.AppSettingsPreferences{
			DefaultProvider: "eodhd",
			Cache:           model.CachePreferences{DataromaScrape: true, StockUniverse: true},
		},
	}
}

func (s *Service) loadSettings() (model.AppSettings, error) {
	b, err := os.ReadFile(s.cfg.Paths.SettingsFile)
	if err != nil {
		return defaultSettings(), nil
	}
	var settings model.AppSettings
	if err := json.Unmarshal(b, &settings); err != nil {
		return defaultSettings(), nil
	}
	return settings, nil
}

// rebuild reconstructs the provider clients and pipeline from the
// current settings. Must be called with s.mu held for write, or during
// construction before the Service is shared.
func (s *Service) rebuild() {
	apiToken := s.resolveAPIToken()
	hc := httpx.New(time.Duration(s.cfg.Server.RequestTimeoutSec) * time.Second)

	scrapeAdapter := scrape.New(s.cache, hc, s.cfg.Scrape.BaseURL)
	marketClient := marketdata.New(hc, s.cache, s.cfg.Provider.BaseURL, apiToken)

	s.pipeline = screener.New(s.sessions, s.cache, scrapeAdapter, marketClient)
}

func (s *Service) resolveAPIToken() string {
	for _, key := range s.settings.ProviderKeys {
		if key.Provider == s.settings.Preferences.DefaultProvider && key.APIKey != "" {
			return key.APIKey
		}
	}
	if s.cfg.Provider.APIToken != "" {
		return s.cfg.Provider.APIToken
	}
	return envAPITokenFallback
}

// Settings returns a copy of the current application settings.
func (s *Service) Settings() model.AppSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings persists new settings and resets provider clients so
// the new API tokens and preferences take effect immediately.
func (s *Service) UpdateSettings(settings model.AppSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.cfg.Paths.SettingsFile), 0o755); err != nil {
		return apperr.Wrap(apperr.Storage, "create settings dir", err)
	}
	b, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal settings", err)
	}
	if err := os.WriteFile(s.cfg.Paths.SettingsFile, b, 0o644); err != nil {
		return apperr.Wrap(apperr.Storage, "write settings", err)
	}

	s.settings = settings
	s.rebuild()
	return nil
}

// Pipeline returns the current screener pipeline. Callers should not
// cache the returned pointer across an UpdateSettings call.
func (s *Service) Pipeline() *screener.Pipeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipeline
}

// LatestSession returns the most recently started/advanced session, if
// any has been seen this process's lifetime. Deliberately in-memory
// only: it does not survive a restart.
func (s *Service) LatestSession() *model.Session {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest
}

func (s *Service) setLatest(session *model.Session) {
	s.latestMu.Lock()
	s.latest = session
	s.latestMu.Unlock()
}

// StartSession runs a new pipeline session and records it as latest.
func (s *Service) StartSession(ctx context.Context, opts model.ScrapeOptions) (*model.Session, error) {
	session, err := s.Pipeline().StartSession(ctx, opts)
	if session != nil {
		s.setLatest(session)
	}
	return session, err
}

// LoadSession fetches a session by id from disk.
func (s *Service) LoadSession(id string) (*model.Session, error) {
	session, err := s.sessions.Load(id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "load session", err)
	}
	if session == nil {
		return nil, apperr.New(apperr.NotFound, "session not found: "+id)
	}
	return session, nil
}

// RunUniverseStep advances session through the universe step and
// re-records it as latest.
func (s *Service) RunUniverseStep(ctx context.Context, session *model.Session, exchanges []string, useCache bool) error {
	err := s.Pipeline().RunUniverseStep(ctx, session, exchanges, useCache)
	s.setLatest(session)
	return err
}

// RunMatchStep advances session through the match step and re-records
// it as latest.
func (s *Service) RunMatchStep(ctx context.Context, session *model.Session, exchanges []string, useCache, commonStock bool) error {
	err := s.Pipeline().RunMatchStep(ctx, session, exchanges, useCache, commonStock)
	s.setLatest(session)
	return err
}

// SearchUniverse scans the latest session's universe for name substring
// matches, case-insensitively, per spec.md §6's Search contract.
func (s *Service) SearchUniverse(query string) ([]model.SymbolRecord, error) {
	return searchUniverse(s.LatestSession(), query)
}

// UpdateMatch overwrites the provider symbol assignment for one
// Dataroma symbol within the latest session's matches and persists it.
func (s *Service) UpdateMatch(dataromaSymbol string, providerSymbol *model.SymbolRecord, notAvailable bool) (*model.MatchCandidate, error) {
	session := s.LatestSession()
	updated, err := applyMatchOverride(session, dataromaSymbol, providerSymbol, notAvailable)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Save(session); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "persist match override", err)
	}
	s.setLatest(session)
	return updated, nil
}

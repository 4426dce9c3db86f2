package service

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dataroma-screener/internal/apperr"
	"dataroma-screener/internal/config"
	"dataroma-screener/internal/model"
)

func newTestConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.CacheDir = filepath.Join(dir, "cache")
	cfg.Paths.SessionDir = filepath.Join(dir, "sessions")
	cfg.Paths.SettingsFile = filepath.Join(dir, "settings.json")
	return cfg
}

func TestNew_DefaultsSettingsWhenFileAbsent(t *testing.T) {
	s, err := New(newTestConfig(t))
	require.NoError(t, err)
	require.Equal(t, "eodhd", s.Settings().Preferences.DefaultProvider)
}

func TestUpdateSettings_PersistsAndRebuildsProviderToken(t *testing.T) {
	s, err := New(newTestConfig(t))
	require.NoError(t, err)

	settings := s.Settings()
	settings.ProviderKeys = []model.ProviderKey{{Provider: "eodhd", APIKey: "secret-token"}}
	require.NoError(t, s.UpdateSettings(settings))

	require.Equal(t, "secret-token", s.resolveAPIToken())

	reloaded, err := New(s.cfg)
	require.NoError(t, err)
	require.Len(t, reloaded.Settings().ProviderKeys, 1)
	require.Equal(t, "secret-token", reloaded.Settings().ProviderKeys[0].APIKey)
}

func TestResolveAPIToken_FallsBackToConfigThenDemo(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Provider.APIToken = ""
	s, err := New(cfg)
	require.NoError(t, err)
	require.Equal(t, "demo", s.resolveAPIToken())
}

func TestLoadSession_MissingReturnsNotFoundAppErr(t *testing.T) {
	s, err := New(newTestConfig(t))
	require.NoError(t, err)

	_, loadErr := s.LoadSession("does-not-exist")
	require.Error(t, loadErr)
	require.Equal(t, apperr.NotFound, apperr.KindOf(loadErr))
}

func TestSearchUniverse_MatchesNameCaseInsensitively(t *testing.T) {
	session := &model.Session{
		ProviderUniverse: &model.ProviderUniverse{
			Symbols: map[string]model.CachedPayload[[]model.SymbolRecord]{
				"US": {Payload: []model.SymbolRecord{
					{Code: "AAPL", Name: "Apple Inc", Exchange: "US"},
					{Code: "MSFT", Name: "Microsoft Corp", Exchange: "US"},
				}},
			},
		},
	}

	got, err := searchUniverse(session, "app")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "AAPL", got[0].Code)

	gotByName, err := searchUniverse(session, "MICROSOFT")
	require.NoError(t, err)
	require.Len(t, gotByName, 1)
	require.Equal(t, "MSFT", gotByName[0].Code)
}

func TestSearchUniverse_RespectsLimit(t *testing.T) {
	symbols := make([]model.SymbolRecord, 0, searchResultLimit+2)
	for i := 0; i < searchResultLimit+2; i++ {
		symbols = append(symbols, model.SymbolRecord{Code: fmt.Sprintf("A%02d", i), Name: fmt.Sprintf("Alpha Co %02d", i), Exchange: "US"})
	}
	session := &model.Session{
		ProviderUniverse: &model.ProviderUniverse{
			Symbols: map[string]model.CachedPayload[[]model.SymbolRecord]{
				"US": {Payload: symbols},
			},
		},
	}
	got, err := searchUniverse(session, "alpha")
	require.NoError(t, err)
	require.Len(t, got, searchResultLimit)
}

func TestApplyMatchOverride_ReplacesCandidateAndMarksManual(t *testing.T) {
	session := &model.Session{Matches: []model.MatchCandidate{
		{DataromaSymbol: "AAPL", DataromaName: "Apple Inc", NotAvailable: true, Reasons: []string{"No match found"}},
	}}
	_, err := applyMatchOverride(session, "AAPL", &model.SymbolRecord{Code: "AAPL", Name: "Apple Inc", Exchange: "US"}, false)
	require.NoError(t, err)
	require.False(t, session.Matches[0].NotAvailable)
	require.Equal(t, 1.0, session.Matches[0].Confidence)
	require.Equal(t, "AAPL", session.Matches[0].ProviderSymbol.Code)
}

func TestApplyMatchOverride_UnknownSymbolIsNotFound(t *testing.T) {
	session := &model.Session{}
	_, err := applyMatchOverride(session, "NOPE", nil, false)
	require.Error(t, err)
	require.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

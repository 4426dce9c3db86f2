package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"dataroma-screener/internal/config"
	"dataroma-screener/internal/service"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.CacheDir = filepath.Join(dir, "cache")
	cfg.Paths.SessionDir = filepath.Join(dir, "sessions")
	cfg.Paths.SettingsFile = filepath.Join(dir, "settings.json")

	svc, err := service.New(cfg)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(bytesDiscard{})
	return New(svc, logger)
}

type bytesDiscard struct{}

func (bytesDiscard) Write(p []byte) (int, error) { return len(p), nil }

func TestHandleLatestSession_NoneStartedYetIsNotFound(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/dataroma-screener/session/latest", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetSession_MissingIsNotFound(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/dataroma-screener/session/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetSettings_ReturnsDefaults(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	prefs := body["preferences"].(map[string]any)
	require.Equal(t, "eodhd", prefs["defaultProvider"])
}

func TestHandleUpdateSettings_PersistsAndIsReadableAfter(t *testing.T) {
	h := newTestHandler(t)

	payload := []byte(`{"providerKeys":[{"provider":"eodhd","apiKey":"tok-1","updatedAt":"2026-01-01T00:00:00Z"}],"preferences":{"defaultProvider":"eodhd","cache":{"dataromaScrape":true,"stockUniverse":true}}}`)
	req := httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	rec2 := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec2, req2)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &body))
	keys := body["providerKeys"].([]any)
	require.Len(t, keys, 1)
}

func TestHandleUpdateMatch_MissingFieldsIsBadRequest(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPut, "/api/dataroma-screener/matches", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearchUniverse_QueryTooShortIsBadRequest(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/dataroma-screener/universe/search?query=a", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSearchUniverse_NoUniverseYetIsNotFound(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/dataroma-screener/universe/search?query=apple", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz_ReturnsOK(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

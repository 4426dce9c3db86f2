// Package httpapi maps the dataroma-screener HTTP surface onto
// internal/service, translating apperr.Kind into status codes and
// request/response bodies into model types.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"dataroma-screener/internal/apperr"
	"dataroma-screener/internal/model"
	"dataroma-screener/internal/service"
)

// Handler holds the dependencies every route needs.
type Handler struct {
	Service *service.Service
	Log     logrus.FieldLogger
}

// New builds a Handler.
func New(svc *service.Service, log logrus.FieldLogger) *Handler {
	return &Handler{Service: svc, Log: log}
}

// Mux builds the full routed handler, pattern-matched per spec.md §6.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/dataroma-screener/session/latest", h.handleLatestSession)
	mux.HandleFunc("POST /api/dataroma-screener/session", h.handleStartSession)
	mux.HandleFunc("GET /api/dataroma-screener/session/{id}", h.handleGetSession)
	mux.HandleFunc("POST /api/dataroma-screener/session/{id}/universe", h.handleRunUniverseStep)
	mux.HandleFunc("POST /api/dataroma-screener/session/{id}/matches", h.handleRunMatchStep)
	mux.HandleFunc("GET /api/dataroma-screener/universe/search", h.handleSearchUniverse)
	mux.HandleFunc("PUT /api/dataroma-screener/matches", h.handleUpdateMatch)
	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handleUpdateSettings)

	return mux
}

func (h *Handler) handleLatestSession(w http.ResponseWriter, r *http.Request) {
	session := h.Service.LatestSession()
	if session == nil {
		writeError(w, apperr.New(apperr.NotFound, "no session has been started yet"))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type startSessionRequest struct {
	UseCache   bool    `json:"useCache"`
	CacheToken string  `json:"cacheToken,omitempty"`
	MinPercent float64 `json:"minPercent,omitempty"`
	MaxEntries int     `json:"maxEntries,omitempty"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body startSessionRequest
	if !decodeJSONAllowEmpty(w, r, &body) {
		return
	}

	opts := model.ScrapeOptions{
		UseCache:   body.UseCache,
		CacheToken: body.CacheToken,
		MinPercent: body.MinPercent,
		MaxEntries: body.MaxEntries,
	}
	session, err := h.Service.StartSession(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.LoadSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type universeStepRequest struct {
	UseCache    *bool `json:"useCache,omitempty"`
	CommonStock bool  `json:"commonStock,omitempty"`
}

func (h *Handler) handleRunUniverseStep(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.LoadSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body universeStepRequest
	if !decodeJSONAllowEmpty(w, r, &body) {
		return
	}
	useCache := body.UseCache == nil || *body.UseCache

	if err := h.Service.RunUniverseStep(r.Context(), session, nil, useCache); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type matchStepRequest struct {
	UseCache    *bool `json:"useCache,omitempty"`
	CommonStock bool  `json:"commonStock,omitempty"`
}

func (h *Handler) handleRunMatchStep(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.LoadSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body matchStepRequest
	if !decodeJSONAllowEmpty(w, r, &body) {
		return
	}
	useCache := body.UseCache == nil || *body.UseCache

	if err := h.Service.RunMatchStep(r.Context(), session, nil, useCache, body.CommonStock); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleSearchUniverse(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	results, err := h.Service.SearchUniverse(query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type updateMatchRequest struct {
	DataromaSymbol string              `json:"dataromaSymbol"`
	ProviderSymbol *model.SymbolRecord `json:"providerSymbol,omitempty"`
	NotAvailable   *bool               `json:"notAvailable,omitempty"`
}

func (h *Handler) handleUpdateMatch(w http.ResponseWriter, r *http.Request) {
	var body updateMatchRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.DataromaSymbol == "" {
		writeError(w, apperr.New(apperr.Input, "dataromaSymbol is required"))
		return
	}
	if body.ProviderSymbol == nil && body.NotAvailable == nil {
		writeError(w, apperr.New(apperr.Input, "provide a symbol or mark the candidate as not available"))
		return
	}

	notAvailable := body.NotAvailable != nil && *body.NotAvailable
	updated, err := h.Service.UpdateMatch(body.DataromaSymbol, body.ProviderSymbol, notAvailable)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Service.Settings())
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.AppSettings
	if !decodeJSON(w, r, &settings) {
		return
	}
	if err := h.Service.UpdateSettings(settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, apperr.Wrap(apperr.Input, "invalid JSON body", err))
		return false
	}
	return true
}

// decodeJSONAllowEmpty tolerates a missing/empty body, leaving dst at
// its zero value, for endpoints whose request body is entirely optional.
func decodeJSONAllowEmpty(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeJSON(w, r, dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(body)
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.Input:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Precondition:
		return http.StatusConflict
	case apperr.Upstream:
		return http.StatusBadGateway
	case apperr.Storage, apperr.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSON(w, statusForKind(kind), map[string]string{"error": err.Error()})
}

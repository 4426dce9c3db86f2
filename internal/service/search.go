package service

import (
	"sort"
	"strings"

	"dataroma-screener/internal/apperr"
	"dataroma-screener/internal/model"
)

// searchResultLimit is the fixed page size for universe search; the
// endpoint takes no caller-supplied limit.
const searchResultLimit = 15

// searchQueryMinLen is the minimum trimmed query length accepted by
// universe search.
const searchQueryMinLen = 2

// searchUniverse normalizes query (trim, lower), collects symbols
// across every exchange of the session's universe, keeps those whose
// name contains the normalized query, and returns the first
// searchResultLimit sorted ascending by name.
func searchUniverse(session *model.Session, query string) ([]model.SymbolRecord, error) {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < searchQueryMinLen {
		return nil, apperr.New(apperr.Input, "search query must be at least 2 characters long")
	}
	if session == nil || session.ProviderUniverse == nil {
		return nil, apperr.New(apperr.NotFound, "no stock universe available, run the screener first")
	}

	normalized := strings.ToLower(trimmed)

	var results []model.SymbolRecord
	for _, payload := range session.ProviderUniverse.Symbols {
		for _, sym := range payload.Payload {
			if strings.Contains(strings.ToLower(sym.Name), normalized) {
				results = append(results, sym)
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	if len(results) > searchResultLimit {
		results = results[:searchResultLimit]
	}
	return results, nil
}

// applyMatchOverride finds the matching candidate for dataromaSymbol and
// mutates it in place: notAvailable clears the provider symbol and
// marks it unavailable; otherwise providerSymbol is required and is
// assigned with confidence 1.0, clearing unavailable.
func applyMatchOverride(session *model.Session, dataromaSymbol string, providerSymbol *model.SymbolRecord, notAvailable bool) (*model.MatchCandidate, error) {
	if session == nil || len(session.Matches) == 0 {
		return nil, apperr.New(apperr.NotFound, "no match suggestions available, run the screener")
	}

	for i := range session.Matches {
		if session.Matches[i].DataromaSymbol != dataromaSymbol {
			continue
		}
		switch {
		case notAvailable:
			session.Matches[i].ProviderSymbol = nil
			session.Matches[i].NotAvailable = true
		case providerSymbol != nil:
			session.Matches[i].ProviderSymbol = providerSymbol
			session.Matches[i].Confidence = 1.0
			session.Matches[i].NotAvailable = false
		default:
			return nil, apperr.New(apperr.Input, "provide a symbol or mark the candidate as not available")
		}
		return &session.Matches[i], nil
	}
	return nil, apperr.New(apperr.NotFound, "match candidate not found")
}

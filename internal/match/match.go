// Package match implements the holding-to-symbol matching engine (C5):
// pre-indexing a provider universe, then running the ordered matching
// strategies from spec.md §4.5 against each holding.
package match

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"dataroma-screener/internal/model"
)

// fuzzyScoreFloor is the minimum token-sort-ratio score (0-100) below
// which a fuzzy name match is rejected outright.
const fuzzyScoreFloor = 85

// exchangesWithoutUniverseCoverage lists suffix-implied exchanges that
// are known to exist but are never present in the provider's symbol
// universe, so a missing match against them gets a specific reason
// instead of the generic "no match found".
var exchangesWithoutUniverseCoverage = map[string]bool{
	"HK": true,
	"T":  true,
	"KO": true,
}

// exchangeSuffixMap maps a Dataroma ticker suffix to the provider's
// exchange code.
var exchangeSuffixMap = map[string]string{
	"KS": "KO",
	"SZ": "SHE",
	"SS": "SHG",
	"L":  "LSE",
	"TO": "TO",
	"V":  "V",
	"DE": "XETRA",
	"HK": "HK",
	"T":  "T",
}

const defaultExchangeCode = "US"

var legalSuffixRe = regexp.MustCompile(`\b(inc|corp|ltd|plc|co|group|holdings|hldgs)\b\.?`)
var classSuffixRe = regexp.MustCompile(`\bcl\s+[a-z]\b`)
var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeName reduces a company name to a canonical comparison form:
// lower-cased, punctuation stripped, legal-entity and share-class
// suffixes removed, whitespace collapsed.
func NormalizeName(name string) string {
	n := strings.ToLower(name)
	n = strings.ReplaceAll(n, ".", "")
	n = strings.ReplaceAll(n, ",", "")
	n = classSuffixRe.ReplaceAllString(n, "")
	n = legalSuffixRe.ReplaceAllString(n, "")
	n = whitespaceRe.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

// Decompose splits a Dataroma symbol like "BABA.HK" into its bare
// symbol and the provider exchange code implied by the suffix, if any.
func Decompose(symbol string) (bare string, impliedExchange string, hasSuffix bool) {
	return decomposeSymbol(symbol)
}

// decomposeSymbol splits a Dataroma symbol like "BABA.HK" into its bare
// symbol and the provider exchange code implied by the suffix, if any.
func decomposeSymbol(symbol string) (bare string, impliedExchange string, hasSuffix bool) {
	idx := strings.LastIndex(symbol, ".")
	if idx < 0 {
		return symbol, "", false
	}
	suffix := strings.ToUpper(symbol[idx+1:])
	bare = symbol[:idx]
	if code, ok := exchangeSuffixMap[suffix]; ok {
		return bare, code, true
	}
	return bare, "", true
}

// targetExchange derives the single exchange a holding symbol is
// expected to live on: the suffix-implied exchange, or "US" when the
// symbol has no suffix or an unrecognized one.
func targetExchange(symbol string) (target string, clean string) {
	bare, implied, hasSuffix := decomposeSymbol(symbol)
	target = defaultExchangeCode
	if implied != "" {
		target = implied
	}
	if hasSuffix {
		return target, bare
	}
	return target, symbol
}

// Index is a pre-built lookup structure over a provider symbol
// universe, built once per match run and reused across holdings.
type Index struct {
	byExchange       map[string][]model.SymbolRecord
	byNormalizedName map[string][]model.SymbolRecord
}

// BuildIndex indexes symbols by exchange code and by normalized name,
// skipping records with an empty code or name.
func BuildIndex(symbols []model.SymbolRecord) *Index {
	idx := &Index{
		byExchange:       map[string][]model.SymbolRecord{},
		byNormalizedName: map[string][]model.SymbolRecord{},
	}
	for _, s := range symbols {
		if s.Code == "" || s.Name == "" {
			continue
		}
		exch := strings.ToUpper(s.Exchange)
		idx.byExchange[exch] = append(idx.byExchange[exch], s)
		key := NormalizeName(s.Name)
		idx.byNormalizedName[key] = append(idx.byNormalizedName[key], s)
	}
	return idx
}

// Match runs the ordered matching strategies for a single holding
// against the index. The target exchange is derived entirely from the
// holding's own symbol (its suffix, or "US" absent one); the caller is
// expected to have already scoped the index to the symbol set it wants
// this holding matched against (e.g. one exchange's batch).
func Match(h model.Holding, idx *Index) model.MatchCandidate {
	candidate := model.MatchCandidate{DataromaSymbol: h.Symbol, DataromaName: h.StockName}

	target, clean := targetExchange(h.Symbol)

	if rec, ok := exactSymbolMatch(idx, clean, target); ok {
		candidate.ProviderSymbol = &rec
		candidate.Confidence = 1.0
		candidate.Reasons = []string{"Direct symbol match"}
		return candidate
	}

	if target == defaultExchangeCode && strings.Contains(h.Symbol, ".") {
		if rec, ok := exactSymbolMatch(idx, strings.ReplaceAll(h.Symbol, ".", "-"), defaultExchangeCode); ok {
			candidate.ProviderSymbol = &rec
			candidate.Confidence = 1.0
			candidate.Reasons = []string{"Symbol match with dot-to-hyphen conversion"}
			return candidate
		}
	}

	normalized := NormalizeName(h.StockName)
	if recs, ok := idx.byNormalizedName[normalized]; ok && len(recs) > 0 {
		rec := preferExchange(recs, target)
		candidate.ProviderSymbol = &rec
		candidate.Confidence = 0.9
		candidate.Reasons = []string{"Exact normalized name match"}
		return candidate
	}

	if rec, score, ok := fuzzyNameMatch(idx, normalized, target); ok {
		candidate.ProviderSymbol = &rec
		candidate.Confidence = float64(score) / 100.0
		candidate.Reasons = []string{fmt.Sprintf("Fuzzy name match (score: %d)", score)}
		return candidate
	}

	candidate.NotAvailable = true
	if _, covered := idx.byExchange[target]; exchangesWithoutUniverseCoverage[target] && !covered {
		candidate.Reasons = []string{"Exchange " + target + " data not available in EODHD files."}
	} else {
		candidate.Reasons = []string{"No match found"}
	}
	return candidate
}

func exactSymbolMatch(idx *Index, symbol string, exchange string) (model.SymbolRecord, bool) {
	upper := strings.ToUpper(symbol)
	for _, rec := range idx.byExchange[strings.ToUpper(exchange)] {
		if strings.EqualFold(rec.Code, upper) {
			return rec, true
		}
	}
	return model.SymbolRecord{}, false
}

// preferExchange returns the first record whose exchange matches
// target, or the first record in the (first-seen) input order when
// none does.
func preferExchange(recs []model.SymbolRecord, target string) model.SymbolRecord {
	for _, rec := range recs {
		if strings.EqualFold(rec.Exchange, target) {
			return rec
		}
	}
	return recs[0]
}

func fuzzyNameMatch(idx *Index, normalizedTarget string, target string) (model.SymbolRecord, int, bool) {
	targetSorted := tokenSort(normalizedTarget)

	var bestName string
	bestScore := -1
	found := false

	for name := range idx.byNormalizedName {
		score := tokenSortRatio(targetSorted, tokenSort(name))
		if score < fuzzyScoreFloor {
			continue
		}
		if score > bestScore || (score == bestScore && found && name < bestName) {
			bestName = name
			bestScore = score
			found = true
		}
	}

	if !found {
		return model.SymbolRecord{}, 0, false
	}
	return preferExchange(idx.byNormalizedName[bestName], target), bestScore, true
}

// tokenSort reorders a normalized name's whitespace-separated tokens
// alphabetically, so word-order differences don't penalize similarity.
func tokenSort(normalized string) string {
	tokens := strings.Fields(normalized)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// tokenSortRatio scores two already token-sorted strings on a 0-100
// scale derived from normalized Levenshtein edit distance.
func tokenSortRatio(a, b string) int {
	if a == "" && b == "" {
		return 100
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 100
	}
	similarity := 1.0 - float64(dist)/float64(maxLen)
	if similarity < 0 {
		similarity = 0
	}
	return int(similarity * 100)
}

// Package screener implements the session pipeline (C6): the
// scrape -> universe -> match step sequence, persisted after every
// transition, with bounded concurrent fan-out across exchanges.
package screener

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dataroma-screener/internal/apperr"
	"dataroma-screener/internal/cache"
	"dataroma-screener/internal/marketdata"
	"dataroma-screener/internal/match"
	"dataroma-screener/internal/model"
	"dataroma-screener/internal/scrape"
	"dataroma-screener/internal/sessionstore"
)

// defaultExchangeFanout bounds concurrent exchange fetches/matches,
// mirroring the teacher's steamdt batch concurrency cap.
const defaultExchangeFanout = 6

// Pipeline wires C1-C5 into the session state machine.
type Pipeline struct {
	Sessions    *sessionstore.Store
	Cache       *cache.Store
	Scrape      *scrape.Adapter
	Market      *marketdata.Client
	Concurrency int
}

// New builds a Pipeline.
func New(sessions *sessionstore.Store, c *cache.Store, scrapeAdapter *scrape.Adapter, market *marketdata.Client) *Pipeline {
	return &Pipeline{Sessions: sessions, Cache: c, Scrape: scrapeAdapter, Market: market, Concurrency: defaultExchangeFanout}
}

func initialSteps() []model.StepState {
	return []model.StepState{
		{Step: model.StepScrape, Status: model.StatusIdle},
		{Step: model.StepUniverse, Status: model.StatusIdle},
		{Step: model.StepMatch, Status: model.StatusIdle},
		{Step: model.StepValidate, Status: model.StatusIdle},
		{Step: model.StepScreener, Status: model.StatusIdle},
	}
}

func stepIndex(session *model.Session, step string) int {
	for i := range session.Steps {
		if session.Steps[i].Step == step {
			return i
		}
	}
	return -1
}

func (p *Pipeline) transition(session *model.Session, step string, fn func() (map[string]any, error)) error {
	idx := stepIndex(session, step)
	if idx < 0 {
		return apperr.New(apperr.Internal, fmt.Sprintf("unknown step %q", step))
	}

	session.Steps[idx].Status = model.StatusRunning
	session.Steps[idx].Context = nil
	if err := p.Sessions.Save(session); err != nil {
		return apperr.Wrap(apperr.Storage, "persist running step", err)
	}

	result, err := fn()
	if err != nil {
		session.Steps[idx].Status = model.StatusBlocked
		session.Steps[idx].Context = map[string]any{"error": err.Error()}
		if saveErr := p.Sessions.Save(session); saveErr != nil {
			return apperr.Wrap(apperr.Storage, "persist blocked step", saveErr)
		}
		return err
	}

	session.Steps[idx].Status = model.StatusComplete
	session.Steps[idx].Context = result
	if err := p.Sessions.Save(session); err != nil {
		return apperr.Wrap(apperr.Storage, "persist complete step", err)
	}
	return nil
}

func requireComplete(session *model.Session, step string) error {
	idx := stepIndex(session, step)
	if idx < 0 || session.Steps[idx].Status != model.StatusComplete {
		return apperr.New(apperr.Precondition, fmt.Sprintf("step %q must be complete first", step))
	}
	return nil
}

// StartSession creates a new session and runs the scrape step.
func (p *Pipeline) StartSession(ctx context.Context, opts model.ScrapeOptions) (*model.Session, error) {
	session := &model.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Steps:     initialSteps(),
	}

	err := p.transition(session, model.StepScrape, func() (map[string]any, error) {
		result, err := p.Scrape.Scrape(ctx, opts)
		if err != nil {
			return nil, apperr.Wrap(apperr.Upstream, "scrape dataroma holdings", err)
		}
		session.Dataroma = &result
		return map[string]any{"entries": len(result.Entries), "source": result.Source}, nil
	})

	return session, err
}

// RunUniverseStep fetches the exchange list and, for each requested
// exchange, the common-stock symbol list, concurrently and bounded.
func (p *Pipeline) RunUniverseStep(ctx context.Context, session *model.Session, exchanges []string, useCache bool) error {
	if err := requireComplete(session, model.StepScrape); err != nil {
		return err
	}

	return p.transition(session, model.StepUniverse, func() (map[string]any, error) {
		exchangeSummaries, err := p.Market.Exchanges(ctx, useCache)
		if err != nil {
			return nil, apperr.Wrap(apperr.Upstream, "fetch exchange list", err)
		}

		targets := exchanges
		if len(targets) == 0 {
			targets = exchangeCodesFromHoldings(session.Dataroma)
		}

		symbolsByExchange := make(map[string]model.CachedPayload[[]model.SymbolRecord], len(targets))
		var mu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.Concurrency)
		for _, exch := range targets {
			exch := exch
			g.Go(func() error {
				payload, err := p.Market.Symbols(gctx, exch, useCache, true)
				if err != nil {
					return fmt.Errorf("fetch symbols for %s: %w", exch, err)
				}
				mu.Lock()
				symbolsByExchange[strings.ToUpper(exch)] = payload
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, apperr.Wrap(apperr.Upstream, "fetch exchange symbol universe", err)
		}

		session.ProviderUniverse = &model.ProviderUniverse{
			Exchanges: exchangeSummaries,
			Symbols:   symbolsByExchange,
		}

		return map[string]any{"exchanges": len(targets)}, nil
	})
}

// exchangeBatch is one exchange's filtered symbol set, matched against
// the full holdings list as an independent unit per spec.md §4.6.
type exchangeBatch struct {
	code    string
	symbols []model.SymbolRecord
}

// selectExchangeBatches splits the universe into per-exchange batches,
// restricted to exchanges (all of them when empty) and, when
// commonStock is set, to SymbolRecord.Type == "Common Stock". Batches
// left empty by the common-stock filter are dropped, mirroring the
// original's `if not provider_symbols: continue`.
func selectExchangeBatches(universe *model.ProviderUniverse, exchanges []string, commonStock bool) []exchangeBatch {
	if universe == nil {
		return nil
	}

	codes := exchanges
	if len(codes) == 0 {
		codes = make([]string, 0, len(universe.Symbols))
		for code := range universe.Symbols {
			codes = append(codes, code)
		}
	}

	batches := make([]exchangeBatch, 0, len(codes))
	for _, code := range codes {
		payload, ok := universe.Symbols[strings.ToUpper(code)]
		if !ok {
			continue
		}
		symbols := payload.Payload
		if commonStock {
			filtered := make([]model.SymbolRecord, 0, len(symbols))
			for _, s := range symbols {
				if s.Type == "Common Stock" {
					filtered = append(filtered, s)
				}
			}
			symbols = filtered
		}
		if len(symbols) == 0 {
			continue
		}
		batches = append(batches, exchangeBatch{code: strings.ToUpper(code), symbols: symbols})
	}

	sort.Slice(batches, func(i, j int) bool { return batches[i].code < batches[j].code })
	return batches
}

// RunMatchStep runs the match engine once per exchange batch, in
// parallel, against the full holdings list; flattens the results,
// keeping only successful candidates (a holding may be matched by more
// than one exchange and so appear more than once, by contract); then
// synthesizes a not-available candidate for every holding no batch
// matched. Mirrors session.py's _generate_matches.
func (p *Pipeline) RunMatchStep(ctx context.Context, session *model.Session, exchanges []string, useCache, commonStock bool) error {
	if err := requireComplete(session, model.StepUniverse); err != nil {
		return err
	}

	return p.transition(session, model.StepMatch, func() (map[string]any, error) {
		batches := selectExchangeBatches(session.ProviderUniverse, exchanges, commonStock)
		descriptor := matchCacheDescriptor(session.Dataroma.Entries, len(batches), commonStock)

		if useCache {
			if cached, err := cache.Read[[]model.MatchCandidate](p.Cache, descriptor); err != nil {
				return nil, apperr.Wrap(apperr.Storage, "read match cache", err)
			} else if cached != nil {
				session.Matches = cached.Payload
				return map[string]any{"matches": len(cached.Payload), "source": "cache"}, nil
			}
		}

		holdings := session.Dataroma.Entries
		perBatch := make([][]model.MatchCandidate, len(batches))

		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(p.Concurrency)
		for i, batch := range batches {
			i, batch := i, batch
			g.Go(func() error {
				idx := match.BuildIndex(batch.symbols)
				results := make([]model.MatchCandidate, len(holdings))
				for j, holding := range holdings {
					results[j] = match.Match(holding, idx)
				}
				perBatch[i] = results
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "match holdings", err)
		}

		var candidates []model.MatchCandidate
		matched := make(map[string]bool, len(holdings))
		for _, results := range perBatch {
			for _, c := range results {
				if c.ProviderSymbol == nil {
					continue
				}
				candidates = append(candidates, c)
				matched[c.DataromaSymbol] = true
			}
		}
		for _, h := range holdings {
			if matched[h.Symbol] {
				continue
			}
			candidates = append(candidates, model.MatchCandidate{
				DataromaSymbol: h.Symbol,
				DataromaName:   h.StockName,
				Confidence:     0,
				Reasons:        []string{"No match found across all exchanges"},
				NotAvailable:   true,
			})
		}

		session.Matches = candidates
		if _, err := cache.Write[[]model.MatchCandidate](p.Cache, descriptor, candidates); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "write match cache", err)
		}

		return map[string]any{"matches": len(candidates), "source": "live"}, nil
	})
}

func exchangeCodesFromHoldings(scrapeResult *model.ScrapeResult) []string {
	seen := map[string]bool{"US": true}
	out := []string{"US"}
	if scrapeResult == nil {
		return out
	}
	for _, h := range scrapeResult.Entries {
		_, exch, ok := match.Decompose(h.Symbol)
		if !ok || exch == "" || seen[exch] {
			continue
		}
		seen[exch] = true
		out = append(out, exch)
	}
	sort.Strings(out)
	return out
}

// matchCacheDescriptor derives a deterministic cache key from the
// holdings count, the number of exchange batches matched against, the
// common_stock flag, and a content hash of the holdings themselves, so
// a changed scrape never reuses a stale match result under the same
// nominal key. Field literals and the "<n>-<n>-<common|all>" key shape
// follow spec.md §4.6's CacheDescriptor(scope="matches", provider="system").
func matchCacheDescriptor(holdings []model.Holding, exchangeCount int, commonStock bool) model.CacheDescriptor {
	scope := "all"
	if commonStock {
		scope = "common"
	}

	h := fnv.New64a()
	for _, holding := range holdings {
		_, _ = h.Write([]byte(strings.ToUpper(holding.Symbol)))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strings.ToUpper(holding.StockName)))
		_, _ = h.Write([]byte{0})
	}

	key := fmt.Sprintf("matches-%d-%d-%s-%x", len(holdings), exchangeCount, scope, h.Sum64())

	return model.CacheDescriptor{Scope: "matches", Provider: "system", Key: key}
}

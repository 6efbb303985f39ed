// Package aggregator queries every source adapter and reconciles their
// quotes into one record per symbol.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/navid-fn/marketlens/internal/cache"
	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

const (
	DefaultAdapterTimeout = 5 * time.Second
	DefaultConcurrency    = 4
	DefaultTTL            = 15 * time.Second
	DefaultProfileTTL     = 10 * time.Minute
)

type Config struct {
	AdapterTimeout time.Duration
	Concurrency    int
	TTL            time.Duration

	// ProfileTTL bounds how long names and market caps are reused for live
	// updates.
	ProfileTTL time.Duration
}

var errEmpty = errors.New("no source returned data")

type Aggregator struct {
	adapters []source.Adapter
	live     source.LiveAdapter
	cache    *cache.Cache
	cfg      Config
	logger   logrus.FieldLogger
}

// New sorts adapters by rank, highest first. The first LiveAdapter found is
// used for token lookups.
func New(adapters []source.Adapter, c *cache.Cache, cfg Config, logger logrus.FieldLogger) *Aggregator {
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = DefaultAdapterTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = DefaultProfileTTL
	}

	sorted := append([]source.Adapter{}, adapters...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank() > sorted[j].Rank() })

	agg := &Aggregator{
		adapters: sorted,
		cache:    c,
		cfg:      cfg,
		logger:   logger.WithField("component", "aggregator"),
	}
	for _, ad := range sorted {
		if live, ok := ad.(source.LiveAdapter); ok {
			agg.live = live
			break
		}
	}
	return agg
}

// Adapters returns the adapters, highest rank first.
func (a *Aggregator) Adapters() []source.Adapter { return a.adapters }

// Live returns the live adapter, or nil.
func (a *Aggregator) Live() source.LiveAdapter { return a.live }

func (a *Aggregator) TTL() time.Duration { return a.cfg.TTL }

// Aggregate returns the cached aggregation under key, computing it on a
// miss. Empty results are returned but not cached.
func (a *Aggregator) Aggregate(ctx context.Context, key string, symbols []string) models.AggregatedMarketData {
	res, err := cache.Fetch(ctx, a.cache, key, func(ctx context.Context) (models.AggregatedMarketData, error) {
		agg := a.Collect(ctx, symbols)
		if len(agg.Data) == 0 {
			return agg, errEmpty
		}
		return agg, nil
	}, a.cfg.TTL)
	if err != nil {
		if !errors.Is(err, errEmpty) {
			a.logger.Warnf("aggregation for %s aborted: %v", key, err)
		}
		return emptyResult()
	}
	return res
}

// Collect queries every adapter concurrently and merges the results. It
// never fails: adapters that error or time out contribute nothing. Tickers
// invalidated while the adapters were being queried are not cached.
func (a *Aggregator) Collect(ctx context.Context, symbols []string) models.AggregatedMarketData {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 || len(a.adapters) == 0 {
		return emptyResult()
	}

	guard := a.cache.Guard()
	defer guard.Release()

	type result struct {
		quotes []models.RawQuote
		err    error
	}
	results := make([]result, len(a.adapters))

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)
	for i, ad := range a.adapters {
		g.Go(func() error {
			actx, cancel := context.WithTimeout(ctx, a.cfg.AdapterTimeout)
			defer cancel()
			quotes, err := ad.Fetch(actx, symbols)
			results[i] = result{quotes: quotes, err: err}
			return nil
		})
	}
	_ = g.Wait()

	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}

	var candidates []Candidate
	sourcesUsed := []string{}
	for i, ad := range a.adapters {
		res := results[i]
		if res.err != nil {
			a.logger.WithField("source", ad.Name()).Warnf("fetch failed: %v", res.err)
			continue
		}
		n := 0
		for _, q := range res.quotes {
			q.Symbol = models.NormalizeSymbol(q.Symbol)
			if _, ok := wanted[q.Symbol]; !ok {
				continue
			}
			if q.Source == "" {
				q.Source = ad.Name()
			}
			candidates = append(candidates, Candidate{Quote: q, Rank: ad.Rank()})
			n++
		}
		if n > 0 {
			sourcesUsed = append(sourcesUsed, ad.Name())
		}
	}

	data := Merge(candidates)
	agg := models.AggregatedMarketData{
		Data:         data,
		SourcesUsed:  sourcesUsed,
		TotalSymbols: len(data),
		LiveSymbols:  a.countLive(data),
	}

	for _, rec := range data {
		guard.Set(cache.TickerKey(rec.Symbol), rec, a.cfg.TTL)
		if rec.Name != nil || rec.MarketCap != nil {
			guard.Set(cache.ProfileKey(rec.Symbol), models.AssetProfile{
				Symbol:    rec.Symbol,
				Name:      rec.Name,
				MarketCap: rec.MarketCap,
			}, a.cfg.ProfileTTL)
		}
	}
	return agg
}

// FromLive turns a live quote into a merged record, borrowing name and
// market cap from the last aggregation that saw the symbol.
func (a *Aggregator) FromLive(q models.RawQuote) (models.UnifiedMarketData, bool) {
	rank := source.RankLive
	if a.live != nil {
		rank = a.live.Rank()
	}
	candidates := []Candidate{{Quote: q, Rank: rank}}
	sym := models.NormalizeSymbol(q.Symbol)
	if p, ok := cache.Lookup[models.AssetProfile](a.cache, cache.ProfileKey(sym)); ok {
		candidates = append(candidates, Candidate{
			Quote: models.RawQuote{Symbol: sym, Name: p.Name, MarketCap: p.MarketCap},
			Rank:  source.RankTertiary,
		})
	}
	merged := Merge(candidates)
	if len(merged) == 0 {
		return models.UnifiedMarketData{}, false
	}
	return merged[0], true
}

// Token returns one symbol, preferring the live adapter's quote and falling
// back to a full aggregation when live has nothing for it.
func (a *Aggregator) Token(ctx context.Context, symbol string) (models.UnifiedMarketData, error) {
	symbol = models.NormalizeSymbol(symbol)
	if symbol == "" {
		return models.UnifiedMarketData{}, fmt.Errorf("empty symbol: %w", models.ErrNotFound)
	}

	key := cache.TickerKey(symbol)
	if rec, ok := cache.Lookup[models.UnifiedMarketData](a.cache, key); ok {
		return rec, nil
	}

	if a.live != nil {
		guard := a.cache.Guard()
		defer guard.Release()
		actx, cancel := context.WithTimeout(ctx, a.cfg.AdapterTimeout)
		quotes, err := a.live.Fetch(actx, []string{symbol})
		cancel()
		if err != nil {
			a.logger.WithField("source", a.live.Name()).Warnf("live lookup for %s failed: %v", symbol, err)
		}
		var candidates []Candidate
		for _, q := range quotes {
			if models.NormalizeSymbol(q.Symbol) == symbol {
				candidates = append(candidates, Candidate{Quote: q, Rank: a.live.Rank()})
			}
		}
		if merged := Merge(candidates); len(merged) > 0 {
			guard.Set(key, merged[0], a.cfg.TTL)
			return merged[0], nil
		}
	}

	agg := a.Collect(ctx, []string{symbol})
	if len(agg.Data) == 0 {
		return models.UnifiedMarketData{}, fmt.Errorf("%s: %w", symbol, models.ErrNotFound)
	}
	return agg.Data[0], nil
}

func (a *Aggregator) countLive(data []models.UnifiedMarketData) int {
	live := make(map[string]struct{})
	for _, ad := range a.adapters {
		if ad.Rank() >= source.RankLive {
			live[ad.Name()] = struct{}{}
		}
	}
	n := 0
	for _, d := range data {
		if _, ok := live[d.Source]; ok {
			n++
		}
	}
	return n
}

func emptyResult() models.AggregatedMarketData {
	return models.AggregatedMarketData{
		Data:        []models.UnifiedMarketData{},
		SourcesUsed: []string{},
	}
}

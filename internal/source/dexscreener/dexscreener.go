// Package dexscreener is the secondary, chain-specific adapter.
package dexscreener

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/navid-fn/marketlens/internal/faulttolerance"
	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

const Name = "dexscreener"

const (
	defaultBaseURL   = "https://api.dexscreener.com"
	defaultChain     = "ethereum"
	fetchConcurrency = 3
)

type Config struct {
	BaseURL string
	// Chain restricts pairs to one chain id; "*" accepts any chain.
	Chain             string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
}

type searchResponse struct {
	Pairs []pair `json:"pairs"`
}

type pair struct {
	ChainID   string `json:"chainId"`
	DexID     string `json:"dexId"`
	BaseToken struct {
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD string `json:"priceUsd"`
	Volume   struct {
		H24 *float64 `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H24 *float64 `json:"h24"`
	} `json:"priceChange"`
	Liquidity struct {
		USD float64 `json:"usd"`
	} `json:"liquidity"`
	MarketCap *float64 `json:"marketCap"`
}

type Adapter struct {
	chain  string
	http   *source.HTTPClient
	logger logrus.FieldLogger
}

var (
	_ source.Adapter        = (*Adapter)(nil)
	_ source.HealthReporter = (*Adapter)(nil)
)

func New(cfg Config, logger logrus.FieldLogger) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Chain == "" {
		cfg.Chain = defaultChain
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 4
	}
	logger = logger.WithField("source", Name)

	httpCfg := source.DefaultHTTPConfig(Name, cfg.BaseURL, cfg.RequestsPerSecond)
	if cfg.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.RequestTimeout
	}

	return &Adapter{
		chain:  strings.ToLower(cfg.Chain),
		http:   source.NewHTTPClient(Name, httpCfg, logger),
		logger: logger,
	}
}

func (a *Adapter) Name() string      { return Name }
func (a *Adapter) Rank() source.Rank { return source.RankSecondary }

func (a *Adapter) BreakerStats() faulttolerance.BreakerStats { return a.http.BreakerStats() }

// Fetch runs one search per symbol and keeps the most liquid matching pair.
func (a *Adapter) Fetch(ctx context.Context, symbols []string) ([]models.RawQuote, error) {
	symbols = models.NormalizeSymbols(symbols)
	results := make([]*models.RawQuote, len(symbols))
	errs := make([]error, len(symbols))

	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := a.search(ctx, sym)
			results[i], errs[i] = q, err
			return nil
		})
	}
	_ = g.Wait()

	quotes := make([]models.RawQuote, 0, len(symbols))
	var firstErr error
	for i, q := range results {
		if q != nil {
			quotes = append(quotes, *q)
		}
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
	}
	if len(quotes) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return quotes, nil
}

func (a *Adapter) search(ctx context.Context, symbol string) (*models.RawQuote, error) {
	var resp searchResponse
	if err := a.http.GetJSON(ctx, "/latest/dex/search", url.Values{"q": {symbol}}, &resp); err != nil {
		return nil, err
	}

	var best *pair
	var bestPrice *float64
	for i := range resp.Pairs {
		p := &resp.Pairs[i]
		if a.chain != "*" && !strings.EqualFold(p.ChainID, a.chain) {
			continue
		}
		if !strings.EqualFold(p.BaseToken.Symbol, symbol) {
			continue
		}
		price := source.PositiveDecimal(p.PriceUSD)
		if price == nil {
			continue
		}
		if best == nil || p.Liquidity.USD > best.Liquidity.USD {
			best, bestPrice = p, price
		}
	}
	if best == nil {
		return nil, nil
	}

	q := &models.RawQuote{
		Symbol:    symbol,
		Source:    Name,
		Price:     bestPrice,
		Change24h: best.PriceChange.H24,
		Volume24h: best.Volume.H24,
		MarketCap: best.MarketCap,
		Timestamp: time.Now().UTC(),
	}
	if best.BaseToken.Name != "" {
		q.Name = models.String(best.BaseToken.Name)
	}
	return q, nil
}

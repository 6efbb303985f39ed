// Package coingecko is the primary aggregator adapter. It is the most
// complete source for names and market caps.
package coingecko

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/internal/faulttolerance"
	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

const Name = "coingecko"

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	apiKeyHeader   = "x-cg-demo-api-key"
	batchSize      = 100
)

type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
}

type coin struct {
	ID                       string   `json:"id"`
	Symbol                   string   `json:"symbol"`
	Name                     string   `json:"name"`
	CurrentPrice             *float64 `json:"current_price"`
	MarketCap                *float64 `json:"market_cap"`
	TotalVolume              *float64 `json:"total_volume"`
	PriceChangePercentage24h *float64 `json:"price_change_percentage_24h"`
	LastUpdated              string   `json:"last_updated"`
}

type Adapter struct {
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
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 0.5
	}
	logger = logger.WithField("source", Name)

	httpCfg := source.DefaultHTTPConfig(Name, cfg.BaseURL, cfg.RequestsPerSecond)
	httpCfg.Burst = 2
	httpCfg.APIKey = cfg.APIKey
	httpCfg.APIKeyHeader = apiKeyHeader
	if cfg.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.RequestTimeout
	}

	return &Adapter{
		http:   source.NewHTTPClient(Name, httpCfg, logger),
		logger: logger,
	}
}

func (a *Adapter) Name() string      { return Name }
func (a *Adapter) Rank() source.Rank { return source.RankPrimary }

func (a *Adapter) BreakerStats() faulttolerance.BreakerStats { return a.http.BreakerStats() }

// Fetch queries /coins/markets in batches. Several coins may share a ticker
// symbol; the one with the largest market cap wins.
func (a *Adapter) Fetch(ctx context.Context, symbols []string) ([]models.RawQuote, error) {
	symbols = models.NormalizeSymbols(symbols)
	best := make(map[string]coin, len(symbols))

	var fetched bool
	var lastErr error
	for start := 0; start < len(symbols); start += batchSize {
		end := min(start+batchSize, len(symbols))
		coins, err := a.fetchBatch(ctx, symbols[start:end])
		if err != nil {
			lastErr = err
			a.logger.Warnf("[%s] batch %d-%d failed: %v", Name, start, end, err)
			continue
		}
		fetched = true
		for _, c := range coins {
			sym := models.NormalizeSymbol(c.Symbol)
			if c.CurrentPrice == nil && c.MarketCap == nil {
				continue
			}
			if prev, ok := best[sym]; ok && marketCap(prev) >= marketCap(c) {
				continue
			}
			best[sym] = c
		}
	}
	if !fetched && lastErr != nil {
		return nil, lastErr
	}

	quotes := make([]models.RawQuote, 0, len(best))
	for _, sym := range symbols {
		c, ok := best[sym]
		if !ok {
			continue
		}
		quotes = append(quotes, c.toQuote(sym))
	}
	return quotes, nil
}

func (a *Adapter) fetchBatch(ctx context.Context, symbols []string) ([]coin, error) {
	lower := make([]string, len(symbols))
	for i, s := range symbols {
		lower[i] = strings.ToLower(s)
	}
	q := url.Values{
		"vs_currency": {"usd"},
		"symbols":     {strings.Join(lower, ",")},
		"per_page":    {strconv.Itoa(250)},
	}

	var coins []coin
	if err := a.http.GetJSON(ctx, "/coins/markets", q, &coins); err != nil {
		return nil, err
	}
	return coins, nil
}

func (c coin) toQuote(symbol string) models.RawQuote {
	q := models.RawQuote{
		Symbol:    symbol,
		Source:    Name,
		Price:     c.CurrentPrice,
		Change24h: c.PriceChangePercentage24h,
		Volume24h: c.TotalVolume,
		MarketCap: c.MarketCap,
		Timestamp: time.Now().UTC(),
	}
	if c.Name != "" {
		q.Name = models.String(c.Name)
	}
	if ts, err := time.Parse(time.RFC3339, c.LastUpdated); err == nil {
		q.Timestamp = ts.UTC()
	}
	return q
}

func marketCap(c coin) float64 {
	if c.MarketCap == nil {
		return 0
	}
	return *c.MarketCap
}

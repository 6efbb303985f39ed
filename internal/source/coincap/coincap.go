// Package coincap is the tertiary fallback adapter.
package coincap

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/internal/faulttolerance"
	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

const Name = "coincap"

const (
	defaultBaseURL = "https://api.coincap.io"
	assetLimit     = 2000
)

type Config struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	RequestTimeout    time.Duration
}

// CoinCap encodes every numeric as a string.
type asset struct {
	ID                string `json:"id"`
	Rank              string `json:"rank"`
	Symbol            string `json:"symbol"`
	Name              string `json:"name"`
	MarketCapUSD      string `json:"marketCapUsd"`
	VolumeUSD24Hr     string `json:"volumeUsd24Hr"`
	PriceUSD          string `json:"priceUsd"`
	ChangePercent24Hr string `json:"changePercent24Hr"`
}

type assetsResponse struct {
	Data      []asset `json:"data"`
	Timestamp int64   `json:"timestamp"`
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
		cfg.RequestsPerSecond = 2
	}
	logger = logger.WithField("source", Name)

	httpCfg := source.DefaultHTTPConfig(Name, cfg.BaseURL, cfg.RequestsPerSecond)
	if cfg.APIKey != "" {
		httpCfg.APIKey = "Bearer " + cfg.APIKey
		httpCfg.APIKeyHeader = "Authorization"
	}
	if cfg.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.RequestTimeout
	}

	return &Adapter{
		http:   source.NewHTTPClient(Name, httpCfg, logger),
		logger: logger,
	}
}

func (a *Adapter) Name() string      { return Name }
func (a *Adapter) Rank() source.Rank { return source.RankTertiary }

func (a *Adapter) BreakerStats() faulttolerance.BreakerStats { return a.http.BreakerStats() }

// Fetch lists assets once and filters by symbol. When a symbol is shared,
// the best-ranked asset wins.
func (a *Adapter) Fetch(ctx context.Context, symbols []string) ([]models.RawQuote, error) {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return nil, nil
	}
	wanted := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		wanted[s] = struct{}{}
	}

	var resp assetsResponse
	q := url.Values{"limit": {strconv.Itoa(assetLimit)}}
	if err := a.http.GetJSON(ctx, "/v2/assets", q, &resp); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	if resp.Timestamp > 0 {
		ts = time.UnixMilli(resp.Timestamp).UTC()
	}

	best := make(map[string]asset, len(symbols))
	for _, as := range resp.Data {
		sym := models.NormalizeSymbol(as.Symbol)
		if _, ok := wanted[sym]; !ok {
			continue
		}
		if prev, ok := best[sym]; ok && rank(prev) <= rank(as) {
			continue
		}
		best[sym] = as
	}

	quotes := make([]models.RawQuote, 0, len(best))
	for _, sym := range symbols {
		as, ok := best[sym]
		if !ok {
			continue
		}
		price := source.PositiveDecimal(as.PriceUSD)
		if price == nil {
			continue
		}
		quote := models.RawQuote{
			Symbol:    sym,
			Source:    Name,
			Price:     price,
			Change24h: source.ParseDecimal(as.ChangePercent24Hr),
			Volume24h: source.ParseDecimal(as.VolumeUSD24Hr),
			MarketCap: source.ParseDecimal(as.MarketCapUSD),
			Timestamp: ts,
		}
		if as.Name != "" {
			quote.Name = models.String(as.Name)
		}
		quotes = append(quotes, quote)
	}
	return quotes, nil
}

func rank(a asset) int {
	r, err := strconv.Atoi(a.Rank)
	if err != nil || r <= 0 {
		return int(^uint(0) >> 1)
	}
	return r
}

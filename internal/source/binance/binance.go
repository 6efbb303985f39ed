// Package binance is the live-feed adapter: a websocket ticker stream with
// REST fallbacks for quotes, order books and trades.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/navid-fn/marketlens/internal/faulttolerance"
	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

const Name = "binance"

const (
	defaultRESTURL      = "https://api.binance.com"
	defaultWSURL        = "wss://stream.binance.com:9443/stream"
	defaultQuoteAsset   = "USDT"
	defaultStaleAfter   = 15 * time.Second
	defaultStreamBuffer = 256
	defaultDepth        = 100
	defaultTradeLimit   = 50
	maxTradeLimit       = 1000
	fetchConcurrency    = 4
)

// Binance accepts only these depth limits.
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000, 5000}

type Config struct {
	RESTURL           string
	WSURL             string
	QuoteAsset        string
	RequestsPerSecond float64
	RequestTimeout    time.Duration

	// StaleAfter bounds how old a streamed quote may be for Fetch to serve it.
	StaleAfter   time.Duration
	StreamBuffer int

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		RESTURL:           defaultRESTURL,
		WSURL:             defaultWSURL,
		QuoteAsset:        defaultQuoteAsset,
		RequestsPerSecond: 10,
		StaleAfter:        defaultStaleAfter,
		StreamBuffer:      defaultStreamBuffer,
	}
}

type Adapter struct {
	cfg    Config
	http   *source.HTTPClient
	logger logrus.FieldLogger
	now    func() time.Time

	mu   sync.RWMutex
	last map[string]models.RawQuote
}

var (
	_ source.LiveAdapter     = (*Adapter)(nil)
	_ source.OrderBookSource = (*Adapter)(nil)
	_ source.TradeSource     = (*Adapter)(nil)
	_ source.HealthReporter  = (*Adapter)(nil)
)

func New(cfg Config, logger logrus.FieldLogger) *Adapter {
	def := DefaultConfig()
	if cfg.RESTURL == "" {
		cfg.RESTURL = def.RESTURL
	}
	if cfg.WSURL == "" {
		cfg.WSURL = def.WSURL
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = def.QuoteAsset
	}
	cfg.QuoteAsset = strings.ToUpper(cfg.QuoteAsset)
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = def.StreamBuffer
	}

	logger = logger.WithField("source", Name)
	httpCfg := source.DefaultHTTPConfig(Name, cfg.RESTURL, cfg.RequestsPerSecond)
	if cfg.RequestTimeout > 0 {
		httpCfg.RequestTimeout = cfg.RequestTimeout
	}

	return &Adapter{
		cfg:    cfg,
		http:   source.NewHTTPClient(Name, httpCfg, logger),
		logger: logger,
		now:    time.Now,
		last:   make(map[string]models.RawQuote),
	}
}

func (a *Adapter) Name() string      { return Name }
func (a *Adapter) Rank() source.Rank { return source.RankLive }

func (a *Adapter) BreakerStats() faulttolerance.BreakerStats { return a.http.BreakerStats() }

func (a *Adapter) pair(symbol string) string {
	return models.NormalizeSymbol(symbol) + a.cfg.QuoteAsset
}

// Fetch serves fresh streamed quotes and asks REST for the rest.
func (a *Adapter) Fetch(ctx context.Context, symbols []string) ([]models.RawQuote, error) {
	symbols = models.NormalizeSymbols(symbols)
	quotes := make([]models.RawQuote, 0, len(symbols))
	var missing []string

	now := a.now()
	a.mu.RLock()
	for _, sym := range symbols {
		if q, ok := a.last[sym]; ok && now.Sub(q.Timestamp) <= a.cfg.StaleAfter {
			quotes = append(quotes, q)
			continue
		}
		missing = append(missing, sym)
	}
	a.mu.RUnlock()

	if len(missing) == 0 {
		return quotes, nil
	}

	fetched, err := a.fetchTickers(ctx, missing)
	if err != nil {
		if len(quotes) > 0 {
			a.logger.Warnf("[%s] REST fallback failed, serving %d streamed quotes: %v", Name, len(quotes), err)
			return quotes, nil
		}
		return nil, err
	}
	return append(quotes, fetched...), nil
}

// Latest returns the freshest streamed quote for symbol, if any.
func (a *Adapter) Latest(symbol string) (models.RawQuote, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.last[models.NormalizeSymbol(symbol)]
	if !ok || a.now().Sub(q.Timestamp) > a.cfg.StaleAfter {
		return models.RawQuote{}, false
	}
	return q, true
}

func (a *Adapter) remember(q models.RawQuote) {
	a.mu.Lock()
	if prev, ok := a.last[q.Symbol]; !ok || !q.Timestamp.Before(prev.Timestamp) {
		a.last[q.Symbol] = q
	}
	a.mu.Unlock()
}

func (a *Adapter) fetchTickers(ctx context.Context, symbols []string) ([]models.RawQuote, error) {
	results := make([]*models.RawQuote, len(symbols))
	errs := make([]error, len(symbols))

	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for i, sym := range symbols {
		g.Go(func() error {
			var t ticker24h
			err := a.http.GetJSON(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {a.pair(sym)}}, &t)
			if err != nil {
				if source.StatusCode(err) == http.StatusBadRequest {
					// unknown pair
					return nil
				}
				errs[i] = err
				return nil
			}
			q := t.toQuote(sym)
			if q.Price != nil {
				results[i] = &q
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]models.RawQuote, 0, len(symbols))
	var firstErr error
	for i, q := range results {
		if q != nil {
			out = append(out, *q)
		}
		if errs[i] != nil && firstErr == nil {
			firstErr = errs[i]
		}
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	if firstErr != nil {
		a.logger.Warnf("[%s] partial ticker fetch: %v", Name, firstErr)
	}
	return out, nil
}

// OrderBook fetches a depth snapshot. depth <= 0 uses the default.
func (a *Adapter) OrderBook(ctx context.Context, symbol string, depth int) (models.OrderBookData, error) {
	symbol = models.NormalizeSymbol(symbol)
	if depth <= 0 {
		depth = defaultDepth
	}

	q := url.Values{
		"symbol": {a.pair(symbol)},
		"limit":  {strconv.Itoa(depthLimit(depth))},
	}
	var resp depthResponse
	if err := a.http.GetJSON(ctx, "/api/v3/depth", q, &resp); err != nil {
		return models.OrderBookData{}, a.notFound(symbol, err)
	}

	return models.NewOrderBook(symbol, toLevels(resp.Bids), toLevels(resp.Asks), depth, a.now()), nil
}

// RecentTrades returns the newest trades first.
func (a *Adapter) RecentTrades(ctx context.Context, symbol string, limit int) ([]models.RecentTrade, error) {
	symbol = models.NormalizeSymbol(symbol)
	if limit <= 0 {
		limit = defaultTradeLimit
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	q := url.Values{
		"symbol": {a.pair(symbol)},
		"limit":  {strconv.Itoa(limit)},
	}
	var resp []tradeResponse
	if err := a.http.GetJSON(ctx, "/api/v3/trades", q, &resp); err != nil {
		return nil, a.notFound(symbol, err)
	}

	trades := make([]models.RecentTrade, 0, len(resp))
	for i := len(resp) - 1; i >= 0; i-- {
		if t, ok := resp[i].toTrade(symbol); ok {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func (a *Adapter) notFound(symbol string, err error) error {
	if source.StatusCode(err) == http.StatusBadRequest {
		return fmt.Errorf("%s%s: %w", symbol, a.cfg.QuoteAsset, models.ErrNotFound)
	}
	return err
}

func depthLimit(depth int) int {
	for _, l := range depthLimits {
		if depth <= l {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}

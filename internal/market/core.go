// Package market is the query and subscribe surface the rest of the system
// talks to. It owns nothing itself: the cache, aggregator, hub and router are
// built by the caller and injected.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/internal/aggregator"
	"github.com/navid-fn/marketlens/internal/cache"
	"github.com/navid-fn/marketlens/internal/hub"
	"github.com/navid-fn/marketlens/internal/invalidation"
	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

const (
	DefaultOrderBookLevels = 20
	DefaultTradesLimit     = 50
	MaxOrderBookLevels     = 100
	MaxTrades              = 500

	DefaultDepthTTL       = 5 * time.Second
	DefaultRequestTimeout = 5 * time.Second
)

var (
	// ErrUnsupported means no configured source provides the data.
	ErrUnsupported = errors.New("no source provides this data")

	// ErrInvalidArgument wraps caller mistakes such as an unknown level count.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Publisher receives every merged live update for the watch list.
type Publisher interface {
	Publish(models.UnifiedMarketData) error
}

type Config struct {
	WatchList      []string
	DepthTTL       time.Duration
	RequestTimeout time.Duration
}

type Deps struct {
	Cache      *cache.Cache
	Aggregator *aggregator.Aggregator
	Hub        *hub.Hub
	Router     *invalidation.Router
}

type Core struct {
	cache  *cache.Cache
	agg    *aggregator.Aggregator
	hub    *hub.Hub
	router *invalidation.Router
	cfg    Config
	logger logrus.FieldLogger

	mu         sync.Mutex
	publishing *hub.Subscription
}

func New(deps Deps, cfg Config, logger logrus.FieldLogger) *Core {
	cfg.WatchList = models.NormalizeSymbols(cfg.WatchList)
	if cfg.DepthTTL <= 0 {
		cfg.DepthTTL = DefaultDepthTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Core{
		cache:  deps.Cache,
		agg:    deps.Aggregator,
		hub:    deps.Hub,
		router: deps.Router,
		cfg:    cfg,
		logger: logger.WithField("component", "market"),
	}
}

// WatchList returns the configured symbols.
func (c *Core) WatchList() []string { return append([]string{}, c.cfg.WatchList...) }

// Start begins the cache sweep.
func (c *Core) Start(ctx context.Context) {
	c.cache.Start(ctx)
}

// GetAggregatedMarketData returns the merged view of the watch list.
func (c *Core) GetAggregatedMarketData(ctx context.Context) models.AggregatedMarketData {
	return c.agg.Aggregate(ctx, cache.AggregateKey(c.cfg.WatchList...), c.cfg.WatchList)
}

// GetMarketData aggregates an arbitrary batch; an empty batch means the
// watch list.
func (c *Core) GetMarketData(ctx context.Context, symbols []string) models.AggregatedMarketData {
	symbols = models.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return c.GetAggregatedMarketData(ctx)
	}
	return c.agg.Aggregate(ctx, cache.AggregateKey(symbols...), symbols)
}

func (c *Core) GetTokenData(ctx context.Context, symbol string) (models.UnifiedMarketData, error) {
	return c.agg.Token(ctx, symbol)
}

// GetOrderBook returns up to levels price levels per side from the
// highest-ranked order-book source. Books are cached at full depth.
func (c *Core) GetOrderBook(ctx context.Context, symbol string, levels int) (models.OrderBookData, error) {
	symbol = models.NormalizeSymbol(symbol)
	if symbol == "" {
		return models.OrderBookData{}, fmt.Errorf("empty symbol: %w", ErrInvalidArgument)
	}
	if levels <= 0 {
		levels = DefaultOrderBookLevels
	}
	if levels > MaxOrderBookLevels {
		return models.OrderBookData{}, fmt.Errorf("levels %d above %d: %w", levels, MaxOrderBookLevels, ErrInvalidArgument)
	}

	books := c.orderBookSource()
	if books == nil {
		return models.OrderBookData{}, fmt.Errorf("order book: %w", ErrUnsupported)
	}
	ob, err := cache.Fetch(ctx, c.cache, cache.OrderBookKey(symbol), func(ctx context.Context) (models.OrderBookData, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		return books.OrderBook(ctx, symbol, MaxOrderBookLevels)
	}, c.cfg.DepthTTL)
	if err != nil {
		return models.OrderBookData{}, fmt.Errorf("order book for %s: %w", symbol, err)
	}
	return ob.Truncate(levels), nil
}

// GetRecentTrades returns up to limit trades, newest first.
func (c *Core) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]models.RecentTrade, error) {
	symbol = models.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("empty symbol: %w", ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = DefaultTradesLimit
	}
	if limit > MaxTrades {
		return nil, fmt.Errorf("limit %d above %d: %w", limit, MaxTrades, ErrInvalidArgument)
	}

	trades := c.tradeSource()
	if trades == nil {
		return nil, fmt.Errorf("recent trades: %w", ErrUnsupported)
	}
	list, err := cache.Fetch(ctx, c.cache, cache.TradesKey(symbol), func(ctx context.Context) (models.TradeList, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		out, err := trades.RecentTrades(ctx, symbol, MaxTrades)
		return models.TradeList(out), err
	}, c.cfg.DepthTTL)
	if err != nil {
		return nil, fmt.Errorf("recent trades for %s: %w", symbol, err)
	}
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// SubscribeToMarketUpdates calls callback with a merged record for every live
// quote on symbols. The subscription ends on Unsubscribe or when ctx is done.
func (c *Core) SubscribeToMarketUpdates(ctx context.Context, symbols []string, callback func(models.UnifiedMarketData)) (*hub.Subscription, error) {
	if c.agg.Live() == nil {
		return nil, hub.ErrNoLiveAdapter
	}
	return c.hub.SubscribeFunc(ctx, symbols, func(q models.RawQuote) {
		if rec, ok := c.agg.FromLive(q); ok {
			callback(rec)
		}
	})
}

func (c *Core) Unsubscribe(sub *hub.Subscription) {
	c.hub.Unsubscribe(sub)
}

// PublishUpdates forwards live updates for the watch list to pub until
// Cleanup. Calling it again replaces the previous publisher.
func (c *Core) PublishUpdates(ctx context.Context, pub Publisher) error {
	if len(c.cfg.WatchList) == 0 {
		return fmt.Errorf("publish: %w", hub.ErrNoSymbols)
	}
	sub, err := c.SubscribeToMarketUpdates(ctx, c.cfg.WatchList, func(rec models.UnifiedMarketData) {
		if err := pub.Publish(rec); err != nil {
			c.logger.Warnf("publish %s failed: %v", rec.Symbol, err)
		}
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	c.mu.Lock()
	prev := c.publishing
	c.publishing = sub
	c.mu.Unlock()
	c.hub.Unsubscribe(prev)
	return nil
}

// Refresh drops every cached aggregate and recomputes the watch list.
func (c *Core) Refresh(ctx context.Context) models.AggregatedMarketData {
	n := c.cache.InvalidatePattern("^" + cache.AggregateKey())
	c.logger.Infof("refresh dropped %d cached aggregates", n)
	return c.GetAggregatedMarketData(ctx)
}

// Cleanup closes every subscription, stops the cache sweep and drops every
// cached entry.
func (c *Core) Cleanup() {
	c.hub.UnsubscribeAll()
	c.cache.Shutdown()
	c.cache.Clear()
	c.logger.Info("market core stopped")
}

func (c *Core) orderBookSource() source.OrderBookSource {
	for _, ad := range c.agg.Adapters() {
		if s, ok := ad.(source.OrderBookSource); ok {
			return s
		}
	}
	return nil
}

func (c *Core) tradeSource() source.TradeSource {
	for _, ad := range c.agg.Adapters() {
		if s, ok := ad.(source.TradeSource); ok {
			return s
		}
	}
	return nil
}

// Package app assembles the market core from configuration. Both binaries
// build the same object graph through it.
package app

import (
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/configs"
	"github.com/navid-fn/marketlens/internal/aggregator"
	"github.com/navid-fn/marketlens/internal/cache"
	"github.com/navid-fn/marketlens/internal/hub"
	"github.com/navid-fn/marketlens/internal/invalidation"
	"github.com/navid-fn/marketlens/internal/market"
	"github.com/navid-fn/marketlens/internal/source"
	"github.com/navid-fn/marketlens/internal/source/binance"
	"github.com/navid-fn/marketlens/internal/source/coincap"
	"github.com/navid-fn/marketlens/internal/source/coingecko"
	"github.com/navid-fn/marketlens/internal/source/dexscreener"
)

// App is the assembled object graph.
type App struct {
	Cache      *cache.Cache
	Aggregator *aggregator.Aggregator
	Hub        *hub.Hub
	Router     *invalidation.Router
	Core       *market.Core
}

// BuildAdapters creates every enabled source adapter.
func BuildAdapters(cfg configs.SourcesConfig, logger logrus.FieldLogger) []source.Adapter {
	var adapters []source.Adapter

	if s := cfg.Binance; s.Enabled {
		bcfg := binance.DefaultConfig()
		bcfg.RESTURL = s.BaseURL
		bcfg.WSURL = s.StreamURL
		bcfg.QuoteAsset = s.QuoteAsset
		if s.RequestsPerSecond > 0 {
			bcfg.RequestsPerSecond = s.RequestsPerSecond
		}
		adapters = append(adapters, binance.New(bcfg, logger))
	}
	if s := cfg.CoinGecko; s.Enabled {
		adapters = append(adapters, coingecko.New(coingecko.Config{
			BaseURL:           s.BaseURL,
			APIKey:            s.APIKey,
			RequestsPerSecond: s.RequestsPerSecond,
		}, logger))
	}
	if s := cfg.DexScreener; s.Enabled {
		adapters = append(adapters, dexscreener.New(dexscreener.Config{
			BaseURL:           s.BaseURL,
			Chain:             s.Chain,
			RequestsPerSecond: s.RequestsPerSecond,
		}, logger))
	}
	if s := cfg.CoinCap; s.Enabled {
		adapters = append(adapters, coincap.New(coincap.Config{
			BaseURL:           s.BaseURL,
			APIKey:            s.APIKey,
			RequestsPerSecond: s.RequestsPerSecond,
		}, logger))
	}

	for _, ad := range adapters {
		logger.Infof("source %s enabled (rank %s)", ad.Name(), ad.Rank())
	}
	return adapters
}

// New wires cache, aggregator, router, hub and core. Live quotes pass
// through the router before subscribers see them.
func New(cfg *configs.AppConfig, adapters []source.Adapter, logger logrus.FieldLogger) *App {
	c := cache.New(cache.Config{
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}, logger)

	agg := aggregator.New(adapters, c, aggregator.Config{
		AdapterTimeout: cfg.Aggregator.AdapterTimeout,
		Concurrency:    cfg.Aggregator.Concurrency,
		TTL:            cfg.Aggregator.TTL,
	}, logger)

	router := invalidation.NewRouter(c, logger)
	h := hub.New(agg.Live(), hub.Config{Observer: router.OnQuote}, logger)

	core := market.New(market.Deps{
		Cache:      c,
		Aggregator: agg,
		Hub:        h,
		Router:     router,
	}, market.Config{
		WatchList:      cfg.WatchList,
		DepthTTL:       cfg.Aggregator.DepthTTL,
		RequestTimeout: cfg.Aggregator.AdapterTimeout,
	}, logger)

	return &App{Cache: c, Aggregator: agg, Hub: h, Router: router, Core: core}
}

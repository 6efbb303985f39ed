package app

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navid-fn/marketlens/configs"
	"github.com/navid-fn/marketlens/internal/source"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestBuildAdaptersHonoursEnabled(t *testing.T) {
	cfg := configs.SourcesConfig{
		Binance:     configs.SourceConfig{Enabled: true},
		CoinGecko:   configs.SourceConfig{Enabled: false},
		DexScreener: configs.SourceConfig{Enabled: true, Chain: "bsc"},
		CoinCap:     configs.SourceConfig{Enabled: true},
	}
	adapters := BuildAdapters(cfg, quietLogger())

	var names []string
	for _, ad := range adapters {
		names = append(names, ad.Name())
	}
	assert.Equal(t, []string{"binance", "dexscreener", "coincap"}, names)
}

func TestNewWiresLiveAdapter(t *testing.T) {
	cfg := &configs.AppConfig{
		WatchList:  []string{"BTC"},
		Aggregator: configs.AggregatorConfig{Concurrency: 2},
	}
	adapters := BuildAdapters(configs.SourcesConfig{
		Binance: configs.SourceConfig{Enabled: true},
		CoinCap: configs.SourceConfig{Enabled: true},
	}, quietLogger())

	a := New(cfg, adapters, quietLogger())
	defer a.Core.Cleanup()

	require.NotNil(t, a.Aggregator.Live())
	assert.Equal(t, "binance", a.Aggregator.Live().Name())
	assert.Equal(t, source.RankLive, a.Aggregator.Adapters()[0].Rank())
	assert.Equal(t, []string{"BTC"}, a.Core.WatchList())
	assert.Equal(t, 0, a.Hub.Groups())
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/configs"
	"github.com/navid-fn/marketlens/internal/app"
	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/server/handler"
)

// queryMode selects what the debug tool prints.
type queryMode string

const (
	modeAggregate queryMode = "aggregate"
	modeToken     queryMode = "token"
	modeOrderBook queryMode = "orderbook"
	modeTrades    queryMode = "trades"
	modeStream    queryMode = "stream"
	modeHealth    queryMode = "health"
)

var validModes = []queryMode{modeAggregate, modeToken, modeOrderBook, modeTrades, modeStream, modeHealth}

func main() {
	modeFlag := flag.String("mode", string(modeAggregate), "what to query: aggregate, token, orderbook, trades, stream, health")
	symbolsFlag := flag.String("symbols", "", "comma separated symbols (default: WATCH_LIST)")
	levels := flag.Int("levels", 10, "order book levels per side")
	limit := flag.Int("limit", 20, "number of recent trades")
	duration := flag.Duration("duration", 30*time.Second, "how long stream mode runs")
	sources := flag.String("sources", "", "comma separated sources to enable (default: all configured)")
	verbose := flag.Bool("v", false, "log debug output to stderr")
	flag.Parse()

	mode := queryMode(strings.ToLower(*modeFlag))
	if !validMode(mode) {
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *modeFlag)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := configs.AppLoad()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := configs.NewLogger(level)
	logger.SetOutput(os.Stderr)

	if *sources != "" {
		cfg.Sources = filterSources(cfg.Sources, *sources)
	}

	symbols := handler.SplitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		symbols = models.NormalizeSymbols(cfg.WatchList)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, app.BuildAdapters(cfg.Sources, logger), logger)
	a.Core.Start(ctx)
	defer a.Core.Cleanup()

	if err := run(ctx, a, mode, symbols, *levels, *limit, *duration, logger); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", mode, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App, mode queryMode, symbols []string, levels, limit int, duration time.Duration, logger logrus.FieldLogger) error {
	switch mode {
	case modeAggregate:
		return printJSON(a.Core.GetMarketData(ctx, symbols))

	case modeToken:
		for _, sym := range symbols {
			rec, err := a.Core.GetTokenData(ctx, sym)
			if err != nil {
				return err
			}
			if err := printJSON(rec); err != nil {
				return err
			}
		}

	case modeOrderBook:
		ob, err := a.Core.GetOrderBook(ctx, symbols[0], levels)
		if err != nil {
			return err
		}
		return printJSON(ob)

	case modeTrades:
		trades, err := a.Core.GetRecentTrades(ctx, symbols[0], limit)
		if err != nil {
			return err
		}
		return printJSON(trades)

	case modeStream:
		ctx, cancel := context.WithTimeout(ctx, duration)
		defer cancel()
		updates := make(chan models.UnifiedMarketData, 64)
		sub, err := a.Core.SubscribeToMarketUpdates(ctx, symbols, func(rec models.UnifiedMarketData) {
			select {
			case updates <- rec:
			default:
				logger.Debugf("dropped update for %s", rec.Symbol)
			}
		})
		if err != nil {
			return err
		}
		defer a.Core.Unsubscribe(sub)

		count := 0
		for {
			select {
			case <-ctx.Done():
				fmt.Fprintf(os.Stderr, "received %d updates\n", count)
				return nil
			case rec := <-updates:
				count++
				if err := printJSON(rec); err != nil {
					return err
				}
			}
		}

	case modeHealth:
		return printJSON(a.Core.Health())
	}
	return nil
}

func printJSON(v any) error {
	out, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func validMode(m queryMode) bool {
	for _, v := range validModes {
		if m == v {
			return true
		}
	}
	return false
}

// filterSources disables every source not named in raw.
func filterSources(s configs.SourcesConfig, raw string) configs.SourcesConfig {
	keep := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		keep[name] = true
	}
	for name := range keep {
		if _, ok := s.All()[name]; !ok {
			fmt.Printf("Warning: unknown source %q (available: %s)\n", name, strings.Join(configs.SourceNames, ", "))
		}
	}
	s.Binance.Enabled = s.Binance.Enabled && keep["binance"]
	s.CoinGecko.Enabled = s.CoinGecko.Enabled && keep["coingecko"]
	s.DexScreener.Enabled = s.DexScreener.Enabled && keep["dexscreener"]
	s.CoinCap.Enabled = s.CoinCap.Enabled && keep["coincap"]
	return s
}

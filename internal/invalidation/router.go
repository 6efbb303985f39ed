// Package invalidation turns write-side change events into cache evictions.
//
// Each known table maps to exactly one eviction pattern. Events arrive from
// the live feed (OnQuote), a Kafka topic (KafkaListener) or Redis pub/sub
// (RedisListener); all of them end up in Router.Handle.
package invalidation

import (
	"regexp"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/marketlens/internal/cache"
	"github.com/navid-fn/marketlens/internal/models"
)

// Tables with a routing rule.
const (
	TableTickers    = "tickers"
	TablePriceFeeds = "price_feeds"
	TableTrades     = "trades"
	TablePortfolios = "portfolios"
	TableHoldings   = "holdings"
	TableOrders     = "orders"
)

// Evictor is the part of the cache the router needs.
type Evictor interface {
	InvalidatePattern(pattern string) int
}

var _ Evictor = (*cache.Cache)(nil)

type Router struct {
	cache  Evictor
	logger logrus.FieldLogger

	routed  atomic.Uint64
	ignored atomic.Uint64
	evicted atomic.Uint64
}

// Stats counts events since start.
type Stats struct {
	Routed  uint64 `json:"routed"`
	Ignored uint64 `json:"ignored"`
	Evicted uint64 `json:"evicted"`
}

func NewRouter(c Evictor, logger logrus.FieldLogger) *Router {
	return &Router{cache: c, logger: logger.WithField("component", "invalidation")}
}

// Pattern returns the eviction pattern for ev, or false when the table is
// unknown or the row lacks the id the rule needs.
func Pattern(ev models.ChangeEvent) (string, bool) {
	switch ev.Table {
	case TableTickers, TablePriceFeeds:
		sym := models.NormalizeSymbol(ev.Field("symbol"))
		if sym == "" {
			return "", false
		}
		return tickerPattern(sym), true

	case TableTrades:
		sym := models.NormalizeSymbol(ev.Field("symbol"))
		if sym == "" {
			return "", false
		}
		return "^" + regexp.QuoteMeta(cache.TradesKey(sym)) + "$", true

	case TablePortfolios, TableHoldings:
		user := ev.Field("user_id")
		if user == "" {
			return "", false
		}
		userPart := cache.DomainUser + ":" + regexp.QuoteMeta(user)
		if agent := ev.Field("agent_id"); agent != "" {
			return "^(" + userPart + "|" + cache.DomainAgent + ":" + regexp.QuoteMeta(agent) + "):", true
		}
		return "^" + userPart + ":", true

	case TableOrders:
		user := ev.Field("user_id")
		if user == "" {
			return "", false
		}
		return "^" + cache.DomainUser + ":" + regexp.QuoteMeta(user) + ":", true
	}
	return "", false
}

// tickerPattern matches every market:<sym>:* key and the aggregates whose
// member list contains sym.
func tickerPattern(sym string) string {
	q := regexp.QuoteMeta(sym)
	return "^(?:" + regexp.QuoteMeta(cache.Key(cache.DomainMarket, sym, "")) +
		"|" + regexp.QuoteMeta(cache.AggregateKey()) + ":(?:[^,]*,)*" + q + "(?:,|$))"
}

// Handle evicts whatever ev makes stale and returns the number of keys
// removed. Unroutable events are ignored.
func (r *Router) Handle(ev models.ChangeEvent) int {
	pattern, ok := Pattern(ev)
	if !ok {
		r.ignored.Add(1)
		r.logger.Debugf("ignoring %s event on %q", ev.EventType, ev.Table)
		return 0
	}
	n := r.cache.InvalidatePattern(pattern)
	r.routed.Add(1)
	r.evicted.Add(uint64(n))
	if n > 0 {
		r.logger.Debugf("%s %s evicted %d keys (%s)", ev.Table, ev.EventType, n, pattern)
	}
	return n
}

// OnQuote treats a live quote as a ticker update. It has the hub.Observer
// signature.
func (r *Router) OnQuote(q models.RawQuote) {
	r.Handle(models.ChangeEvent{
		Table:     TableTickers,
		EventType: models.EventUpdate,
		NewRecord: map[string]any{"symbol": q.Symbol},
	})
}

func (r *Router) Stats() Stats {
	return Stats{
		Routed:  r.routed.Load(),
		Ignored: r.ignored.Load(),
		Evicted: r.evicted.Load(),
	}
}

package cache

import (
	"sort"
	"strings"
)

// Key namespaces follow {domain}:{id}:{field}.
const (
	DomainMarket = "market"
	DomainUser   = "user"
	DomainAgent  = "agent"
	DomainAsset  = "asset"

	// AllSymbols is the id used for cross-symbol market entries.
	AllSymbols = "all"
)

// Key joins the parts of a cache key.
func Key(domain, id, field string, extra ...string) string {
	parts := append([]string{domain, id, field}, extra...)
	return strings.Join(parts, ":")
}

func TickerKey(symbol string) string    { return Key(DomainMarket, symbol, "ticker") }
func OrderBookKey(symbol string) string { return Key(DomainMarket, symbol, "orderbook") }
func TradesKey(symbol string) string    { return Key(DomainMarket, symbol, "trades") }

// AggregateKey is market:all:aggregate:<A,B,C> for a set of symbols, the
// watch list included, so a ticker invalidation can tell which aggregates
// hold the symbol. Member order does not matter. With no members it is the
// bare market:all:aggregate prefix shared by every aggregate.
func AggregateKey(batch ...string) string {
	if len(batch) == 0 {
		return Key(DomainMarket, AllSymbols, "aggregate")
	}
	sorted := append([]string{}, batch...)
	sort.Strings(sorted)
	return Key(DomainMarket, AllSymbols, "aggregate", strings.Join(sorted, ","))
}

// ProfileKey holds slow-moving descriptive data. It lives outside the market
// namespace so ticker invalidations leave it alone.
func ProfileKey(symbol string) string { return Key(DomainAsset, symbol, "profile") }

func PortfolioKey(userID string) string    { return Key(DomainUser, userID, "portfolio") }
func AgentTickerKey(agentID string) string { return Key(DomainAgent, agentID, "ticker") }

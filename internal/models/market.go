// Package models defines the domain models shared by adapters, the cache,
// the aggregator and the HTTP surface.
package models

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no source knows about a symbol.
var ErrNotFound = errors.New("symbol not found in any source")

// Confidence is the trust label attached to a merged record.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Weight orders confidence labels, higher is more trusted.
func (c Confidence) Weight() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// RawQuote is a single adapter's view of a symbol.
// Every numeric field is optional: nil means the provider did not supply it.
type RawQuote struct {
	// Symbol is the uppercase base asset (e.g., "BTC").
	Symbol string `json:"symbol"`

	// Source is the adapter name that produced the quote.
	Source string `json:"source"`

	Name      *string  `json:"name,omitempty"`
	Price     *float64 `json:"price,omitempty"`
	Change24h *float64 `json:"change_24h,omitempty"`
	Volume24h *float64 `json:"volume_24h,omitempty"`
	MarketCap *float64 `json:"market_cap,omitempty"`
	BidPrice  *float64 `json:"bid_price,omitempty"`
	AskPrice  *float64 `json:"ask_price,omitempty"`
	Spread    *float64 `json:"spread,omitempty"`

	// Timestamp is when the provider observed the values.
	Timestamp time.Time `json:"timestamp"`
}

// HasPriceFields reports whether the quote carries any price-bearing value.
func (q RawQuote) HasPriceFields() bool {
	return q.Price != nil || q.BidPrice != nil || q.AskPrice != nil || q.Spread != nil
}

// DescriptiveCompleteness counts the descriptive fields the quote supplies.
func (q RawQuote) DescriptiveCompleteness() int {
	n := 0
	if q.Name != nil && *q.Name != "" {
		n++
	}
	if q.MarketCap != nil {
		n++
	}
	return n
}

// UnifiedMarketData is the canonical per-symbol record produced by the
// aggregator.
type UnifiedMarketData struct {
	// Symbol is the uppercase unique key.
	Symbol string `json:"symbol"`

	// Name is the human readable asset name, when any source knows it.
	Name *string `json:"name,omitempty"`

	Price     *float64 `json:"price"`
	Change24h *float64 `json:"change_24h"`
	Volume24h *float64 `json:"volume_24h"`
	MarketCap *float64 `json:"market_cap"`

	// BidPrice, AskPrice and Spread are present only when a live order book exists.
	BidPrice *float64 `json:"bid_price,omitempty"`
	AskPrice *float64 `json:"ask_price,omitempty"`
	Spread   *float64 `json:"spread,omitempty"`

	LastUpdated time.Time `json:"last_updated"`

	// Source names the adapter that produced the winning price.
	Source string `json:"source"`

	Confidence Confidence `json:"confidence"`
}

// Clone returns a deep copy so cached records can be handed out safely.
func (d UnifiedMarketData) Clone() UnifiedMarketData {
	out := d
	out.Name = cloneString(d.Name)
	out.Price = cloneFloat(d.Price)
	out.Change24h = cloneFloat(d.Change24h)
	out.Volume24h = cloneFloat(d.Volume24h)
	out.MarketCap = cloneFloat(d.MarketCap)
	out.BidPrice = cloneFloat(d.BidPrice)
	out.AskPrice = cloneFloat(d.AskPrice)
	out.Spread = cloneFloat(d.Spread)
	return out
}

// MarketCapOrZero is used for ordering; a missing market cap sorts as zero.
func (d UnifiedMarketData) MarketCapOrZero() float64 {
	if d.MarketCap == nil {
		return 0
	}
	return *d.MarketCap
}

// AggregatedMarketData is the result of one aggregation round.
type AggregatedMarketData struct {
	Data         []UnifiedMarketData `json:"data"`
	SourcesUsed  []string            `json:"sources_used"`
	TotalSymbols int                 `json:"total_symbols"`
	LiveSymbols  int                 `json:"live_symbols"`
}

// Clone deep-copies the aggregation result.
func (a AggregatedMarketData) Clone() AggregatedMarketData {
	out := AggregatedMarketData{
		Data:         make([]UnifiedMarketData, len(a.Data)),
		SourcesUsed:  append([]string{}, a.SourcesUsed...),
		TotalSymbols: a.TotalSymbols,
		LiveSymbols:  a.LiveSymbols,
	}
	for i, d := range a.Data {
		out.Data[i] = d.Clone()
	}
	return out
}

// AssetProfile is the descriptive part of a merged record.
type AssetProfile struct {
	Symbol    string   `json:"symbol"`
	Name      *string  `json:"name,omitempty"`
	MarketCap *float64 `json:"market_cap,omitempty"`
}

func (p AssetProfile) Clone() AssetProfile {
	return AssetProfile{Symbol: p.Symbol, Name: cloneString(p.Name), MarketCap: cloneFloat(p.MarketCap)}
}

// NormalizeSymbol trims and uppercases a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeSymbols uppercases, drops empties and duplicates, keeping input order.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

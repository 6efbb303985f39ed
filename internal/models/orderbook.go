package models

import (
	"sort"
	"time"
)

// OrderLevel is one price level of an order book side.
type OrderLevel struct {
	Price float64 `json:"price"`

	// Size is the resting quantity at Price.
	Size float64 `json:"size"`

	// RunningTotal is the cumulative size from the top of the book to this level.
	RunningTotal float64 `json:"running_total"`
}

// OrderBookData is a depth snapshot. Bids are sorted by descending price,
// asks by ascending price, and prices never repeat within a side.
type OrderBookData struct {
	Symbol      string       `json:"symbol"`
	Bids        []OrderLevel `json:"bids"`
	Asks        []OrderLevel `json:"asks"`
	LastUpdated time.Time    `json:"last_updated"`
}

// PriceSize is an unsorted (price, size) pair as delivered by a provider.
type PriceSize struct {
	Price float64
	Size  float64
}

// NewOrderBook builds an order book from raw levels. Levels with
// non-positive price or size are dropped, duplicate prices are merged,
// and each side is truncated to depth levels when depth > 0.
func NewOrderBook(symbol string, bids, asks []PriceSize, depth int, updated time.Time) OrderBookData {
	return OrderBookData{
		Symbol:      NormalizeSymbol(symbol),
		Bids:        buildSide(bids, true, depth),
		Asks:        buildSide(asks, false, depth),
		LastUpdated: updated,
	}
}

func buildSide(raw []PriceSize, descending bool, depth int) []OrderLevel {
	merged := make(map[float64]float64, len(raw))
	for _, l := range raw {
		if l.Price <= 0 || l.Size <= 0 {
			continue
		}
		merged[l.Price] += l.Size
	}

	prices := make([]float64, 0, len(merged))
	for p := range merged {
		prices = append(prices, p)
	}
	if descending {
		sort.Sort(sort.Reverse(sort.Float64Slice(prices)))
	} else {
		sort.Float64s(prices)
	}
	if depth > 0 && len(prices) > depth {
		prices = prices[:depth]
	}

	levels := make([]OrderLevel, len(prices))
	total := 0.0
	for i, p := range prices {
		total += merged[p]
		levels[i] = OrderLevel{Price: p, Size: merged[p], RunningTotal: total}
	}
	return levels
}

// Truncate returns a copy limited to depth levels per side.
// Running totals stay valid because they are prefix sums.
func (ob OrderBookData) Truncate(depth int) OrderBookData {
	out := ob.Clone()
	if depth > 0 {
		if len(out.Bids) > depth {
			out.Bids = out.Bids[:depth]
		}
		if len(out.Asks) > depth {
			out.Asks = out.Asks[:depth]
		}
	}
	return out
}

// Clone deep-copies the book.
func (ob OrderBookData) Clone() OrderBookData {
	out := ob
	out.Bids = append([]OrderLevel(nil), ob.Bids...)
	out.Asks = append([]OrderLevel(nil), ob.Asks...)
	return out
}

// BestBid returns the top bid, if any.
func (ob OrderBookData) BestBid() (OrderLevel, bool) {
	if len(ob.Bids) == 0 {
		return OrderLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask, if any.
func (ob OrderBookData) BestAsk() (OrderLevel, bool) {
	if len(ob.Asks) == 0 {
		return OrderLevel{}, false
	}
	return ob.Asks[0], true
}

package models

import "time"

// Side is the aggressor direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// RecentTrade is an immutable executed trade as reported by a provider.
type RecentTrade struct {
	// ID is the provider trade id, or a generated UUID when none was supplied.
	ID string `json:"id"`

	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Size   float64 `json:"size"`
	Side   Side    `json:"side"`

	Timestamp time.Time `json:"timestamp"`
}

// TradeList is a newest-first list of trades.
type TradeList []RecentTrade

// Clone copies the list; RecentTrade itself holds no references.
func (l TradeList) Clone() TradeList {
	return append(TradeList(nil), l...)
}

// Package source defines the adapter contract every upstream provider
// implements, plus the shared HTTP and websocket plumbing adapters use.
package source

import (
	"context"

	"github.com/navid-fn/marketlens/internal/faulttolerance"
	"github.com/navid-fn/marketlens/internal/models"
)

// Rank is a static trust rank; higher wins conflicts.
type Rank int

const (
	RankTertiary Rank = iota + 1
	RankSecondary
	RankPrimary
	RankLive
)

func (r Rank) String() string {
	switch r {
	case RankLive:
		return "live"
	case RankPrimary:
		return "primary"
	case RankSecondary:
		return "secondary"
	case RankTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// Confidence maps a rank onto the label carried by merged records.
func (r Rank) Confidence() models.Confidence {
	switch {
	case r >= RankLive:
		return models.ConfidenceHigh
	case r == RankPrimary:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// Adapter is a single upstream provider.
type Adapter interface {
	Name() string
	Rank() Rank

	// Fetch returns quotes for the symbols the provider knows. Unknown
	// symbols are omitted, not reported as errors.
	Fetch(ctx context.Context, symbols []string) ([]models.RawQuote, error)
}

// Stream delivers live quotes for exactly the symbols it was opened with.
type Stream interface {
	Events() <-chan models.RawQuote
	Close() error
}

// LiveAdapter is an adapter with a push feed.
type LiveAdapter interface {
	Adapter
	Subscribe(ctx context.Context, symbols []string) (Stream, error)
}

type OrderBookSource interface {
	OrderBook(ctx context.Context, symbol string, depth int) (models.OrderBookData, error)
}

type TradeSource interface {
	RecentTrades(ctx context.Context, symbol string, limit int) ([]models.RecentTrade, error)
}

// HealthReporter exposes an adapter's circuit breaker state.
type HealthReporter interface {
	BreakerStats() faulttolerance.BreakerStats
}

package market

import (
	"github.com/navid-fn/marketlens/internal/cache"
	"github.com/navid-fn/marketlens/internal/faulttolerance"
	"github.com/navid-fn/marketlens/internal/hub"
	"github.com/navid-fn/marketlens/internal/invalidation"
	"github.com/navid-fn/marketlens/internal/source"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

type AdapterHealth struct {
	Name    string                       `json:"name"`
	Rank    string                       `json:"rank"`
	Breaker *faulttolerance.BreakerStats `json:"breaker,omitempty"`
}

type Health struct {
	Status       string              `json:"status"`
	Adapters     []AdapterHealth     `json:"adapters"`
	Cache        cache.Stats         `json:"cache"`
	Streams      []hub.GroupStats    `json:"streams"`
	Invalidation *invalidation.Stats `json:"invalidation,omitempty"`
}

// Health reports breaker states, cache counters and open streams. Status is
// down when every adapter with a breaker has it open, degraded when some do.
func (c *Core) Health() Health {
	h := Health{
		Adapters: make([]AdapterHealth, 0, len(c.agg.Adapters())),
		Cache:    c.cache.Stats(),
		Streams:  c.hub.Stats(),
	}
	if c.router != nil {
		st := c.router.Stats()
		h.Invalidation = &st
	}

	withBreaker, open := 0, 0
	for _, ad := range c.agg.Adapters() {
		ah := AdapterHealth{Name: ad.Name(), Rank: ad.Rank().String()}
		if hr, ok := ad.(source.HealthReporter); ok {
			st := hr.BreakerStats()
			ah.Breaker = &st
			withBreaker++
			if st.State == faulttolerance.StateOpen.String() {
				open++
			}
		}
		h.Adapters = append(h.Adapters, ah)
	}

	switch {
	case len(h.Adapters) == 0, withBreaker > 0 && open == withBreaker:
		h.Status = StatusDown
	case open > 0:
		h.Status = StatusDegraded
	default:
		h.Status = StatusOK
	}
	return h
}

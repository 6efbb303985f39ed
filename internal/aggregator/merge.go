package aggregator

import (
	"sort"
	"strings"

	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

// Candidate is one adapter's quote tagged with that adapter's rank.
type Candidate struct {
	Quote models.RawQuote
	Rank  source.Rank
}

// merged tracks which source won each field group while a symbol is built.
type merged struct {
	record models.UnifiedMarketData

	priceRank source.Rank // 0 until a candidate supplies price-bearing fields
	descRank  source.Rank
	descScore int
}

// Merge folds candidates into one record per symbol.
//
// Candidates are applied from lowest to highest rank. Price-bearing fields
// (price, bid, ask, spread, change, volume) take the highest-ranked value
// supplied. Name and market cap come from the most complete descriptive
// source, ties going to the higher rank, and gaps are filled from any
// supplier. Confidence follows the price winner, or the descriptive source
// when nothing supplied a price.
func Merge(candidates []Candidate) []models.UnifiedMarketData {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })

	bySymbol := make(map[string]*merged)
	var symbols []string
	for _, c := range ordered {
		sym := models.NormalizeSymbol(c.Quote.Symbol)
		if sym == "" {
			continue
		}
		m, ok := bySymbol[sym]
		if !ok {
			m = insert(sym, c)
			bySymbol[sym] = m
			symbols = append(symbols, sym)
			continue
		}
		m.apply(c)
	}

	out := make([]models.UnifiedMarketData, 0, len(symbols))
	for _, sym := range symbols {
		m := bySymbol[sym]
		if !m.resolved() {
			continue
		}
		m.finish()
		out = append(out, m.record.Clone())
	}
	Sort(out)
	return out
}

func insert(sym string, c Candidate) *merged {
	q := c.Quote
	m := &merged{
		record: models.UnifiedMarketData{
			Symbol:      sym,
			Name:        nonEmpty(q.Name),
			Price:       q.Price,
			Change24h:   q.Change24h,
			Volume24h:   q.Volume24h,
			MarketCap:   q.MarketCap,
			BidPrice:    q.BidPrice,
			AskPrice:    q.AskPrice,
			Spread:      q.Spread,
			LastUpdated: q.Timestamp,
			Source:      q.Source,
			Confidence:  c.Rank.Confidence(),
		},
		descRank:  c.Rank,
		descScore: q.DescriptiveCompleteness(),
	}
	if q.HasPriceFields() {
		m.priceRank = c.Rank
	}
	return m
}

func (m *merged) apply(c Candidate) {
	q := c.Quote
	r := &m.record

	if q.HasPriceFields() && c.Rank >= m.priceRank {
		overwrite(&r.Price, q.Price)
		overwrite(&r.BidPrice, q.BidPrice)
		overwrite(&r.AskPrice, q.AskPrice)
		overwrite(&r.Spread, q.Spread)
		overwrite(&r.Change24h, q.Change24h)
		overwrite(&r.Volume24h, q.Volume24h)
		m.priceRank = c.Rank
		r.Source = q.Source
		r.LastUpdated = q.Timestamp
	} else {
		fill(&r.Change24h, q.Change24h)
		fill(&r.Volume24h, q.Volume24h)
	}

	score := q.DescriptiveCompleteness()
	if score > m.descScore || (score == m.descScore && score > 0 && c.Rank >= m.descRank) {
		overwriteString(&r.Name, q.Name)
		overwrite(&r.MarketCap, q.MarketCap)
		m.descScore = score
		m.descRank = c.Rank
	} else {
		if r.Name == nil || *r.Name == "" {
			r.Name = nonEmpty(q.Name)
		}
		fill(&r.MarketCap, q.MarketCap)
	}

	if m.priceRank == 0 && q.Timestamp.After(r.LastUpdated) {
		r.LastUpdated = q.Timestamp
	}
}

func (m *merged) resolved() bool {
	r := m.record
	return r.Price != nil || r.MarketCap != nil || (r.Name != nil && *r.Name != "")
}

func (m *merged) finish() {
	r := &m.record
	if m.priceRank > 0 {
		r.Confidence = m.priceRank.Confidence()
	} else {
		r.Confidence = m.descRank.Confidence()
	}
	if r.BidPrice != nil && r.AskPrice != nil {
		r.Spread = source.Spread(r.BidPrice, r.AskPrice)
	} else {
		r.Spread = nil
	}
}

// Sort orders by confidence desc, market cap desc (missing as zero), symbol.
func Sort(data []models.UnifiedMarketData) {
	sort.SliceStable(data, func(i, j int) bool {
		a, b := data[i], data[j]
		if wa, wb := a.Confidence.Weight(), b.Confidence.Weight(); wa != wb {
			return wa > wb
		}
		if ma, mb := a.MarketCapOrZero(), b.MarketCapOrZero(); ma != mb {
			return ma > mb
		}
		return strings.Compare(a.Symbol, b.Symbol) < 0
	})
}

func overwrite(dst **float64, v *float64) {
	if v != nil {
		*dst = v
	}
}

func fill(dst **float64, v *float64) {
	if *dst == nil && v != nil {
		*dst = v
	}
}

func overwriteString(dst **string, v *string) {
	if v != nil && *v != "" {
		*dst = v
	}
}

func nonEmpty(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

package binance

import (
	"strconv"
	"strings"
	"time"

	"github.com/navid-fn/marketlens/internal/models"
	"github.com/navid-fn/marketlens/internal/source"
)

// ticker24h is the /api/v3/ticker/24hr reply.
type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	QuoteVolume        string `json:"quoteVolume"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	CloseTime          int64  `json:"closeTime"`
}

// The stream uses single-letter keys that differ only by case; every
// colliding key is declared so decoding never falls back to a
// case-insensitive match.
type streamTicker struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	CloseTime          int64  `json:"C"`
	LastQty            string `json:"Q"`
	QuoteVolume        string `json:"q"`
	BidPrice           string `json:"b"`
	BidQty             string `json:"B"`
	AskPrice           string `json:"a"`
	AskQty             string `json:"A"`
	OpenPrice          string `json:"o"`
	OpenTime           int64  `json:"O"`
	LowPrice           string `json:"l"`
	LastTradeID        int64  `json:"L"`
}

type streamEnvelope struct {
	Stream string       `json:"stream"`
	Data   streamTicker `json:"data"`
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type tradeResponse struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

func (t ticker24h) toQuote(symbol string) models.RawQuote {
	bid := source.PositiveDecimal(t.BidPrice)
	ask := source.PositiveDecimal(t.AskPrice)
	return models.RawQuote{
		Symbol:    symbol,
		Source:    Name,
		Price:     source.PositiveDecimal(t.LastPrice),
		Change24h: source.ParseDecimal(t.PriceChangePercent),
		Volume24h: source.ParseDecimal(t.QuoteVolume),
		BidPrice:  bid,
		AskPrice:  ask,
		Spread:    source.Spread(bid, ask),
		Timestamp: fromMillis(t.CloseTime),
	}
}

func (t streamTicker) toQuote(symbol string) models.RawQuote {
	bid := source.PositiveDecimal(t.BidPrice)
	ask := source.PositiveDecimal(t.AskPrice)
	return models.RawQuote{
		Symbol:    symbol,
		Source:    Name,
		Price:     source.PositiveDecimal(t.LastPrice),
		Change24h: source.ParseDecimal(t.PriceChangePercent),
		Volume24h: source.ParseDecimal(t.QuoteVolume),
		BidPrice:  bid,
		AskPrice:  ask,
		Spread:    source.Spread(bid, ask),
		Timestamp: fromMillis(t.EventTime),
	}
}

func toLevels(raw [][2]string) []models.PriceSize {
	out := make([]models.PriceSize, 0, len(raw))
	for _, lvl := range raw {
		p := source.ParseDecimal(lvl[0])
		s := source.ParseDecimal(lvl[1])
		if p == nil || s == nil {
			continue
		}
		out = append(out, models.PriceSize{Price: *p, Size: *s})
	}
	return out
}

func (t tradeResponse) toTrade(symbol string) (models.RecentTrade, bool) {
	p := source.PositiveDecimal(t.Price)
	q := source.PositiveDecimal(t.Qty)
	if p == nil || q == nil {
		return models.RecentTrade{}, false
	}
	side := models.SideBuy
	if t.IsBuyerMaker {
		side = models.SideSell
	}
	trade := models.RecentTrade{
		ID:        strconv.FormatInt(t.ID, 10),
		Symbol:    symbol,
		Price:     *p,
		Size:      *q,
		Side:      side,
		Timestamp: fromMillis(t.Time),
	}
	if t.ID <= 0 {
		trade.ID = source.TradeID(Name, symbol, trade.Timestamp, trade.Price, trade.Size)
	}
	return trade, true
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func streamName(pair string) string {
	return strings.ToLower(pair) + "@ticker"
}

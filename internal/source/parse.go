package source

import (
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ParseDecimal parses a provider numeric string. Empty or malformed input
// yields nil.
func ParseDecimal(s string) *float64 {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	v := d.InexactFloat64()
	return &v
}

// PositiveDecimal is ParseDecimal that also rejects values <= 0.
func PositiveDecimal(s string) *float64 {
	v := ParseDecimal(s)
	if v == nil || *v <= 0 {
		return nil
	}
	return v
}

// Spread returns ask - bid when both are present.
func Spread(bid, ask *float64) *float64 {
	if bid == nil || ask == nil {
		return nil
	}
	s := *ask - *bid
	return &s
}

// Decode unmarshals a provider payload.
func Decode(data []byte, out any) error {
	return sonic.Unmarshal(data, out)
}

// TradeID derives a stable id for trades a provider reports without one, so
// the same trade seen twice gets the same id.
func TradeID(provider, symbol string, ts time.Time, price, size float64) string {
	name := provider + "|" + symbol + "|" + strconv.FormatInt(ts.UnixNano(), 10) + "|" +
		strconv.FormatFloat(price, 'f', -1, 64) + "|" + strconv.FormatFloat(size, 'f', -1, 64)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

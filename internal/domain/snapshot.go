package domain

import (
	"slices"

	"github.com/shopspring/decimal"
)

// Snapshot is one point-in-time market record for a single coin.
// A newer Snapshot for the same ID fully replaces the older one.
type Snapshot struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Image         string          `json:"image"`
	Price         decimal.Decimal `json:"current_price"`
	ChangePct24h  decimal.Decimal `json:"price_change_percentage_24h"`
	MarketCapRank int             `json:"market_cap_rank"`
	Sparkline     []float64       `json:"sparkline"` // 7d closing prices
}

// SameValues reports whether the price, the 24h change and the sparkline of
// both snapshots are equal. Identity fields are not compared.
func (s Snapshot) SameValues(o Snapshot) bool {
	return s.Price.Equal(o.Price) &&
		s.ChangePct24h.Equal(o.ChangePct24h) &&
		slices.Equal(s.Sparkline, o.Sparkline)
}

// ChangeDirection returns "positive", "negative", or "neutral"
func (s Snapshot) ChangeDirection() string {
	if s.ChangePct24h.IsPositive() {
		return "positive"
	}
	if s.ChangePct24h.IsNegative() {
		return "negative"
	}
	return "neutral"
}

// IDs returns the identifiers of list in order.
func IDs(list []Snapshot) []string {
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

// CoinBasic is a catalog entry used for search.
type CoinBasic struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

package domain

import (
	"time"
)

// CoinInfo is one row of the cached coin catalog used for search.
// Name and Symbol are stored lowercased.
type CoinInfo struct {
	ID       string    `gorm:"primaryKey" json:"id"`
	Seq      int       `gorm:"index" json:"seq"` // position in the upstream list
	Symbol   string    `gorm:"index" json:"symbol"`
	Name     string    `json:"name"`
	CachedAt time.Time `json:"cached_at"`
}

// Basic converts the row back into a catalog entry.
func (c CoinInfo) Basic() CoinBasic {
	return CoinBasic{ID: c.ID, Symbol: c.Symbol, Name: c.Name}
}

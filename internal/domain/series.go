package domain

import (
	"sort"
	"time"
)

// PricePoint is a single (timestamp, price) sample.
type PricePoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// Series is the intraday price history of one coin, oldest first.
type Series struct {
	ID     string       `json:"id"`
	Points []PricePoint `json:"points"`
}

// NewSeries builds a Series from raw [unixMillis, price] pairs.
// Pairs are stably sorted so timestamps are non-decreasing.
func NewSeries(id string, raw [][2]float64) *Series {
	points := make([]PricePoint, 0, len(raw))
	for _, p := range raw {
		points = append(points, PricePoint{
			Time:  time.UnixMilli(int64(p[0])),
			Price: p[1],
		})
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Time.Before(points[j].Time)
	})
	return &Series{ID: id, Points: points}
}

// Len returns the number of samples.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Points)
}

// Last returns the newest sample. ok is false for an empty series.
func (s *Series) Last() (p PricePoint, ok bool) {
	if s.Len() == 0 {
		return PricePoint{}, false
	}
	return s.Points[len(s.Points)-1], true
}

// IsRising reports whether the last price is at or above the first one.
func (s *Series) IsRising() bool {
	if s.Len() == 0 {
		return true
	}
	return s.Points[len(s.Points)-1].Price >= s.Points[0].Price
}

// Prices returns the price column.
func (s *Series) Prices() []float64 {
	out := make([]float64, s.Len())
	for i := range out {
		out[i] = s.Points[i].Price
	}
	return out
}

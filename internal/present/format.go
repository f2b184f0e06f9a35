// Package present renders dashboard state for people: a shared board model,
// a terminal UI and a websocket feed for browsers.
package present

import (
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// priceDigits determines decimal places from a price value
func priceDigits(price float64) int {
	if price < 0 {
		price = -price
	}
	if price >= 10 {
		return 2
	} else if price >= 1 {
		return 3
	} else if price >= 0.1 {
		return 4
	} else if price >= 0.01 {
		return 6
	}
	return 8
}

// FormatPrice renders a USD price with thousands separators. Small prices get
// more decimals; trailing zeros are trimmed down to two.
func FormatPrice(p decimal.Decimal) string {
	if p.IsZero() {
		return "$0.00"
	}
	sign := ""
	if p.IsNegative() {
		sign = "-"
		p = p.Abs()
	}

	fixed := p.StringFixed(int32(priceDigits(p.InexactFloat64())))
	whole, frac, _ := strings.Cut(fixed, ".")
	for len(frac) > 2 && frac[len(frac)-1] == '0' {
		frac = frac[:len(frac)-1]
	}

	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return sign + "$" + fixed
	}
	return sign + "$" + humanize.Comma(n) + "." + frac
}

// FormatFloatPrice is FormatPrice for chart samples.
func FormatFloatPrice(f float64) string {
	return FormatPrice(decimal.NewFromFloat(f))
}

// FormatChange renders a 24h change as a signed percentage.
func FormatChange(pct decimal.Decimal) string {
	if pct.IsZero() {
		return "0.00%"
	}
	s := pct.StringFixed(2) + "%"
	if pct.IsPositive() {
		return "+" + s
	}
	return s
}

// FormatAge renders how long ago t was, or "never" for the zero time.
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

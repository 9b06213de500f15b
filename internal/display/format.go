// Package display turns book snapshots into text for terminals and logs.
package display

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// Number formats num with thousands separators. When places is zero or more
// the value is rounded to exactly that many decimals; a negative places keeps
// the shortest exact representation.
func Number(num float64, places int) string {
	d := decimal.NewFromFloat(num)
	if places >= 0 {
		d = d.Round(int32(places))
	}

	abs := d.Abs()
	var s string
	if places >= 0 {
		s = abs.StringFixed(int32(places))
	} else {
		s = abs.String()
	}

	_, frac, hasFrac := strings.Cut(s, ".")
	out := humanize.BigComma(abs.BigInt())
	if hasFrac {
		out += "." + frac
	}
	if d.IsNegative() {
		out = "-" + out
	}
	return out
}

// SpreadLabel renders the spread line shown between the two sides, e.g.
// "Spread: 5.00 (4.76%)". The percentage is left out when margin is nil.
func SpreadLabel(spread float64, margin *float64) string {
	label := "Spread: " + Number(spread, 2)
	if margin != nil {
		label += " (" + Number(*margin, 2) + "%)"
	}
	return label
}

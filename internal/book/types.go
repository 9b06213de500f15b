package book

// PriceLevel represents a single resting bid or ask at a given price.
// A Size of zero is never stored; on the wire it signals removal.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// RankedLevel is a PriceLevel annotated with the cumulative size of every
// level at least as aggressive as this one.
type RankedLevel struct {
	Price float64 `json:"price" yaml:"price"`
	Size  float64 `json:"size" yaml:"size"`
	Total float64 `json:"total" yaml:"total"`
}

// Snapshot is the ranked, depth-annotated view of both sides of the book
// handed to renderers. It is immutable once built.
type Snapshot struct {
	Bids     []RankedLevel `json:"bids" yaml:"bids"` // highest price first
	Asks     []RankedLevel `json:"asks" yaml:"asks"` // lowest price first
	MaxTotal float64       `json:"maxTotal" yaml:"maxTotal"`
	Spread   float64       `json:"spread" yaml:"spread"`
	Margin   *float64      `json:"margin" yaml:"margin"` // nil when there is no ask
}

// BestBid returns the highest bid price, or 0 if there are no bids.
func (s Snapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 if there are no asks.
func (s Snapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

// Truncate returns a copy of the snapshot limited to the first rows levels
// on each side. Totals, MaxTotal, Spread and Margin are kept from the full
// book so depth bars stay comparable. rows <= 0 returns the snapshot as is.
func (s Snapshot) Truncate(rows int) Snapshot {
	if rows <= 0 {
		return s
	}
	out := s
	if len(s.Bids) > rows {
		out.Bids = append([]RankedLevel(nil), s.Bids[:rows]...)
	}
	if len(s.Asks) > rows {
		out.Asks = append([]RankedLevel(nil), s.Asks[:rows]...)
	}
	return out
}

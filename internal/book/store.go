package book

import "math"

// LevelStore maps price to resting size for one side of the book.
// Every stored size is strictly positive. It is not safe for concurrent use;
// a single feed session owns each store.
type LevelStore struct {
	levels map[float64]float64
}

// NewLevelStore returns an empty store.
func NewLevelStore() *LevelStore {
	return &LevelStore{levels: make(map[float64]float64)}
}

// Apply applies a single delta. A zero size removes the price if present;
// a positive size sets or overwrites it. Negative sizes and non-finite
// values are ignored.
func (s *LevelStore) Apply(price, size float64) {
	if math.IsNaN(price) || math.IsInf(price, 0) || math.IsNaN(size) || math.IsInf(size, 0) {
		return
	}
	switch {
	case size == 0:
		delete(s.levels, price)
	case size > 0:
		s.levels[price] = size
	}
}

// ApplyAll applies a packet of [price, size] deltas in order.
func (s *LevelStore) ApplyAll(deltas [][2]float64) {
	for _, d := range deltas {
		s.Apply(d[0], d[1])
	}
}

// Reset discards every level.
func (s *LevelStore) Reset() {
	s.levels = make(map[float64]float64)
}

// Len returns the number of resting levels.
func (s *LevelStore) Len() int {
	return len(s.levels)
}

// Size returns the resting size at price and whether the level exists.
func (s *LevelStore) Size(price float64) (float64, bool) {
	size, ok := s.levels[price]
	return size, ok
}

// Levels returns the resting levels in unspecified order.
func (s *LevelStore) Levels() []PriceLevel {
	out := make([]PriceLevel, 0, len(s.levels))
	for price, size := range s.levels {
		out = append(out, PriceLevel{Price: price, Size: size})
	}
	return out
}

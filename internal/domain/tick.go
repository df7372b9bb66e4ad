package domain

import "time"

// PriceTick is one normalized price observation for a single outcome
// token. Ticks are ephemeral: most recent wins, nothing is persisted.
type PriceTick struct {
	TokenID   string
	Price     float64 // valid ticks sit in (0, 1]
	Timestamp time.Time
}

// Valid reports whether the tick carries a usable probability price.
// Malformed feed data must never reach rule evaluation.
func (t PriceTick) Valid() bool {
	return t.Price > 0 && t.Price <= 1
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot is a full snapshot of bids and asks for one token,
// ordered best-first on both sides. BestBid/BestAsk are zero when the
// respective side is empty.
type OrderbookSnapshot struct {
	TokenID   string
	Market    string
	Hash      string
	Bids      []PriceLevel
	Asks      []PriceLevel
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
}

// DerivedPrice returns the price the snapshot implies: the mid-price when
// both sides exist, the surviving side when only one does, and ok=false
// when the book is empty.
func (s OrderbookSnapshot) DerivedPrice() (float64, bool) {
	switch {
	case s.BestBid > 0 && s.BestAsk > 0:
		return (s.BestBid + s.BestAsk) / 2, true
	case s.BestBid > 0:
		return s.BestBid, true
	case s.BestAsk > 0:
		return s.BestAsk, true
	default:
		return 0, false
	}
}

package domain

import "time"

// Tranche is an independently protected slice of a position. Each tranche
// carries its own average entry and at most one TP and one SL order.
type Tranche struct {
	ID           int64 // monotonic per (Symbol, PositionSide), never reused
	Symbol       string
	PositionSide PositionSide
	AvgEntry     float64
	Quantity     float64
	TPOrderID    int64 // 0 when no live TP
	SLOrderID    int64 // 0 when no live SL
	Unprotected  bool  // set when a protection rebuild failed repeatedly
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Notional returns quantity times average entry.
func (t *Tranche) Notional() float64 {
	return t.Quantity * t.AvgEntry
}

// Absorb folds a fill into the tranche, moving the average entry to the
// quantity-weighted mean.
func (t *Tranche) Absorb(qty, price float64) {
	total := t.Quantity + qty
	if total <= 0 {
		return
	}
	t.AvgEntry = (t.AvgEntry*t.Quantity + price*qty) / total
	t.Quantity = total
}

// SignedReturnPct is the unrealized return of an entry at the given price,
// in percent, positive when the price has moved in the position's favor.
func SignedReturnPct(avgEntry, price float64, side PositionSide) float64 {
	if avgEntry == 0 {
		return 0
	}
	pct := (price - avgEntry) / avgEntry * 100
	if side == Short {
		pct = -pct
	}
	return pct
}

// WeightedAvgEntry returns the quantity-weighted average entry across
// tranches, with the summed quantity. Returns (0, 0) for an empty set.
func WeightedAvgEntry(tranches []*Tranche) (avg, qty float64) {
	var notional float64
	for _, t := range tranches {
		notional += t.AvgEntry * t.Quantity
		qty += t.Quantity
	}
	if qty == 0 {
		return 0, 0
	}
	return notional / qty, qty
}

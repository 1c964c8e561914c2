package domain

import "time"

// Liquidation is one venue-emitted forced-order event. Records are append-only.
type Liquidation struct {
	EventID      string
	Symbol       string
	Side         OrderSide // side of the forced order: SELL means longs were liquidated
	Quantity     float64
	Price        float64
	USDTValue    float64 // Quantity * Price
	EventTime    time.Time
	ReceivedTime time.Time
}

// LiquidatedPositionSide returns which position direction was forced out.
// A forced SELL closes longs; a forced BUY closes shorts.
func (l *Liquidation) LiquidatedPositionSide() PositionSide {
	if l.Side == Sell {
		return Long
	}
	return Short
}

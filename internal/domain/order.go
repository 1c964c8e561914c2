package domain

import "time"

// Order is the engine's record of a venue order. Created when the order is
// submitted (or simulated) and status-updated from the user-data stream.
type Order struct {
	OrderID       int64
	ClientID      string
	Symbol        string
	PositionSide  PositionSide
	Side          OrderSide
	Kind          OrderKind
	Quantity      float64
	Price         float64 // 0 for market and stop-market orders
	StopPrice     float64 // SL only
	Status        OrderStatus
	TrancheID     int64 // -1 when not tranche-bound (entry orders before fill)
	ParentOrderID int64 // entry order that spawned this TP/SL, 0 for entries
	TimeInForce   TimeInForce
	PlacedAt      time.Time
	FinalAt       time.Time // zero until the order is terminal
	ExecutedQty   float64
	AvgFillPrice  float64
}

// Notional returns the order's quote-currency value at its limit price,
// falling back to the average fill price for market orders.
func (o *Order) Notional() float64 {
	p := o.Price
	if p == 0 {
		p = o.AvgFillPrice
	}
	return o.Quantity * p
}

// OrderRelationship maps an entry order to the protective orders guarding
// its tranche. It is the authoritative companion index.
type OrderRelationship struct {
	MainOrderID int64
	TPOrderID   int64 // 0 when no TP leg exists
	SLOrderID   int64 // 0 when no SL leg exists
	TrancheID   int64
	CreatedAt   time.Time
}

// Fill is one execution report for an order.
type Fill struct {
	OrderID     int64
	Seq         int64
	Quantity    float64
	Price       float64
	Time        time.Time
	Commission  float64
	RealizedPnL float64
}

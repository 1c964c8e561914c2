package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide represents the direction of a futures position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
	Both  PositionSide = "BOTH"
)

// ReduceSide returns the order side that decreases a position of this direction.
func (p PositionSide) ReduceSide() OrderSide {
	if p == Long {
		return Sell
	}
	return Buy
}

// EntrySide returns the order side that increases a position of this direction.
func (p PositionSide) EntrySide() OrderSide {
	if p == Long {
		return Buy
	}
	return Sell
}

// OrderKind classifies what role an order plays in the engine.
type OrderKind string

const (
	KindEntry OrderKind = "ENTRY"
	KindTP    OrderKind = "TP"
	KindSL    OrderKind = "SL"
	KindClose OrderKind = "CLOSE"
)

// OrderStatus mirrors the venue order lifecycle states.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether no further fills can occur for the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// MarginType is the per-symbol margin mode.
type MarginType string

const (
	MarginIsolated MarginType = "ISOLATED"
	MarginCrossed  MarginType = "CROSSED"
)

// TradeSideMode selects whether an entry follows or counters the liquidated side.
type TradeSideMode string

const (
	TradeOpposite TradeSideMode = "OPPOSITE"
	TradeSame     TradeSideMode = "SAME"
)

// WorkingType selects the price feed that triggers stop orders.
type WorkingType string

const (
	WorkingContractPrice WorkingType = "CONTRACT_PRICE"
	WorkingMarkPrice     WorkingType = "MARK_PRICE"
)

// TimeInForce for limit orders.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

// Package pricing quantizes prices and quantities to the symbol's trading
// rules and derives protective-order prices from tranche entries.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
)

// RoundDirection selects which way quantization moves a value.
type RoundDirection int

const (
	RoundDown RoundDirection = iota
	RoundUp
	RoundNearest
)

// quantize snaps value to a multiple of step in the given direction.
func quantize(value, step float64, dir RoundDirection) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	q := v.Div(s)
	switch dir {
	case RoundUp:
		q = q.Ceil()
	case RoundNearest:
		q = q.Round(0)
	default:
		q = q.Floor()
	}
	f, _ := q.Mul(s).Float64()
	return f
}

// FormatPrice rounds a price to the symbol tick and renders it with the
// symbol's price precision.
func FormatPrice(spec *ports.SymbolSpec, price float64, dir RoundDirection) string {
	p := quantize(price, spec.TickSize, dir)
	return decimal.NewFromFloat(p).StringFixed(int32(spec.PricePrecision))
}

// FormatQuantity floors a quantity to the symbol step and renders it with
// the symbol's quantity precision. Quantities always round down so an order
// never exceeds the intended size.
func FormatQuantity(spec *ports.SymbolSpec, qty float64) string {
	q := quantize(qty, spec.StepSize, RoundDown)
	return decimal.NewFromFloat(q).StringFixed(int32(spec.QuantityPrecision))
}

// QuantizeQty floors a quantity to the symbol step and returns it as a float.
func QuantizeQty(spec *ports.SymbolSpec, qty float64) float64 {
	return quantize(qty, spec.StepSize, RoundDown)
}

// TPPrice derives the take-profit trigger from a tranche's average entry.
func TPPrice(avgEntry, tpPct float64, side domain.PositionSide) float64 {
	if side == domain.Long {
		return avgEntry * (1 + tpPct/100)
	}
	return avgEntry * (1 - tpPct/100)
}

// SLPrice derives the stop-loss trigger from a tranche's average entry.
func SLPrice(avgEntry, slPct float64, side domain.PositionSide) float64 {
	if side == domain.Long {
		return avgEntry * (1 - slPct/100)
	}
	return avgEntry * (1 + slPct/100)
}

// TPRounding returns the direction that moves a TP price away from the
// entry, so the rounded target is never less favorable than configured.
func TPRounding(side domain.PositionSide) RoundDirection {
	if side == domain.Long {
		return RoundUp
	}
	return RoundDown
}

// SLRounding returns the direction that moves an SL price away from the
// entry, so the rounded stop is never looser than configured.
func SLRounding(side domain.PositionSide) RoundDirection {
	if side == domain.Long {
		return RoundDown
	}
	return RoundUp
}

// EntryRounding returns the conservative rounding for a limit entry: a BUY
// rounds down, a SELL rounds up, so the order never crosses further than
// the computed price.
func EntryRounding(side domain.OrderSide) RoundDirection {
	if side == domain.Buy {
		return RoundDown
	}
	return RoundUp
}

// MeetsMinNotional checks trade value against the symbol minimum after step
// rounding, with a safety factor so a marginal order is not submitted.
func MeetsMinNotional(spec *ports.SymbolSpec, qty, price, safetyFactor float64) error {
	notional := quantize(qty, spec.StepSize, RoundDown) * price
	required := spec.MinNotional * safetyFactor
	if notional < required {
		return fmt.Errorf("notional %.4f below required %.4f: %w", notional, required, ports.ErrMinNotional)
	}
	return nil
}

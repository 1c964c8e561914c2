package position

import (
	"context"
	"time"

	"github.com/google/uuid"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/pricing"
)

// OnMarkPrices feeds a mark-price batch into the fast-path exit check. For
// every tranche of an updated symbol, when the mark is within epsilon of the
// take-profit target the resting TP is cancelled and the tranche is closed
// with a market reduce, beating the limit queue during fast moves.
func (e *Engine) OnMarkPrices(ctx context.Context, prices []ports.MarkPrice) {
	e.markMu.Lock()
	for _, p := range prices {
		e.marks[p.Symbol] = p.Price
	}
	e.lastMarkAt = e.clock.Now()
	e.markMu.Unlock()

	if !e.cfg.InstantTPEnabled {
		return
	}

	updated := make(map[string]float64, len(prices))
	for _, p := range prices {
		updated[p.Symbol] = p.Price
	}

	for _, k := range e.keyList() {
		mark, ok := updated[k.symbol]
		if !ok {
			continue
		}
		e.fastPathKey(ctx, k, mark)
	}
}

func (e *Engine) fastPathKey(ctx context.Context, k engKey, mark float64) {
	settings, ok := e.settingsFor(k.symbol)
	if !ok || !settings.TakeProfitEnabled {
		return
	}

	st := e.state(k)
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, t := range st.tranches {
		if st.closing[t.ID] || t.TPOrderID == 0 {
			continue
		}
		if !tpImminent(t, mark, settings.TakeProfitPct, e.cfg.InstantTPEpsilonPct) {
			continue
		}

		now := e.clock.Now()
		br := e.breakerFor(st, t.ID)
		if !br.allow(now) {
			continue
		}

		e.logger.Info(ctx, "fast path firing", map[string]interface{}{
			"symbol": k.symbol, "positionSide": string(k.side), "trancheID": t.ID,
			"mark": mark, "avgEntry": t.AvgEntry})

		// Cancel the resting TP first so the market reduce cannot double
		// up with a simultaneous TP fill. "Already gone" means the TP just
		// filled and the fill router will clean up.
		st.closing[t.ID] = true
		e.cancelOrderIdempotent(ctx, k.symbol, t.TPOrderID, ports.PriorityCritical)
		t.TPOrderID = 0

		spec, err := e.cfg.Client.GetSymbolSpec(ctx, k.symbol)
		if err != nil {
			e.logger.Error(ctx, err, "fast path aborted on spec fetch", map[string]interface{}{
				"symbol": k.symbol, "trancheID": t.ID})
			delete(st.closing, t.ID)
			continue
		}
		if err := e.marketReduceLocked(ctx, st, t, spec, ports.PriorityCritical); err != nil {
			delete(st.closing, t.ID)
			if br.failure(now) {
				e.logger.Error(ctx, err, "fast path breaker tripped", map[string]interface{}{
					"symbol": k.symbol, "trancheID": t.ID})
			}
		} else {
			br.success()
		}
	}
}

// tpImminent reports whether the mark has reached the epsilon band around
// the tranche's take-profit target.
func tpImminent(t *domain.Tranche, mark, tpPct, epsilonPct float64) bool {
	tp := pricing.TPPrice(t.AvgEntry, tpPct, t.PositionSide)
	eps := epsilonPct / 100
	if t.PositionSide == domain.Long {
		return mark >= tp*(1-eps)
	}
	return mark <= tp*(1+eps)
}

// marketReduceLocked submits a reduce-only market order for the tranche's
// full quantity and records it so the ensuing fill routes back to the
// tranche.
func (e *Engine) marketReduceLocked(ctx context.Context, st *keyState, t *domain.Tranche, spec *ports.SymbolSpec, prio ports.Priority) error {
	req := &ports.OrderRequest{
		Symbol:       t.Symbol,
		Side:         t.PositionSide.ReduceSide(),
		PositionSide: t.PositionSide,
		Type:         ports.OrderTypeMarket,
		Quantity:     pricing.FormatQuantity(spec, t.Quantity),
		ReduceOnly:   true,
		ClientID:     uuid.NewString(),
	}
	resp, err := e.cfg.Client.PlaceOrder(ctx, req, prio)
	if err != nil {
		e.logger.Error(ctx, err, "market reduce failed", map[string]interface{}{
			"symbol": t.Symbol, "trancheID": t.ID, "qty": t.Quantity})
		return err
	}

	o := &domain.Order{
		OrderID:      resp.OrderID,
		ClientID:     resp.ClientOrderID,
		Symbol:       t.Symbol,
		PositionSide: t.PositionSide,
		Side:         req.Side,
		Kind:         domain.KindClose,
		Quantity:     t.Quantity,
		Status:       resp.Status,
		TrancheID:    t.ID,
		PlacedAt:     e.clock.Now(),
	}
	if err := e.cfg.Orders.UpsertOrder(ctx, o); err != nil {
		e.logger.Error(ctx, err, "failed to persist market reduce order", map[string]interface{}{
			"symbol": t.Symbol, "orderID": resp.OrderID})
	}
	return nil
}

// latestMark returns the most recent mark price seen for a symbol.
func (e *Engine) latestMark(symbol string) (float64, bool) {
	e.markMu.Lock()
	defer e.markMu.Unlock()
	p, ok := e.marks[symbol]
	return p, ok
}

// LastMarkAt returns when the price stream last delivered. The zero time
// means no update has arrived yet.
func (e *Engine) LastMarkAt() time.Time {
	e.markMu.Lock()
	defer e.markMu.Unlock()
	return e.lastMarkAt
}

// PriceFeedStale reports whether the mark stream has been silent past the
// configured threshold; the engine then relies on resting TP/SL only.
func (e *Engine) PriceFeedStale() bool {
	if e.cfg.PriceMonitorStaleAfter <= 0 {
		return false
	}
	e.markMu.Lock()
	last := e.lastMarkAt
	e.markMu.Unlock()
	if last.IsZero() {
		return false
	}
	return e.clock.Now().Sub(last) > e.cfg.PriceMonitorStaleAfter
}

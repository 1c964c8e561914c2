package position

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"liqCascadeBot/config"
	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/pricing"
)

const (
	breakerThreshold = 3
	breakerCooldown  = 300 * time.Second
)

// breaker disables the protection path for a tranche after repeated
// consecutive failures, so a rejecting venue cannot drive a rebuild loop.
type breaker struct {
	failures  int
	openUntil time.Time
}

func (b *breaker) allow(now time.Time) bool {
	return now.After(b.openUntil)
}

func (b *breaker) failure(now time.Time) bool {
	b.failures++
	if b.failures >= breakerThreshold {
		b.openUntil = now.Add(breakerCooldown)
		b.failures = 0
		return true
	}
	return false
}

func (b *breaker) success() {
	b.failures = 0
	b.openUntil = time.Time{}
}

func (e *Engine) breakerFor(st *keyState, trancheID int64) *breaker {
	b := st.breakers[trancheID]
	if b == nil {
		b = &breaker{}
		st.breakers[trancheID] = b
	}
	return b
}

// rebuildProtectionLocked replaces a tranche's TP and SL with fresh orders
// sized to the current quantity and priced off the current average entry.
// Old legs are cancelled first. On failure the tranche is flagged
// unprotected and the reconciler retries after the breaker cooldown.
func (e *Engine) rebuildProtectionLocked(ctx context.Context, st *keyState, t *domain.Tranche, settings config.SymbolSettings) {
	if !settings.TakeProfitEnabled && !settings.StopLossEnabled {
		return
	}

	now := e.clock.Now()
	br := e.breakerFor(st, t.ID)
	if !br.allow(now) {
		e.logger.Debug(ctx, "protection breaker open, skipping rebuild", map[string]interface{}{
			"symbol": t.Symbol, "trancheID": t.ID})
		return
	}

	spec, err := e.cfg.Client.GetSymbolSpec(ctx, t.Symbol)
	if err != nil {
		e.protectionFailed(ctx, st, t, br, err)
		return
	}

	oldTP, oldSL := t.TPOrderID, t.SLOrderID
	qtyStr := pricing.FormatQuantity(spec, t.Quantity)

	var tpReq, slReq *ports.OrderRequest
	if settings.TakeProfitEnabled {
		price := pricing.TPPrice(t.AvgEntry, settings.TakeProfitPct, t.PositionSide)
		tpReq = &ports.OrderRequest{
			Symbol:       t.Symbol,
			Side:         t.PositionSide.ReduceSide(),
			PositionSide: t.PositionSide,
			Type:         ports.OrderTypeLimit,
			Quantity:     qtyStr,
			Price:        pricing.FormatPrice(spec, price, pricing.TPRounding(t.PositionSide)),
			TimeInForce:  domain.GTC,
			ReduceOnly:   true,
			ClientID:     uuid.NewString(),
		}
	}
	if settings.StopLossEnabled {
		price := pricing.SLPrice(t.AvgEntry, settings.StopLossPct, t.PositionSide)
		slReq = &ports.OrderRequest{
			Symbol:       t.Symbol,
			Side:         t.PositionSide.ReduceSide(),
			PositionSide: t.PositionSide,
			Type:         ports.OrderTypeStopMarket,
			Quantity:     qtyStr,
			StopPrice:    pricing.FormatPrice(spec, price, pricing.SLRounding(t.PositionSide)),
			ReduceOnly:   true,
			ClientID:     uuid.NewString(),
			WorkingType:  settings.WorkingType,
			PriceProtect: settings.PriceProtect,
		}
	}

	if oldTP != 0 {
		e.cancelOrderIdempotent(ctx, t.Symbol, oldTP, ports.PriorityNormal)
		t.TPOrderID = 0
	}
	if oldSL != 0 {
		e.cancelOrderIdempotent(ctx, t.Symbol, oldSL, ports.PriorityNormal)
		t.SLOrderID = 0
	}

	tpResp, slResp, err := e.placeProtection(ctx, tpReq, slReq)
	if tpResp != nil {
		t.TPOrderID = tpResp.OrderID
		e.recordProtectiveOrder(ctx, t, tpResp, domain.KindTP, now)
	}
	if slResp != nil {
		t.SLOrderID = slResp.OrderID
		e.recordProtectiveOrder(ctx, t, slResp, domain.KindSL, now)
	}
	if err != nil {
		e.protectionFailed(ctx, st, t, br, err)
		return
	}

	br.success()
	t.Unprotected = false
	t.UpdatedAt = now
	if err := e.cfg.Tranches.UpdateTranche(ctx, t); err != nil {
		e.logger.Error(ctx, err, "failed to persist protection order IDs", map[string]interface{}{
			"symbol": t.Symbol, "trancheID": t.ID})
	}
	e.upsertRelationshipLocked(ctx, st, t, now)

	e.logger.Info(ctx, "protection rebuilt", map[string]interface{}{
		"symbol": t.Symbol, "positionSide": string(t.PositionSide), "trancheID": t.ID,
		"tpOrderID": t.TPOrderID, "slOrderID": t.SLOrderID, "qty": t.Quantity})
}

// placeProtection submits the TP and SL legs, batched when enabled. Returns
// whichever responses succeeded plus the first error.
func (e *Engine) placeProtection(ctx context.Context, tpReq, slReq *ports.OrderRequest) (tp, sl *ports.OrderResponse, err error) {
	var reqs []*ports.OrderRequest
	if tpReq != nil {
		reqs = append(reqs, tpReq)
	}
	if slReq != nil {
		reqs = append(reqs, slReq)
	}
	if len(reqs) == 0 {
		return nil, nil, nil
	}

	assign := func(req *ports.OrderRequest, resp *ports.OrderResponse) {
		if req == tpReq {
			tp = resp
		} else {
			sl = resp
		}
	}

	if e.cfg.BatchOrdersEnabled && len(reqs) > 1 {
		resps, errs, callErr := e.cfg.Client.PlaceBatchOrders(ctx, reqs, ports.PriorityNormal)
		if callErr != nil {
			return nil, nil, callErr
		}
		for i, req := range reqs {
			if errs[i] != nil {
				err = errs[i]
				continue
			}
			assign(req, resps[i])
		}
		return tp, sl, err
	}

	for _, req := range reqs {
		resp, placeErr := e.cfg.Client.PlaceOrder(ctx, req, ports.PriorityNormal)
		if placeErr != nil {
			err = placeErr
			continue
		}
		assign(req, resp)
	}
	return tp, sl, err
}

func (e *Engine) protectionFailed(ctx context.Context, st *keyState, t *domain.Tranche, br *breaker, err error) {
	tripped := br.failure(e.clock.Now())
	t.Unprotected = true
	t.UpdatedAt = e.clock.Now()
	if updErr := e.cfg.Tranches.UpdateTranche(ctx, t); updErr != nil {
		e.logger.Error(ctx, updErr, "failed to persist unprotected flag", map[string]interface{}{
			"symbol": t.Symbol, "trancheID": t.ID})
	}
	fields := map[string]interface{}{
		"symbol": t.Symbol, "positionSide": string(t.PositionSide),
		"trancheID": t.ID, "breakerTripped": tripped}
	e.logger.Error(ctx, errors.Join(ports.ErrTrancheUnprotected, err), "protection rebuild failed", fields)
}

func (e *Engine) recordProtectiveOrder(ctx context.Context, t *domain.Tranche, resp *ports.OrderResponse, kind domain.OrderKind, now time.Time) {
	o := &domain.Order{
		OrderID:      resp.OrderID,
		ClientID:     resp.ClientOrderID,
		Symbol:       t.Symbol,
		PositionSide: t.PositionSide,
		Side:         t.PositionSide.ReduceSide(),
		Kind:         kind,
		Quantity:     t.Quantity,
		Price:        resp.Price,
		StopPrice:    resp.StopPrice,
		Status:       resp.Status,
		TrancheID:    t.ID,
		PlacedAt:     now,
	}
	if err := e.cfg.Orders.UpsertOrder(ctx, o); err != nil {
		e.logger.Error(ctx, err, "failed to persist protective order", map[string]interface{}{
			"symbol": t.Symbol, "orderID": resp.OrderID, "kind": string(kind)})
	}
}

func (e *Engine) upsertRelationshipLocked(ctx context.Context, st *keyState, t *domain.Tranche, now time.Time) {
	main := st.mains[t.ID]
	if main == 0 {
		return // recovery tranche with no originating entry order
	}
	r := &domain.OrderRelationship{
		MainOrderID: main,
		TPOrderID:   t.TPOrderID,
		SLOrderID:   t.SLOrderID,
		TrancheID:   t.ID,
		CreatedAt:   now,
	}
	if err := e.cfg.Relationships.UpsertRelationship(ctx, r); err != nil {
		e.logger.Warn(ctx, "failed to persist order relationship", map[string]interface{}{
			"mainOrderID": main, "trancheID": t.ID, "error": err.Error()})
	}
}

// cancelTrancheProtectionLocked cancels both legs of a tranche, tolerating
// already-gone orders.
func (e *Engine) cancelTrancheProtectionLocked(ctx context.Context, t *domain.Tranche, prio ports.Priority) {
	if t.TPOrderID != 0 {
		e.cancelOrderIdempotent(ctx, t.Symbol, t.TPOrderID, prio)
		t.TPOrderID = 0
	}
	if t.SLOrderID != 0 {
		e.cancelOrderIdempotent(ctx, t.Symbol, t.SLOrderID, prio)
		t.SLOrderID = 0
	}
}

// cancelOrderIdempotent cancels an order, treating "not found" as success:
// the order already filled or was cancelled, either way it no longer rests.
func (e *Engine) cancelOrderIdempotent(ctx context.Context, symbol string, orderID int64, prio ports.Priority) {
	_, err := e.cfg.Client.CancelOrder(ctx, symbol, orderID, prio)
	if err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
		e.logger.Warn(ctx, "order cancel failed", map[string]interface{}{
			"symbol": symbol, "orderID": orderID, "error": err.Error()})
	}
}

package app

import (
	"context"
	"math"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/position"
	"liqCascadeBot/internal/reconciler"
	"liqCascadeBot/internal/risk"
)

// FillRouter consumes the user-data stream and routes order lifecycle
// events into the position engine. The stream delivers on one goroutine, so
// per-order events arrive and process in venue order.
type FillRouter struct {
	engine     *position.Engine
	orders     ports.OrderRepository
	risk       *risk.Manager
	reconciler *reconciler.Reconciler
	logger     ports.Logger
	clock      ports.Clock
}

// NewFillRouter creates the router.
func NewFillRouter(engine *position.Engine, orders ports.OrderRepository, riskMgr *risk.Manager, rec *reconciler.Reconciler, logger ports.Logger, clock ports.Clock) *FillRouter {
	if clock == nil {
		clock = ports.RealClock{}
	}
	return &FillRouter{
		engine:     engine,
		orders:     orders,
		risk:       riskMgr,
		reconciler: rec,
		logger:     logger,
		clock:      clock,
	}
}

// Handle is the user-data stream callback.
func (f *FillRouter) Handle(order *ports.OrderUpdate, account *ports.AccountUpdate) {
	ctx := context.Background()
	switch {
	case order != nil:
		f.handleOrder(ctx, order)
	case account != nil:
		f.handleAccount(ctx, account)
	}
}

func (f *FillRouter) handleOrder(ctx context.Context, u *ports.OrderUpdate) {
	f.logger.Debug(ctx, "order update", map[string]interface{}{
		"symbol": u.Symbol, "orderID": u.OrderID, "status": string(u.Status),
		"execType": u.ExecutionType, "cumQty": u.CumFilledQty})

	if u.ExecutionType == "TRADE" && u.LastFilledQty > 0 {
		fill := &domain.Fill{
			OrderID:     u.OrderID,
			Seq:         u.TradeID,
			Quantity:    u.LastFilledQty,
			Price:       u.LastPrice,
			Time:        u.TradeTime,
			Commission:  u.Commission,
			RealizedPnL: u.RealizedPnL,
		}
		if err := f.orders.InsertFill(ctx, fill); err != nil {
			f.logger.Warn(ctx, "failed to persist fill", map[string]interface{}{
				"orderID": u.OrderID, "tradeID": u.TradeID, "error": err.Error()})
		}
	}

	known, err := f.orders.FindOrder(ctx, u.OrderID)
	if err != nil {
		f.logger.Error(ctx, err, "order lookup failed", map[string]interface{}{"orderID": u.OrderID})
		return
	}
	if known == nil {
		// Not ours (manual order or a record lost to a crash). A filled
		// reduce changes the position, so let the reconciler square it.
		if u.Status == domain.StatusFilled {
			f.logger.Warn(ctx, "fill for unknown order, scheduling reconcile", map[string]interface{}{
				"symbol": u.Symbol, "orderID": u.OrderID})
			f.reconciler.Kick()
		}
		return
	}

	finalAt := known.FinalAt
	if u.Status.IsTerminal() && finalAt.IsZero() {
		finalAt = f.clock.Now()
	}
	if err := f.orders.UpdateOrderStatus(ctx, u.OrderID, u.Status, u.CumFilledQty, u.AvgPrice, finalAt); err != nil {
		f.logger.Warn(ctx, "failed to persist order status", map[string]interface{}{
			"orderID": u.OrderID, "error": err.Error()})
	}

	if !u.Status.IsTerminal() {
		return
	}

	switch known.Kind {
	case domain.KindEntry:
		f.routeEntryTerminal(ctx, known, u)
	case domain.KindTP, domain.KindSL, domain.KindClose:
		f.routeProtectiveTerminal(ctx, known, u)
	}
}

// routeEntryTerminal releases the pending-exposure reservation and hands any
// filled quantity to the tranche partitioner.
func (f *FillRouter) routeEntryTerminal(ctx context.Context, o *domain.Order, u *ports.OrderUpdate) {
	f.risk.RemovePending(o.Symbol, o.Notional())

	if u.CumFilledQty <= 0 {
		f.logger.Info(ctx, "entry order ended unfilled", map[string]interface{}{
			"symbol": o.Symbol, "orderID": o.OrderID, "status": string(u.Status)})
		return
	}

	price := u.AvgPrice
	if price <= 0 {
		price = o.Price
	}
	if err := f.engine.OnEntryFill(ctx, o.Symbol, o.PositionSide, u.CumFilledQty, price, o.OrderID); err != nil {
		f.logger.Error(ctx, err, "entry fill routing failed", map[string]interface{}{
			"symbol": o.Symbol, "orderID": o.OrderID})
	}
}

func (f *FillRouter) routeProtectiveTerminal(ctx context.Context, o *domain.Order, u *ports.OrderUpdate) {
	if u.Status == domain.StatusFilled {
		if err := f.engine.OnProtectiveFill(ctx, o, u.CumFilledQty); err != nil {
			f.logger.Error(ctx, err, "protective fill routing failed", map[string]interface{}{
				"symbol": o.Symbol, "orderID": o.OrderID, "kind": string(o.Kind)})
		}
		return
	}
	// Cancelled or expired while its tranche may still be live: the engine
	// re-places the leg unless it cancelled on purpose.
	if o.Kind == domain.KindTP || o.Kind == domain.KindSL {
		f.engine.OnProtectionTerminated(ctx, o)
	}
}

// handleAccount watches ACCOUNT_UPDATE for position drift against the
// tranche model and triggers a reconcile when the quantities disagree.
func (f *FillRouter) handleAccount(ctx context.Context, a *ports.AccountUpdate) {
	const tolerance = 1e-9
	for _, p := range a.Positions {
		side := p.PositionSide
		qty := p.PositionAmt
		if side == domain.Both || side == "" {
			if qty >= 0 {
				side = domain.Long
			} else {
				side = domain.Short
			}
		}
		have := f.engine.TotalQuantity(p.Symbol, side)
		if math.Abs(math.Abs(qty)-have) > tolerance {
			f.logger.Warn(ctx, "position drift detected, scheduling reconcile", map[string]interface{}{
				"symbol": p.Symbol, "positionSide": string(side),
				"venueQty": math.Abs(qty), "trancheQty": have, "reason": a.Reason})
			f.reconciler.Kick()
			return
		}
	}
}

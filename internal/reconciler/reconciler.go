// Package reconciler is the last-resort consistency oracle: on a periodic
// sweep it squares the tranche model against venue positions, repairs
// missing protection, and clears stale or orphaned orders.
package reconciler

import (
	"context"
	"errors"
	"math"
	"time"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/position"
)

const qtyTolerance = 1e-9

// Config holds the reconciler dependencies and cadence.
type Config struct {
	Interval time.Duration
	OrderTTL time.Duration

	Client        ports.ExchangeClient
	Engine        *position.Engine
	Orders        ports.OrderRepository
	Relationships ports.RelationshipRepository
	Logger        ports.Logger
	Clock         ports.Clock
}

// Reconciler runs the sweep.
type Reconciler struct {
	cfg    Config
	logger ports.Logger
	clock  ports.Clock
	kick   chan struct{}
}

// New creates a reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = ports.RealClock{}
	}
	return &Reconciler{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		kick:   make(chan struct{}, 1),
	}
}

// Kick requests an out-of-band sweep, e.g. after the fill router observes
// position drift in an ACCOUNT_UPDATE. Coalesces when one is already queued.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run sweeps once immediately, then on every interval tick or kick, until
// ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	r.Sweep(ctx)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		case <-r.kick:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one full reconciliation pass. Each stage is independent; a
// failing stage logs and the next still runs.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.logger.Debug(ctx, "reconcile sweep starting")

	if err := r.reconcilePositions(ctx); err != nil {
		r.logger.Error(ctx, err, "position reconciliation failed")
	}
	r.cfg.Engine.EnsureProtection(ctx)
	r.cfg.Engine.MergeProfitablePairs(ctx)
	if err := r.reconcileOpenOrders(ctx); err != nil {
		r.logger.Error(ctx, err, "open order reconciliation failed")
	}
	if err := r.expireStaleEntries(ctx); err != nil {
		r.logger.Error(ctx, err, "stale entry cleanup failed")
	}
}

type posKey struct {
	symbol string
	side   domain.PositionSide
}

// reconcilePositions compares venue position quantities against the summed
// tranche quantities per key and resolves the difference.
func (r *Reconciler) reconcilePositions(ctx context.Context) error {
	risks, err := r.cfg.Client.GetPositionRisks(ctx, "")
	if err != nil {
		return err
	}

	venue := make(map[posKey]struct {
		qty  float64
		mark float64
	})
	for _, p := range risks {
		side := p.PositionSide
		qty := p.PositionAmt
		if side == domain.Both || side == "" {
			// One-way mode reports a signed amount under BOTH.
			if qty >= 0 {
				side = domain.Long
			} else {
				side = domain.Short
			}
		}
		venue[posKey{symbol: p.Symbol, side: side}] = struct {
			qty  float64
			mark float64
		}{qty: math.Abs(qty), mark: p.MarkPrice}
	}

	seen := make(map[posKey]bool)
	for k, v := range venue {
		seen[k] = true
		have := r.cfg.Engine.TotalQuantity(k.symbol, k.side)
		diff := v.qty - have
		switch {
		case diff > qtyTolerance:
			r.cfg.Engine.CreateRecoveryTranche(ctx, k.symbol, k.side, diff, v.mark)
		case diff < -qtyTolerance:
			r.logger.Error(ctx, ports.ErrConsistencyViolation, "tranche quantity exceeds venue position",
				map[string]interface{}{"symbol": k.symbol, "positionSide": string(k.side),
					"venueQty": v.qty, "trancheQty": have})
		}
	}

	for _, key := range r.cfg.Engine.Keys() {
		k := posKey{symbol: key.Symbol, side: key.Side}
		if !seen[k] {
			r.cfg.Engine.DropAllTranches(ctx, k.symbol, k.side)
		}
	}
	return nil
}

// reconcileOpenOrders cancels open reduce-only orders that no tranche
// references, which accumulate after crashes mid-rebuild.
func (r *Reconciler) reconcileOpenOrders(ctx context.Context) error {
	open, err := r.cfg.Client.GetOpenOrders(ctx, "")
	if err != nil {
		return err
	}

	referenced := make(map[int64]bool)
	for _, key := range r.cfg.Engine.Keys() {
		for _, t := range r.cfg.Engine.Snapshot(key.Symbol, key.Side) {
			if t.TPOrderID != 0 {
				referenced[t.TPOrderID] = true
			}
			if t.SLOrderID != 0 {
				referenced[t.SLOrderID] = true
			}
		}
	}

	cutoff := r.clock.Now().Add(-r.cfg.OrderTTL)
	for _, o := range open {
		if !o.ReduceOnly || referenced[o.OrderID] {
			continue
		}
		if o.UpdateTime.After(cutoff) {
			continue // young enough that a rebuild may still be wiring it up
		}
		r.logger.Warn(ctx, "cancelling orphaned protective order", map[string]interface{}{
			"symbol": o.Symbol, "orderID": o.OrderID, "type": string(o.Type)})
		r.cancelQuiet(ctx, o.Symbol, o.OrderID)
	}
	return nil
}

// expireStaleEntries cancels entry orders that outlived the TTL without
// filling, along with any companion orders recorded for them.
func (r *Reconciler) expireStaleEntries(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.cfg.OrderTTL)
	stale, err := r.cfg.Orders.StaleEntryOrders(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, o := range stale {
		r.logger.Info(ctx, "cancelling stale entry order", map[string]interface{}{
			"symbol": o.Symbol, "orderID": o.OrderID,
			"age": r.clock.Now().Sub(o.PlacedAt).String()})
		r.cancelQuiet(ctx, o.Symbol, o.OrderID)

		rel, err := r.cfg.Relationships.FindCompanions(ctx, o.OrderID)
		if err != nil || rel == nil {
			continue
		}
		if rel.TPOrderID != 0 {
			r.cancelQuiet(ctx, o.Symbol, rel.TPOrderID)
		}
		if rel.SLOrderID != 0 {
			r.cancelQuiet(ctx, o.Symbol, rel.SLOrderID)
		}
	}
	return nil
}

func (r *Reconciler) cancelQuiet(ctx context.Context, symbol string, orderID int64) {
	_, err := r.cfg.Client.CancelOrder(ctx, symbol, orderID, ports.PriorityLow)
	if err == nil {
		return
	}
	if errors.Is(err, ports.ErrOrderNotFound) {
		// Already terminal on the venue; mark our record so the stale query
		// stops returning it.
		now := r.clock.Now()
		if updErr := r.cfg.Orders.UpdateOrderStatus(ctx, orderID, domain.StatusExpired, 0, 0, now); updErr != nil {
			r.logger.Warn(ctx, "failed to mark missing order expired", map[string]interface{}{
				"orderID": orderID, "error": updErr.Error()})
		}
		return
	}
	r.logger.Warn(ctx, "reconciler cancel failed", map[string]interface{}{
		"symbol": symbol, "orderID": orderID, "error": err.Error()})
}

// Package position owns the tranche model: assignment of entry fills to
// tranches, merges, protective TP/SL orders, and the fast-path exit on the
// mark-price stream. All mutation for one (symbol, position side) key is
// serialized behind that key's mutex.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"liqCascadeBot/config"
	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/risk"
)

// Config holds the engine dependencies and parameters.
type Config struct {
	Symbols                  map[string]config.SymbolSettings
	HedgeMode                bool
	BatchOrdersEnabled       bool
	TranchePnLIncrementPct   float64
	MaxTranchesPerSymbolSide int
	InstantTPEnabled         bool
	InstantTPEpsilonPct      float64
	PriceMonitorStaleAfter   time.Duration

	Client        ports.ExchangeClient
	Tranches      ports.TrancheRepository
	Orders        ports.OrderRepository
	Relationships ports.RelationshipRepository
	Risk          *risk.Manager
	Logger        ports.Logger
	Clock         ports.Clock
}

type engKey struct {
	symbol string
	side   domain.PositionSide
}

// keyState is the single-writer state for one (symbol, position side).
// Callers must hold mu for every field access.
type keyState struct {
	mu       sync.Mutex
	tranches []*domain.Tranche // ID ascending
	nextID   int64
	mains    map[int64]int64    // tranche ID -> entry order that last touched it
	breakers map[int64]*breaker // tranche ID -> protection circuit breaker
	closing  map[int64]bool     // tranche IDs with a fast-path market reduce in flight
}

// Engine coordinates tranche partitioning, protection and the fast path.
type Engine struct {
	cfg    Config
	logger ports.Logger
	clock  ports.Clock

	mu   sync.Mutex // guards keys map only
	keys map[engKey]*keyState

	markMu     sync.Mutex
	marks      map[string]float64
	lastMarkAt time.Time
}

// NewEngine creates the engine. Call Recover before routing fills into it.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = ports.RealClock{}
	}
	return &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		keys:   make(map[engKey]*keyState),
		marks:  make(map[string]float64),
	}
}

func (e *Engine) state(k engKey) *keyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.keys[k]
	if st == nil {
		st = &keyState{
			nextID:   1,
			mains:    make(map[int64]int64),
			breakers: make(map[int64]*breaker),
			closing:  make(map[int64]bool),
		}
		e.keys[k] = st
	}
	return st
}

func (e *Engine) settingsFor(symbol string) (config.SymbolSettings, bool) {
	s, ok := e.cfg.Symbols[symbol]
	return s, ok
}

// Recover reloads the persisted tranche model and seeds the exposure
// tracker. Called once on startup before any stream attaches.
func (e *Engine) Recover(ctx context.Context) error {
	op := "Recover"
	all, err := e.cfg.Tranches.ListAllTranches(ctx)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	byKey := make(map[engKey][]*domain.Tranche)
	for _, t := range all {
		k := engKey{symbol: t.Symbol, side: t.PositionSide}
		byKey[k] = append(byKey[k], t)
	}

	for k, ts := range byKey {
		st := e.state(k)
		st.mu.Lock()
		st.tranches = ts
		for _, t := range ts {
			if t.ID >= st.nextID {
				st.nextID = t.ID + 1
			}
		}
		var notional float64
		for _, t := range ts {
			notional += t.Notional()
		}
		st.mu.Unlock()
		e.cfg.Risk.SetPosition(k.symbol, k.side, notional)
		e.logger.Info(ctx, "recovered tranches", map[string]interface{}{
			"symbol": k.symbol, "positionSide": string(k.side), "count": len(ts)})
	}
	return nil
}

// OnEntryFill assigns a filled entry to a tranche. The aggregate-PnL rule
// decides between absorbing into the most recent tranche and opening a new
// one; either way protection is rebuilt for the touched tranche.
func (e *Engine) OnEntryFill(ctx context.Context, symbol string, side domain.PositionSide, qty, price float64, entryOrderID int64) error {
	settings, ok := e.settingsFor(symbol)
	if !ok {
		return fmt.Errorf("entry fill for unconfigured symbol %s: %w", symbol, ports.ErrInvalidParam)
	}

	st := e.state(engKey{symbol: symbol, side: side})
	st.mu.Lock()
	defer st.mu.Unlock()

	t, created := e.assignLocked(ctx, st, symbol, side, qty, price)
	st.mains[t.ID] = entryOrderID
	e.cfg.Risk.AddPosition(symbol, side, qty*price)

	if created {
		if err := e.cfg.Tranches.CreateTranche(ctx, t); err != nil {
			e.logger.Error(ctx, err, "failed to persist new tranche", map[string]interface{}{
				"symbol": symbol, "trancheID": t.ID})
		}
	} else if err := e.cfg.Tranches.UpdateTranche(ctx, t); err != nil {
		e.logger.Error(ctx, err, "failed to persist tranche absorb", map[string]interface{}{
			"symbol": symbol, "trancheID": t.ID})
	}

	e.logger.Info(ctx, "entry fill assigned to tranche", map[string]interface{}{
		"symbol": symbol, "positionSide": string(side), "trancheID": t.ID,
		"created": created, "qty": qty, "price": price,
		"avgEntry": t.AvgEntry, "trancheQty": t.Quantity})

	e.rebuildProtectionLocked(ctx, st, t, settings)
	return nil
}

// assignLocked applies the assignment rule and returns the target tranche,
// reporting whether it was newly created.
func (e *Engine) assignLocked(ctx context.Context, st *keyState, symbol string, side domain.PositionSide, qty, price float64) (*domain.Tranche, bool) {
	now := e.clock.Now()

	if len(st.tranches) == 0 {
		t := e.newTrancheLocked(st, symbol, side, qty, price, now)
		return t, true
	}

	aggAvg, _ := domain.WeightedAvgEntry(st.tranches)
	pnl := domain.SignedReturnPct(aggAvg, price, side)
	// A drawdown of exactly one increment already warrants its own tranche.
	if pnl > -e.cfg.TranchePnLIncrementPct {
		t := st.tranches[len(st.tranches)-1]
		t.Absorb(qty, price)
		t.UpdatedAt = now
		return t, false
	}

	// Aggregate is underwater past the increment: open a fresh tranche so
	// the new capital gets its own exit prices.
	if len(st.tranches) >= e.cfg.MaxTranchesPerSymbolSide {
		e.mergeMostFavorableLocked(ctx, st, symbol, side)
	}
	t := e.newTrancheLocked(st, symbol, side, qty, price, now)
	return t, true
}

func (e *Engine) newTrancheLocked(st *keyState, symbol string, side domain.PositionSide, qty, price float64, now time.Time) *domain.Tranche {
	t := &domain.Tranche{
		ID:           st.nextID,
		Symbol:       symbol,
		PositionSide: side,
		AvgEntry:     price,
		Quantity:     qty,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	st.nextID++
	st.tranches = append(st.tranches, t)
	return t
}

// mergeMostFavorableLocked combines the pair whose weighted-average entry is
// least adverse for the position side, freeing a slot at the tranche cap.
func (e *Engine) mergeMostFavorableLocked(ctx context.Context, st *keyState, symbol string, side domain.PositionSide) {
	if len(st.tranches) < 2 {
		return
	}
	bi, bj := -1, -1
	var bestAvg float64
	for i := 0; i < len(st.tranches); i++ {
		for j := i + 1; j < len(st.tranches); j++ {
			avg, _ := domain.WeightedAvgEntry([]*domain.Tranche{st.tranches[i], st.tranches[j]})
			better := bi < 0 ||
				(side == domain.Long && avg < bestAvg) ||
				(side == domain.Short && avg > bestAvg)
			if better {
				bi, bj, bestAvg = i, j, avg
			}
		}
	}
	e.mergePairLocked(ctx, st, bi, bj)
}

// mergePairLocked absorbs tranche j into tranche i (i < j), cancels j's
// protection and rebuilds i's against the merged average and quantity.
func (e *Engine) mergePairLocked(ctx context.Context, st *keyState, i, j int) {
	keep, drop := st.tranches[i], st.tranches[j]
	settings, ok := e.settingsFor(keep.Symbol)
	if !ok {
		return
	}

	e.cancelTrancheProtectionLocked(ctx, drop, ports.PriorityNormal)

	keep.Absorb(drop.Quantity, drop.AvgEntry)
	keep.UpdatedAt = e.clock.Now()

	st.tranches = append(st.tranches[:j], st.tranches[j+1:]...)
	delete(st.breakers, drop.ID)
	delete(st.closing, drop.ID)
	delete(st.mains, drop.ID)

	if err := e.cfg.Tranches.DeleteTranche(ctx, drop.Symbol, drop.PositionSide, drop.ID); err != nil {
		e.logger.Error(ctx, err, "failed to delete merged tranche", map[string]interface{}{
			"symbol": drop.Symbol, "trancheID": drop.ID})
	}
	if err := e.cfg.Tranches.UpdateTranche(ctx, keep); err != nil {
		e.logger.Error(ctx, err, "failed to persist merge survivor", map[string]interface{}{
			"symbol": keep.Symbol, "trancheID": keep.ID})
	}

	e.logger.Info(ctx, "merged tranches", map[string]interface{}{
		"symbol": keep.Symbol, "positionSide": string(keep.PositionSide),
		"kept": keep.ID, "dropped": drop.ID,
		"avgEntry": keep.AvgEntry, "qty": keep.Quantity})

	e.rebuildProtectionLocked(ctx, st, keep, settings)
}

// MergeProfitablePairs opportunistically merges any two tranches whose
// combined position is in profit at the latest mark. Runs on the reconciler
// cadence.
func (e *Engine) MergeProfitablePairs(ctx context.Context) {
	for _, k := range e.keyList() {
		mark, ok := e.latestMark(k.symbol)
		if !ok {
			continue
		}
		st := e.state(k)
		st.mu.Lock()
		for {
			i, j := profitablePairLocked(st.tranches, mark, k.side)
			if i < 0 {
				break
			}
			e.mergePairLocked(ctx, st, i, j)
		}
		st.mu.Unlock()
	}
}

func profitablePairLocked(tranches []*domain.Tranche, mark float64, side domain.PositionSide) (int, int) {
	for i := 0; i < len(tranches); i++ {
		for j := i + 1; j < len(tranches); j++ {
			avg, _ := domain.WeightedAvgEntry([]*domain.Tranche{tranches[i], tranches[j]})
			if domain.SignedReturnPct(avg, mark, side) > 0 {
				return i, j
			}
		}
	}
	return -1, -1
}

// OnProtectiveFill handles a filled TP or SL leg: reduce the tranche, cancel
// the companion leg, delete the tranche when it reaches zero.
func (e *Engine) OnProtectiveFill(ctx context.Context, o *domain.Order, filledQty float64) error {
	settings, ok := e.settingsFor(o.Symbol)
	if !ok {
		return fmt.Errorf("protective fill for unconfigured symbol %s: %w", o.Symbol, ports.ErrInvalidParam)
	}

	st := e.state(engKey{symbol: o.Symbol, side: o.PositionSide})
	st.mu.Lock()
	defer st.mu.Unlock()

	t := findTrancheLocked(st, o.TrancheID)
	if t == nil {
		e.logger.Warn(ctx, "protective fill for unknown tranche", map[string]interface{}{
			"symbol": o.Symbol, "trancheID": o.TrancheID, "orderID": o.OrderID})
		return nil
	}

	e.cfg.Risk.AddPosition(o.Symbol, o.PositionSide, -filledQty*t.AvgEntry)

	// Cancel the companion leg first so a dangling reduce-only order never
	// outlives its tranche.
	var companion int64
	switch o.Kind {
	case domain.KindTP:
		companion = t.SLOrderID
	case domain.KindSL:
		companion = t.TPOrderID
	default:
		// Market reduce: the fast path already cancelled the TP; clear
		// whatever legs still rest.
		if t.TPOrderID != 0 {
			e.cancelOrderIdempotent(ctx, o.Symbol, t.TPOrderID, ports.PriorityNormal)
		}
		companion = t.SLOrderID
	}
	if companion != 0 {
		e.cancelOrderIdempotent(ctx, o.Symbol, companion, ports.PriorityNormal)
	}
	t.TPOrderID, t.SLOrderID = 0, 0

	t.Quantity -= filledQty
	t.UpdatedAt = e.clock.Now()

	if t.Quantity <= 0 {
		e.removeTrancheLocked(ctx, st, t)
		e.logger.Info(ctx, "tranche closed", map[string]interface{}{
			"symbol": o.Symbol, "positionSide": string(o.PositionSide),
			"trancheID": t.ID, "kind": string(o.Kind)})
		return nil
	}

	// Partial reduction: resize both legs to the remaining quantity.
	if err := e.cfg.Tranches.UpdateTranche(ctx, t); err != nil {
		e.logger.Error(ctx, err, "failed to persist tranche reduction", map[string]interface{}{
			"symbol": o.Symbol, "trancheID": t.ID})
	}
	e.rebuildProtectionLocked(ctx, st, t, settings)
	return nil
}

// OnProtectionTerminated handles a cancel or expiry of a TP/SL leg whose
// tranche is still live: the leg is re-placed.
func (e *Engine) OnProtectionTerminated(ctx context.Context, o *domain.Order) {
	settings, ok := e.settingsFor(o.Symbol)
	if !ok {
		return
	}
	st := e.state(engKey{symbol: o.Symbol, side: o.PositionSide})
	st.mu.Lock()
	defer st.mu.Unlock()

	t := findTrancheLocked(st, o.TrancheID)
	if t == nil {
		return
	}
	if t.TPOrderID != o.OrderID && t.SLOrderID != o.OrderID {
		return // stale event for a leg already replaced
	}
	if st.closing[t.ID] {
		return // fast path cancelled the TP on purpose
	}
	if t.TPOrderID == o.OrderID {
		t.TPOrderID = 0
	} else {
		t.SLOrderID = 0
	}
	e.logger.Warn(ctx, "protective order terminated externally, re-placing", map[string]interface{}{
		"symbol": o.Symbol, "trancheID": t.ID, "orderID": o.OrderID, "kind": string(o.Kind)})
	e.rebuildProtectionLocked(ctx, st, t, settings)
}

func (e *Engine) removeTrancheLocked(ctx context.Context, st *keyState, t *domain.Tranche) {
	for i, cur := range st.tranches {
		if cur.ID == t.ID {
			st.tranches = append(st.tranches[:i], st.tranches[i+1:]...)
			break
		}
	}
	main := st.mains[t.ID]
	delete(st.breakers, t.ID)
	delete(st.closing, t.ID)
	delete(st.mains, t.ID)

	if err := e.cfg.Tranches.DeleteTranche(ctx, t.Symbol, t.PositionSide, t.ID); err != nil {
		e.logger.Error(ctx, err, "failed to delete tranche", map[string]interface{}{
			"symbol": t.Symbol, "trancheID": t.ID})
	}
	if main != 0 {
		if err := e.cfg.Relationships.DeleteRelationship(ctx, main); err != nil {
			e.logger.Warn(ctx, "failed to delete order relationship", map[string]interface{}{
				"mainOrderID": main, "error": err.Error()})
		}
	}
}

func findTrancheLocked(st *keyState, id int64) *domain.Tranche {
	for _, t := range st.tranches {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ForceClose cancels all protection for a key and market-reduces the whole
// position. The resulting fills flow back through the fill router, which
// deletes the tranches.
func (e *Engine) ForceClose(ctx context.Context, symbol string, side domain.PositionSide) error {
	op := "ForceClose"
	spec, err := e.cfg.Client.GetSymbolSpec(ctx, symbol)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}

	st := e.state(engKey{symbol: symbol, side: side})
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.tranches) == 0 {
		return fmt.Errorf("%s: no tranches for %s %s: %w", op, symbol, side, ports.ErrPositionNotFound)
	}

	for _, t := range st.tranches {
		st.closing[t.ID] = true
		e.cancelTrancheProtectionLocked(ctx, t, ports.PriorityCritical)
		if err := e.marketReduceLocked(ctx, st, t, spec, ports.PriorityCritical); err != nil {
			delete(st.closing, t.ID)
			return fmt.Errorf("%s failed: %w", op, err)
		}
	}
	e.logger.Info(ctx, "force close submitted", map[string]interface{}{
		"symbol": symbol, "positionSide": string(side), "tranches": len(st.tranches)})
	return nil
}

// Snapshot returns copies of the tranches for one key, ID ascending.
func (e *Engine) Snapshot(symbol string, side domain.PositionSide) []domain.Tranche {
	st := e.state(engKey{symbol: symbol, side: side})
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]domain.Tranche, len(st.tranches))
	for i, t := range st.tranches {
		out[i] = *t
	}
	return out
}

// Keys returns every (symbol, position side) that currently has tranches.
func (e *Engine) Keys() []struct {
	Symbol string
	Side   domain.PositionSide
} {
	var out []struct {
		Symbol string
		Side   domain.PositionSide
	}
	for _, k := range e.keyList() {
		st := e.state(k)
		st.mu.Lock()
		n := len(st.tranches)
		st.mu.Unlock()
		if n > 0 {
			out = append(out, struct {
				Symbol string
				Side   domain.PositionSide
			}{Symbol: k.symbol, Side: k.side})
		}
	}
	return out
}

func (e *Engine) keyList() []engKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engKey, 0, len(e.keys))
	for k := range e.keys {
		out = append(out, k)
	}
	return out
}

// TotalQuantity sums the tranche quantities for one key.
func (e *Engine) TotalQuantity(symbol string, side domain.PositionSide) float64 {
	st := e.state(engKey{symbol: symbol, side: side})
	st.mu.Lock()
	defer st.mu.Unlock()
	var sum float64
	for _, t := range st.tranches {
		sum += t.Quantity
	}
	return sum
}

// CreateRecoveryTranche registers venue quantity the engine has no tranche
// for, entered at the current mark. Used by the reconciler.
func (e *Engine) CreateRecoveryTranche(ctx context.Context, symbol string, side domain.PositionSide, qty, mark float64) {
	settings, ok := e.settingsFor(symbol)
	if !ok {
		return
	}
	st := e.state(engKey{symbol: symbol, side: side})
	st.mu.Lock()
	defer st.mu.Unlock()

	t := e.newTrancheLocked(st, symbol, side, qty, mark, e.clock.Now())
	e.cfg.Risk.AddPosition(symbol, side, qty*mark)
	if err := e.cfg.Tranches.CreateTranche(ctx, t); err != nil {
		e.logger.Error(ctx, err, "failed to persist recovery tranche", map[string]interface{}{
			"symbol": symbol, "trancheID": t.ID})
	}
	e.logger.Warn(ctx, "created recovery tranche for orphan position", map[string]interface{}{
		"symbol": symbol, "positionSide": string(side), "trancheID": t.ID,
		"qty": qty, "mark": mark})
	e.rebuildProtectionLocked(ctx, st, t, settings)
}

// DropAllTranches discards the in-memory and persisted tranches for a key
// whose venue position is flat. Protection orders are cancelled.
func (e *Engine) DropAllTranches(ctx context.Context, symbol string, side domain.PositionSide) {
	st := e.state(engKey{symbol: symbol, side: side})
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, t := range st.tranches {
		e.cancelTrancheProtectionLocked(ctx, t, ports.PriorityNormal)
		main := st.mains[t.ID]
		if err := e.cfg.Tranches.DeleteTranche(ctx, t.Symbol, t.PositionSide, t.ID); err != nil {
			e.logger.Error(ctx, err, "failed to delete stale tranche", map[string]interface{}{
				"symbol": symbol, "trancheID": t.ID})
		}
		if main != 0 {
			_ = e.cfg.Relationships.DeleteRelationship(ctx, main)
		}
	}
	n := len(st.tranches)
	st.tranches = nil
	st.mains = make(map[int64]int64)
	st.breakers = make(map[int64]*breaker)
	st.closing = make(map[int64]bool)
	e.cfg.Risk.SetPosition(symbol, side, 0)

	if n > 0 {
		e.logger.Warn(ctx, "dropped tranches with no venue position", map[string]interface{}{
			"symbol": symbol, "positionSide": string(side), "count": n})
	}
}

// EnsureProtection re-places missing TP/SL legs across all keys. Clears the
// unprotected flag on success. Called by the reconciler.
func (e *Engine) EnsureProtection(ctx context.Context) {
	for _, k := range e.keyList() {
		settings, ok := e.settingsFor(k.symbol)
		if !ok {
			continue
		}
		st := e.state(k)
		st.mu.Lock()
		for _, t := range st.tranches {
			needTP := settings.TakeProfitEnabled && t.TPOrderID == 0
			needSL := settings.StopLossEnabled && t.SLOrderID == 0
			if (needTP || needSL || t.Unprotected) && !st.closing[t.ID] {
				e.rebuildProtectionLocked(ctx, st, t, settings)
			}
		}
		st.mu.Unlock()
	}
}

// Package strategy decides, for each liquidation event, whether to submit a
// counter-positioned entry order.
package strategy

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"liqCascadeBot/config"
	"liqCascadeBot/internal/aggregator"
	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/pricing"
	"liqCascadeBot/internal/ratelimit"
	"liqCascadeBot/internal/risk"
)

const (
	defaultWorkers  = 8
	workerQueueSize = 256
	depthLimit      = 20
	notionalSafety  = 1.1
)

// Config holds the evaluator dependencies and parameters.
type Config struct {
	Symbols                map[string]config.SymbolSettings
	MaxOpenOrdersPerSymbol int
	TimeInForce            domain.TimeInForce
	SimulateOnly           bool
	Workers                int

	Client   ports.ExchangeClient
	Windows  *aggregator.Windows
	Risk     *risk.Manager
	Orders   ports.OrderRepository
	Governor *ratelimit.Governor
	Logger   ports.Logger
	Clock    ports.Clock
}

// cascadeElevation is how long the rate governor stays in liquidation mode
// after a threshold breach, covering the burst of entries and protection
// rebuilds that follows.
const cascadeElevation = 30 * time.Second

type appliedState struct {
	leverage int
	margin   domain.MarginType
}

// Evaluator runs the entry decision pipeline. Events for the same symbol are
// evaluated in arrival order on a single worker; different symbols evaluate
// in parallel.
type Evaluator struct {
	cfg    Config
	logger ports.Logger
	clock  ports.Clock

	workers []chan *domain.Liquidation
	wg      sync.WaitGroup

	appliedMu sync.Mutex
	applied   map[string]appliedState // symbol -> leverage/margin already set
}

// New creates an evaluator. Call Start before handing it events.
func New(cfg Config) *Evaluator {
	n := cfg.Workers
	if n <= 0 {
		n = defaultWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = ports.RealClock{}
	}
	e := &Evaluator{
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		workers: make([]chan *domain.Liquidation, n),
		applied: make(map[string]appliedState),
	}
	for i := range e.workers {
		e.workers[i] = make(chan *domain.Liquidation, workerQueueSize)
	}
	return e
}

// Start launches the worker pool. Workers drain until ctx ends.
func (e *Evaluator) Start(ctx context.Context) {
	for _, ch := range e.workers {
		e.wg.Add(1)
		go func(ch chan *domain.Liquidation) {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-ch:
					e.evaluate(ctx, ev)
				}
			}
		}(ch)
	}
}

// Wait blocks until every worker has exited.
func (e *Evaluator) Wait() {
	e.wg.Wait()
}

// HandleBatch routes a batch of liquidations onto the per-symbol workers.
func (e *Evaluator) HandleBatch(events []*domain.Liquidation) {
	for _, ev := range events {
		if _, ok := e.cfg.Symbols[ev.Symbol]; !ok {
			continue
		}
		ch := e.workers[workerIndex(ev.Symbol, len(e.workers))]
		select {
		case ch <- ev:
		default:
			e.logger.Warn(context.Background(), "evaluator worker queue full, dropping event",
				map[string]interface{}{"symbol": ev.Symbol})
		}
	}
}

func workerIndex(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// entrySideFor maps the liquidated position side to the side this strategy
// opens. The contrarian default fades the cascade: liquidated longs open a
// SHORT, liquidated shorts open a LONG.
func entrySideFor(liquidated domain.PositionSide, mode domain.TradeSideMode) domain.PositionSide {
	same := liquidated
	if mode == domain.TradeSame {
		return same
	}
	if liquidated == domain.Long {
		return domain.Short
	}
	return domain.Long
}

func thresholdFor(s config.SymbolSettings, entry domain.PositionSide) float64 {
	if entry == domain.Long {
		return s.VolumeThresholdLong
	}
	return s.VolumeThresholdShort
}

// evaluate runs the full admission pipeline for one event and submits the
// entry order when every gate passes. Vetoes log at debug and return.
func (e *Evaluator) evaluate(ctx context.Context, ev *domain.Liquidation) {
	settings, ok := e.cfg.Symbols[ev.Symbol]
	if !ok {
		return
	}

	liquidated := ev.LiquidatedPositionSide()
	entryPos := entrySideFor(liquidated, settings.TradeSide)
	threshold := thresholdFor(settings, entryPos)
	if threshold <= 0 {
		return // direction disabled for this symbol
	}

	volume := e.cfg.Windows.Current(ev.Symbol, ev.Side)
	if volume < threshold {
		e.logger.Debug(ctx, "volume below threshold", map[string]interface{}{
			"symbol": ev.Symbol, "liquidated": string(liquidated),
			"volume": volume, "threshold": threshold})
		return
	}

	// A cascade is in progress: widen the admission limits so the burst of
	// entries and protection rebuilds is not throttled by the safety buffer.
	if e.cfg.Governor != nil {
		e.cfg.Governor.ElevateLiquidation(cascadeElevation)
	}

	notional := settings.TradeValueUSDT * float64(settings.Leverage)

	if err := e.cfg.Risk.CanOpen(ctx, ev.Symbol, notional); err != nil {
		e.logger.Debug(ctx, "exposure gate vetoed entry", map[string]interface{}{
			"symbol": ev.Symbol, "reason": err.Error()})
		return
	}

	openEntries, err := e.cfg.Orders.OpenEntryOrderCount(ctx, ev.Symbol)
	if err != nil {
		e.logger.Error(ctx, err, "failed to count open entry orders", map[string]interface{}{"symbol": ev.Symbol})
		return
	}
	if openEntries >= e.cfg.MaxOpenOrdersPerSymbol {
		e.logger.Debug(ctx, "open entry order cap reached", map[string]interface{}{
			"symbol": ev.Symbol, "open": openEntries})
		return
	}

	spec, err := e.cfg.Client.GetSymbolSpec(ctx, ev.Symbol)
	if err != nil {
		e.logger.Error(ctx, err, "failed to fetch symbol spec", map[string]interface{}{"symbol": ev.Symbol})
		return
	}

	price, err := e.entryPrice(ctx, ev, settings, entryPos, spec)
	if err != nil {
		e.logger.Warn(ctx, "failed to price entry", map[string]interface{}{
			"symbol": ev.Symbol, "error": err.Error()})
		return
	}

	qty := pricing.QuantizeQty(spec, notional/price)
	if err := pricing.MeetsMinNotional(spec, qty, price, notionalSafety); err != nil {
		e.logger.Warn(ctx, "entry below min notional", map[string]interface{}{
			"symbol": ev.Symbol, "qty": qty, "price": price, "error": err.Error()})
		return
	}

	if e.cfg.SimulateOnly {
		e.logger.Info(ctx, "simulate: would submit entry order", map[string]interface{}{
			"symbol": ev.Symbol, "positionSide": string(entryPos),
			"qty": qty, "price": price, "triggerVolume": volume})
		return
	}

	if err := e.ensureSymbolMode(ctx, ev.Symbol, settings); err != nil {
		e.logger.Error(ctx, err, "failed to apply leverage/margin", map[string]interface{}{"symbol": ev.Symbol})
		return
	}

	req := &ports.OrderRequest{
		Symbol:       ev.Symbol,
		Side:         entryPos.EntrySide(),
		PositionSide: entryPos,
		Type:         ports.OrderTypeLimit,
		Quantity:     pricing.FormatQuantity(spec, qty),
		Price:        pricing.FormatPrice(spec, price, pricing.EntryRounding(entryPos.EntrySide())),
		TimeInForce:  e.cfg.TimeInForce,
		ClientID:     uuid.NewString(),
	}

	e.cfg.Risk.AddPending(ev.Symbol, qty*price)
	resp, err := e.cfg.Client.PlaceOrder(ctx, req, ports.PriorityCritical)
	if err != nil {
		e.cfg.Risk.RemovePending(ev.Symbol, qty*price)
		e.logger.Error(ctx, err, "entry order submission failed", map[string]interface{}{
			"symbol": ev.Symbol, "positionSide": string(entryPos)})
		return
	}

	now := e.clock.Now()
	order := &domain.Order{
		OrderID:      resp.OrderID,
		ClientID:     resp.ClientOrderID,
		Symbol:       ev.Symbol,
		PositionSide: entryPos,
		Side:         req.Side,
		Kind:         domain.KindEntry,
		Quantity:     qty,
		Price:        price,
		Status:       resp.Status,
		TrancheID:    -1,
		TimeInForce:  e.cfg.TimeInForce,
		PlacedAt:     now,
	}
	if err := e.cfg.Orders.UpsertOrder(ctx, order); err != nil {
		e.logger.Error(ctx, err, "failed to persist entry order", map[string]interface{}{
			"symbol": ev.Symbol, "orderID": resp.OrderID})
	}

	e.logger.Info(ctx, "entry order submitted", map[string]interface{}{
		"symbol": ev.Symbol, "positionSide": string(entryPos), "orderID": resp.OrderID,
		"qty": qty, "price": price, "triggerVolume": volume})
}

// entryPrice derives the limit price from the top of book, offset to the
// passive side of the intended direction. Falls back to the liquidation
// print when the book is unavailable.
func (e *Evaluator) entryPrice(ctx context.Context, ev *domain.Liquidation, s config.SymbolSettings, entryPos domain.PositionSide, spec *ports.SymbolSpec) (float64, error) {
	base := ev.Price
	depth, err := e.cfg.Client.GetDepth(ctx, ev.Symbol, depthLimit)
	if err != nil {
		e.logger.Warn(ctx, "depth fetch failed, pricing off liquidation print", map[string]interface{}{
			"symbol": ev.Symbol, "error": err.Error()})
	} else if len(depth.Bids) > 0 && len(depth.Asks) > 0 {
		if entryPos == domain.Long {
			base = depth.Bids[0].Price
		} else {
			base = depth.Asks[0].Price
		}
	}
	if base <= 0 {
		return 0, fmt.Errorf("no usable reference price for %s", ev.Symbol)
	}

	offset := s.PriceOffsetPct / 100
	if entryPos == domain.Long {
		return base * (1 - offset), nil
	}
	return base * (1 + offset), nil
}

// ensureSymbolMode applies leverage and margin type once per symbol. The
// venue treats repeats as no-ops but they still cost request weight.
func (e *Evaluator) ensureSymbolMode(ctx context.Context, symbol string, s config.SymbolSettings) error {
	e.appliedMu.Lock()
	cur, ok := e.applied[symbol]
	e.appliedMu.Unlock()
	if ok && cur.leverage == s.Leverage && cur.margin == s.MarginType {
		return nil
	}

	if err := e.cfg.Client.SetLeverage(ctx, symbol, s.Leverage); err != nil {
		return err
	}
	if err := e.cfg.Client.SetMarginType(ctx, symbol, s.MarginType); err != nil {
		return err
	}

	e.appliedMu.Lock()
	e.applied[symbol] = appliedState{leverage: s.Leverage, margin: s.MarginType}
	e.appliedMu.Unlock()
	return nil
}

// InvalidateSymbolMode drops the cached leverage/margin state so the next
// entry re-applies it. The reconciler calls this after detecting drift.
func (e *Evaluator) InvalidateSymbolMode(symbol string) {
	e.appliedMu.Lock()
	delete(e.applied, symbol)
	e.appliedMu.Unlock()
}

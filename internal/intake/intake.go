// Package intake consumes the venue-wide forced-order stream, persists each
// event, feeds the rolling windows, and hands events to the evaluator.
package intake

import (
	"context"
	"sync/atomic"
	"time"

	"liqCascadeBot/internal/aggregator"
	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
)

const defaultQueueSize = 4096

// Config holds the intake dependencies.
type Config struct {
	Repo    ports.LiquidationRepository
	Windows *aggregator.Windows
	Logger  ports.Logger
	// BufferWindow > 0 coalesces events per (symbol, side) and delivers
	// them in batches, so a cascade burst is evaluated once per flush
	// instead of once per event.
	BufferWindow time.Duration
	QueueSize    int
}

// Intake buffers stream events and pumps them through persistence and
// aggregation into the evaluator callback.
type Intake struct {
	cfg     Config
	logger  ports.Logger
	queue   chan *domain.Liquidation
	deliver func(events []*domain.Liquidation)
	dropped atomic.Int64
}

// New creates the intake. deliver receives ready batches (single-element
// batches when buffering is off) on the intake's own goroutine.
func New(cfg Config, deliver func(events []*domain.Liquidation)) *Intake {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Intake{
		cfg:     cfg,
		logger:  cfg.Logger,
		queue:   make(chan *domain.Liquidation, size),
		deliver: deliver,
	}
}

// Handle is the stream callback. It never blocks the socket goroutine:
// when the queue is full the event is counted as dropped and the windows
// still see it, so threshold math stays close to venue truth.
func (i *Intake) Handle(e *domain.Liquidation) {
	select {
	case i.queue <- e:
	default:
		n := i.dropped.Add(1)
		i.cfg.Windows.Add(e)
		if n%100 == 1 {
			i.logger.Warn(context.Background(), "liquidation intake queue full, dropping events",
				map[string]interface{}{"dropped": n})
		}
	}
}

// Dropped returns the number of events discarded due to backpressure.
func (i *Intake) Dropped() int64 {
	return i.dropped.Load()
}

// Run consumes the queue until ctx ends. It persists each event, updates
// the windows, and delivers batches to the evaluator.
func (i *Intake) Run(ctx context.Context) {
	var (
		buf    = make(map[bufKey]*domain.Liquidation)
		flush  <-chan time.Time
		flushT *time.Timer
	)
	defer func() {
		if flushT != nil {
			flushT.Stop()
		}
	}()

	flushNow := func() {
		if len(buf) == 0 {
			return
		}
		batch := make([]*domain.Liquidation, 0, len(buf))
		for _, e := range buf {
			batch = append(batch, e)
		}
		buf = make(map[bufKey]*domain.Liquidation)
		flush = nil
		i.deliver(batch)
	}

	for {
		select {
		case <-ctx.Done():
			flushNow()
			return
		case e := <-i.queue:
			i.ingest(ctx, e)
			if i.cfg.BufferWindow <= 0 {
				i.deliver([]*domain.Liquidation{e})
				continue
			}
			coalesce(buf, e)
			if flush == nil {
				flushT = time.NewTimer(i.cfg.BufferWindow)
				flush = flushT.C
			}
		case <-flush:
			flushNow()
		}
	}
}

func (i *Intake) ingest(ctx context.Context, e *domain.Liquidation) {
	i.cfg.Windows.Add(e)
	if err := i.cfg.Repo.InsertLiquidation(ctx, e); err != nil {
		// The in-memory window already has the event; persistence is for
		// recovery and reporting, so a busy store is not fatal here.
		i.logger.Warn(ctx, "failed to persist liquidation", map[string]interface{}{
			"symbol": e.Symbol, "error": err.Error()})
	}
}

type bufKey struct {
	symbol string
	side   domain.OrderSide
}

// coalesce folds an event into the pending batch: quantities and values
// sum, the price and timestamps track the newest event.
func coalesce(buf map[bufKey]*domain.Liquidation, e *domain.Liquidation) {
	k := bufKey{symbol: e.Symbol, side: e.Side}
	cur, ok := buf[k]
	if !ok {
		cp := *e
		buf[k] = &cp
		return
	}
	cur.Quantity += e.Quantity
	cur.USDTValue += e.USDTValue
	cur.Price = e.Price
	cur.EventID = e.EventID
	cur.EventTime = e.EventTime
	cur.ReceivedTime = e.ReceivedTime
}

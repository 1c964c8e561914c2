// Package aggregator maintains per-(symbol, liquidated-side) rolling sums of
// forced-liquidation USDT volume over a configurable window.
package aggregator

import (
	"context"
	"sync"
	"time"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
)

type sample struct {
	at    time.Time
	value float64
}

type deque struct {
	samples []sample
	sum     float64
}

func (d *deque) push(at time.Time, value float64) {
	d.samples = append(d.samples, sample{at: at, value: value})
	d.sum += value
}

func (d *deque) prune(cutoff time.Time) {
	i := 0
	for ; i < len(d.samples) && d.samples[i].at.Before(cutoff); i++ {
		d.sum -= d.samples[i].value
	}
	if i > 0 {
		d.samples = append(d.samples[:0], d.samples[i:]...)
		if len(d.samples) == 0 {
			d.sum = 0 // clear float drift on empty
		}
	}
}

type key struct {
	symbol string
	side   domain.OrderSide
}

// Windows tracks the rolling volume sums. Safe for concurrent use.
type Windows struct {
	mu     sync.Mutex
	window time.Duration
	clock  ports.Clock
	deques map[key]*deque
}

// New creates the aggregator with the given rolling window.
func New(window time.Duration, clock ports.Clock) *Windows {
	if clock == nil {
		clock = ports.RealClock{}
	}
	return &Windows{
		window: window,
		clock:  clock,
		deques: make(map[key]*deque),
	}
}

// Add records one liquidation event into its (symbol, side) window.
func (w *Windows) Add(e *domain.Liquidation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	k := key{symbol: e.Symbol, side: e.Side}
	d := w.deques[k]
	if d == nil {
		d = &deque{}
		w.deques[k] = d
	}
	d.push(e.EventTime, e.USDTValue)
	d.prune(w.clock.Now().Add(-w.window))
}

// Current returns the running sum for a (symbol, side), pruning expired
// samples first so idle symbols decay.
func (w *Windows) Current(symbol string, side domain.OrderSide) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	d := w.deques[key{symbol: symbol, side: side}]
	if d == nil {
		return 0
	}
	d.prune(w.clock.Now().Add(-w.window))
	return d.sum
}

// Rebuild reloads the last window of events from the store, replacing any
// in-memory state. Called on startup before the stream attaches.
func (w *Windows) Rebuild(ctx context.Context, repo ports.LiquidationRepository) error {
	since := w.clock.Now().Add(-w.window)
	events, err := repo.LiquidationsSince(ctx, since)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deques = make(map[key]*deque)
	for _, e := range events {
		k := key{symbol: e.Symbol, side: e.Side}
		d := w.deques[k]
		if d == nil {
			d = &deque{}
			w.deques[k] = d
		}
		d.push(e.EventTime, e.USDTValue)
	}
	return nil
}

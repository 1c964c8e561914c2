package intake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqCascadeBot/internal/aggregator"
	"liqCascadeBot/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type stubLiqRepo struct {
	mu     sync.Mutex
	events []*domain.Liquidation
}

func (r *stubLiqRepo) InsertLiquidation(ctx context.Context, e *domain.Liquidation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}
func (r *stubLiqRepo) SumUSDTVolume(ctx context.Context, symbol string, side domain.OrderSide, since time.Time) (float64, error) {
	return 0, nil
}
func (r *stubLiqRepo) RecentLiquidations(ctx context.Context, limit int) ([]*domain.Liquidation, error) {
	return nil, nil
}
func (r *stubLiqRepo) LiquidationsSince(ctx context.Context, since time.Time) ([]*domain.Liquidation, error) {
	return nil, nil
}

func (r *stubLiqRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func event(id string, side domain.OrderSide, value, price float64, at time.Time) *domain.Liquidation {
	return &domain.Liquidation{
		EventID:   id,
		Symbol:    "BTCUSDT",
		Side:      side,
		Quantity:  value / price,
		Price:     price,
		USDTValue: value,
		EventTime: at,
	}
}

func TestDeliversEachEventWithoutBuffering(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := &stubLiqRepo{}
	windows := aggregator.New(8*time.Second, clock)
	batches := make(chan []*domain.Liquidation, 10)

	in := New(Config{Repo: repo, Windows: windows, Logger: &mockLogger{}},
		func(events []*domain.Liquidation) { batches <- events })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	in.Handle(event("a", domain.Sell, 10_000, 60_000, clock.now))
	in.Handle(event("b", domain.Sell, 20_000, 60_000, clock.now))

	for _, want := range []string{"a", "b"} {
		select {
		case batch := <-batches:
			require.Len(t, batch, 1)
			assert.Equal(t, want, batch[0].EventID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %s", want)
		}
	}

	assert.InDelta(t, 30_000, windows.Current("BTCUSDT", domain.Sell), 1e-9)
	assert.Equal(t, 2, repo.count())
	assert.Zero(t, in.Dropped())
}

func TestCoalescesBurstPerSymbolAndSide(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := &stubLiqRepo{}
	windows := aggregator.New(8*time.Second, clock)
	batches := make(chan []*domain.Liquidation, 10)

	in := New(Config{
		Repo: repo, Windows: windows, Logger: &mockLogger{},
		BufferWindow: 50 * time.Millisecond,
	}, func(events []*domain.Liquidation) { batches <- events })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	in.Handle(event("a", domain.Sell, 10_000, 60_000, clock.now))
	in.Handle(event("b", domain.Sell, 20_000, 59_900, clock.now.Add(time.Millisecond)))
	in.Handle(event("c", domain.Buy, 5_000, 60_100, clock.now))

	select {
	case batch := <-batches:
		require.Len(t, batch, 2)
		bySide := map[domain.OrderSide]*domain.Liquidation{}
		for _, e := range batch {
			bySide[e.Side] = e
		}
		sell := bySide[domain.Sell]
		require.NotNil(t, sell)
		assert.InDelta(t, 30_000, sell.USDTValue, 1e-9)
		// The newest event in the burst wins identity and price.
		assert.Equal(t, "b", sell.EventID)
		assert.InDelta(t, 59_900, sell.Price, 1e-9)
		buy := bySide[domain.Buy]
		require.NotNil(t, buy)
		assert.InDelta(t, 5_000, buy.USDTValue, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coalesced batch")
	}

	// Every raw event was persisted and aggregated individually.
	assert.Equal(t, 3, repo.count())
	assert.InDelta(t, 30_000, windows.Current("BTCUSDT", domain.Sell), 1e-9)
}

func TestFullQueueDropsButWindowsStayCurrent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	windows := aggregator.New(8*time.Second, clock)

	// No Run consumer: the queue holds one event, the rest overflow.
	in := New(Config{
		Repo: &stubLiqRepo{}, Windows: windows, Logger: &mockLogger{},
		QueueSize: 1,
	}, func(events []*domain.Liquidation) {})

	in.Handle(event("a", domain.Sell, 10_000, 60_000, clock.now))
	in.Handle(event("b", domain.Sell, 20_000, 60_000, clock.now))
	in.Handle(event("c", domain.Sell, 40_000, 60_000, clock.now))

	assert.Equal(t, int64(2), in.Dropped())
	// Dropped events still count toward threshold detection.
	assert.InDelta(t, 60_000, windows.Current("BTCUSDT", domain.Sell), 1e-9)
}

func TestShutdownFlushesPendingBatch(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := &stubLiqRepo{}
	windows := aggregator.New(8*time.Second, clock)
	batches := make(chan []*domain.Liquidation, 10)

	in := New(Config{
		Repo: repo, Windows: windows, Logger: &mockLogger{},
		BufferWindow: time.Minute, // far longer than the test
	}, func(events []*domain.Liquidation) { batches <- events })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		in.Run(ctx)
		close(done)
	}()

	in.Handle(event("a", domain.Sell, 10_000, 60_000, clock.now))
	require.Eventually(t, func() bool { return repo.count() == 1 },
		time.Second, 5*time.Millisecond)

	cancel()
	<-done

	select {
	case batch := <-batches:
		require.Len(t, batch, 1)
		assert.Equal(t, "a", batch[0].EventID)
	default:
		t.Fatal("pending batch was not flushed on shutdown")
	}
}

package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqCascadeBot/config"
	"liqCascadeBot/internal/aggregator"
	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/risk"
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

// mockClient implements ports.ExchangeClient with overridable behavior.
type mockClient struct {
	placeOrderFn func(req *ports.OrderRequest) (*ports.OrderResponse, error)
	depthFn      func(symbol string) (*ports.Depth, error)

	placed      []*ports.OrderRequest
	leverageSet map[string]int
	marginSet   map[string]domain.MarginType
	depthCalls  int
	nextOrderID int64
}

func newMockClient() *mockClient {
	return &mockClient{
		leverageSet: make(map[string]int),
		marginSet:   make(map[string]domain.MarginType),
		nextOrderID: 1000,
	}
}

func (m *mockClient) GetServerTime(ctx context.Context) (time.Time, error) { return time.Time{}, nil }
func (m *mockClient) Ping(ctx context.Context) error                       { return nil }
func (m *mockClient) GetSymbolSpec(ctx context.Context, symbol string) (*ports.SymbolSpec, error) {
	return &ports.SymbolSpec{
		Symbol:            symbol,
		TickSize:          0.1,
		StepSize:          0.001,
		MinNotional:       100,
		PricePrecision:    1,
		QuantityPrecision: 3,
	}, nil
}
func (m *mockClient) RefreshSymbolSpecs() {}
func (m *mockClient) GetDepth(ctx context.Context, symbol string, limit int) (*ports.Depth, error) {
	m.depthCalls++
	if m.depthFn != nil {
		return m.depthFn(symbol)
	}
	return &ports.Depth{
		Symbol: symbol,
		Bids:   []ports.DepthLevel{{Price: 59999, Quantity: 1}},
		Asks:   []ports.DepthLevel{{Price: 60001, Quantity: 1}},
	}, nil
}
func (m *mockClient) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	return 10_000, nil
}
func (m *mockClient) GetPositionRisks(ctx context.Context, symbol string) ([]*ports.PositionRisk, error) {
	return nil, nil
}
func (m *mockClient) GetOpenOrders(ctx context.Context, symbol string) ([]*ports.OrderResponse, error) {
	return nil, nil
}
func (m *mockClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.leverageSet[symbol] = leverage
	return nil
}
func (m *mockClient) SetMarginType(ctx context.Context, symbol string, margin domain.MarginType) error {
	m.marginSet[symbol] = margin
	return nil
}
func (m *mockClient) SetPositionMode(ctx context.Context, hedge bool) error      { return nil }
func (m *mockClient) SetMultiAssetsMode(ctx context.Context, enabled bool) error { return nil }
func (m *mockClient) PlaceOrder(ctx context.Context, req *ports.OrderRequest, prio ports.Priority) (*ports.OrderResponse, error) {
	if m.placeOrderFn != nil {
		resp, err := m.placeOrderFn(req)
		if err != nil {
			return nil, err
		}
		m.placed = append(m.placed, req)
		return resp, nil
	}
	m.placed = append(m.placed, req)
	m.nextOrderID++
	return &ports.OrderResponse{
		OrderID:       m.nextOrderID,
		ClientOrderID: req.ClientID,
		Symbol:        req.Symbol,
		Status:        domain.StatusNew,
	}, nil
}
func (m *mockClient) PlaceBatchOrders(ctx context.Context, reqs []*ports.OrderRequest, prio ports.Priority) ([]*ports.OrderResponse, []error, error) {
	return nil, nil, nil
}
func (m *mockClient) CancelOrder(ctx context.Context, symbol string, orderID int64, prio ports.Priority) (*ports.OrderResponse, error) {
	return &ports.OrderResponse{OrderID: orderID}, nil
}
func (m *mockClient) CancelAllOpen(ctx context.Context, symbol string, prio ports.Priority) error {
	return nil
}
func (m *mockClient) StreamLiquidations(ctx context.Context, handler func(event *domain.Liquidation), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return nil, nil, nil
}
func (m *mockClient) StreamMarkPrices(ctx context.Context, handler func(prices []ports.MarkPrice), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return nil, nil, nil
}
func (m *mockClient) StreamUserData(ctx context.Context, handler ports.UserDataHandler, errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	return nil, nil, nil
}

type stubOrderRepo struct {
	openEntries int
	upserted    []*domain.Order
}

func (r *stubOrderRepo) UpsertOrder(ctx context.Context, o *domain.Order) error {
	r.upserted = append(r.upserted, o)
	return nil
}
func (r *stubOrderRepo) UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, executedQty, avgPrice float64, finalAt time.Time) error {
	return nil
}
func (r *stubOrderRepo) FindOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	return nil, nil
}
func (r *stubOrderRepo) OpenEntryOrderCount(ctx context.Context, symbol string) (int, error) {
	return r.openEntries, nil
}
func (r *stubOrderRepo) StaleEntryOrders(ctx context.Context, cutoff time.Time) ([]*domain.Order, error) {
	return nil, nil
}
func (r *stubOrderRepo) RecentFills(ctx context.Context, limit int) ([]*domain.Fill, error) {
	return nil, nil
}
func (r *stubOrderRepo) InsertFill(ctx context.Context, f *domain.Fill) error { return nil }

func btcSettings() config.SymbolSettings {
	return config.SymbolSettings{
		VolumeThresholdLong:  200_000,
		VolumeThresholdShort: 100_000,
		Leverage:             6,
		MarginType:           domain.MarginIsolated,
		TradeSide:            domain.TradeOpposite,
		TradeValueUSDT:       100,
		PriceOffsetPct:       0,
	}
}

type fixture struct {
	eval    *Evaluator
	client  *mockClient
	orders  *stubOrderRepo
	windows *aggregator.Windows
	risk    *risk.Manager
	clock   *fakeClock
}

func newFixture(settings config.SymbolSettings) *fixture {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	client := newMockClient()
	orders := &stubOrderRepo{}
	windows := aggregator.New(8*time.Second, clock)
	riskMgr := risk.NewManager(risk.Config{
		MaxTotalExposureUSDT: 10_000,
		MaxPositionUSDT:      map[string]float64{"BTCUSDT": 1_000},
		Logger:               &mockLogger{},
	})
	eval := New(Config{
		Symbols:                map[string]config.SymbolSettings{"BTCUSDT": settings},
		MaxOpenOrdersPerSymbol: 1,
		TimeInForce:            domain.GTC,
		Client:                 client,
		Windows:                windows,
		Risk:                   riskMgr,
		Orders:                 orders,
		Logger:                 &mockLogger{},
		Clock:                  clock,
	})
	return &fixture{eval: eval, client: client, orders: orders, windows: windows, risk: riskMgr, clock: clock}
}

func forcedSell(value float64, at time.Time) *domain.Liquidation {
	return &domain.Liquidation{
		EventID:   "ev-1",
		Symbol:    "BTCUSDT",
		Side:      domain.Sell, // longs were liquidated
		Quantity:  value / 60_000,
		Price:     60_000,
		USDTValue: value,
		EventTime: at,
	}
}

func TestEntrySideFor(t *testing.T) {
	tests := []struct {
		name       string
		liquidated domain.PositionSide
		mode       domain.TradeSideMode
		want       domain.PositionSide
	}{
		{name: "fade liquidated longs", liquidated: domain.Long, mode: domain.TradeOpposite, want: domain.Short},
		{name: "fade liquidated shorts", liquidated: domain.Short, mode: domain.TradeOpposite, want: domain.Long},
		{name: "follow liquidated longs", liquidated: domain.Long, mode: domain.TradeSame, want: domain.Long},
		{name: "follow liquidated shorts", liquidated: domain.Short, mode: domain.TradeSame, want: domain.Short},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, entrySideFor(tt.liquidated, tt.mode))
		})
	}
}

func TestEvaluateSubmitsCounterEntry(t *testing.T) {
	f := newFixture(btcSettings())
	ev := forcedSell(120_000, f.clock.now)
	f.windows.Add(ev)

	f.eval.evaluate(context.Background(), ev)

	require.Len(t, f.client.placed, 1)
	req := f.client.placed[0]

	// Forced SELL means longs were flushed: the contrarian entry is a SHORT,
	// priced off the best ask.
	assert.Equal(t, domain.Sell, req.Side)
	assert.Equal(t, domain.Short, req.PositionSide)
	assert.Equal(t, ports.OrderTypeLimit, req.Type)
	assert.Equal(t, "60001.0", req.Price)
	assert.Equal(t, "0.009", req.Quantity) // 600 USDT notional / 60001, floored to step
	assert.Equal(t, domain.GTC, req.TimeInForce)
	assert.NotEmpty(t, req.ClientID)

	assert.Equal(t, 6, f.client.leverageSet["BTCUSDT"])
	assert.Equal(t, domain.MarginIsolated, f.client.marginSet["BTCUSDT"])

	require.Len(t, f.orders.upserted, 1)
	persisted := f.orders.upserted[0]
	assert.Equal(t, domain.KindEntry, persisted.Kind)
	assert.Equal(t, int64(-1), persisted.TrancheID)
	assert.Equal(t, domain.Short, persisted.PositionSide)
}

func TestEvaluateBelowThresholdIsVetoed(t *testing.T) {
	f := newFixture(btcSettings())
	ev := forcedSell(99_999, f.clock.now)
	f.windows.Add(ev)

	f.eval.evaluate(context.Background(), ev)

	assert.Empty(t, f.client.placed)
}

func TestEvaluateAtThresholdFires(t *testing.T) {
	f := newFixture(btcSettings())
	ev := forcedSell(100_000, f.clock.now)
	f.windows.Add(ev)

	f.eval.evaluate(context.Background(), ev)

	assert.Len(t, f.client.placed, 1)
}

func TestEvaluateDisabledDirectionShortCircuits(t *testing.T) {
	s := btcSettings()
	s.VolumeThresholdShort = 0
	f := newFixture(s)
	ev := forcedSell(500_000, f.clock.now)
	f.windows.Add(ev)

	f.eval.evaluate(context.Background(), ev)

	assert.Empty(t, f.client.placed)
	assert.Zero(t, f.client.depthCalls)
}

func TestPendingExposureBlocksRapidFire(t *testing.T) {
	f := newFixture(btcSettings())
	ev := forcedSell(120_000, f.clock.now)
	f.windows.Add(ev)

	// First entry reserves ~540 USDT of pending notional; with the 1000
	// USDT symbol cap a second 600 USDT entry must be refused before the
	// first fill ever arrives.
	f.eval.evaluate(context.Background(), ev)
	f.eval.evaluate(context.Background(), ev)

	assert.Len(t, f.client.placed, 1)
}

func TestPlaceOrderFailureReleasesPending(t *testing.T) {
	f := newFixture(btcSettings())
	ev := forcedSell(120_000, f.clock.now)
	f.windows.Add(ev)

	f.client.placeOrderFn = func(req *ports.OrderRequest) (*ports.OrderResponse, error) {
		return nil, errors.New("venue rejected")
	}
	f.eval.evaluate(context.Background(), ev)
	assert.Empty(t, f.client.placed)

	// The reservation was rolled back, so the retry fits under the cap.
	f.client.placeOrderFn = nil
	f.eval.evaluate(context.Background(), ev)
	assert.Len(t, f.client.placed, 1)
}

func TestOpenEntryOrderCapVetoes(t *testing.T) {
	f := newFixture(btcSettings())
	f.orders.openEntries = 1
	ev := forcedSell(120_000, f.clock.now)
	f.windows.Add(ev)

	f.eval.evaluate(context.Background(), ev)

	assert.Empty(t, f.client.placed)
}

func TestSimulateOnlySkipsSubmission(t *testing.T) {
	f := newFixture(btcSettings())
	f.eval.cfg.SimulateOnly = true
	ev := forcedSell(120_000, f.clock.now)
	f.windows.Add(ev)

	f.eval.evaluate(context.Background(), ev)

	assert.Empty(t, f.client.placed)
	assert.Empty(t, f.client.leverageSet)
}

func TestEntryPriceFallsBackToLiquidationPrint(t *testing.T) {
	s := btcSettings()
	s.PriceOffsetPct = 1.0
	f := newFixture(s)
	f.client.depthFn = func(symbol string) (*ports.Depth, error) {
		return nil, errors.New("depth unavailable")
	}
	ev := forcedSell(120_000, f.clock.now)
	f.windows.Add(ev)

	f.eval.evaluate(context.Background(), ev)

	require.Len(t, f.client.placed, 1)
	// Short entry off the 60000 print, offset 1% above.
	assert.Equal(t, "60600.0", f.client.placed[0].Price)
}

func TestLeverageAppliedOncePerSymbol(t *testing.T) {
	f := newFixture(btcSettings())
	ev := forcedSell(120_000, f.clock.now)
	f.windows.Add(ev)

	f.eval.evaluate(context.Background(), ev)
	require.Len(t, f.client.placed, 1)

	// Free the exposure so the second entry is admissible, then confirm the
	// cached leverage/margin state suppresses the repeat venue calls.
	f.risk.RemovePending("BTCUSDT", 10_000)
	f.client.leverageSet = make(map[string]int)

	f.eval.evaluate(context.Background(), ev)
	assert.Len(t, f.client.placed, 2)
	assert.Empty(t, f.client.leverageSet)

	// Invalidation forces a re-apply on the next entry.
	f.eval.InvalidateSymbolMode("BTCUSDT")
	f.risk.RemovePending("BTCUSDT", 10_000)
	f.eval.evaluate(context.Background(), ev)
	assert.Equal(t, 6, f.client.leverageSet["BTCUSDT"])
}

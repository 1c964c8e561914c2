package position

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqCascadeBot/config"
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

type mockClient struct {
	placed    []*ports.OrderRequest
	cancelled []int64
	placeErr  error
	cancelErr error
	nextID    int64
}

func newMockClient() *mockClient {
	return &mockClient{nextID: 100}
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
	return &ports.Depth{Symbol: symbol}, nil
}
func (m *mockClient) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	return 0, nil
}
func (m *mockClient) GetPositionRisks(ctx context.Context, symbol string) ([]*ports.PositionRisk, error) {
	return nil, nil
}
func (m *mockClient) GetOpenOrders(ctx context.Context, symbol string) ([]*ports.OrderResponse, error) {
	return nil, nil
}
func (m *mockClient) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (m *mockClient) SetMarginType(ctx context.Context, symbol string, margin domain.MarginType) error {
	return nil
}
func (m *mockClient) SetPositionMode(ctx context.Context, hedge bool) error      { return nil }
func (m *mockClient) SetMultiAssetsMode(ctx context.Context, enabled bool) error { return nil }
func (m *mockClient) PlaceOrder(ctx context.Context, req *ports.OrderRequest, prio ports.Priority) (*ports.OrderResponse, error) {
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.placed = append(m.placed, req)
	m.nextID++
	return &ports.OrderResponse{
		OrderID:       m.nextID,
		ClientOrderID: req.ClientID,
		Symbol:        req.Symbol,
		Status:        domain.StatusNew,
	}, nil
}
func (m *mockClient) PlaceBatchOrders(ctx context.Context, reqs []*ports.OrderRequest, prio ports.Priority) ([]*ports.OrderResponse, []error, error) {
	resps := make([]*ports.OrderResponse, len(reqs))
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		resp, err := m.PlaceOrder(ctx, req, prio)
		resps[i], errs[i] = resp, err
	}
	return resps, errs, nil
}
func (m *mockClient) CancelOrder(ctx context.Context, symbol string, orderID int64, prio ports.Priority) (*ports.OrderResponse, error) {
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	m.cancelled = append(m.cancelled, orderID)
	return &ports.OrderResponse{OrderID: orderID, Status: domain.StatusCanceled}, nil
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

func (m *mockClient) lastPlaced() *ports.OrderRequest {
	return m.placed[len(m.placed)-1]
}

type stubTrancheRepo struct {
	all     []*domain.Tranche
	created []*domain.Tranche
	updated []*domain.Tranche
	deleted []int64
}

func (r *stubTrancheRepo) CreateTranche(ctx context.Context, t *domain.Tranche) error {
	r.created = append(r.created, t)
	return nil
}
func (r *stubTrancheRepo) UpdateTranche(ctx context.Context, t *domain.Tranche) error {
	r.updated = append(r.updated, t)
	return nil
}
func (r *stubTrancheRepo) DeleteTranche(ctx context.Context, symbol string, side domain.PositionSide, id int64) error {
	r.deleted = append(r.deleted, id)
	return nil
}
func (r *stubTrancheRepo) ListTranches(ctx context.Context, symbol string, side domain.PositionSide) ([]*domain.Tranche, error) {
	return nil, nil
}
func (r *stubTrancheRepo) ListAllTranches(ctx context.Context) ([]*domain.Tranche, error) {
	return r.all, nil
}

type stubOrderRepo struct {
	upserted []*domain.Order
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
	return 0, nil
}
func (r *stubOrderRepo) StaleEntryOrders(ctx context.Context, cutoff time.Time) ([]*domain.Order, error) {
	return nil, nil
}
func (r *stubOrderRepo) RecentFills(ctx context.Context, limit int) ([]*domain.Fill, error) {
	return nil, nil
}
func (r *stubOrderRepo) InsertFill(ctx context.Context, f *domain.Fill) error { return nil }

type stubRelRepo struct {
	upserts []*domain.OrderRelationship
	deleted []int64
}

func (r *stubRelRepo) UpsertRelationship(ctx context.Context, rel *domain.OrderRelationship) error {
	r.upserts = append(r.upserts, rel)
	return nil
}
func (r *stubRelRepo) FindCompanions(ctx context.Context, orderID int64) (*domain.OrderRelationship, error) {
	return nil, nil
}
func (r *stubRelRepo) DeleteRelationship(ctx context.Context, mainOrderID int64) error {
	r.deleted = append(r.deleted, mainOrderID)
	return nil
}

func protectedSettings() config.SymbolSettings {
	return config.SymbolSettings{
		Leverage:          6,
		MarginType:        domain.MarginIsolated,
		TradeSide:         domain.TradeOpposite,
		TradeValueUSDT:    100,
		TakeProfitEnabled: true,
		TakeProfitPct:     2.0,
		StopLossEnabled:   true,
		StopLossPct:       1.0,
		WorkingType:       domain.WorkingMarkPrice,
		PriceProtect:      true,
	}
}

type fixture struct {
	eng      *Engine
	client   *mockClient
	tranches *stubTrancheRepo
	orders   *stubOrderRepo
	rels     *stubRelRepo
	risk     *risk.Manager
	clock    *fakeClock
}

func newFixture(mutate func(*Config)) *fixture {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	client := newMockClient()
	tranches := &stubTrancheRepo{}
	orders := &stubOrderRepo{}
	rels := &stubRelRepo{}
	riskMgr := risk.NewManager(risk.Config{MaxTotalExposureUSDT: 1e9, Logger: &mockLogger{}})
	cfg := Config{
		Symbols:                  map[string]config.SymbolSettings{"BTCUSDT": protectedSettings()},
		TranchePnLIncrementPct:   2.0,
		MaxTranchesPerSymbolSide: 3,
		InstantTPEnabled:         true,
		InstantTPEpsilonPct:      0.05,
		PriceMonitorStaleAfter:   5 * time.Second,
		Client:                   client,
		Tranches:                 tranches,
		Orders:                   orders,
		Relationships:            rels,
		Risk:                     riskMgr,
		Logger:                   &mockLogger{},
		Clock:                    clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{
		eng:      NewEngine(cfg),
		client:   client,
		tranches: tranches,
		orders:   orders,
		rels:     rels,
		risk:     riskMgr,
		clock:    clock,
	}
}

func price(t *testing.T, s string) float64 {
	t.Helper()
	v, err := strconv.ParseFloat(s, 64)
	require.NoError(t, err)
	return v
}

func TestFirstEntryCreatesProtectedTranche(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))

	snap := f.eng.Snapshot("BTCUSDT", domain.Long)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(1), snap[0].ID)
	assert.InDelta(t, 59_940, snap[0].AvgEntry, 1e-9)
	assert.InDelta(t, 0.01, snap[0].Quantity, 1e-9)
	assert.NotZero(t, snap[0].TPOrderID)
	assert.NotZero(t, snap[0].SLOrderID)
	assert.False(t, snap[0].Unprotected)

	require.Len(t, f.client.placed, 2)
	tp, sl := f.client.placed[0], f.client.placed[1]

	assert.Equal(t, ports.OrderTypeLimit, tp.Type)
	assert.Equal(t, domain.Sell, tp.Side)
	assert.Equal(t, domain.Long, tp.PositionSide)
	assert.True(t, tp.ReduceOnly)
	assert.Equal(t, domain.GTC, tp.TimeInForce)
	assert.Equal(t, "0.010", tp.Quantity)
	assert.InDelta(t, 61_138.8, price(t, tp.Price), 0.15) // entry +2%, tick-rounded up

	assert.Equal(t, ports.OrderTypeStopMarket, sl.Type)
	assert.Equal(t, domain.Sell, sl.Side)
	assert.True(t, sl.ReduceOnly)
	assert.Equal(t, domain.WorkingMarkPrice, sl.WorkingType)
	assert.True(t, sl.PriceProtect)
	assert.InDelta(t, 59_340.6, price(t, sl.StopPrice), 0.15) // entry -1%, tick-rounded down

	// Entry -> TP/SL companion index row.
	require.Len(t, f.rels.upserts, 1)
	rel := f.rels.upserts[0]
	assert.Equal(t, int64(11), rel.MainOrderID)
	assert.Equal(t, snap[0].TPOrderID, rel.TPOrderID)
	assert.Equal(t, snap[0].SLOrderID, rel.SLOrderID)

	assert.InDelta(t, 599.4, f.risk.TotalExposure(), 1e-6)
}

func TestNearbyFillAbsorbsIntoLatestTranche(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	oldTP := f.eng.Snapshot("BTCUSDT", domain.Long)[0].TPOrderID
	oldSL := f.eng.Snapshot("BTCUSDT", domain.Long)[0].SLOrderID

	// Aggregate PnL at 59600 is about -0.57%, inside the -2% increment.
	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_600, 12))

	snap := f.eng.Snapshot("BTCUSDT", domain.Long)
	require.Len(t, snap, 1)
	assert.InDelta(t, 59_770, snap[0].AvgEntry, 1e-6)
	assert.InDelta(t, 0.02, snap[0].Quantity, 1e-9)

	// The old legs were torn down and fresh ones sized to the merged quantity.
	assert.Contains(t, f.client.cancelled, oldTP)
	assert.Contains(t, f.client.cancelled, oldSL)
	assert.Equal(t, "0.020", f.client.lastPlaced().Quantity)
}

func TestUnderwaterFillOpensNewTranche(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	// Aggregate PnL at 56500 is about -5.7%, past the -2% increment.
	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 56_500, 12))

	snap := f.eng.Snapshot("BTCUSDT", domain.Long)
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].ID)
	assert.Equal(t, int64(2), snap[1].ID)
	assert.InDelta(t, 56_500, snap[1].AvgEntry, 1e-9)

	// The first tranche's protection is untouched, the new tranche has its own.
	assert.Empty(t, f.client.cancelled)
	assert.NotZero(t, snap[1].TPOrderID)
	assert.NotEqual(t, snap[0].TPOrderID, snap[1].TPOrderID)
}

func TestDrawdownOfExactlyOneIncrementOpensNewTranche(t *testing.T) {
	// 45000 against a 60000 average is -25% exactly, so an increment of 25
	// puts the fill right on the boundary. Equality must not absorb.
	f := newFixture(func(c *Config) { c.TranchePnLIncrementPct = 25.0 })
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 60_000, 11))
	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 45_000, 12))

	snap := f.eng.Snapshot("BTCUSDT", domain.Long)
	require.Len(t, snap, 2)
	assert.InDelta(t, 60_000, snap[0].AvgEntry, 1e-9)
	assert.InDelta(t, 45_000, snap[1].AvgEntry, 1e-9)

	// A hair inside the boundary still absorbs.
	f2 := newFixture(func(c *Config) { c.TranchePnLIncrementPct = 25.0 })
	require.NoError(t, f2.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 60_000, 11))
	require.NoError(t, f2.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 45_060, 12))
	require.Len(t, f2.eng.Snapshot("BTCUSDT", domain.Long), 1)
}

func TestCapMergesLeastAdversePairFirst(t *testing.T) {
	f := newFixture(func(c *Config) { c.MaxTranchesPerSymbolSide = 2 })
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 56_500, 12))
	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 53_000, 13))

	snap := f.eng.Snapshot("BTCUSDT", domain.Long)
	require.Len(t, snap, 2)

	// Tranches 1 and 2 merged to free the slot; IDs are never reused.
	assert.Equal(t, int64(1), snap[0].ID)
	assert.InDelta(t, 58_220, snap[0].AvgEntry, 1e-6)
	assert.InDelta(t, 0.02, snap[0].Quantity, 1e-9)
	assert.Equal(t, int64(3), snap[1].ID)
	assert.InDelta(t, 53_000, snap[1].AvgEntry, 1e-9)

	assert.Contains(t, f.tranches.deleted, int64(2))
}

func TestTakeProfitFillClosesTrancheAndCancelsStop(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	snap := f.eng.Snapshot("BTCUSDT", domain.Long)[0]

	tpOrder := &domain.Order{
		OrderID:      snap.TPOrderID,
		Symbol:       "BTCUSDT",
		PositionSide: domain.Long,
		Kind:         domain.KindTP,
		TrancheID:    snap.ID,
	}
	require.NoError(t, f.eng.OnProtectiveFill(ctx, tpOrder, 0.01))

	assert.Empty(t, f.eng.Snapshot("BTCUSDT", domain.Long))
	assert.Contains(t, f.client.cancelled, snap.SLOrderID)
	assert.Contains(t, f.tranches.deleted, snap.ID)
	assert.Equal(t, []int64{11}, f.rels.deleted)
	assert.Zero(t, f.risk.TotalExposure())
}

func TestPartialStopFillResizesRemainingLegs(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	snap := f.eng.Snapshot("BTCUSDT", domain.Long)[0]

	slOrder := &domain.Order{
		OrderID:      snap.SLOrderID,
		Symbol:       "BTCUSDT",
		PositionSide: domain.Long,
		Kind:         domain.KindSL,
		TrancheID:    snap.ID,
	}
	require.NoError(t, f.eng.OnProtectiveFill(ctx, slOrder, 0.004))

	after := f.eng.Snapshot("BTCUSDT", domain.Long)
	require.Len(t, after, 1)
	assert.InDelta(t, 0.006, after[0].Quantity, 1e-9)

	// The TP companion was cancelled and both legs re-placed at the new size.
	assert.Contains(t, f.client.cancelled, snap.TPOrderID)
	assert.Equal(t, "0.006", f.client.lastPlaced().Quantity)
}

func TestExternalCancelReplacesLeg(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	snap := f.eng.Snapshot("BTCUSDT", domain.Long)[0]

	f.eng.OnProtectionTerminated(ctx, &domain.Order{
		OrderID:      snap.SLOrderID,
		Symbol:       "BTCUSDT",
		PositionSide: domain.Long,
		Kind:         domain.KindSL,
		TrancheID:    snap.ID,
	})

	after := f.eng.Snapshot("BTCUSDT", domain.Long)[0]
	assert.NotZero(t, after.SLOrderID)
	assert.NotEqual(t, snap.SLOrderID, after.SLOrderID)

	// A stale event for the already-replaced leg is a no-op.
	placed := len(f.client.placed)
	f.eng.OnProtectionTerminated(ctx, &domain.Order{
		OrderID:      snap.SLOrderID,
		Symbol:       "BTCUSDT",
		PositionSide: domain.Long,
		Kind:         domain.KindSL,
		TrancheID:    snap.ID,
	})
	assert.Len(t, f.client.placed, placed)
}

func TestProtectionBreakerTripsAndRecovers(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.client.placeErr = errors.New("order would immediately trigger")
	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	assert.True(t, f.eng.Snapshot("BTCUSDT", domain.Long)[0].Unprotected)

	// Two more consecutive failures trip the breaker.
	f.eng.EnsureProtection(ctx)
	f.eng.EnsureProtection(ctx)

	// While the breaker is open nothing is submitted even with a healthy venue.
	f.client.placeErr = nil
	f.eng.EnsureProtection(ctx)
	assert.Empty(t, f.client.placed)

	// After the cooldown the reconciler pass restores protection.
	f.clock.now = f.clock.now.Add(301 * time.Second)
	f.eng.EnsureProtection(ctx)

	snap := f.eng.Snapshot("BTCUSDT", domain.Long)[0]
	assert.False(t, snap.Unprotected)
	assert.NotZero(t, snap.TPOrderID)
	assert.NotZero(t, snap.SLOrderID)
}

func TestFastPathFiresInsideEpsilonBand(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	snap := f.eng.Snapshot("BTCUSDT", domain.Long)[0]

	// TP target is 61138.8; the 0.05% band starts at ~61108.2.
	f.eng.OnMarkPrices(ctx, []ports.MarkPrice{{Symbol: "BTCUSDT", Price: 61_120}})

	assert.Contains(t, f.client.cancelled, snap.TPOrderID)
	closeReq := f.client.lastPlaced()
	assert.Equal(t, ports.OrderTypeMarket, closeReq.Type)
	assert.Equal(t, domain.Sell, closeReq.Side)
	assert.True(t, closeReq.ReduceOnly)
	assert.Equal(t, "0.010", closeReq.Quantity)

	// The venue will report the TP as canceled; that must not re-place it
	// while the market close is in flight.
	placed := len(f.client.placed)
	f.eng.OnProtectionTerminated(ctx, &domain.Order{
		OrderID:      snap.TPOrderID,
		Symbol:       "BTCUSDT",
		PositionSide: domain.Long,
		Kind:         domain.KindTP,
		TrancheID:    snap.ID,
	})
	assert.Len(t, f.client.placed, placed)

	// The market close fill retires the tranche and its stop.
	closeID := f.client.nextID
	require.NoError(t, f.eng.OnProtectiveFill(ctx, &domain.Order{
		OrderID:      closeID,
		Symbol:       "BTCUSDT",
		PositionSide: domain.Long,
		Kind:         domain.KindClose,
		TrancheID:    snap.ID,
	}, 0.01))
	assert.Empty(t, f.eng.Snapshot("BTCUSDT", domain.Long))
	assert.Contains(t, f.client.cancelled, snap.SLOrderID)
}

func TestFastPathIgnoresMarkOutsideBand(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	placed := len(f.client.placed)

	f.eng.OnMarkPrices(ctx, []ports.MarkPrice{{Symbol: "BTCUSDT", Price: 61_000}})

	assert.Len(t, f.client.placed, placed)
	assert.Empty(t, f.client.cancelled)
}

func TestFastPathTreatsCancelNotFoundAsSuccess(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))

	// The TP filled a heartbeat before the cancel reached the venue. The
	// market reduce must still go out; reduce-only makes the overlap safe.
	f.client.cancelErr = ports.ErrOrderNotFound
	f.eng.OnMarkPrices(ctx, []ports.MarkPrice{{Symbol: "BTCUSDT", Price: 61_120}})

	closeReq := f.client.lastPlaced()
	assert.Equal(t, ports.OrderTypeMarket, closeReq.Type)
	assert.True(t, closeReq.ReduceOnly)
}

func TestMergeProfitablePairsAtMark(t *testing.T) {
	f := newFixture(func(c *Config) { c.InstantTPEnabled = false })
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 56_500, 12))
	require.Len(t, f.eng.Snapshot("BTCUSDT", domain.Long), 2)

	// Combined average is 58220; a mark above it makes the pair profitable.
	f.eng.OnMarkPrices(ctx, []ports.MarkPrice{{Symbol: "BTCUSDT", Price: 58_500}})
	f.eng.MergeProfitablePairs(ctx)

	snap := f.eng.Snapshot("BTCUSDT", domain.Long)
	require.Len(t, snap, 1)
	assert.InDelta(t, 58_220, snap[0].AvgEntry, 1e-6)
	assert.InDelta(t, 0.02, snap[0].Quantity, 1e-9)
	assert.Contains(t, f.tranches.deleted, int64(2))
}

func TestRecoverRestoresTranchesAndExposure(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	f.tranches.all = []*domain.Tranche{
		{ID: 3, Symbol: "BTCUSDT", PositionSide: domain.Long, AvgEntry: 60_000, Quantity: 0.01},
		{ID: 7, Symbol: "BTCUSDT", PositionSide: domain.Long, AvgEntry: 58_000, Quantity: 0.02},
	}
	require.NoError(t, f.eng.Recover(ctx))

	assert.InDelta(t, 0.03, f.eng.TotalQuantity("BTCUSDT", domain.Long), 1e-9)
	assert.InDelta(t, 1760, f.risk.TotalExposure(), 1e-6)

	// New tranches continue the persisted ID sequence.
	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 55_000, 20))
	snap := f.eng.Snapshot("BTCUSDT", domain.Long)
	require.Len(t, snap, 3)
	assert.Equal(t, int64(8), snap[2].ID)
}

func TestForceCloseMarketReducesEveryTranche(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 56_500, 12))
	snap := f.eng.Snapshot("BTCUSDT", domain.Long)

	require.NoError(t, f.eng.ForceClose(ctx, "BTCUSDT", domain.Long))

	for _, tr := range snap {
		assert.Contains(t, f.client.cancelled, tr.TPOrderID)
		assert.Contains(t, f.client.cancelled, tr.SLOrderID)
	}
	var markets int
	for _, req := range f.client.placed {
		if req.Type == ports.OrderTypeMarket {
			markets++
			assert.True(t, req.ReduceOnly)
		}
	}
	assert.Equal(t, 2, markets)
}

func TestForceCloseEmptyKeyFails(t *testing.T) {
	f := newFixture(nil)
	err := f.eng.ForceClose(context.Background(), "BTCUSDT", domain.Short)
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrPositionNotFound)
}

func TestDropAllTranchesClearsKey(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	require.NoError(t, f.eng.OnEntryFill(ctx, "BTCUSDT", domain.Long, 0.01, 59_940, 11))
	snap := f.eng.Snapshot("BTCUSDT", domain.Long)[0]

	f.eng.DropAllTranches(ctx, "BTCUSDT", domain.Long)

	assert.Empty(t, f.eng.Snapshot("BTCUSDT", domain.Long))
	assert.Contains(t, f.client.cancelled, snap.TPOrderID)
	assert.Contains(t, f.client.cancelled, snap.SLOrderID)
	assert.Contains(t, f.tranches.deleted, snap.ID)
	assert.Zero(t, f.risk.TotalExposure())
}

func TestPriceFeedStaleness(t *testing.T) {
	f := newFixture(nil)
	ctx := context.Background()

	// No update yet: not stale, the stream simply has not attached.
	assert.False(t, f.eng.PriceFeedStale())

	f.eng.OnMarkPrices(ctx, []ports.MarkPrice{{Symbol: "BTCUSDT", Price: 60_000}})
	assert.False(t, f.eng.PriceFeedStale())

	f.clock.now = f.clock.now.Add(6 * time.Second)
	assert.True(t, f.eng.PriceFeedStale())
}

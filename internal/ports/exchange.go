package ports

import (
	"context"
	"time"

	"liqCascadeBot/internal/domain"
)

// OrderRequest describes one order to submit. Price and StopPrice are
// pre-rounded strings so the venue receives exactly what the engine decided.
type OrderRequest struct {
	Symbol       string
	Side         domain.OrderSide
	PositionSide domain.PositionSide
	Type         OrderType
	Quantity     string
	Price        string // limit orders only
	StopPrice    string // stop orders only
	TimeInForce  domain.TimeInForce
	ReduceOnly   bool // omitted on the wire under hedge mode
	ClientID     string
	WorkingType  domain.WorkingType
	PriceProtect bool
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderResponse represents the essential details returned after placing or
// canceling an order.
type OrderResponse struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          domain.OrderSide
	PositionSide  domain.PositionSide
	Type          OrderType
	Status        domain.OrderStatus
	Price         float64
	StopPrice     float64
	OrigQuantity  float64
	ExecutedQty   float64
	AvgPrice      float64
	ReduceOnly    bool
	UpdateTime    time.Time
}

// PositionRisk represents the risk details for an open position.
type PositionRisk struct {
	Symbol           string
	PositionSide     domain.PositionSide
	PositionAmt      float64 // signed in one-way mode
	EntryPrice       float64
	MarkPrice        float64
	UnRealizedProfit float64
	LiquidationPrice float64
	Leverage         int
	IsolatedMargin   float64
}

// SymbolSpec carries the trading rules cached from exchange info.
type SymbolSpec struct {
	Symbol            string
	TickSize          float64
	StepSize          float64
	MinNotional       float64
	PricePrecision    int
	QuantityPrecision int
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64
	Quantity float64
}

// Depth is a top-of-book snapshot. Bids descend, asks ascend.
type Depth struct {
	Symbol string
	Bids   []DepthLevel
	Asks   []DepthLevel
}

// Priority classifies outbound requests for rate-limit admission.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// MarkPrice is one symbol's latest mark price.
type MarkPrice struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// OrderUpdate is a parsed ORDER_TRADE_UPDATE message.
type OrderUpdate struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          domain.OrderSide
	PositionSide  domain.PositionSide
	Type          OrderType
	Status        domain.OrderStatus
	ExecutionType string
	LastFilledQty float64
	CumFilledQty  float64
	AvgPrice      float64
	LastPrice     float64
	StopPrice     float64
	ReduceOnly    bool
	RealizedPnL   float64
	Commission    float64
	TradeID       int64
	TradeTime     time.Time
}

// AccountPosition is one position entry from an ACCOUNT_UPDATE message.
type AccountPosition struct {
	Symbol       string
	PositionSide domain.PositionSide
	PositionAmt  float64
	EntryPrice   float64
}

// AccountUpdate is a parsed ACCOUNT_UPDATE message.
type AccountUpdate struct {
	Reason    string
	Balances  map[string]float64 // asset -> wallet balance
	Positions []AccountPosition
	Time      time.Time
}

// UserDataHandler receives parsed user-data stream messages. Exactly one of
// the pointers is non-nil per call.
type UserDataHandler func(order *OrderUpdate, account *AccountUpdate)

// ExchangeClient defines the interface for interacting with the futures venue.
// Implementations route every REST call through the rate governor.
type ExchangeClient interface {
	// GetServerTime retrieves the current server time from the exchange.
	GetServerTime(ctx context.Context) (time.Time, error)

	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error

	// GetSymbolSpec returns the cached trading rules for a symbol, fetching
	// exchange info on first use.
	GetSymbolSpec(ctx context.Context, symbol string) (*SymbolSpec, error)

	// RefreshSymbolSpecs drops the spec cache so the next lookup refetches.
	RefreshSymbolSpecs()

	// GetDepth retrieves an order book snapshot limited to the given depth.
	GetDepth(ctx context.Context, symbol string, limit int) (*Depth, error)

	// GetAccountBalance retrieves the available balance for a specific asset.
	GetAccountBalance(ctx context.Context, asset string) (float64, error)

	// GetPositionRisks retrieves position details. With an empty symbol it
	// returns every non-flat position.
	GetPositionRisks(ctx context.Context, symbol string) ([]*PositionRisk, error)

	// GetOpenOrders lists open orders. With an empty symbol it lists all
	// symbols (heavier request weight).
	GetOpenOrders(ctx context.Context, symbol string) ([]*OrderResponse, error)

	// SetLeverage sets the leverage for a symbol. "No change" is success.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// SetMarginType sets isolated or crossed margin. "No change" is success.
	SetMarginType(ctx context.Context, symbol string, margin domain.MarginType) error

	// SetPositionMode switches hedge mode on or off account-wide.
	SetPositionMode(ctx context.Context, hedge bool) error

	// SetMultiAssetsMode switches multi-assets margin on or off.
	SetMultiAssetsMode(ctx context.Context, enabled bool) error

	// PlaceOrder submits one order.
	PlaceOrder(ctx context.Context, req *OrderRequest, prio Priority) (*OrderResponse, error)

	// PlaceBatchOrders submits up to five orders in one call. Per-order
	// failures are returned in errs, index-aligned with reqs.
	PlaceBatchOrders(ctx context.Context, reqs []*OrderRequest, prio Priority) ([]*OrderResponse, []error, error)

	// CancelOrder cancels an open order by its ID.
	CancelOrder(ctx context.Context, symbol string, orderID int64, prio Priority) (*OrderResponse, error)

	// CancelAllOpen cancels every open order on a symbol.
	CancelAllOpen(ctx context.Context, symbol string, prio Priority) error

	// StreamLiquidations subscribes to the venue-wide forced-order stream.
	// The stop channel terminates the subscription; done closes when the
	// stream, including reconnect attempts, has fully exited.
	StreamLiquidations(ctx context.Context, handler func(event *domain.Liquidation), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// StreamMarkPrices subscribes to the all-symbol mark price stream at
	// one-second cadence.
	StreamMarkPrices(ctx context.Context, handler func(prices []MarkPrice), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// StreamUserData manages the listen key lifecycle internally: create,
	// periodic keepalive, recreate on expiry, delete on stop.
	StreamUserData(ctx context.Context, handler UserDataHandler, errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/ratelimit"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	specRefreshInterval = time.Hour
)

// Client implements the ports.ExchangeClient interface using the go-binance library.
// Every REST call asks the rate governor for admission first; the governor's
// transport observes every response's quota headers.
type Client struct {
	futuresClient           *futures.Client
	governor                *ratelimit.Governor
	logger                  ports.Logger
	reconnectDelay          time.Duration
	markPriceReconnectDelay time.Duration
	maxReconnectAttempts    int
	hedgeMode               bool

	specMu        sync.RWMutex
	specs         map[string]*ports.SymbolSpec
	specFetchedAt time.Time
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	HedgeMode            bool
	Logger               ports.Logger
	Governor             *ratelimit.Governor
	ReconnectDelay       time.Duration // initial reconnect delay (e.g., 1 * time.Second)
	MaxReconnectAttempts int           // 0 means retry forever
	// MarkPriceReconnectDelay is the initial redial delay for the mark
	// price stream; falls back to ReconnectDelay when unset.
	MarkPriceReconnectDelay time.Duration
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.Governor == nil {
		return nil, fmt.Errorf("rate governor is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	// The governor reads quota headers off every response.
	client.HTTPClient = &http.Client{
		Transport: &ratelimit.Transport{Governor: cfg.Governor},
		Timeout:   30 * time.Second,
	}
	cfg.Logger.Info(context.Background(), "Binance client configured", map[string]interface{}{
		"baseURL": client.BaseURL, "testnet": cfg.UseTestnet, "hedgeMode": cfg.HedgeMode,
	})

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	markPriceReconnectDelay := cfg.MarkPriceReconnectDelay
	if markPriceReconnectDelay <= 0 {
		markPriceReconnectDelay = reconnectDelay
	}

	return &Client{
		futuresClient:           client,
		governor:                cfg.Governor,
		logger:                  cfg.Logger,
		reconnectDelay:          reconnectDelay,
		markPriceReconnectDelay: markPriceReconnectDelay,
		maxReconnectAttempts:    cfg.MaxReconnectAttempts,
		hedgeMode:               cfg.HedgeMode,
		specs:                   make(map[string]*ports.SymbolSpec),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1015: // Too many new orders
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp outside of recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidParam
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2011: // Cancel order rejected
			mappedErr = ports.ErrOrderCancelFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014, -2015: // API-key format invalid / invalid key, IP or permissions
			mappedErr = ports.ErrAuthenticationFailed
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientMargin
		case -2022: // ReduceOnly order is rejected
			mappedErr = ports.ErrReduceOnlyRejected
		case -3005, -3041: // Insufficient balance / position not sufficient
			mappedErr = ports.ErrInsufficientMargin
		case -4003, -4014, -4015: // Qty/price/leverage not within permissible range
			mappedErr = ports.ErrInvalidParam
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		case -4164: // Order notional below the symbol minimum
			mappedErr = ports.ErrMinNotional
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// admit routes a call through the governor before it reaches the wire.
func (c *Client) admit(ctx context.Context, op string, ep ratelimit.Endpoint, p ratelimit.Params, prio ports.Priority) error {
	if err := c.governor.Admit(ctx, ep, p, prio); err != nil {
		return fmt.Errorf("%s not admitted: %w", op, err)
	}
	return nil
}

// GetServerTime retrieves the current server time from the exchange.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	op := "GetServerTime"
	if err := c.admit(ctx, op, ratelimit.EndpointServerTime, ratelimit.Params{}, ports.PriorityLow); err != nil {
		return time.Time{}, err
	}
	ms, err := c.futuresClient.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, c.handleError(ctx, err, op)
	}
	return time.UnixMilli(ms), nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	if err := c.admit(ctx, op, ratelimit.EndpointPing, ratelimit.Params{}, ports.PriorityLow); err != nil {
		return err
	}
	if err := c.futuresClient.NewPingService().Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// GetSymbolSpec returns the cached trading rules for a symbol, fetching
// exchange info on first use or after the refresh interval.
func (c *Client) GetSymbolSpec(ctx context.Context, symbol string) (*ports.SymbolSpec, error) {
	op := "GetSymbolSpec"

	c.specMu.RLock()
	spec, ok := c.specs[symbol]
	fresh := time.Since(c.specFetchedAt) < specRefreshInterval
	c.specMu.RUnlock()
	if ok && fresh {
		return spec, nil
	}

	if err := c.admit(ctx, op, ratelimit.EndpointExchangeInfo, ratelimit.Params{}, ports.PriorityNormal); err != nil {
		return nil, err
	}
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	specs := make(map[string]*ports.SymbolSpec, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		sp := &ports.SymbolSpec{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		if f := s.PriceFilter(); f != nil {
			sp.TickSize = parseFloat(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			sp.StepSize = parseFloat(f.StepSize)
		}
		if f := s.MinNotionalFilter(); f != nil {
			sp.MinNotional = parseFloat(f.Notional)
		}
		specs[s.Symbol] = sp
	}

	c.specMu.Lock()
	c.specs = specs
	c.specFetchedAt = time.Now()
	spec = c.specs[symbol]
	c.specMu.Unlock()

	if spec == nil {
		return nil, fmt.Errorf("%s failed: %w: symbol %s not listed", op, ports.ErrNotFound, symbol)
	}
	return spec, nil
}

// RefreshSymbolSpecs drops the spec cache so the next lookup refetches.
func (c *Client) RefreshSymbolSpecs() {
	c.specMu.Lock()
	c.specFetchedAt = time.Time{}
	c.specMu.Unlock()
}

// GetDepth retrieves an order book snapshot limited to the given depth.
func (c *Client) GetDepth(ctx context.Context, symbol string, limit int) (*ports.Depth, error) {
	op := "GetDepth"
	if limit <= 0 {
		limit = 20
	}
	if err := c.admit(ctx, op, ratelimit.EndpointDepth, ratelimit.Params{Limit: limit}, ports.PriorityCritical); err != nil {
		return nil, err
	}
	res, err := c.futuresClient.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	depth := &ports.Depth{Symbol: symbol}
	for _, b := range res.Bids {
		depth.Bids = append(depth.Bids, ports.DepthLevel{Price: parseFloat(b.Price), Quantity: parseFloat(b.Quantity)})
	}
	for _, a := range res.Asks {
		depth.Asks = append(depth.Asks, ports.DepthLevel{Price: parseFloat(a.Price), Quantity: parseFloat(a.Quantity)})
	}
	return depth, nil
}

// GetAccountBalance retrieves the available balance for a specific asset.
func (c *Client) GetAccountBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAccountBalance"
	if err := c.admit(ctx, op, ratelimit.EndpointAccount, ratelimit.Params{}, ports.PriorityNormal); err != nil {
		return 0, err
	}
	balances, err := c.futuresClient.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	for _, b := range balances {
		if b.Asset == asset {
			return parseFloat(b.AvailableBalance), nil
		}
	}
	return 0, fmt.Errorf("%s failed: %w: asset %s", op, ports.ErrNotFound, asset)
}

// GetPositionRisks retrieves position details. With an empty symbol it
// returns every non-flat position.
func (c *Client) GetPositionRisks(ctx context.Context, symbol string) ([]*ports.PositionRisk, error) {
	op := "GetPositionRisks"
	if err := c.admit(ctx, op, ratelimit.EndpointPositionRisk, ratelimit.Params{AllSymbols: symbol == ""}, ports.PriorityNormal); err != nil {
		return nil, err
	}
	svc := c.futuresClient.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	var out []*ports.PositionRisk
	for _, p := range res {
		amt := parseFloat(p.PositionAmt)
		if symbol == "" && amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, &ports.PositionRisk{
			Symbol:           p.Symbol,
			PositionSide:     domain.PositionSide(p.PositionSide),
			PositionAmt:      amt,
			EntryPrice:       parseFloat(p.EntryPrice),
			MarkPrice:        parseFloat(p.MarkPrice),
			UnRealizedProfit: parseFloat(p.UnRealizedProfit),
			LiquidationPrice: parseFloat(p.LiquidationPrice),
			Leverage:         lev,
			IsolatedMargin:   parseFloat(p.IsolatedMargin),
		})
	}
	return out, nil
}

// GetOpenOrders lists open orders. With an empty symbol it lists all
// symbols (heavier request weight).
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]*ports.OrderResponse, error) {
	op := "GetOpenOrders"
	if err := c.admit(ctx, op, ratelimit.EndpointOpenOrders, ratelimit.Params{AllSymbols: symbol == ""}, ports.PriorityNormal); err != nil {
		return nil, err
	}
	svc := c.futuresClient.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]*ports.OrderResponse, 0, len(res))
	for _, o := range res {
		out = append(out, translateOrder(o))
	}
	return out, nil
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	if err := c.admit(ctx, op, ratelimit.EndpointLeverage, ratelimit.Params{}, ports.PriorityNormal); err != nil {
		return err
	}
	_, err := c.futuresClient.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// SetMarginType sets isolated or crossed margin for a symbol. The venue's
// "no need to change" rejection is treated as success.
func (c *Client) SetMarginType(ctx context.Context, symbol string, margin domain.MarginType) error {
	op := "SetMarginType"
	if err := c.admit(ctx, op, ratelimit.EndpointMarginType, ratelimit.Params{}, ports.PriorityNormal); err != nil {
		return err
	}
	err := c.futuresClient.NewChangeMarginTypeService().Symbol(symbol).MarginType(futures.MarginType(margin)).Do(ctx)
	if err != nil {
		if isNoChangeErr(err) {
			return nil
		}
		return c.handleError(ctx, err, op)
	}
	return nil
}

// SetPositionMode switches hedge mode on or off account-wide.
func (c *Client) SetPositionMode(ctx context.Context, hedge bool) error {
	op := "SetPositionMode"
	if err := c.admit(ctx, op, ratelimit.EndpointPositionMode, ratelimit.Params{}, ports.PriorityNormal); err != nil {
		return err
	}
	err := c.futuresClient.NewChangePositionModeService().DualSide(hedge).Do(ctx)
	if err != nil {
		if isNoChangeErr(err) {
			return nil
		}
		return c.handleError(ctx, err, op)
	}
	return nil
}

// SetMultiAssetsMode switches multi-assets margin on or off.
func (c *Client) SetMultiAssetsMode(ctx context.Context, enabled bool) error {
	op := "SetMultiAssetsMode"
	if err := c.admit(ctx, op, ratelimit.EndpointMultiAssets, ratelimit.Params{}, ports.PriorityNormal); err != nil {
		return err
	}
	err := c.futuresClient.NewChangeMultiAssetModeService().MultiAssetsMargin(enabled).Do(ctx)
	if err != nil {
		if isNoChangeErr(err) {
			return nil
		}
		return c.handleError(ctx, err, op)
	}
	return nil
}

// isNoChangeErr reports the venue's "already in this state" rejections for
// margin type, position mode and multi-assets mode changes.
func isNoChangeErr(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case -4046, -4059, -4171: // No need to change margin type / position side / multi-assets mode
		return true
	}
	return false
}

// buildOrderService translates an OrderRequest into a go-binance order
// builder. Under hedge mode positionSide is set and reduceOnly omitted;
// the venue rejects orders carrying both.
func (c *Client) buildOrderService(req *ports.OrderRequest) *futures.CreateOrderService {
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity)
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	if req.Price != "" {
		svc = svc.Price(req.Price)
	}
	if req.StopPrice != "" {
		svc = svc.StopPrice(req.StopPrice)
	}
	if req.Type == ports.OrderTypeLimit && req.TimeInForce != "" {
		svc = svc.TimeInForce(futures.TimeInForceType(req.TimeInForce))
	}
	if req.Type == ports.OrderTypeStopMarket && req.WorkingType != "" {
		svc = svc.WorkingType(futures.WorkingType(req.WorkingType))
		if req.PriceProtect {
			svc = svc.PriceProtect(true)
		}
	}
	if c.hedgeMode {
		svc = svc.PositionSide(futures.PositionSideType(req.PositionSide))
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	return svc
}

// PlaceOrder submits one order.
func (c *Client) PlaceOrder(ctx context.Context, req *ports.OrderRequest, prio ports.Priority) (*ports.OrderResponse, error) {
	op := "PlaceOrder"
	if err := c.admit(ctx, op, ratelimit.EndpointOrder, ratelimit.Params{OrderCount: 1}, prio); err != nil {
		return nil, err
	}
	res, err := c.buildOrderService(req).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateCreateOrderResponse(res), nil
}

// PlaceBatchOrders submits up to five orders in one call. Per-order failures
// come back index-aligned in errs; the call error is non-nil only when the
// whole batch failed.
func (c *Client) PlaceBatchOrders(ctx context.Context, reqs []*ports.OrderRequest, prio ports.Priority) ([]*ports.OrderResponse, []error, error) {
	op := "PlaceBatchOrders"
	if len(reqs) == 0 {
		return nil, nil, nil
	}
	if len(reqs) > 5 {
		return nil, nil, fmt.Errorf("%s failed: %w: batch size %d exceeds 5", op, ports.ErrInvalidParam, len(reqs))
	}
	if err := c.admit(ctx, op, ratelimit.EndpointBatchOrders, ratelimit.Params{OrderCount: len(reqs)}, prio); err != nil {
		return nil, nil, err
	}

	services := make([]*futures.CreateOrderService, 0, len(reqs))
	for _, req := range reqs {
		services = append(services, c.buildOrderService(req))
	}
	res, err := c.futuresClient.NewCreateBatchOrdersService().OrderList(services).Do(ctx)
	if err != nil {
		return nil, nil, c.handleError(ctx, err, op)
	}

	out := make([]*ports.OrderResponse, len(reqs))
	errs := make([]error, len(reqs))
	for i := range reqs {
		if i < len(res.Orders) && res.Orders[i] != nil {
			out[i] = translateOrder(res.Orders[i])
		} else {
			errs[i] = fmt.Errorf("%s failed for order %d: %w", op, i, ports.ErrOrderPlacementFailed)
		}
	}
	return out, errs, nil
}

// CancelOrder cancels an open order by its ID.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64, prio ports.Priority) (*ports.OrderResponse, error) {
	op := "CancelOrder"
	if err := c.admit(ctx, op, ratelimit.EndpointCancelOrder, ratelimit.Params{}, prio); err != nil {
		return nil, err
	}
	res, err := c.futuresClient.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return &ports.OrderResponse{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          domain.OrderSide(res.Side),
		PositionSide:  domain.PositionSide(res.PositionSide),
		Type:          ports.OrderType(res.Type),
		Status:        domain.OrderStatus(res.Status),
		Price:         parseFloat(res.Price),
		StopPrice:     parseFloat(res.StopPrice),
		OrigQuantity:  parseFloat(res.OrigQuantity),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
		ReduceOnly:    res.ReduceOnly,
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}, nil
}

// CancelAllOpen cancels every open order on a symbol.
func (c *Client) CancelAllOpen(ctx context.Context, symbol string, prio ports.Priority) error {
	op := "CancelAllOpen"
	if err := c.admit(ctx, op, ratelimit.EndpointCancelAll, ratelimit.Params{}, prio); err != nil {
		return err
	}
	if err := c.futuresClient.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

// --- translation helpers ---

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func translateCreateOrderResponse(res *futures.CreateOrderResponse) *ports.OrderResponse {
	return &ports.OrderResponse{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          domain.OrderSide(res.Side),
		PositionSide:  domain.PositionSide(res.PositionSide),
		Type:          ports.OrderType(res.Type),
		Status:        domain.OrderStatus(res.Status),
		Price:         parseFloat(res.Price),
		StopPrice:     parseFloat(res.StopPrice),
		OrigQuantity:  parseFloat(res.OrigQuantity),
		ExecutedQty:   parseFloat(res.ExecutedQuantity),
		AvgPrice:      parseFloat(res.AvgPrice),
		ReduceOnly:    res.ReduceOnly,
		UpdateTime:    time.UnixMilli(res.UpdateTime),
	}
}

func translateOrder(o *futures.Order) *ports.OrderResponse {
	return &ports.OrderResponse{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		PositionSide:  domain.PositionSide(o.PositionSide),
		Type:          ports.OrderType(o.Type),
		Status:        domain.OrderStatus(o.Status),
		Price:         parseFloat(o.Price),
		StopPrice:     parseFloat(o.StopPrice),
		OrigQuantity:  parseFloat(o.OrigQuantity),
		ExecutedQty:   parseFloat(o.ExecutedQuantity),
		AvgPrice:      parseFloat(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		UpdateTime:    time.UnixMilli(o.UpdateTime),
	}
}

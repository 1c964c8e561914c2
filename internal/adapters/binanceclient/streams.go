package binanceclient

import (
	"context"
	"fmt"
	"time"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
	"liqCascadeBot/internal/ratelimit"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
)

const keepaliveInterval = 25 * time.Minute

// runStream supervises one websocket subscription: it dials via connect,
// waits for the connection to die, and redials with exponential backoff and
// jitter, starting from baseDelay. connect returns the connection's done
// channel and a stop func.
func (c *Client) runStream(ctx context.Context, op string, baseDelay time.Duration, connect func(wsCtx context.Context) (<-chan struct{}, func(), error)) (chan struct{}, chan struct{}, error) {
	wsCtx, cancelWs := context.WithCancel(ctx)

	retry := &backoff.Backoff{
		Min:    baseDelay,
		Max:    60 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	go func() {
		defer cancelWs()
		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				return
			default:
			}

			c.logger.Info(wsCtx, op+": attempting connection", map[string]interface{}{"attempt": attempt + 1})
			innerDone, innerStop, connectErr := connect(wsCtx)
			if connectErr != nil {
				c.handleError(wsCtx, connectErr, op+" connection attempt")
				attempt++
				if c.maxReconnectAttempts > 0 && attempt >= c.maxReconnectAttempts {
					c.logger.Error(wsCtx, connectErr, op+": max reconnection attempts exceeded, giving up",
						map[string]interface{}{"maxAttempts": c.maxReconnectAttempts})
					return
				}
				delay := retry.Duration()
				c.logger.Info(wsCtx, op+": connection failed, retrying", map[string]interface{}{
					"attempt": attempt + 1, "delay": delay.String()})
				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					return
				}
			}

			c.logger.Info(wsCtx, op+": connection established")
			attempt = 0
			retry.Reset()

			select {
			case <-innerDone:
				c.logger.Warn(wsCtx, op+": connection closed, reconnecting")
				innerStop()
			case <-wsCtx.Done():
				c.logger.Info(wsCtx, op+": context cancelled, stopping stream")
				innerStop()
				return
			}
		}
	}()

	doneCh := make(chan struct{})
	stopCh := make(chan struct{})

	go func() {
		select {
		case <-stopCh:
			cancelWs()
		case <-wsCtx.Done():
		}
	}()
	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()

	return doneCh, stopCh, nil
}

// stopInner sends the stop signal to a go-binance serve loop without
// blocking when the socket is already gone.
func stopInner(stop chan struct{}) func() {
	return func() {
		select {
		case stop <- struct{}{}:
		default:
		}
	}
}

// StreamLiquidations subscribes to the venue-wide forced-order stream and
// delivers normalized events. Reconnects transparently.
func (c *Client) StreamLiquidations(ctx context.Context, handler func(event *domain.Liquidation), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	op := "StreamLiquidations"

	wsHandler := func(event *futures.WsLiquidationOrderEvent) {
		o := event.LiquidationOrder
		qty := parseFloat(o.OrigQuantity)
		price := parseFloat(o.Price)
		if avg := parseFloat(o.AvgPrice); avg > 0 {
			price = avg
		}
		if qty <= 0 || price <= 0 {
			return
		}
		handler(&domain.Liquidation{
			EventID:      fmt.Sprintf("%s-%d-%s-%s", o.Symbol, o.TradeTime, o.OrigQuantity, o.Price),
			Symbol:       o.Symbol,
			Side:         domain.OrderSide(o.Side),
			Quantity:     qty,
			Price:        price,
			USDTValue:    qty * price,
			EventTime:    time.UnixMilli(o.TradeTime),
			ReceivedTime: time.Now(),
		})
	}

	connect := func(wsCtx context.Context) (<-chan struct{}, func(), error) {
		wsErrHandler := func(err error) {
			errHandler(c.handleError(wsCtx, err, op+" WebSocket"))
		}
		done, stop, err := futures.WsAllLiquidationOrderServe(wsHandler, wsErrHandler)
		if err != nil {
			return nil, nil, err
		}
		return done, stopInner(stop), nil
	}

	return c.runStream(ctx, op, c.reconnectDelay, connect)
}

// StreamMarkPrices subscribes to the all-symbol mark price stream at
// one-second cadence. Reconnects transparently on its own, tighter delay:
// the fast path is blind while this stream is down.
func (c *Client) StreamMarkPrices(ctx context.Context, handler func(prices []ports.MarkPrice), errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	op := "StreamMarkPrices"

	wsHandler := func(event futures.WsAllMarkPriceEvent) {
		prices := make([]ports.MarkPrice, 0, len(event))
		for _, e := range event {
			p := parseFloat(e.MarkPrice)
			if p <= 0 {
				continue
			}
			prices = append(prices, ports.MarkPrice{
				Symbol: e.Symbol,
				Price:  p,
				Time:   time.UnixMilli(e.Time),
			})
		}
		if len(prices) > 0 {
			handler(prices)
		}
	}

	connect := func(wsCtx context.Context) (<-chan struct{}, func(), error) {
		wsErrHandler := func(err error) {
			errHandler(c.handleError(wsCtx, err, op+" WebSocket"))
		}
		done, stop, err := futures.WsAllMarkPriceServeWithRate(time.Second, wsHandler, wsErrHandler)
		if err != nil {
			return nil, nil, err
		}
		return done, stopInner(stop), nil
	}

	return c.runStream(ctx, op, c.markPriceReconnectDelay, connect)
}

// StreamUserData subscribes to the account's user-data stream. The listen
// key lifecycle is managed here: created on each (re)connect, kept alive on
// a timer, deleted on stop. A listenKeyExpired event forces a reconnect,
// which obtains a fresh key.
func (c *Client) StreamUserData(ctx context.Context, handler ports.UserDataHandler, errHandler func(err error)) (chan struct{}, chan struct{}, error) {
	op := "StreamUserData"

	connect := func(wsCtx context.Context) (<-chan struct{}, func(), error) {
		if err := c.admit(wsCtx, op, ratelimit.EndpointListenKey, ratelimit.Params{}, ports.PriorityNormal); err != nil {
			return nil, nil, err
		}
		listenKey, err := c.futuresClient.NewStartUserStreamService().Do(wsCtx)
		if err != nil {
			return nil, nil, err
		}

		// Closed on listenKeyExpired so the supervisor redials with a new key.
		expired := make(chan struct{})
		wsHandler := func(event *futures.WsUserDataEvent) {
			switch event.Event {
			case futures.UserDataEventTypeOrderTradeUpdate:
				handler(translateOrderUpdate(&event.OrderTradeUpdate), nil)
			case futures.UserDataEventTypeAccountUpdate:
				handler(nil, translateAccountUpdate(&event.AccountUpdate, event.Time))
			case futures.UserDataEventTypeListenKeyExpired:
				c.logger.Warn(wsCtx, op+": listen key expired, resubscribing")
				select {
				case <-expired:
				default:
					close(expired)
				}
			}
		}
		wsErrHandler := func(err error) {
			errHandler(c.handleError(wsCtx, err, op+" WebSocket"))
		}

		innerDone, innerStop, err := futures.WsUserDataServe(listenKey, wsHandler, wsErrHandler)
		if err != nil {
			return nil, nil, err
		}

		// Keepalive until the connection dies.
		keepaliveCtx, cancelKeepalive := context.WithCancel(wsCtx)
		go func() {
			ticker := time.NewTicker(keepaliveInterval)
			defer ticker.Stop()
			for {
				select {
				case <-keepaliveCtx.Done():
					return
				case <-ticker.C:
					if err := c.keepaliveListenKey(keepaliveCtx, listenKey); err != nil {
						c.logger.Warn(keepaliveCtx, op+": listen key keepalive failed", map[string]interface{}{"error": err.Error()})
					}
				}
			}
		}()

		// Merge socket death and key expiry into one done signal.
		done := make(chan struct{})
		go func() {
			defer close(done)
			select {
			case <-innerDone:
			case <-expired:
			case <-wsCtx.Done():
			}
		}()

		cleanup := func() {
			cancelKeepalive()
			stopInner(innerStop)()
			c.deleteListenKey(listenKey)
		}
		return done, cleanup, nil
	}

	return c.runStream(ctx, op, c.reconnectDelay, connect)
}

func (c *Client) keepaliveListenKey(ctx context.Context, listenKey string) error {
	op := "KeepaliveListenKey"
	if err := c.admit(ctx, op, ratelimit.EndpointListenKey, ratelimit.Params{}, ports.PriorityNormal); err != nil {
		return err
	}
	if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return c.handleError(ctx, err, op)
	}
	return nil
}

func (c *Client) deleteListenKey(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		c.logger.Debug(ctx, "listen key delete failed", map[string]interface{}{"error": err.Error()})
	}
}

func translateOrderUpdate(u *futures.WsOrderTradeUpdate) *ports.OrderUpdate {
	return &ports.OrderUpdate{
		Symbol:        u.Symbol,
		OrderID:       u.ID,
		ClientOrderID: u.ClientOrderID,
		Side:          domain.OrderSide(u.Side),
		PositionSide:  domain.PositionSide(u.PositionSide),
		Type:          ports.OrderType(u.Type),
		Status:        domain.OrderStatus(u.Status),
		ExecutionType: string(u.ExecutionType),
		LastFilledQty: parseFloat(u.LastFilledQty),
		CumFilledQty:  parseFloat(u.AccumulatedFilledQty),
		AvgPrice:      parseFloat(u.AveragePrice),
		LastPrice:     parseFloat(u.LastFilledPrice),
		StopPrice:     parseFloat(u.StopPrice),
		ReduceOnly:    u.IsReduceOnly,
		RealizedPnL:   parseFloat(u.RealizedPnL),
		Commission:    parseFloat(u.Commission),
		TradeID:       u.TradeID,
		TradeTime:     time.UnixMilli(u.TradeTime),
	}
}

func translateAccountUpdate(a *futures.WsAccountUpdate, eventTime int64) *ports.AccountUpdate {
	out := &ports.AccountUpdate{
		Reason:   string(a.Reason),
		Balances: make(map[string]float64, len(a.Balances)),
		Time:     time.UnixMilli(eventTime),
	}
	for _, b := range a.Balances {
		out.Balances[b.Asset] = parseFloat(b.Balance)
	}
	for _, p := range a.Positions {
		out.Positions = append(out.Positions, ports.AccountPosition{
			Symbol:       p.Symbol,
			PositionSide: domain.PositionSide(p.Side),
			PositionAmt:  parseFloat(p.Amount),
			EntryPrice:   parseFloat(p.EntryPrice),
		})
	}
	return out
}

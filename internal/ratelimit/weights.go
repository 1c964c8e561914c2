// Package ratelimit admits outbound venue requests within the venue's
// per-minute request-weight and order-count quotas.
package ratelimit

// Endpoint identifies a venue REST endpoint for weight lookup.
type Endpoint string

const (
	EndpointOrder        Endpoint = "order"
	EndpointBatchOrders  Endpoint = "batchOrders"
	EndpointCancelOrder  Endpoint = "cancelOrder"
	EndpointCancelAll    Endpoint = "cancelAllOpenOrders"
	EndpointOpenOrders   Endpoint = "openOrders"
	EndpointDepth        Endpoint = "depth"
	EndpointAccount      Endpoint = "account"
	EndpointPositionRisk Endpoint = "positionRisk"
	EndpointExchangeInfo Endpoint = "exchangeInfo"
	EndpointForceOrders  Endpoint = "forceOrders"
	EndpointTicker24hr   Endpoint = "ticker24hr"
	EndpointLeverage     Endpoint = "leverage"
	EndpointMarginType   Endpoint = "marginType"
	EndpointPositionMode Endpoint = "positionSide"
	EndpointMultiAssets  Endpoint = "multiAssetsMargin"
	EndpointListenKey    Endpoint = "listenKey"
	EndpointServerTime   Endpoint = "time"
	EndpointPing         Endpoint = "ping"
)

// Params carry the request attributes that change an endpoint's weight.
type Params struct {
	Limit      int  // depth/forceOrders limit
	AllSymbols bool // symbol parameter omitted
	OrderCount int  // orders carried by the request (batch > 1)
}

// Weight returns the request weight the venue charges for a call.
func Weight(ep Endpoint, p Params) int {
	switch ep {
	case EndpointOrder, EndpointCancelOrder, EndpointCancelAll,
		EndpointLeverage, EndpointMarginType, EndpointPositionMode,
		EndpointMultiAssets, EndpointListenKey, EndpointExchangeInfo,
		EndpointServerTime, EndpointPing:
		return 1
	case EndpointBatchOrders:
		return 5
	case EndpointOpenOrders:
		if p.AllSymbols {
			return 40
		}
		return 1
	case EndpointForceOrders:
		if p.AllSymbols {
			return 50
		}
		return 20
	case EndpointTicker24hr:
		if p.AllSymbols {
			return 40
		}
		return 1
	case EndpointAccount, EndpointPositionRisk:
		return 5
	case EndpointDepth:
		switch {
		case p.Limit <= 50:
			return 2
		case p.Limit <= 100:
			return 5
		case p.Limit <= 500:
			return 10
		default:
			return 20
		}
	default:
		return 1
	}
}

// OrderCount returns how many orders a call consumes from the order-count
// window. Zero for non-order endpoints.
func OrderCount(ep Endpoint, p Params) int {
	switch ep {
	case EndpointOrder:
		return 1
	case EndpointBatchOrders:
		if p.OrderCount > 0 {
			return p.OrderCount
		}
		return 5
	default:
		return 0
	}
}

package ports

import (
	"context"
	"time"

	"liqCascadeBot/internal/domain"
)

// LiquidationRepository persists the append-only forced-order event log.
type LiquidationRepository interface {
	// InsertLiquidation stores an event. Inserting the same EventID twice
	// is a no-op.
	InsertLiquidation(ctx context.Context, e *domain.Liquidation) error
	// SumUSDTVolume returns the total liquidated USDT value for a symbol
	// and forced-order side since the given time.
	SumUSDTVolume(ctx context.Context, symbol string, side domain.OrderSide, since time.Time) (float64, error)
	// RecentLiquidations returns the newest events, up to limit.
	RecentLiquidations(ctx context.Context, limit int) ([]*domain.Liquidation, error)
	// LiquidationsSince returns events newer than the given time in
	// event-time order, for rebuilding the rolling window on startup.
	LiquidationsSince(ctx context.Context, since time.Time) ([]*domain.Liquidation, error)
}

// OrderRepository persists engine orders and their execution state.
type OrderRepository interface {
	// UpsertOrder inserts or replaces an order record keyed by OrderID.
	UpsertOrder(ctx context.Context, o *domain.Order) error
	// UpdateOrderStatus records a status transition and fill progress.
	UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, executedQty, avgPrice float64, finalAt time.Time) error
	// FindOrder retrieves an order by venue ID. Returns nil, nil when absent.
	FindOrder(ctx context.Context, orderID int64) (*domain.Order, error)
	// OpenEntryOrderCount counts non-terminal entry orders for a symbol.
	OpenEntryOrderCount(ctx context.Context, symbol string) (int, error)
	// StaleEntryOrders returns non-terminal entry orders placed before the
	// given cutoff.
	StaleEntryOrders(ctx context.Context, cutoff time.Time) ([]*domain.Order, error)
	// RecentFills returns the newest fills, up to limit.
	RecentFills(ctx context.Context, limit int) ([]*domain.Fill, error)
	// InsertFill appends one execution report.
	InsertFill(ctx context.Context, f *domain.Fill) error
}

// RelationshipRepository maintains the entry -> TP/SL companion index.
type RelationshipRepository interface {
	// UpsertRelationship inserts or replaces the row for MainOrderID.
	UpsertRelationship(ctx context.Context, r *domain.OrderRelationship) error
	// FindCompanions returns the relationship in which the given order
	// appears as main, TP or SL leg. Returns nil, nil when absent.
	FindCompanions(ctx context.Context, orderID int64) (*domain.OrderRelationship, error)
	// DeleteRelationship removes the row for MainOrderID.
	DeleteRelationship(ctx context.Context, mainOrderID int64) error
}

// TrancheRepository persists the tranche model for crash recovery.
type TrancheRepository interface {
	CreateTranche(ctx context.Context, t *domain.Tranche) error
	UpdateTranche(ctx context.Context, t *domain.Tranche) error
	DeleteTranche(ctx context.Context, symbol string, side domain.PositionSide, id int64) error
	// ListTranches returns the tranches for one key ordered by ID ascending.
	ListTranches(ctx context.Context, symbol string, side domain.PositionSide) ([]*domain.Tranche, error)
	// ListAllTranches returns every persisted tranche.
	ListAllTranches(ctx context.Context) ([]*domain.Tranche, error)
}

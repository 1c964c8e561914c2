package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"

	"github.com/mattn/go-sqlite3"
)

// Repository implements the engine's repository ports (liquidations, orders,
// relationships, tranches, fills) using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/liq_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally, but the Go driver benefits from
	// limiting connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS liquidations (
		event_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty REAL NOT NULL,
		price REAL NOT NULL,
		usdt_value REAL NOT NULL,
		event_time TIMESTAMP NOT NULL,
		received_time TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_liquidations_symbol_side_time ON liquidations (symbol, side, event_time);
	CREATE INDEX IF NOT EXISTS idx_liquidations_event_time ON liquidations (event_time);

	CREATE TABLE IF NOT EXISTS orders (
		order_id INTEGER PRIMARY KEY,
		client_id TEXT,
		symbol TEXT NOT NULL,
		position_side TEXT NOT NULL,
		kind TEXT NOT NULL,
		side TEXT NOT NULL,
		qty REAL NOT NULL,
		price REAL DEFAULT 0,
		stop_price REAL DEFAULT 0,
		status TEXT NOT NULL,
		tranche_id INTEGER DEFAULT -1,
		parent_order_id INTEGER DEFAULT 0,
		time_in_force TEXT,
		placed_at TIMESTAMP NOT NULL,
		final_at TIMESTAMP DEFAULT NULL,
		executed_qty REAL NOT NULL DEFAULT 0,
		avg_fill_price REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol_kind_status ON orders (symbol, kind, status);
	CREATE INDEX IF NOT EXISTS idx_orders_placed_at ON orders (placed_at);

	CREATE TABLE IF NOT EXISTS order_relationships (
		main_order_id INTEGER PRIMARY KEY,
		tp_order_id INTEGER DEFAULT 0,
		sl_order_id INTEGER DEFAULT 0,
		tranche_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_relationships_tp ON order_relationships (tp_order_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_sl ON order_relationships (sl_order_id);

	CREATE TABLE IF NOT EXISTS tranches (
		symbol TEXT NOT NULL,
		position_side TEXT NOT NULL,
		tranche_id INTEGER NOT NULL,
		avg_entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		tp_order_id INTEGER DEFAULT 0,
		sl_order_id INTEGER DEFAULT 0,
		unprotected INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (symbol, position_side, tranche_id)
	);

	CREATE TABLE IF NOT EXISTS fills (
		order_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		qty REAL NOT NULL,
		price REAL NOT NULL,
		time TIMESTAMP NOT NULL,
		commission REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (order_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_fills_time ON fills (time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return r.wrapErr("initializeSchema", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// wrapErr maps driver errors onto the standard error set.
func (r *Repository) wrapErr(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%s failed: %w: %w", op, ports.ErrStoreBusy, err)
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%s failed: %w: %w", op, ports.ErrDuplicateEntry, err)
		}
	}
	return fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
}

// scanner abstracts sql.Row and sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

// --- liquidations ---

// InsertLiquidation stores one forced-order event. Duplicate event IDs are
// silently ignored so stream replays stay idempotent.
func (r *Repository) InsertLiquidation(ctx context.Context, e *domain.Liquidation) error {
	const op = "InsertLiquidation"
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO liquidations
		 (event_id, symbol, side, qty, price, usdt_value, event_time, received_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.Symbol, string(e.Side), e.Quantity, e.Price, e.USDTValue, e.EventTime, e.ReceivedTime)
	if err != nil {
		return r.wrapErr(op, err)
	}
	return nil
}

// SumUSDTVolume totals the liquidated value for one symbol and forced side
// since the given time.
func (r *Repository) SumUSDTVolume(ctx context.Context, symbol string, side domain.OrderSide, since time.Time) (float64, error) {
	const op = "SumUSDTVolume"
	var sum sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(usdt_value) FROM liquidations WHERE symbol = ? AND side = ? AND event_time >= ?`,
		symbol, string(side), since).Scan(&sum)
	if err != nil {
		return 0, r.wrapErr(op, err)
	}
	return sum.Float64, nil
}

func scanLiquidation(s scanner) (*domain.Liquidation, error) {
	e := &domain.Liquidation{}
	var side string
	if err := s.Scan(&e.EventID, &e.Symbol, &side, &e.Quantity, &e.Price, &e.USDTValue, &e.EventTime, &e.ReceivedTime); err != nil {
		return nil, err
	}
	e.Side = domain.OrderSide(side)
	return e, nil
}

// RecentLiquidations returns the newest events up to limit.
func (r *Repository) RecentLiquidations(ctx context.Context, limit int) ([]*domain.Liquidation, error) {
	const op = "RecentLiquidations"
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id, symbol, side, qty, price, usdt_value, event_time, received_time
		 FROM liquidations ORDER BY event_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, r.wrapErr(op, err)
	}
	defer rows.Close()
	var out []*domain.Liquidation
	for rows.Next() {
		e, err := scanLiquidation(rows)
		if err != nil {
			return nil, r.wrapErr(op, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LiquidationsSince returns events newer than since, oldest first.
func (r *Repository) LiquidationsSince(ctx context.Context, since time.Time) ([]*domain.Liquidation, error) {
	const op = "LiquidationsSince"
	rows, err := r.db.QueryContext(ctx,
		`SELECT event_id, symbol, side, qty, price, usdt_value, event_time, received_time
		 FROM liquidations WHERE event_time >= ? ORDER BY event_time ASC`, since)
	if err != nil {
		return nil, r.wrapErr(op, err)
	}
	defer rows.Close()
	var out []*domain.Liquidation
	for rows.Next() {
		e, err := scanLiquidation(rows)
		if err != nil {
			return nil, r.wrapErr(op, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- orders ---

// UpsertOrder inserts or replaces the order record keyed by venue order ID.
func (r *Repository) UpsertOrder(ctx context.Context, o *domain.Order) error {
	const op = "UpsertOrder"
	var finalAt sql.NullTime
	if !o.FinalAt.IsZero() {
		finalAt = sql.NullTime{Time: o.FinalAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO orders
		 (order_id, client_id, symbol, position_side, kind, side, qty, price, stop_price,
		  status, tranche_id, parent_order_id, time_in_force, placed_at, final_at, executed_qty, avg_fill_price)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderID, o.ClientID, o.Symbol, string(o.PositionSide), string(o.Kind), string(o.Side),
		o.Quantity, o.Price, o.StopPrice, string(o.Status), o.TrancheID, o.ParentOrderID,
		string(o.TimeInForce), o.PlacedAt, finalAt, o.ExecutedQty, o.AvgFillPrice)
	if err != nil {
		return r.wrapErr(op, err)
	}
	return nil
}

// UpdateOrderStatus records a status transition and fill progress.
func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus, executedQty, avgPrice float64, finalAt time.Time) error {
	const op = "UpdateOrderStatus"
	var final sql.NullTime
	if !finalAt.IsZero() {
		final = sql.NullTime{Time: finalAt, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, executed_qty = ?, avg_fill_price = ?, final_at = COALESCE(?, final_at)
		 WHERE order_id = ?`,
		string(status), executedQty, avgPrice, final, orderID)
	if err != nil {
		return r.wrapErr(op, err)
	}
	return nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var posSide, kind, side, status, tif string
	var clientID sql.NullString
	var finalAt sql.NullTime
	if err := s.Scan(&o.OrderID, &clientID, &o.Symbol, &posSide, &kind, &side, &o.Quantity,
		&o.Price, &o.StopPrice, &status, &o.TrancheID, &o.ParentOrderID, &tif,
		&o.PlacedAt, &finalAt, &o.ExecutedQty, &o.AvgFillPrice); err != nil {
		return nil, err
	}
	o.ClientID = clientID.String
	o.PositionSide = domain.PositionSide(posSide)
	o.Kind = domain.OrderKind(kind)
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	o.TimeInForce = domain.TimeInForce(tif)
	if finalAt.Valid {
		o.FinalAt = finalAt.Time
	}
	return o, nil
}

const orderColumns = `order_id, client_id, symbol, position_side, kind, side, qty, price, stop_price,
	status, tranche_id, parent_order_id, time_in_force, placed_at, final_at, executed_qty, avg_fill_price`

// FindOrder retrieves an order by venue ID. Returns nil, nil when absent.
func (r *Repository) FindOrder(ctx context.Context, orderID int64) (*domain.Order, error) {
	const op = "FindOrder"
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, r.wrapErr(op, err)
	}
	return o, nil
}

// OpenEntryOrderCount counts non-terminal entry orders for a symbol.
func (r *Repository) OpenEntryOrderCount(ctx context.Context, symbol string) (int, error) {
	const op = "OpenEntryOrderCount"
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders WHERE symbol = ? AND kind = ? AND status IN (?, ?)`,
		symbol, string(domain.KindEntry), string(domain.StatusNew), string(domain.StatusPartiallyFilled)).Scan(&n)
	if err != nil {
		return 0, r.wrapErr(op, err)
	}
	return n, nil
}

// StaleEntryOrders returns non-terminal entry orders placed before cutoff.
func (r *Repository) StaleEntryOrders(ctx context.Context, cutoff time.Time) ([]*domain.Order, error) {
	const op = "StaleEntryOrders"
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE kind = ? AND status IN (?, ?) AND placed_at < ?`,
		string(domain.KindEntry), string(domain.StatusNew), string(domain.StatusPartiallyFilled), cutoff)
	if err != nil {
		return nil, r.wrapErr(op, err)
	}
	defer rows.Close()
	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, r.wrapErr(op, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertFill appends one execution report.
func (r *Repository) InsertFill(ctx context.Context, f *domain.Fill) error {
	const op = "InsertFill"
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fills (order_id, seq, qty, price, time, commission, realized_pnl)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.Seq, f.Quantity, f.Price, f.Time, f.Commission, f.RealizedPnL)
	if err != nil {
		return r.wrapErr(op, err)
	}
	return nil
}

// RecentFills returns the newest fills up to limit.
func (r *Repository) RecentFills(ctx context.Context, limit int) ([]*domain.Fill, error) {
	const op = "RecentFills"
	rows, err := r.db.QueryContext(ctx,
		`SELECT order_id, seq, qty, price, time, commission, realized_pnl
		 FROM fills ORDER BY time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, r.wrapErr(op, err)
	}
	defer rows.Close()
	var out []*domain.Fill
	for rows.Next() {
		f := &domain.Fill{}
		if err := rows.Scan(&f.OrderID, &f.Seq, &f.Quantity, &f.Price, &f.Time, &f.Commission, &f.RealizedPnL); err != nil {
			return nil, r.wrapErr(op, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- order relationships ---

// UpsertRelationship inserts or replaces the companion row for an entry.
func (r *Repository) UpsertRelationship(ctx context.Context, rel *domain.OrderRelationship) error {
	const op = "UpsertRelationship"
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO order_relationships (main_order_id, tp_order_id, sl_order_id, tranche_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rel.MainOrderID, rel.TPOrderID, rel.SLOrderID, rel.TrancheID, rel.CreatedAt)
	if err != nil {
		return r.wrapErr(op, err)
	}
	return nil
}

// FindCompanions returns the relationship in which the order appears as any
// leg. Returns nil, nil when absent.
func (r *Repository) FindCompanions(ctx context.Context, orderID int64) (*domain.OrderRelationship, error) {
	const op = "FindCompanions"
	rel := &domain.OrderRelationship{}
	err := r.db.QueryRowContext(ctx,
		`SELECT main_order_id, tp_order_id, sl_order_id, tranche_id, created_at
		 FROM order_relationships WHERE main_order_id = ? OR tp_order_id = ? OR sl_order_id = ?`,
		orderID, orderID, orderID).
		Scan(&rel.MainOrderID, &rel.TPOrderID, &rel.SLOrderID, &rel.TrancheID, &rel.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, r.wrapErr(op, err)
	}
	return rel, nil
}

// DeleteRelationship removes the companion row for an entry order.
func (r *Repository) DeleteRelationship(ctx context.Context, mainOrderID int64) error {
	const op = "DeleteRelationship"
	_, err := r.db.ExecContext(ctx, `DELETE FROM order_relationships WHERE main_order_id = ?`, mainOrderID)
	if err != nil {
		return r.wrapErr(op, err)
	}
	return nil
}

// --- tranches ---

// CreateTranche persists a new tranche.
func (r *Repository) CreateTranche(ctx context.Context, t *domain.Tranche) error {
	const op = "CreateTranche"
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tranches
		 (symbol, position_side, tranche_id, avg_entry_price, quantity, tp_order_id, sl_order_id, unprotected, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, string(t.PositionSide), t.ID, t.AvgEntry, t.Quantity,
		t.TPOrderID, t.SLOrderID, boolToInt(t.Unprotected), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return r.wrapErr(op, err)
	}
	return nil
}

// UpdateTranche persists the mutable tranche fields.
func (r *Repository) UpdateTranche(ctx context.Context, t *domain.Tranche) error {
	const op = "UpdateTranche"
	res, err := r.db.ExecContext(ctx,
		`UPDATE tranches SET avg_entry_price = ?, quantity = ?, tp_order_id = ?, sl_order_id = ?, unprotected = ?, updated_at = ?
		 WHERE symbol = ? AND position_side = ? AND tranche_id = ?`,
		t.AvgEntry, t.Quantity, t.TPOrderID, t.SLOrderID, boolToInt(t.Unprotected), t.UpdatedAt,
		t.Symbol, string(t.PositionSide), t.ID)
	if err != nil {
		return r.wrapErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s failed: %w: tranche %s/%s/%d", op, ports.ErrNotFound, t.Symbol, t.PositionSide, t.ID)
	}
	return nil
}

// DeleteTranche removes a tranche row.
func (r *Repository) DeleteTranche(ctx context.Context, symbol string, side domain.PositionSide, id int64) error {
	const op = "DeleteTranche"
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM tranches WHERE symbol = ? AND position_side = ? AND tranche_id = ?`,
		symbol, string(side), id)
	if err != nil {
		return r.wrapErr(op, err)
	}
	return nil
}

func scanTranche(s scanner) (*domain.Tranche, error) {
	t := &domain.Tranche{}
	var side string
	var unprotected int
	if err := s.Scan(&t.Symbol, &side, &t.ID, &t.AvgEntry, &t.Quantity,
		&t.TPOrderID, &t.SLOrderID, &unprotected, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.PositionSide = domain.PositionSide(side)
	t.Unprotected = unprotected != 0
	return t, nil
}

const trancheColumns = `symbol, position_side, tranche_id, avg_entry_price, quantity, tp_order_id, sl_order_id, unprotected, created_at, updated_at`

// ListTranches returns the tranches for one key ordered by ID ascending.
func (r *Repository) ListTranches(ctx context.Context, symbol string, side domain.PositionSide) ([]*domain.Tranche, error) {
	const op = "ListTranches"
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+trancheColumns+` FROM tranches WHERE symbol = ? AND position_side = ? ORDER BY tranche_id ASC`,
		symbol, string(side))
	if err != nil {
		return nil, r.wrapErr(op, err)
	}
	defer rows.Close()
	var out []*domain.Tranche
	for rows.Next() {
		t, err := scanTranche(rows)
		if err != nil {
			return nil, r.wrapErr(op, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListAllTranches returns every persisted tranche.
func (r *Repository) ListAllTranches(ctx context.Context) ([]*domain.Tranche, error) {
	const op = "ListAllTranches"
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+trancheColumns+` FROM tranches ORDER BY symbol, position_side, tranche_id`)
	if err != nil {
		return nil, r.wrapErr(op, err)
	}
	defer rows.Close()
	var out []*domain.Tranche
	for rows.Next() {
		t, err := scanTranche(rows)
		if err != nil {
			return nil, r.wrapErr(op, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

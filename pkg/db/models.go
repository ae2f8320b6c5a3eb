package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Open order statuses; everything else is terminal.
var openStatuses = []string{"NEW", "SUBMITTED", "PARTIALLY_FILLED"}

// Order represents one trading intent and its lifecycle.
// RiskCheck, History, Metadata and Tags are stored as JSON documents;
// (un)marshalling is owned by the order package.
type Order struct {
	OrderID         string
	ClientOrderID   string
	ExchangeOrderID string
	Mode            string
	Symbol          string
	Side            string
	Type            string
	Qty             float64
	Price           float64
	FilledQty       float64
	AvgFillPrice    float64
	Cost            float64
	Status          string
	Source          string
	StrategyID      string
	RiskCheck       string
	History         string
	ReplacedBy      string
	Metadata        string
	Tags            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Position tracks the net long holding of one symbol in one mode.
type Position struct {
	Symbol        string
	Mode          string
	Side          string
	Qty           float64
	AvgEntryPrice float64
	RealizedPnL   float64
	StrategyID    string
	UpdatedAt     time.Time
}

// Wallet is one cash balance per mode.
type Wallet struct {
	Mode      string
	Balance   float64
	Currency  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fill is one immutable execution event tied to an order.
type Fill struct {
	FillID     string
	OrderID    string
	Mode       string
	Symbol     string
	Side       string
	Qty        float64
	Price      float64
	Fee        float64
	PnL        float64
	Reconciled bool
	Raw        string
	ExecutedAt time.Time
}

// LedgerSnapshot is an append-only rollup of a mode's account state.
type LedgerSnapshot struct {
	Seq            int64
	Mode           string
	WalletBalance  float64
	PositionsValue float64
	RealizedPnL    float64
	UnrealizedPnL  float64
	PrevHash       string
	Hash           string
	CreatedAt      time.Time
}

// RiskBreach is a logged policy violation or risk event.
type RiskBreach struct {
	ID             string
	Code           string
	Message        string
	Context        string
	Severity       string
	Acknowledged   bool
	AcknowledgedBy string
	AcknowledgedAt sql.NullTime
	CreatedAt      time.Time
}

// DayMetrics aggregates realized PnL and order counts per UTC date.
type DayMetrics struct {
	Date        string
	RealizedPnL float64
	TradeCount  int
	AutoOrders  int
}

// KillSwitchState is the persisted process-wide halt flag.
type KillSwitchState struct {
	Armed   bool
	Reason  string
	Actor   string
	ArmedAt sql.NullTime
}

// AuditEvent is an immutable hash-stamped record of an order lifecycle event.
type AuditEvent struct {
	ID        string
	EventType string
	Mode      string
	OrderID   string
	Payload   string
	Actor     string
	Severity  string
	Hash      string
	CreatedAt time.Time
}

// ----------------------------------------
// Order queries
// ----------------------------------------

const orderColumns = `order_id, client_order_id, COALESCE(exchange_order_id, ''), mode, symbol, side, type,
	qty, COALESCE(price, 0), COALESCE(filled_qty, 0), COALESCE(avg_fill_price, 0), COALESCE(cost, 0),
	status, COALESCE(source, ''), COALESCE(strategy_id, ''), COALESCE(risk_check, ''), COALESCE(history, ''),
	COALESCE(replaced_by, ''), COALESCE(metadata, ''), COALESCE(tags, ''), created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (Order, error) {
	var o Order
	err := row.Scan(&o.OrderID, &o.ClientOrderID, &o.ExchangeOrderID, &o.Mode, &o.Symbol, &o.Side, &o.Type,
		&o.Qty, &o.Price, &o.FilledQty, &o.AvgFillPrice, &o.Cost,
		&o.Status, &o.Source, &o.StrategyID, &o.RiskCheck, &o.History,
		&o.ReplacedBy, &o.Metadata, &o.Tags, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// CreateOrder inserts a new order row keyed by order_id. Insertion is an
// upsert keyed by client_order_id semantics at the caller level; the row
// itself conflicts only on order_id.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			order_id, client_order_id, exchange_order_id, mode, symbol, side, type,
			qty, price, filled_qty, avg_fill_price, cost, status, source, strategy_id,
			risk_check, history, replaced_by, metadata, tags, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`,
		o.OrderID, o.ClientOrderID, o.ExchangeOrderID, o.Mode, o.Symbol, o.Side, o.Type,
		o.Qty, o.Price, o.FilledQty, o.AvgFillPrice, o.Cost, o.Status, o.Source, o.StrategyID,
		o.RiskCheck, o.History, o.ReplacedBy, o.Metadata, o.Tags, nullTime(o.CreatedAt), nullTime(o.UpdatedAt),
	)
	return err
}

// UpdateOrder rewrites the mutable fields of an order.
func (d *Database) UpdateOrder(ctx context.Context, o Order) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET exchange_order_id = ?, qty = ?, price = ?, filled_qty = ?, avg_fill_price = ?,
		    cost = ?, status = ?, risk_check = ?, history = ?, replaced_by = ?,
		    metadata = ?, tags = ?, updated_at = ?
		WHERE order_id = ?
	`,
		o.ExchangeOrderID, o.Qty, o.Price, o.FilledQty, o.AvgFillPrice,
		o.Cost, o.Status, o.RiskCheck, o.History, o.ReplacedBy,
		o.Metadata, o.Tags, time.Now().UTC(), o.OrderID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOrder returns one order by order_id.
func (d *Database) GetOrder(ctx context.Context, orderID string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// GetOrderByClientID returns one order by client_order_id, newest first.
func (d *Database) GetOrderByClientID(ctx context.Context, clientOrderID string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE client_order_id = ?
		ORDER BY created_at DESC LIMIT 1`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("query order by client id: %w", err)
	}
	return o, nil
}

// ListOrders returns recent orders with optional mode/status filters.
func (d *Database) ListOrders(ctx context.Context, mode, status string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []any{}
	if mode != "" {
		query += ` AND mode = ?`
		args = append(args, mode)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListOpenOrders returns non-terminal orders, optionally scoped to a mode.
func (d *Database) ListOpenOrders(ctx context.Context, mode string) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status IN ('NEW','SUBMITTED','PARTIALLY_FILLED')`
	args := []any{}
	if mode != "" {
		query += ` AND mode = ?`
		args = append(args, mode)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// CountOpenOrdersBySymbol counts resting orders for one symbol in one mode.
func (d *Database) CountOpenOrdersBySymbol(ctx context.Context, mode, symbol string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE mode = ? AND symbol = ? AND status IN ('NEW','SUBMITTED','PARTIALLY_FILLED')
	`, mode, symbol).Scan(&n)
	return n, err
}

// ----------------------------------------
// Position queries
// ----------------------------------------

// GetPosition returns the position for (symbol, mode, side) or ErrNotFound.
func (d *Database) GetPosition(ctx context.Context, symbol, mode, side string) (Position, error) {
	var p Position
	err := d.DB.QueryRowContext(ctx, `
		SELECT symbol, mode, side, qty, avg_entry_price, COALESCE(realized_pnl, 0),
		       COALESCE(strategy_id, ''), updated_at
		FROM positions WHERE symbol = ? AND mode = ? AND side = ?
	`, symbol, mode, side).Scan(&p.Symbol, &p.Mode, &p.Side, &p.Qty, &p.AvgEntryPrice,
		&p.RealizedPnL, &p.StrategyID, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

// UpsertPosition stores the latest position for (symbol, mode, side).
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, mode, side, qty, avg_entry_price, realized_pnl, strategy_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol, mode, side) DO UPDATE SET
			qty = excluded.qty,
			avg_entry_price = excluded.avg_entry_price,
			realized_pnl = excluded.realized_pnl,
			strategy_id = excluded.strategy_id,
			updated_at = CURRENT_TIMESTAMP
	`, p.Symbol, p.Mode, p.Side, p.Qty, p.AvgEntryPrice, p.RealizedPnL, p.StrategyID)
	return err
}

// DeletePosition removes a fully-closed position row.
func (d *Database) DeletePosition(ctx context.Context, symbol, mode, side string) error {
	_, err := d.DB.ExecContext(ctx, `
		DELETE FROM positions WHERE symbol = ? AND mode = ? AND side = ?
	`, symbol, mode, side)
	return err
}

// ListPositions returns current positions, optionally scoped to a mode.
func (d *Database) ListPositions(ctx context.Context, mode string) ([]Position, error) {
	query := `SELECT symbol, mode, side, qty, avg_entry_price, COALESCE(realized_pnl, 0),
		COALESCE(strategy_id, ''), updated_at FROM positions`
	args := []any{}
	if mode != "" {
		query += ` WHERE mode = ?`
		args = append(args, mode)
	}
	query += ` ORDER BY symbol`

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Symbol, &p.Mode, &p.Side, &p.Qty, &p.AvgEntryPrice,
			&p.RealizedPnL, &p.StrategyID, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Wallet queries
// ----------------------------------------

// GetWallet returns the wallet row for a mode or ErrNotFound.
func (d *Database) GetWallet(ctx context.Context, mode string) (Wallet, error) {
	var w Wallet
	err := d.DB.QueryRowContext(ctx, `
		SELECT mode, balance, currency, created_at, updated_at FROM wallets WHERE mode = ?
	`, mode).Scan(&w.Mode, &w.Balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return Wallet{}, ErrNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	return w, nil
}

// UpsertWallet overwrites the cash balance for a mode.
func (d *Database) UpsertWallet(ctx context.Context, mode string, balance float64, currency string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO wallets (mode, balance, currency, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(mode) DO UPDATE SET
			balance = excluded.balance,
			currency = excluded.currency,
			updated_at = CURRENT_TIMESTAMP
	`, mode, balance, currency)
	return err
}

// ----------------------------------------
// Fill queries
// ----------------------------------------

// CreateFill inserts a new immutable fill row.
func (d *Database) CreateFill(ctx context.Context, f Fill) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (fill_id, order_id, mode, symbol, side, qty, price, fee, pnl, reconciled, raw, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, f.FillID, f.OrderID, f.Mode, f.Symbol, f.Side, f.Qty, f.Price, f.Fee, f.PnL,
		boolToInt(f.Reconciled), f.Raw, nullTime(f.ExecutedAt))
	return err
}

// ListFills returns recent fills, optionally scoped to a mode.
func (d *Database) ListFills(ctx context.Context, mode string, limit int) ([]Fill, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT fill_id, order_id, mode, symbol, side, qty, price, COALESCE(fee, 0),
		COALESCE(pnl, 0), COALESCE(reconciled, 0), COALESCE(raw, ''), executed_at FROM fills`
	args := []any{}
	if mode != "" {
		query += ` WHERE mode = ?`
		args = append(args, mode)
	}
	query += ` ORDER BY executed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var res []Fill
	for rows.Next() {
		var f Fill
		var reconciled int
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Mode, &f.Symbol, &f.Side, &f.Qty, &f.Price,
			&f.Fee, &f.PnL, &reconciled, &f.Raw, &f.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Reconciled = reconciled == 1
		res = append(res, f)
	}
	return res, rows.Err()
}

// LatestFillPrice returns the most recent fill price for a symbol. Mode may be
// empty to search across modes. Returns 0 when no fill exists.
func (d *Database) LatestFillPrice(ctx context.Context, symbol, mode string) (float64, error) {
	query := `SELECT price FROM fills WHERE symbol = ?`
	args := []any{symbol}
	if mode != "" {
		query += ` AND mode = ?`
		args = append(args, mode)
	}
	query += ` ORDER BY executed_at DESC LIMIT 1`

	var price float64
	err := d.DB.QueryRowContext(ctx, query, args...).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query latest fill price: %w", err)
	}
	return price, nil
}

// CountUnreconciledFills counts fills not yet marked reconciled for a mode.
func (d *Database) CountUnreconciledFills(ctx context.Context, mode string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fills WHERE mode = ? AND COALESCE(reconciled, 0) = 0
	`, mode).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullTime maps the zero time to NULL so column defaults apply.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

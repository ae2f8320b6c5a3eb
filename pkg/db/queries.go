package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ----------------------------------------
// Ledger snapshot queries
// ----------------------------------------

// InsertSnapshot appends a ledger snapshot and returns its sequence number.
func (d *Database) InsertSnapshot(ctx context.Context, s LedgerSnapshot) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO ledger_snapshots (mode, wallet_balance, positions_value, realized_pnl, unrealized_pnl, prev_hash, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, s.Mode, s.WalletBalance, s.PositionsValue, s.RealizedPnL, s.UnrealizedPnL, s.PrevHash, s.Hash, nullTime(s.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestSnapshot returns the most recent snapshot for a mode or ErrNotFound.
func (d *Database) LatestSnapshot(ctx context.Context, mode string) (LedgerSnapshot, error) {
	var s LedgerSnapshot
	err := d.DB.QueryRowContext(ctx, `
		SELECT seq, mode, wallet_balance, positions_value, realized_pnl, unrealized_pnl,
		       COALESCE(prev_hash, ''), hash, created_at
		FROM ledger_snapshots WHERE mode = ? ORDER BY seq DESC LIMIT 1
	`, mode).Scan(&s.Seq, &s.Mode, &s.WalletBalance, &s.PositionsValue, &s.RealizedPnL,
		&s.UnrealizedPnL, &s.PrevHash, &s.Hash, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return LedgerSnapshot{}, ErrNotFound
	}
	if err != nil {
		return LedgerSnapshot{}, fmt.Errorf("query latest snapshot: %w", err)
	}
	return s, nil
}

// ListSnapshots returns snapshots for a mode, newest first.
func (d *Database) ListSnapshots(ctx context.Context, mode string, limit int) ([]LedgerSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT seq, mode, wallet_balance, positions_value, realized_pnl, unrealized_pnl,
		COALESCE(prev_hash, ''), hash, created_at FROM ledger_snapshots`
	args := []any{}
	if mode != "" {
		query += ` WHERE mode = ?`
		args = append(args, mode)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var res []LedgerSnapshot
	for rows.Next() {
		var s LedgerSnapshot
		if err := rows.Scan(&s.Seq, &s.Mode, &s.WalletBalance, &s.PositionsValue, &s.RealizedPnL,
			&s.UnrealizedPnL, &s.PrevHash, &s.Hash, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Risk breach queries
// ----------------------------------------

// InsertBreach appends a risk breach row.
func (d *Database) InsertBreach(ctx context.Context, b RiskBreach) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_breaches (id, code, message, context, severity, acknowledged, created_at)
		VALUES (?, ?, ?, ?, ?, 0, COALESCE(?, CURRENT_TIMESTAMP))
	`, b.ID, b.Code, b.Message, b.Context, b.Severity, nullTime(b.CreatedAt))
	return err
}

// ListBreaches returns breaches, newest first. Acknowledged rows are excluded
// unless includeAcknowledged is set.
func (d *Database) ListBreaches(ctx context.Context, includeAcknowledged bool, limit int) ([]RiskBreach, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, code, message, COALESCE(context, ''), severity, COALESCE(acknowledged, 0),
		COALESCE(acknowledged_by, ''), acknowledged_at, created_at FROM risk_breaches`
	if !includeAcknowledged {
		query += ` WHERE COALESCE(acknowledged, 0) = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := d.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query breaches: %w", err)
	}
	defer rows.Close()

	var res []RiskBreach
	for rows.Next() {
		var b RiskBreach
		var ack int
		if err := rows.Scan(&b.ID, &b.Code, &b.Message, &b.Context, &b.Severity, &ack,
			&b.AcknowledgedBy, &b.AcknowledgedAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan breach: %w", err)
		}
		b.Acknowledged = ack == 1
		res = append(res, b)
	}
	return res, rows.Err()
}

// AcknowledgeBreach marks one breach acknowledged.
func (d *Database) AcknowledgeBreach(ctx context.Context, id, actor string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE risk_breaches
		SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ?
	`, actor, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Daily risk metrics
// ----------------------------------------

// AddDayMetrics accumulates realized PnL and order counts onto the row for a
// UTC date, creating it on first write.
func (d *Database) AddDayMetrics(ctx context.Context, date string, pnl float64, trades, autoOrders int) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_metrics (date, realized_pnl, trade_count, auto_orders)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			realized_pnl = realized_pnl + ?,
			trade_count = trade_count + ?,
			auto_orders = auto_orders + ?
	`, date, pnl, trades, autoOrders, pnl, trades, autoOrders)
	return err
}

// GetDayMetrics returns the metrics row for a UTC date; a zero row when absent.
func (d *Database) GetDayMetrics(ctx context.Context, date string) (DayMetrics, error) {
	m := DayMetrics{Date: date}
	err := d.DB.QueryRowContext(ctx, `
		SELECT realized_pnl, trade_count, COALESCE(auto_orders, 0)
		FROM risk_metrics WHERE date = ?
	`, date).Scan(&m.RealizedPnL, &m.TradeCount, &m.AutoOrders)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return DayMetrics{}, fmt.Errorf("query day metrics: %w", err)
	}
	return m, nil
}

// ----------------------------------------
// Kill switch
// ----------------------------------------

// KillSwitch returns the persisted kill-switch state; disarmed when unset.
func (d *Database) KillSwitch(ctx context.Context) (KillSwitchState, error) {
	var s KillSwitchState
	var armed int
	err := d.DB.QueryRowContext(ctx, `
		SELECT armed, COALESCE(reason, ''), COALESCE(actor, ''), armed_at
		FROM kill_switch WHERE id = 1
	`).Scan(&armed, &s.Reason, &s.Actor, &s.ArmedAt)
	if err == sql.ErrNoRows {
		return KillSwitchState{}, nil
	}
	if err != nil {
		return KillSwitchState{}, fmt.Errorf("query kill switch: %w", err)
	}
	s.Armed = armed == 1
	return s, nil
}

// SetKillSwitch persists the kill-switch state.
func (d *Database) SetKillSwitch(ctx context.Context, s KillSwitchState) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO kill_switch (id, armed, reason, actor, armed_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			armed = excluded.armed,
			reason = excluded.reason,
			actor = excluded.actor,
			armed_at = excluded.armed_at
	`, boolToInt(s.Armed), s.Reason, s.Actor, s.ArmedAt)
	return err
}

// ----------------------------------------
// Audit events
// ----------------------------------------

// InsertAuditEvent appends one audit event; events are never updated.
func (d *Database) InsertAuditEvent(ctx context.Context, e AuditEvent) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, mode, order_id, payload, actor, severity, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, e.ID, e.EventType, e.Mode, e.OrderID, e.Payload, e.Actor, e.Severity, e.Hash, nullTime(e.CreatedAt))
	return err
}

// ListAuditEvents returns the most recent events across all types.
func (d *Database) ListAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, event_type, mode, COALESCE(order_id, ''), COALESCE(payload, ''),
		       COALESCE(actor, ''), severity, hash, created_at
		FROM audit_events ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var res []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Mode, &e.OrderID, &e.Payload,
			&e.Actor, &e.Severity, &e.Hash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ----------------------------------------
// Paper order records
// ----------------------------------------

// UpsertPaperOrder stores the normalized JSON payload of a simulated order.
func (d *Database) UpsertPaperOrder(ctx context.Context, id, mode, payload string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO paper_orders (id, mode, payload, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload
	`, id, mode, payload)
	return err
}

// GetPaperOrder returns the stored payload for a simulated order.
func (d *Database) GetPaperOrder(ctx context.Context, id string) (string, error) {
	var payload string
	err := d.DB.QueryRowContext(ctx, `SELECT payload FROM paper_orders WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query paper order: %w", err)
	}
	return payload, nil
}

// Package order orchestrates the order lifecycle: risk check, connector call,
// persistence, settlement update, and audit trail.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"exec-core/internal/audit"
	"exec-core/internal/connector"
	"exec-core/internal/events"
	"exec-core/internal/risk"
	"exec-core/internal/settlement"
	"exec-core/pkg/db"
)

// Manager routes orders through risk and out to the per-mode connector, and
// keeps the stored order rows consistent with venue state.
type Manager struct {
	store   *db.Database
	ledger  *settlement.Ledger
	risk    *risk.Manager
	auditor *audit.Auditor
	bus     *events.Bus
	feeRate float64

	mu         sync.RWMutex
	connectors map[string]connector.Connector
}

func NewManager(store *db.Database, ledger *settlement.Ledger, rm *risk.Manager, auditor *audit.Auditor, bus *events.Bus, feeRate float64) *Manager {
	return &Manager{
		store:      store,
		ledger:     ledger,
		risk:       rm,
		auditor:    auditor,
		bus:        bus,
		feeRate:    feeRate,
		connectors: make(map[string]connector.Connector),
	}
}

// RegisterConnector binds a connector to a trading mode.
func (m *Manager) RegisterConnector(mode string, c connector.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[mode] = c
}

func (m *Manager) connector(mode string) (connector.Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, mode)
	}
	return c, nil
}

// Result is the outcome of a place call. Preview results carry the risk
// snapshot but no persisted order.
type Result struct {
	Order    db.Order
	Approval risk.Approval
	Preview  bool
}

// PlaceOrder runs the full pipeline for one order. Risk rejection and
// connector failure both leave zero persisted order rows.
func (m *Manager) PlaceOrder(ctx context.Context, req PlaceRequest) (Result, error) {
	conn, err := m.connector(req.Mode)
	if err != nil {
		return Result{}, err
	}

	price := req.Price
	if price <= 0 {
		price = m.EstimatePrice(ctx, req.Mode, req.Symbol, req.Side)
		if price <= 0 {
			return Result{}, fmt.Errorf("%w for %s", ErrPriceUnknown, req.Symbol)
		}
	}
	notional := req.Quantity * price

	approval, err := m.risk.PreTradeCheck(ctx, risk.CheckRequest{
		Mode:     req.Mode,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Source:   req.Source,
		Actor:    req.Actor,
	}, notional)
	if err != nil {
		var v *risk.Violation
		if errors.As(err, &v) {
			m.risk.LogBreach(ctx, v.Code, v.Message, "warning", v.Details)
			m.bus.Publish(events.Alert{
				Topic:    events.TopicOrderRejected,
				Severity: "warning",
				Message:  v.Message,
				Mode:     req.Mode,
				Fields:   map[string]any{"code": v.Code, "symbol": req.Symbol},
			})
		}
		return Result{}, err
	}

	if req.Preview {
		return Result{
			Order: db.Order{
				Mode:   req.Mode,
				Symbol: req.Symbol,
				Side:   req.Side,
				Type:   req.Type,
				Qty:    req.Quantity,
				Price:  price,
				Status: StatusNew,
				Source: req.Source,
			},
			Approval: approval,
			Preview:  true,
		}, nil
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "ec-" + uuid.NewString()
	}

	now := time.Now().UTC()
	o := db.Order{
		OrderID:       uuid.NewString(),
		ClientOrderID: clientID,
		Mode:          req.Mode,
		Symbol:        req.Symbol,
		Side:          strings.ToLower(req.Side),
		Type:          strings.ToLower(req.Type),
		Qty:           req.Quantity,
		Price:         req.Price,
		Status:        StatusNew,
		Source:        req.Source,
		StrategyID:    req.StrategyID,
		RiskCheck:     encodeJSON(approval),
		Tags:          strings.Join(req.Tags, ","),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(req.Metadata) > 0 {
		o.Metadata = encodeJSON(req.Metadata)
	}
	history := []Transition{{Status: StatusNew, At: now}}

	ex, err := conn.CreateOrder(ctx, connector.Request{
		Symbol:        req.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: clientID,
	})
	if err != nil {
		m.risk.LogBreach(ctx, "order_submit_failed",
			fmt.Sprintf("connector rejected %s %s %s: %v", req.Mode, o.Side, req.Symbol, err),
			"error",
			map[string]any{"symbol": req.Symbol, "mode": req.Mode})
		m.bus.Publish(events.Alert{
			Topic:    events.TopicOrderRejected,
			Severity: "error",
			Message:  err.Error(),
			Mode:     req.Mode,
			Fields:   map[string]any{"symbol": req.Symbol},
		})
		return Result{}, fmt.Errorf("submit order: %w", err)
	}

	o.ExchangeOrderID = ex.ID
	o.Status = mapStatus(ex.Status)
	if o.Status == StatusFilled || o.Status == StatusPartiallyFilled {
		// Fill transitions are recorded by settlement below.
		o.Status = StatusSubmitted
	}
	if o.Price == 0 {
		o.Price = ex.Price
	}
	if o.Status != StatusNew {
		history = append(history, Transition{Status: o.Status, At: time.Now().UTC()})
	}
	o.History = encodeJSON(history)

	if err := m.store.CreateOrder(ctx, o); err != nil {
		return Result{}, fmt.Errorf("persist order: %w", err)
	}

	if approval.Auto {
		if err := m.risk.CountAutoOrder(ctx); err != nil {
			log.Printf("order %s: count auto order: %v", o.OrderID, err)
		}
	}

	m.auditor.Record(ctx, "order.placed", o.Mode, o.OrderID, map[string]any{
		"symbol":   o.Symbol,
		"side":     o.Side,
		"type":     o.Type,
		"quantity": o.Qty,
		"price":    o.Price,
		"notional": notional,
		"source":   o.Source,
	}, req.Actor, "info")
	m.bus.Publish(events.Alert{
		Topic:    events.TopicOrderSubmitted,
		Severity: "info",
		Message:  fmt.Sprintf("%s %s %.8g %s", o.Mode, o.Side, o.Qty, o.Symbol),
		Mode:     o.Mode,
		OrderID:  o.OrderID,
		Fields:   map[string]any{"side": o.Side, "symbol": o.Symbol},
	})

	if ex.Filled > 0 {
		if err := m.processFill(ctx, &o, ex, req.Actor); err != nil {
			return Result{Order: o, Approval: approval}, fmt.Errorf("settle fill: %w", err)
		}
	}

	return Result{Order: o, Approval: approval}, nil
}

// processFill settles the newly filled quantity, updates the stored order,
// and emits audit/alert records. ex carries the venue's view of the order.
func (m *Manager) processFill(ctx context.Context, o *db.Order, ex connector.Order, actor string) error {
	newQty := ex.Filled - o.FilledQty
	if newQty <= settlement.Epsilon {
		return nil
	}

	fillPrice := ex.Average
	if fillPrice <= 0 {
		fillPrice = ex.Price
	}

	fill, snap, err := m.ledger.RecordFill(ctx, *o, db.Fill{
		OrderID: o.OrderID,
		Mode:    o.Mode,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Qty:     newQty,
		Price:   fillPrice,
		Fee:     newQty * fillPrice * m.feeRate,
	})
	if err != nil {
		return err
	}

	if err := m.risk.RecordFill(ctx, fill.PnL); err != nil {
		log.Printf("order %s: record daily pnl: %v", o.OrderID, err)
	}

	o.FilledQty = ex.Filled
	o.AvgFillPrice = fillPrice
	if ex.Average > 0 {
		o.AvgFillPrice = ex.Average
	}
	o.Cost = ex.Cost
	if o.Cost == 0 {
		o.Cost = o.FilledQty * o.AvgFillPrice
	}

	next := StatusPartiallyFilled
	if o.Qty-o.FilledQty <= settlement.Epsilon {
		next = StatusFilled
	}
	m.transition(o, next, "")
	if err := m.store.UpdateOrder(ctx, *o); err != nil {
		return fmt.Errorf("update order after fill: %w", err)
	}

	m.auditor.Record(ctx, "order.filled", o.Mode, o.OrderID, map[string]any{
		"symbol":      o.Symbol,
		"side":        o.Side,
		"fill_qty":    newQty,
		"fill_price":  fillPrice,
		"pnl":         fill.PnL,
		"ledger_hash": snap.Hash,
		"status":      o.Status,
	}, actor, "info")

	severity := "info"
	if fill.PnL < 0 {
		severity = "warning"
	}
	m.bus.Publish(events.Alert{
		Topic:    events.TopicOrderFilled,
		Severity: severity,
		Message:  fmt.Sprintf("%s %s %.8g %s @ %.8g pnl %.2f", o.Mode, o.Side, newQty, o.Symbol, fillPrice, fill.PnL),
		Mode:     o.Mode,
		OrderID:  o.OrderID,
		Fields:   map[string]any{"pnl": fill.PnL},
	})
	return nil
}

// CancelOrder cancels on the venue and marks the row canceled. Canceling an
// order already in a terminal state is a no-op.
func (m *Manager) CancelOrder(ctx context.Context, orderID, reason, actor string) (db.Order, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return db.Order{}, err
	}
	if IsTerminal(o.Status) {
		return o, nil
	}

	conn, err := m.connector(o.Mode)
	if err != nil {
		return o, err
	}
	if _, err := conn.CancelOrder(ctx, o.ExchangeOrderID); err != nil {
		return o, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	note := "canceled by " + actor
	if reason != "" {
		note += ": " + reason
	}
	m.transition(&o, StatusCanceled, note)
	if err := m.store.UpdateOrder(ctx, o); err != nil {
		return o, fmt.Errorf("persist cancel: %w", err)
	}

	m.auditor.Record(ctx, "order.canceled", o.Mode, o.OrderID, map[string]any{
		"symbol": o.Symbol,
		"reason": reason,
	}, actor, "info")
	m.bus.Publish(events.Alert{
		Topic:    events.TopicOrderCanceled,
		Severity: "info",
		Message:  fmt.Sprintf("canceled %s %s", o.Side, o.Symbol),
		Mode:     o.Mode,
		OrderID:  o.OrderID,
	})
	return o, nil
}

// AmendOrder applies updates to an order. A price change is executed as
// cancel-then-replace for the remaining quantity, reusing the client order id;
// the original row keeps a forward link to its replacement. Any other update
// is a metadata-only patch with no connector call.
func (m *Manager) AmendOrder(ctx context.Context, orderID string, req AmendRequest) (db.Order, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return db.Order{}, err
	}

	if req.Price == nil {
		if len(req.Metadata) > 0 {
			meta := map[string]any{}
			if o.Metadata != "" {
				_ = json.Unmarshal([]byte(o.Metadata), &meta)
			}
			for k, v := range req.Metadata {
				meta[k] = v
			}
			o.Metadata = encodeJSON(meta)
			if err := m.store.UpdateOrder(ctx, o); err != nil {
				return o, fmt.Errorf("patch metadata: %w", err)
			}
		}
		return o, nil
	}

	if IsTerminal(o.Status) {
		return o, fmt.Errorf("amend %s: %w", orderID, ErrOrderFinalized)
	}

	canceled, err := m.CancelOrder(ctx, orderID, "amend price", req.Actor)
	if err != nil {
		return o, err
	}

	remaining := canceled.Qty - canceled.FilledQty
	if remaining <= settlement.Epsilon {
		return canceled, nil
	}

	res, err := m.PlaceOrder(ctx, PlaceRequest{
		Mode:          canceled.Mode,
		Symbol:        canceled.Symbol,
		Side:          canceled.Side,
		Type:          canceled.Type,
		Quantity:      remaining,
		Price:         *req.Price,
		ClientOrderID: canceled.ClientOrderID,
		Source:        canceled.Source,
		Actor:         req.Actor,
		StrategyID:    canceled.StrategyID,
	})
	if err != nil {
		return canceled, fmt.Errorf("replace order: %w", err)
	}

	canceled.ReplacedBy = res.Order.OrderID
	if err := m.store.UpdateOrder(ctx, canceled); err != nil {
		return res.Order, fmt.Errorf("link replacement: %w", err)
	}
	return res.Order, nil
}

// SyncOrder re-reads venue state and reconciles the stored row, settling any
// fill quantity seen for the first time.
func (m *Manager) SyncOrder(ctx context.Context, orderID string) (db.Order, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return db.Order{}, err
	}
	if IsTerminal(o.Status) {
		return o, nil
	}

	conn, err := m.connector(o.Mode)
	if err != nil {
		return o, err
	}
	ex, err := conn.FetchOrder(ctx, o.ExchangeOrderID)
	if err != nil {
		return o, fmt.Errorf("sync order %s: %w", orderID, err)
	}

	if ex.Filled > o.FilledQty {
		if err := m.processFill(ctx, &o, ex, "sync"); err != nil {
			return o, err
		}
		return o, nil
	}

	mapped := mapStatus(ex.Status)
	if mapped != o.Status && mapped != StatusNew {
		m.transition(&o, mapped, "sync")
		if err := m.store.UpdateOrder(ctx, o); err != nil {
			return o, fmt.Errorf("persist sync: %w", err)
		}
	}
	return o, nil
}

// SyncByVenueID syncs the stored order matching a venue order id. Unknown ids
// are ignored so stream events for foreign orders are harmless.
func (m *Manager) SyncByVenueID(ctx context.Context, mode, venueOrderID string) {
	orders, err := m.store.ListOpenOrders(ctx, mode)
	if err != nil {
		log.Printf("sync by venue id: %v", err)
		return
	}
	for _, o := range orders {
		if o.ExchangeOrderID == venueOrderID {
			if _, err := m.SyncOrder(ctx, o.OrderID); err != nil {
				log.Printf("sync order %s: %v", o.OrderID, err)
			}
			return
		}
	}
}

// SyncOpenOrders sweeps every open order for the mode and returns how many
// remain open afterwards. Used by the periodic reconciliation loop.
func (m *Manager) SyncOpenOrders(ctx context.Context, mode string) int {
	orders, err := m.store.ListOpenOrders(ctx, mode)
	if err != nil {
		log.Printf("sync sweep %s: %v", mode, err)
		return 0
	}
	open := 0
	for _, o := range orders {
		synced, err := m.SyncOrder(ctx, o.OrderID)
		if err != nil {
			log.Printf("sync order %s: %v", o.OrderID, err)
			open++
			continue
		}
		if !IsTerminal(synced.Status) {
			open++
		}
	}
	return open
}

// CancelAllOrders cancels every open order for the mode, tolerating individual
// failures, and returns how many cancels succeeded.
func (m *Manager) CancelAllOrders(ctx context.Context, mode, actor string) (int, error) {
	orders, err := m.store.ListOpenOrders(ctx, mode)
	if err != nil {
		return 0, err
	}

	canceled := 0
	for _, o := range orders {
		if _, err := m.CancelOrder(ctx, o.OrderID, "cancel all", actor); err != nil {
			log.Printf("cancel all %s: order %s: %v", mode, o.OrderID, err)
			continue
		}
		canceled++
	}
	return canceled, nil
}

// EstimatePrice returns the best executable price for a side from the order
// book, falling back to the settlement reference price. 0 means unknown.
func (m *Manager) EstimatePrice(ctx context.Context, mode, symbol, side string) float64 {
	if conn, err := m.connector(mode); err == nil {
		if book, err := conn.GetOrderBook(ctx, symbol, 1); err == nil {
			if strings.EqualFold(side, "buy") && len(book.Asks) > 0 {
				return book.Asks[0].Price
			}
			if strings.EqualFold(side, "sell") && len(book.Bids) > 0 {
				return book.Bids[0].Price
			}
		}
	}
	return m.ledger.ReferencePrice(ctx, symbol, mode, 0)
}

// GetOrder returns one stored order.
func (m *Manager) GetOrder(ctx context.Context, orderID string) (db.Order, error) {
	return m.store.GetOrder(ctx, orderID)
}

// ListOrders returns stored orders filtered by mode and status.
func (m *Manager) ListOrders(ctx context.Context, mode, status string, limit int) ([]db.Order, error) {
	return m.store.ListOrders(ctx, mode, status, limit)
}

// ListPositions returns open positions, optionally scoped to a mode.
func (m *Manager) ListPositions(ctx context.Context, mode string) ([]db.Position, error) {
	return m.ledger.Positions(ctx, mode)
}

// ListFills returns recorded fills, newest first.
func (m *Manager) ListFills(ctx context.Context, mode string, limit int) ([]db.Fill, error) {
	return m.store.ListFills(ctx, mode, limit)
}

// LedgerSnapshots returns the snapshot chain for a mode, newest first.
func (m *Manager) LedgerSnapshots(ctx context.Context, mode string, limit int) ([]db.LedgerSnapshot, error) {
	return m.store.ListSnapshots(ctx, mode, limit)
}

// transition appends to the order's status history and stamps updated_at.
func (m *Manager) transition(o *db.Order, status, note string) {
	var history []Transition
	if o.History != "" {
		_ = json.Unmarshal([]byte(o.History), &history)
	}
	now := time.Now().UTC()
	history = append(history, Transition{Status: status, At: now, Note: note})
	o.History = encodeJSON(history)
	o.Status = status
	o.UpdatedAt = now
}

// mapStatus normalizes connector statuses onto the lifecycle state machine.
func mapStatus(s string) string {
	switch strings.ToLower(s) {
	case "open", "pending", "new", "accepted":
		return StatusSubmitted
	case "closed", "filled", "done":
		return StatusFilled
	case "partial", "partially_filled":
		return StatusPartiallyFilled
	case "canceled", "cancelled", "expired":
		return StatusCanceled
	case "rejected":
		return StatusRejected
	default:
		return StatusSubmitted
	}
}

func encodeJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

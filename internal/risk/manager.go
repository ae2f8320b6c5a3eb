// Package risk gates every order through the trading policy before it reaches
// a connector, maintains the kill switch, and keeps the breach log.
package risk

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"exec-core/internal/events"
	"exec-core/pkg/config"
	"exec-core/pkg/db"
)

// Manager evaluates pre-trade checks against the current policy snapshot.
// Policy is read once per check; the kill switch is read fresh from storage
// every time so a trigger takes effect immediately.
type Manager struct {
	store  *db.Database
	policy *config.Provider
	bus    *events.Bus
	regime RegimeSource

	cache regimeCache

	now func() time.Time
}

func NewManager(store *db.Database, policy *config.Provider, bus *events.Bus, regime RegimeSource) *Manager {
	return &Manager{
		store:  store,
		policy: policy,
		bus:    bus,
		regime: regime,
		now:    time.Now,
	}
}

// PreTradeCheck runs the fixed sequence of policy checks. The first failure
// aborts with a *Violation; a passing request returns the approval snapshot
// that gets stored on the order. Exposure checks are read-then-act: two
// concurrent calls can both pass before either order lands.
func (m *Manager) PreTradeCheck(ctx context.Context, req CheckRequest, notionalUSD float64) (Approval, error) {
	pol := m.policy.Policy()

	if req.Quantity <= 0 {
		return Approval{}, violation(CodeInvalidQuantity,
			fmt.Sprintf("quantity must be positive, got %v", req.Quantity),
			map[string]any{"quantity": req.Quantity})
	}

	ks, err := m.store.KillSwitch(ctx)
	if err != nil {
		return Approval{}, fmt.Errorf("read kill switch: %w", err)
	}
	if ks.Armed {
		return Approval{}, violation(CodeKillSwitchArmed,
			fmt.Sprintf("kill switch armed: %s", ks.Reason),
			map[string]any{"reason": ks.Reason, "actor": ks.Actor})
	}

	mode, ok := pol.Modes[req.Mode]
	if !ok || !mode.Enabled {
		return Approval{}, violation(CodeModeDisabled,
			fmt.Sprintf("trading mode %q is not enabled", req.Mode),
			map[string]any{"mode": req.Mode})
	}

	if len(pol.AllowedSymbols) > 0 && !containsFold(pol.AllowedSymbols, req.Symbol) {
		return Approval{}, violation(CodeSymbolNotAllowed,
			fmt.Sprintf("symbol %s is not on the allow-list", req.Symbol),
			map[string]any{"symbol": req.Symbol})
	}

	if notionalUSD > pol.MaxTradeUSD {
		return Approval{}, violation(CodeMaxTradeExceeded,
			fmt.Sprintf("notional %.2f exceeds max trade %.2f", notionalUSD, pol.MaxTradeUSD),
			map[string]any{"notional": notionalUSD, "limit": pol.MaxTradeUSD})
	}

	if mode.NotionalCapUSD > 0 && notionalUSD > mode.NotionalCapUSD {
		return Approval{}, violation(CodeModeTradeLimit,
			fmt.Sprintf("notional %.2f exceeds %s-mode cap %.2f", notionalUSD, req.Mode, mode.NotionalCapUSD),
			map[string]any{"notional": notionalUSD, "mode": req.Mode, "limit": mode.NotionalCapUSD})
	}

	if pol.SensitiveNotionalUSD > 0 && notionalUSD > pol.SensitiveNotionalUSD && req.Source != "manual" {
		return Approval{}, violation(CodeManualRequired,
			fmt.Sprintf("notional %.2f above %.2f requires a manual order", notionalUSD, pol.SensitiveNotionalUSD),
			map[string]any{"notional": notionalUSD, "threshold": pol.SensitiveNotionalUSD, "source": req.Source})
	}

	openExposure, symbolExposure, err := m.openExposure(ctx, req.Mode, req.Symbol)
	if err != nil {
		return Approval{}, fmt.Errorf("compute exposure: %w", err)
	}

	if pol.MaxOpenExposureUSD > 0 && openExposure+notionalUSD > pol.MaxOpenExposureUSD {
		return Approval{}, violation(CodeExposureLimit,
			fmt.Sprintf("open exposure %.2f + notional %.2f exceeds limit %.2f", openExposure, notionalUSD, pol.MaxOpenExposureUSD),
			map[string]any{"open_exposure": openExposure, "notional": notionalUSD, "limit": pol.MaxOpenExposureUSD})
	}

	if pol.SymbolExposureCapUSD > 0 && symbolExposure+notionalUSD > pol.SymbolExposureCapUSD {
		return Approval{}, violation(CodeSymbolExposure,
			fmt.Sprintf("%s exposure %.2f + notional %.2f exceeds cap %.2f", req.Symbol, symbolExposure, notionalUSD, pol.SymbolExposureCapUSD),
			map[string]any{"symbol": req.Symbol, "symbol_exposure": symbolExposure, "notional": notionalUSD, "limit": pol.SymbolExposureCapUSD})
	}

	if pol.MaxOpenOrdersSymbol > 0 {
		open, err := m.store.CountOpenOrdersBySymbol(ctx, req.Mode, req.Symbol)
		if err != nil {
			return Approval{}, fmt.Errorf("count open orders: %w", err)
		}
		if open >= pol.MaxOpenOrdersSymbol {
			return Approval{}, violation(CodeMaxOrdersSymbol,
				fmt.Sprintf("%d open orders on %s, limit %d", open, req.Symbol, pol.MaxOpenOrdersSymbol),
				map[string]any{"symbol": req.Symbol, "open_orders": open, "limit": pol.MaxOpenOrdersSymbol})
		}
	}

	day, err := m.store.GetDayMetrics(ctx, m.today())
	if err != nil {
		return Approval{}, fmt.Errorf("read day metrics: %w", err)
	}
	if pol.MaxDailyLossUSD > 0 && day.RealizedPnL < -pol.MaxDailyLossUSD {
		return Approval{}, violation(CodeDailyLossLimit,
			fmt.Sprintf("daily realized pnl %.2f below loss limit -%.2f", day.RealizedPnL, pol.MaxDailyLossUSD),
			map[string]any{"daily_pnl": day.RealizedPnL, "limit": pol.MaxDailyLossUSD})
	}

	auto := req.Source == "auto"
	if auto {
		if !pol.Auto.Enabled {
			return Approval{}, violation(CodeAutoDisabled,
				"automated trading is disabled", nil)
		}
		if req.Mode == "live" && !pol.Auto.AllowLive {
			return Approval{}, violation(CodeAutoLiveDisabled,
				"automated orders are not allowed in live mode", nil)
		}
		if pol.Auto.NotionalCapUSD > 0 && notionalUSD > pol.Auto.NotionalCapUSD {
			return Approval{}, violation(CodeAutoNotionalLimit,
				fmt.Sprintf("auto notional %.2f exceeds cap %.2f", notionalUSD, pol.Auto.NotionalCapUSD),
				map[string]any{"notional": notionalUSD, "limit": pol.Auto.NotionalCapUSD})
		}
		if pol.Auto.DailyOrderCap > 0 && day.AutoOrders >= pol.Auto.DailyOrderCap {
			return Approval{}, violation(CodeAutoDailyLimit,
				fmt.Sprintf("%d auto orders today, cap %d", day.AutoOrders, pol.Auto.DailyOrderCap),
				map[string]any{"auto_orders": day.AutoOrders, "limit": pol.Auto.DailyOrderCap})
		}
	}

	return Approval{
		Mode:           req.Mode,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		NotionalUSD:    notionalUSD,
		OpenExposure:   openExposure,
		SymbolExposure: symbolExposure,
		DailyPnL:       day.RealizedPnL,
		Auto:           auto,
		CheckedAt:      m.now().UTC().Format(time.RFC3339),
	}, nil
}

// openExposure sums |qty*price| over open positions and |remaining*price| over
// open orders for the mode, returning the total and the symbol-scoped slice.
func (m *Manager) openExposure(ctx context.Context, mode, symbol string) (total, perSymbol float64, err error) {
	positions, err := m.store.ListPositions(ctx, mode)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range positions {
		v := math.Abs(p.Qty * p.AvgEntryPrice)
		total += v
		if strings.EqualFold(p.Symbol, symbol) {
			perSymbol += v
		}
	}

	orders, err := m.store.ListOpenOrders(ctx, mode)
	if err != nil {
		return 0, 0, err
	}
	for _, o := range orders {
		price := o.Price
		if price == 0 {
			price = o.AvgFillPrice
		}
		v := math.Abs((o.Qty - o.FilledQty) * price)
		total += v
		if strings.EqualFold(o.Symbol, symbol) {
			perSymbol += v
		}
	}
	return total, perSymbol, nil
}

// RecordFill accumulates the fill's realized pnl into today's metrics. Auto
// order counts are bumped at placement time, not here.
func (m *Manager) RecordFill(ctx context.Context, pnl float64) error {
	return m.store.AddDayMetrics(ctx, m.today(), pnl, 1, 0)
}

// CountAutoOrder bumps today's auto-sourced order counter.
func (m *Manager) CountAutoOrder(ctx context.Context) error {
	return m.store.AddDayMetrics(ctx, m.today(), 0, 0, 1)
}

func (m *Manager) today() string {
	return m.now().UTC().Format("2006-01-02")
}

// TriggerKillSwitch arms the switch. Subsequent pre-trade checks fail until it
// is released; checks already past the read are not interrupted.
func (m *Manager) TriggerKillSwitch(ctx context.Context, reason, actor string) error {
	if err := m.store.SetKillSwitch(ctx, db.KillSwitchState{
		Armed:   true,
		Reason:  reason,
		Actor:   actor,
		ArmedAt: sql.NullTime{Time: m.now().UTC(), Valid: true},
	}); err != nil {
		return fmt.Errorf("arm kill switch: %w", err)
	}
	log.Printf("kill switch ARMED by %s: %s", actor, reason)

	m.LogBreach(ctx, CodeKillSwitchArmed, fmt.Sprintf("kill switch armed by %s: %s", actor, reason), "critical",
		map[string]any{"actor": actor, "reason": reason})
	m.bus.Publish(events.Alert{
		Topic:    events.TopicKillSwitch,
		Severity: "critical",
		Message:  "kill switch armed: " + reason,
		Fields:   map[string]any{"actor": actor},
	})
	return nil
}

// ReleaseKillSwitch disarms the switch.
func (m *Manager) ReleaseKillSwitch(ctx context.Context, actor string) error {
	if err := m.store.SetKillSwitch(ctx, db.KillSwitchState{Armed: false, Actor: actor}); err != nil {
		return fmt.Errorf("release kill switch: %w", err)
	}
	log.Printf("kill switch released by %s", actor)

	m.bus.Publish(events.Alert{
		Topic:    events.TopicKillSwitch,
		Severity: "warning",
		Message:  "kill switch released",
		Fields:   map[string]any{"actor": actor},
	})
	return nil
}

// KillSwitchState reads the persisted switch state.
func (m *Manager) KillSwitchState(ctx context.Context) (db.KillSwitchState, error) {
	return m.store.KillSwitch(ctx)
}

// LogBreach appends to the breach log. Failures are logged, not propagated:
// losing a breach record must never abort the operation that detected it.
func (m *Manager) LogBreach(ctx context.Context, code, message, severity string, details map[string]any) {
	b := db.RiskBreach{
		ID:       uuid.NewString(),
		Code:     code,
		Message:  message,
		Context:  encodeDetails(details),
		Severity: severity,
	}
	if err := m.store.InsertBreach(ctx, b); err != nil {
		log.Printf("risk: insert breach %s: %v", code, err)
	}
}

// Breaches returns recent breaches, newest first.
func (m *Manager) Breaches(ctx context.Context, includeAcknowledged bool, limit int) ([]db.RiskBreach, error) {
	return m.store.ListBreaches(ctx, includeAcknowledged, limit)
}

// AcknowledgeBreach marks one breach as handled. Breaches are never deleted.
func (m *Manager) AcknowledgeBreach(ctx context.Context, id, actor string) error {
	return m.store.AcknowledgeBreach(ctx, id, actor)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes execution-core counters and gauges for scraping.
type Metrics struct {
	OrdersPlaced    *prometheus.CounterVec
	OrderRejections *prometheus.CounterVec
	Fills           *prometheus.CounterVec
	RealizedPnL     *prometheus.CounterVec
	KillSwitchArmed prometheus.Gauge
	OpenOrders      *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_orders_placed_total",
			Help: "Orders accepted by the venue, by mode and side.",
		}, []string{"mode", "side"}),
		OrderRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_order_rejections_total",
			Help: "Orders rejected before or at the venue, by rejection code.",
		}, []string{"code"}),
		Fills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_fills_total",
			Help: "Fills settled into the ledger, by mode.",
		}, []string{"mode"}),
		RealizedPnL: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exec_realized_pnl_usd_total",
			Help: "Absolute realized PnL settled, split by profit/loss direction.",
		}, []string{"mode", "direction"}),
		KillSwitchArmed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exec_kill_switch_armed",
			Help: "1 while the kill switch is armed.",
		}),
		OpenOrders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exec_open_orders",
			Help: "Open (non-terminal) orders by mode.",
		}, []string{"mode"}),
	}
}

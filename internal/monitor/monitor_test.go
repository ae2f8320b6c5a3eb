package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"exec-core/internal/events"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []events.Alert
}

func (c *captureSink) Deliver(_ context.Context, a events.Alert) error {
	c.mu.Lock()
	c.alerts = append(c.alerts, a)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) waitFor(t *testing.T, n int) []events.Alert {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.alerts)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.alerts) < n {
		t.Fatalf("expected %d alerts, got %d", n, len(c.alerts))
	}
	return append([]events.Alert(nil), c.alerts...)
}

func TestMonitorFansOutAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	bus := events.NewBus()
	sink := &captureSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := New(bus, metrics, sink)
	mon.Start(ctx)
	defer mon.Stop()

	bus.Publish(events.Alert{
		Topic: events.TopicOrderSubmitted, Severity: "info", Mode: "paper",
		Fields: map[string]any{"side": "buy"},
	})
	bus.Publish(events.Alert{
		Topic: events.TopicOrderFilled, Severity: "info", Mode: "paper",
		Fields: map[string]any{"pnl": -12.5},
	})
	bus.Publish(events.Alert{
		Topic: events.TopicOrderRejected, Severity: "warning", Mode: "paper",
		Fields: map[string]any{"code": "max_trade_exceeded"},
	})
	bus.Publish(events.Alert{Topic: events.TopicKillSwitch, Severity: "critical"})

	sink.waitFor(t, 4)

	if got := testutil.ToFloat64(metrics.OrdersPlaced.WithLabelValues("paper", "buy")); got != 1 {
		t.Fatalf("orders placed counter: %v", got)
	}
	if got := testutil.ToFloat64(metrics.Fills.WithLabelValues("paper")); got != 1 {
		t.Fatalf("fills counter: %v", got)
	}
	if got := testutil.ToFloat64(metrics.RealizedPnL.WithLabelValues("paper", "loss")); got != 12.5 {
		t.Fatalf("loss counter: %v", got)
	}
	if got := testutil.ToFloat64(metrics.OrderRejections.WithLabelValues("max_trade_exceeded")); got != 1 {
		t.Fatalf("rejections counter: %v", got)
	}
	if got := testutil.ToFloat64(metrics.KillSwitchArmed); got != 1 {
		t.Fatalf("kill switch gauge: %v", got)
	}
}

// Package monitor consumes the alert bus: it mirrors alerts into the process
// log, pushes them to optional external sinks, and keeps Prometheus counters.
package monitor

import (
	"context"
	"log"
	"math"
	"sync"

	"exec-core/internal/events"
)

// AlertSink receives alerts for delivery outside the process (chat webhook,
// pager, ...). Delivery failures are logged and dropped, never retried.
type AlertSink interface {
	Deliver(ctx context.Context, a events.Alert) error
}

// LogSink writes alerts to the standard logger.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, a events.Alert) error {
	log.Printf("[%s] %s: %s", a.Severity, a.Topic, a.Message)
	return nil
}

// Monitor subscribes to every topic and fans alerts out to sinks and metrics.
type Monitor struct {
	bus     *events.Bus
	metrics *Metrics
	sinks   []AlertSink

	wg     sync.WaitGroup
	unsubs []func()
}

func New(bus *events.Bus, metrics *Metrics, sinks ...AlertSink) *Monitor {
	return &Monitor{bus: bus, metrics: metrics, sinks: sinks}
}

// Start begins consuming alerts until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	topics := []events.Topic{
		events.TopicOrderSubmitted,
		events.TopicOrderFilled,
		events.TopicOrderCanceled,
		events.TopicOrderRejected,
		events.TopicRiskAlert,
		events.TopicKillSwitch,
	}
	for _, t := range topics {
		ch, unsub := m.bus.Subscribe(t, 64)
		m.unsubs = append(m.unsubs, unsub)
		m.wg.Add(1)
		go m.consume(ctx, ch)
	}
}

// Stop unsubscribes and waits for in-flight alerts to drain.
func (m *Monitor) Stop() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.wg.Wait()
}

func (m *Monitor) consume(ctx context.Context, ch <-chan events.Alert) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			m.handle(ctx, a)
		}
	}
}

func (m *Monitor) handle(ctx context.Context, a events.Alert) {
	if m.metrics != nil {
		m.count(a)
	}
	for _, sink := range m.sinks {
		if err := sink.Deliver(ctx, a); err != nil {
			log.Printf("monitor: deliver alert %s: %v", a.Topic, err)
		}
	}
}

func (m *Monitor) count(a events.Alert) {
	switch a.Topic {
	case events.TopicOrderSubmitted:
		side, _ := a.Fields["side"].(string)
		if side == "" {
			side = "unknown"
		}
		m.metrics.OrdersPlaced.WithLabelValues(a.Mode, side).Inc()
	case events.TopicOrderRejected:
		code, _ := a.Fields["code"].(string)
		if code == "" {
			code = "connector_error"
		}
		m.metrics.OrderRejections.WithLabelValues(code).Inc()
	case events.TopicOrderFilled:
		m.metrics.Fills.WithLabelValues(a.Mode).Inc()
		if pnl, ok := a.Fields["pnl"].(float64); ok && pnl != 0 {
			direction := "profit"
			if pnl < 0 {
				direction = "loss"
			}
			m.metrics.RealizedPnL.WithLabelValues(a.Mode, direction).Add(math.Abs(pnl))
		}
	case events.TopicKillSwitch:
		if a.Severity == "critical" {
			m.metrics.KillSwitchArmed.Set(1)
		} else {
			m.metrics.KillSwitchArmed.Set(0)
		}
	}
}

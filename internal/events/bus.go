// Package events provides the in-process alerting channel: components publish
// order lifecycle and risk topics, subscribers (the monitor) fan them out.
package events

import "sync"

// Topic enumerates alerting topics inside the execution core.
type Topic string

const (
	TopicOrderSubmitted Topic = "order.submitted"
	TopicOrderFilled    Topic = "order.filled"
	TopicOrderCanceled  Topic = "order.canceled"
	TopicOrderRejected  Topic = "order.rejected"
	TopicRiskAlert      Topic = "risk.alert"
	TopicKillSwitch     Topic = "risk.kill_switch"
)

// Alert is the payload carried on every topic.
type Alert struct {
	Topic    Topic
	Severity string // info|warning|error|critical
	Message  string
	Mode     string
	OrderID  string
	Fields   map[string]any
}

// Bus is a lightweight non-blocking pub/sub broker.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Alert
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Alert)}
}

// Subscribe registers a listener and returns the channel plus an unsubscribe
// function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(t Topic, buffer int) (<-chan Alert, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Alert, buffer)
	b.subs[t] = append(b.subs[t], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[t]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the alert out to subscribers without blocking; slow subscribers
// drop alerts rather than stall order flow.
func (b *Bus) Publish(a Alert) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[a.Topic] {
		select {
		case ch <- a:
		default:
		}
	}
}

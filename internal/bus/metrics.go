package bus

import "sync"

// Snapshot is a point-in-time copy of the bus's observability counters:
// published counts per topic, delivered and dropped counts per
// subscription. It holds no per-topic delivered, dropped or backlog
// counts and no publish latency; the per-subscription backlog gauge is
// Subscription.Backlog.
type Snapshot struct {
	Published map[string]int64 // by topic
	Delivered map[string]int64 // by subscription id
	Dropped   map[string]int64 // by subscription id
}

// Metrics holds the bus's counters. A real deployment would export
// these to a telemetry backend (spec §1: out of scope for the core);
// Metrics only accumulates them in memory; Bus.Metrics returns a
// Snapshot of them.
type Metrics struct {
	mu        sync.Mutex
	published map[string]int64
	delivered map[string]int64
	dropped   map[string]int64
}

func newMetrics() *Metrics {
	return &Metrics{
		published: make(map[string]int64),
		delivered: make(map[string]int64),
		dropped:   make(map[string]int64),
	}
}

func (m *Metrics) recordPublished(topic string) {
	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()
}

func (m *Metrics) recordDelivered(topic, subID string) {
	m.mu.Lock()
	m.delivered[subID]++
	m.mu.Unlock()
}

func (m *Metrics) recordDropped(topic, subID string) {
	m.mu.Lock()
	m.dropped[subID]++
	m.mu.Unlock()
}

func (m *Metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Published: make(map[string]int64, len(m.published)),
		Delivered: make(map[string]int64, len(m.delivered)),
		Dropped:   make(map[string]int64, len(m.dropped)),
	}
	for k, v := range m.published {
		s.Published[k] = v
	}
	for k, v := range m.delivered {
		s.Delivered[k] = v
	}
	for k, v := range m.dropped {
		s.Dropped[k] = v
	}
	return s
}

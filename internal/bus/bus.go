// Package bus implements the topic-keyed event bus described in
// spec §4.1: per-subscriber bounded queues, three QoS classes with
// distinct overflow policies, and per-publisher-per-topic FIFO
// ordering to every subscriber that doesn't drop.
//
// The bus is nil-safe for Publish, following the teacher's events.Bus
// convention: components that hold an optional *Bus never need a guard
// check before publishing.
package bus

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/loom/internal/loomevent"
)

// Policy configures queue capacities and backpressure behavior. Zero
// values are replaced with the spec §4.1 defaults by New.
type Policy struct {
	RealtimeCapacity   int
	BatchedCapacity    int
	BackgroundCapacity int
	// BatchedBlock is how long Publish waits against a full Batched
	// queue before dropping (spec §4.1 "block... up to a bounded time").
	BatchedBlock time.Duration
	// RealtimeDropOldest selects drop-oldest instead of the default
	// drop-newest policy for full Realtime queues.
	RealtimeDropOldest bool
}

func (p Policy) withDefaults() Policy {
	if p.RealtimeCapacity == 0 {
		p.RealtimeCapacity = 64
	}
	if p.BatchedCapacity == 0 {
		p.BatchedCapacity = 1024
	}
	if p.BackgroundCapacity == 0 {
		p.BackgroundCapacity = 4096
	}
	if p.BatchedBlock == 0 {
		p.BatchedBlock = 500 * time.Millisecond
	}
	return p
}

func (p Policy) capacityFor(qos loomevent.QoS) int {
	switch qos {
	case loomevent.Realtime:
		return p.RealtimeCapacity
	case loomevent.Batched:
		return p.BatchedCapacity
	default:
		return p.BackgroundCapacity
	}
}

// PublishError is returned by Publish for malformed input (spec §7:
// Event Bus / InvalidTopic). Queue overflow is never returned as a
// PublishError — it is recorded as a drop instead.
type PublishError struct {
	Reason string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish rejected: %s", e.Reason)
}

// ErrInvalidTopic is returned when Event.Topic is empty.
var ErrInvalidTopic = &PublishError{Reason: "topic must not be empty"}

// Bus is a topic-keyed publish/subscribe event bus. The zero value is
// not ready for use; construct with New.
type Bus struct {
	logger *slog.Logger
	policy Policy

	mu       sync.RWMutex
	exact    map[string][]*subscription
	wildcard map[string][]*subscription
	byID     map[string]*subscription

	metrics *Metrics
}

// New creates a Bus ready for use. A nil logger is replaced with
// slog.Default().
func New(policy Policy, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger,
		policy:   policy.withDefaults(),
		exact:    make(map[string][]*subscription),
		wildcard: make(map[string][]*subscription),
		byID:     make(map[string]*subscription),
		metrics:  newMetrics(),
	}
}

// Metrics returns a snapshot of the bus's observability counters
// (spec §4.1 Observability).
func (b *Bus) Metrics() Snapshot {
	if b == nil {
		return Snapshot{}
	}
	return b.metrics.snapshot()
}

// Subscribe registers interest in topicFilter (an exact topic, or a
// "prefix.*" single-level-prefix wildcard — see SPEC_FULL.md's
// resolution of the topic-wildcard open question) with an optional set
// of type filters. The returned Subscription owns a bounded queue sized
// per qos and must eventually be closed with Unsubscribe.
func (b *Bus) Subscribe(subscriberID, topicFilter string, typeFilter []string, qos loomevent.QoS) (*Subscription, error) {
	if topicFilter == "" {
		return nil, ErrInvalidTopic
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate subscription id: %w", err)
	}

	var types map[string]struct{}
	if len(typeFilter) > 0 {
		types = make(map[string]struct{}, len(typeFilter))
		for _, t := range typeFilter {
			types[t] = struct{}{}
		}
	}

	sub := &subscription{
		id:           id.String(),
		subscriberID: subscriberID,
		topicFilter:  topicFilter,
		typeFilter:   types,
		qos:          qos,
		queue:        make(chan loomevent.Event, b.policy.capacityFor(qos)),
		done:         make(chan struct{}),
		dropOldest:   b.policy.RealtimeDropOldest,
		bus:          b,
	}

	b.mu.Lock()
	b.byID[sub.id] = sub
	if prefix, ok := loomevent.WildcardPrefix(topicFilter); ok {
		b.wildcard[prefix] = append(b.wildcard[prefix], sub)
	} else {
		b.exact[topicFilter] = append(b.exact[topicFilter], sub)
	}
	b.mu.Unlock()

	b.logger.Debug("bus subscribe", "subscription_id", sub.id, "subscriber_id", subscriberID, "topic_filter", topicFilter, "qos", qos.String())
	return &Subscription{sub: sub}, nil
}

// Unsubscribe removes a subscription and releases its queue. Idempotent
// and safe during in-flight delivery (spec §4.1).
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.byID, id)
	if prefix, ok := loomevent.WildcardPrefix(sub.topicFilter); ok {
		b.wildcard[prefix] = removeSub(b.wildcard[prefix], sub)
	} else {
		b.exact[sub.topicFilter] = removeSub(b.exact[sub.topicFilter], sub)
	}
	b.mu.Unlock()

	sub.closeOnce.Do(func() { close(sub.done) })
	b.logger.Debug("bus unsubscribe", "subscription_id", id)
}

func removeSub(subs []*subscription, target *subscription) []*subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// matched walks the exact and wildcard indexes for topic in
// O(depth + matched-subscriptions) time, per spec §4.1's trie-or-
// equivalent requirement.
func (b *Bus) matched(topic string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*subscription
	out = append(out, b.exact[topic]...)

	segments := strings.Split(topic, ".")
	prefix := ""
	for i := 0; i < len(segments)-1; i++ {
		if i == 0 {
			prefix = segments[0] + "."
		} else {
			prefix += segments[i] + "."
		}
		out = append(out, b.wildcard[prefix]...)
	}
	return out
}

// Publish delivers event to every subscription whose topic filter and
// type filter match. It returns after the event has been offered to
// every matching queue, not after it has been consumed (spec §4.1).
// "No subscribers" is not an error — it is a normal condition recorded
// implicitly by zero deliveries.
func (b *Bus) Publish(event loomevent.Event) error {
	if b == nil {
		return nil
	}
	if event.Topic == "" {
		return ErrInvalidTopic
	}

	event = seedTraceContext(event)
	if event.TimestampMs == 0 {
		event.TimestampMs = loomevent.Now()
	}

	subs := b.matched(event.Topic)
	b.metrics.recordPublished(event.Topic)

	var pendingObs []loomevent.Event
	for _, sub := range subs {
		if !sub.acceptsType(event.Type) {
			continue
		}
		obs := b.deliver(sub, event)
		if obs != nil {
			pendingObs = append(pendingObs, *obs)
		}
	}

	// Publish observability events outside the RLock window matched()
	// already released, so this never recurses under our own mutex.
	for _, obs := range pendingObs {
		b.Publish(obs)
	}

	return nil
}

// seedTraceContext injects a trace/span id pair into event.Metadata if
// one is not already present, per spec §4.1's "injects trace context
// into event.metadata" side effect.
func seedTraceContext(event loomevent.Event) loomevent.Event {
	env := loomevent.ExtractEnvelope(event)
	if env.TraceID != "" {
		return event
	}
	traceID, err1 := uuid.NewV7()
	spanID, err2 := uuid.NewV7()
	if err1 != nil || err2 != nil {
		return event
	}
	env.TraceID = traceID.String()
	env.SpanID = spanID.String()
	return env.Inject(event)
}

// deliver applies sub's QoS overflow policy. It returns a non-nil
// observability event when a backpressure state transition (entering
// overflow) should be published.
func (b *Bus) deliver(sub *subscription, event loomevent.Event) *loomevent.Event {
	e := event.Clone()

	switch sub.qos {
	case loomevent.Realtime:
		select {
		case sub.queue <- e:
			b.metrics.recordDelivered(event.Topic, sub.id)
			return b.backpressureEvent(sub, false)
		default:
			if sub.dropOldest {
				select {
				case <-sub.queue:
				default:
				}
				select {
				case sub.queue <- e:
					b.metrics.recordDelivered(event.Topic, sub.id)
					return nil
				default:
				}
			}
			b.metrics.recordDropped(event.Topic, sub.id)
			return b.backpressureEvent(sub, true)
		}

	case loomevent.Batched:
		select {
		case sub.queue <- e:
			b.metrics.recordDelivered(event.Topic, sub.id)
			obs := b.backpressureEvent(sub, false)
			return obs
		case <-sub.done:
			return nil
		case <-time.After(b.policy.BatchedBlock):
			b.metrics.recordDropped(event.Topic, sub.id)
			return b.backpressureEvent(sub, true)
		}

	default: // Background
		select {
		case sub.queue <- e:
			b.metrics.recordDelivered(event.Topic, sub.id)
			obs := b.backpressureEvent(sub, false)
			return obs
		case <-sub.done:
			return nil
		}
	}
}

// backpressureEvent implements the edge-triggered, rate-limited
// events_backpressure emission of spec §4.1: it fires only on the
// transition into overflow, not on every subsequent drop/block.
func (b *Bus) backpressureEvent(sub *subscription, overflowing bool) *loomevent.Event {
	wasOverflowing := sub.overflowing.Swap(overflowing)
	if overflowing == wasOverflowing {
		return nil // no transition
	}
	if !overflowing {
		return nil // transition OUT of overflow is not published
	}
	return &loomevent.Event{
		ID:          mustUUID(),
		Type:        "events_backpressure",
		Topic:       "bus.metrics",
		Source:      "bus",
		TimestampMs: loomevent.Now(),
		Metadata: map[string]string{
			"topic":           sub.topicFilter,
			"subscription_id": sub.id,
			"qos":             sub.qos.String(),
		},
	}
}

func mustUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return ""
	}
	return id.String()
}

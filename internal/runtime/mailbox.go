package runtime

import (
	"context"
	"sync/atomic"

	"github.com/nugget/loom/internal/loomevent"
)

// mailbox fans events from an agent's bus subscriptions into a single
// receive point, preserving QoS priority: a Realtime arrival preempts
// a Batched or Background one that is already waiting, since mailbox
// arrival order alone would otherwise treat every tier the same (spec
// §5 "priority preempting FIFO only when mailbox is fed from multiple
// QoS classes").
type mailbox struct {
	realtime   chan loomevent.Event
	batched    chan loomevent.Event
	background chan loomevent.Event

	backlog atomic.Int64
}

func newMailbox(capacity int) *mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &mailbox{
		realtime:   make(chan loomevent.Event, capacity),
		batched:    make(chan loomevent.Event, capacity),
		background: make(chan loomevent.Event, capacity),
	}
}

// push enqueues an event on the tier matching qos. It blocks if that
// tier's internal buffer is full; callers that feed push from a bus
// subscription's own drain goroutine propagate backpressure upstream
// this way, which is intended — the bus subscription queue already
// decided whether to drop before reaching here.
func (m *mailbox) push(ctx context.Context, event loomevent.Event, qos loomevent.QoS) {
	var ch chan loomevent.Event
	switch qos {
	case loomevent.Realtime:
		ch = m.realtime
	case loomevent.Batched:
		ch = m.batched
	default:
		ch = m.background
	}
	select {
	case ch <- event:
		m.backlog.Add(1)
	case <-ctx.Done():
	}
}

// receive returns the next event, preferring Realtime over Batched
// over Background. It blocks until an event is available or ctx is
// cancelled.
func (m *mailbox) receive(ctx context.Context) (loomevent.Event, error) {
	// Fast path: drain whatever highest-priority tier already has
	// something waiting, without blocking on the lower tiers.
	select {
	case e := <-m.realtime:
		m.backlog.Add(-1)
		return e, nil
	default:
	}
	select {
	case e := <-m.batched:
		m.backlog.Add(-1)
		return e, nil
	default:
	}

	select {
	case e := <-m.realtime:
		m.backlog.Add(-1)
		return e, nil
	case e := <-m.batched:
		m.backlog.Add(-1)
		return e, nil
	case e := <-m.background:
		m.backlog.Add(-1)
		return e, nil
	case <-ctx.Done():
		return loomevent.Event{}, ctx.Err()
	}
}

// Backlog returns the current total queued event count across all
// tiers, used for the mailbox_backlog gauge (spec §4.4).
func (m *mailbox) Backlog() int64 {
	return m.backlog.Load()
}

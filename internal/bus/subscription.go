package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nugget/loom/internal/loomevent"
)

// ErrUnsubscribed is returned by Receive once a subscription has been
// torn down by Unsubscribe. A subscription whose receiver is abandoned
// without Unsubscribe is not detected and stays registered.
var ErrUnsubscribed = errors.New("bus: subscription closed")

// subscription is the bus's internal bookkeeping for one registered
// interest. Subscription (below) is the caller-facing handle.
type subscription struct {
	id           string
	subscriberID string
	topicFilter  string
	typeFilter   map[string]struct{} // nil/empty means all types match
	qos          loomevent.QoS
	queue        chan loomevent.Event
	done         chan struct{}
	closeOnce    sync.Once
	dropOldest   bool
	overflowing  atomic.Bool
	bus          *Bus
}

func (s *subscription) acceptsType(t string) bool {
	if len(s.typeFilter) == 0 {
		return true
	}
	_, ok := s.typeFilter[t]
	return ok
}

// Backlog returns the number of events currently queued for this
// subscription, used for the per-subscription backlog gauge (spec
// §4.1 Observability).
func (s *subscription) backlog() int {
	return len(s.queue)
}

// Subscription is the caller-facing receiver handle returned by
// Bus.Subscribe. It is safe for a single goroutine to call Receive
// repeatedly; Unsubscribe may be called from any goroutine.
type Subscription struct {
	sub *subscription
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.sub.id }

// Backlog returns the number of queued-but-undelivered events.
func (s *Subscription) Backlog() int { return s.sub.backlog() }

// Receive blocks until an event arrives, ctx is cancelled, or the
// subscription is unsubscribed. Events are delivered in publish order
// for any chosen topic (spec §3 Subscription invariant).
func (s *Subscription) Receive(ctx context.Context) (loomevent.Event, error) {
	select {
	case e, ok := <-s.sub.queue:
		if !ok {
			return loomevent.Event{}, ErrUnsubscribed
		}
		return e, nil
	case <-s.sub.done:
		// Drain any events already queued before reporting closure, so
		// a receiver that was behind doesn't lose events racing with
		// Unsubscribe.
		select {
		case e, ok := <-s.sub.queue:
			if ok {
				return e, nil
			}
		default:
		}
		return loomevent.Event{}, ErrUnsubscribed
	case <-ctx.Done():
		return loomevent.Event{}, ctx.Err()
	}
}

// Unsubscribe tears down the subscription. Idempotent.
func (s *Subscription) Unsubscribe() {
	s.sub.bus.Unsubscribe(s.sub.id)
}

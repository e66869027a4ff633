package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/loom/internal/bus"
	"github.com/nugget/loom/internal/loomevent"
	"github.com/nugget/loom/internal/router"
)

// metaDeferAttempts counts enqueue_with_backoff retries for one event,
// private bookkeeping the mailbox uses to bound Defer retries — not a
// spec-defined envelope key, so it lives outside loomevent.
const metaDeferAttempts = "loom.runtime.defer_attempts"

const (
	metaRoutingVerdict = "loom.runtime.route"
	metaRoutingReason  = "loom.runtime.route_reason"
	metaConfidence     = "loom.runtime.confidence"
	metaPhase          = "loom.runtime.phase"
	metaRoutingTarget  = "loom.runtime.routing_target"
	metaDegraded       = "routing.degraded"
)

type agentHandle struct {
	id       string
	runtime  *Runtime
	behavior Behavior

	parameters map[string]string
	topics     []string
	policy     router.Policy

	subscriptions []*bus.Subscription
	mailbox       *mailbox

	ctx    context.Context
	cancel context.CancelFunc

	warned atomic.Bool

	logger *slog.Logger
}

// drain pulls events off one bus subscription and pushes them into the
// agent's mailbox, tagged with that subscription's QoS.
func (a *agentHandle) drain(sub *bus.Subscription, qos loomevent.QoS) {
	for {
		event, err := sub.Receive(a.ctx)
		if err != nil {
			return
		}
		a.mailbox.push(a.ctx, event, qos)
		a.checkSlowAgent()
	}
}

func (a *agentHandle) checkSlowAgent() {
	backlog := a.mailbox.Backlog()
	threshold := int64(a.runtime.cfg.SlowAgentBacklogThreshold)
	if backlog >= threshold {
		if a.warned.CompareAndSwap(false, true) {
			a.publish("slow_agent", map[string]string{"backlog": fmt.Sprintf("%d", backlog)}, nil)
		}
	} else if backlog == 0 {
		a.warned.Store(false)
	}
}

// loop is the agent's single-threaded event consumer (spec §4.4
// "Event loop (per agent)").
func (a *agentHandle) loop() {
	for {
		event, err := a.mailbox.receive(a.ctx)
		if err != nil {
			return
		}
		if a.processEvent(event) {
			return
		}
	}
}

// processEvent handles one event and reports whether the agent
// terminated as a result (a panic in behavior code).
func (a *agentHandle) processEvent(event loomevent.Event) (terminated bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("agent behavior panicked", "recover", r)
			a.publish("agent_terminated", map[string]string{"reason": fmt.Sprintf("panic: %v", r)}, nil)
			a.runtime.DeleteAgent(a.id)
			terminated = true
		}
	}()

	snapshot := router.AgentSnapshot{
		AgentID:          a.id,
		SubscribedTopics: a.topics,
		Parameters:       a.parameters,
	}
	verdict := router.Route(event, snapshot, a.policy)
	event = annotateVerdict(event, verdict)

	switch verdict.Kind {
	case loomevent.VerdictLocal, loomevent.VerdictCloud:
		a.dispatch(event)
	case loomevent.VerdictHybrid:
		local := withMeta(event, metaPhase, "local")
		a.dispatch(local)
		refine := withMeta(event, metaPhase, "refine")
		refine = withMeta(refine, metaRoutingTarget, "cloud")
		a.dispatch(refine)
	case loomevent.VerdictLocalFallback:
		degraded := withMeta(event, metaDegraded, "true")
		a.dispatch(degraded)
	case loomevent.VerdictDefer:
		a.deferEvent(event)
	case loomevent.VerdictDrop:
		a.publish("event_dropped", map[string]string{"event_id": event.ID, "reason": verdict.Reason}, nil)
	}
	return false
}

func annotateVerdict(event loomevent.Event, verdict loomevent.Verdict) loomevent.Event {
	event = event.WithMetadata(metaRoutingVerdict, verdict.Kind.String())
	event = event.WithMetadata(metaRoutingReason, verdict.Reason)
	event = event.WithMetadata(metaConfidence, fmt.Sprintf("%g", verdict.Confidence))
	return event
}

func withMeta(event loomevent.Event, key, value string) loomevent.Event {
	return event.WithMetadata(key, value)
}

// dispatch runs behavior.OnEvent and executes whatever actions it
// returns (spec §4.4 "actions := behavior.on_event(...)").
func (a *agentHandle) dispatch(event loomevent.Event) {
	actions, err := a.behavior.OnEvent(a.ctx, event)
	if err != nil {
		a.logger.Error("on_event failed", "event_id", event.ID, "error", err)
		return
	}

	a.publish("routing_decision", map[string]string{
		"event_id": event.ID,
		"route":    event.Metadata[metaRoutingVerdict],
		"reason":   event.Metadata[metaRoutingReason],
	}, nil)

	for _, action := range actions {
		a.execute(action)
	}
}

// execute converts an Action to an ActionCall, invokes it through the
// Broker, and publishes its outcome (spec §4.4 "Action execution").
func (a *agentHandle) execute(action Action) {
	timeout := action.Timeout
	if timeout == 0 {
		timeout = a.runtime.cfg.DefaultActionTimeout
	}

	callID := action.CorrelationID
	if callID == "" {
		if id, err := uuid.NewV7(); err == nil {
			callID = id.String()
		}
	}

	call := loomevent.Call{
		ID:        callID,
		Name:      action.Capability,
		Arguments: action.Arguments,
		Timeout:   timeout,
		QoS:       priorityToQoS(action.Priority),
	}

	ctx, cancel := context.WithTimeout(a.ctx, timeout)
	defer cancel()

	result := a.runtime.broker.Invoke(ctx, call)

	meta := map[string]string{
		"action":        action.Capability,
		"status":        result.Status.String(),
		"correlation_id": callID,
	}
	a.publish("action_result", meta, result.Output)
}

// deferEvent re-enqueues event at this agent's own mailbox after a
// backoff, bounded by DeferMaxAttempts (resolution of spec §4.4 Open
// Question 2: Defer re-enqueues at the agent mailbox, not the bus).
func (a *agentHandle) deferEvent(event loomevent.Event) {
	attempts := 0
	if raw, ok := event.Metadata[metaDeferAttempts]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			attempts = n
		}
	}
	attempts++

	if attempts > a.runtime.cfg.DeferMaxAttempts {
		a.publish("event_dropped", map[string]string{"event_id": event.ID, "reason": "defer_exhausted"}, nil)
		return
	}

	event = withMeta(event, metaDeferAttempts, strconv.Itoa(attempts))
	backoff := a.runtime.cfg.DeferBaseBackoff * time.Duration(1<<uint(attempts-1))

	go func() {
		select {
		case <-time.After(backoff):
		case <-a.ctx.Done():
			return
		}
		a.mailbox.push(a.ctx, event, loomevent.Batched)
	}()
}

func (a *agentHandle) publish(eventType string, metadata map[string]string, payload []byte) {
	if a.runtime.bus == nil {
		return
	}
	id, _ := uuid.NewV7()
	_ = a.runtime.bus.Publish(loomevent.Event{
		ID:       id.String(),
		Type:     eventType,
		Source:   a.id,
		Topic:    "agent." + a.id,
		Metadata: metadata,
		Payload:  payload,
	})
}

func (a *agentHandle) unsubscribeAll() {
	for _, sub := range a.subscriptions {
		sub.Unsubscribe()
	}
}

// shutdown cancels the agent's loop, unsubscribes from every topic,
// and calls OnShutdown best-effort under a bounded deadline. OnShutdown
// running after a panic in the same behavior is exactly the case this
// guards against: a second panic here must not take down the process.
func (a *agentHandle) shutdown() {
	a.cancel()
	a.unsubscribeAll()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("on_shutdown panicked", "recover", r)
		}
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.behavior.OnShutdown(shutdownCtx)
}

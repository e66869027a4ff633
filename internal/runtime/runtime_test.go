package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/loom/internal/broker"
	"github.com/nugget/loom/internal/bus"
	"github.com/nugget/loom/internal/loomevent"
	"github.com/nugget/loom/internal/router"
)

// countingBehavior increments a counter on every event it receives and
// signals a WaitGroup, used to assert delivery counts without races.
type countingBehavior struct {
	count atomic.Int64
	wg    *sync.WaitGroup
}

func (b *countingBehavior) OnInit(ctx context.Context, cfg AgentConfig) error { return nil }

func (b *countingBehavior) OnEvent(ctx context.Context, event loomevent.Event) ([]Action, error) {
	b.count.Add(1)
	if b.wg != nil {
		b.wg.Done()
	}
	return nil, nil
}

func (b *countingBehavior) OnShutdown(ctx context.Context) {}

// localPolicy routes every event to Local (a local capability with full
// confidence), so the behavior sees each event through OnEvent. A zero
// router.Policy has neither local support nor network and routes to Defer.
var localPolicy = router.Policy{LocalCapabilitySupports: true, LocalConfidence: 1}

func newTestRuntime(t *testing.T) (*Runtime, *bus.Bus, *broker.Broker) {
	t.Helper()
	b := bus.New(bus.Policy{}, nil)
	k := broker.New(broker.Config{}, nil)
	t.Cleanup(k.Close)
	rt := New(b, k, Config{}, nil)
	return rt, b, k
}

// TestBasicFanout is scenario S1: two agents subscribed to the same
// topic both observe the same published event exactly once.
func TestBasicFanout(t *testing.T) {
	rt, b, _ := newTestRuntime(t)

	var wg sync.WaitGroup
	wg.Add(2)
	behavior1 := &countingBehavior{wg: &wg}
	behavior2 := &countingBehavior{wg: &wg}

	if _, err := rt.CreateAgent(context.Background(), AgentConfig{SubscribedTopics: []string{"t"}, Policy: localPolicy}, behavior1); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.CreateAgent(context.Background(), AgentConfig{SubscribedTopics: []string{"t"}, Policy: localPolicy}, behavior2); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(loomevent.Event{ID: "e1", Type: "x", Topic: "t"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for both agents to observe the event")
	}

	if behavior1.count.Load() != 1 || behavior2.count.Load() != 1 {
		t.Errorf("counts = %d, %d, want 1, 1", behavior1.count.Load(), behavior2.count.Load())
	}
}

// TestAgentStateIsolation is testable property 10: two agents each
// incrementing a private counter on the same broadcast event end with
// a count equal to the events they received, with no race (run with
// -race to catch violations).
func TestAgentStateIsolation(t *testing.T) {
	rt, b, _ := newTestRuntime(t)

	const events = 50
	var wg sync.WaitGroup
	wg.Add(events * 2)
	behavior1 := &countingBehavior{wg: &wg}
	behavior2 := &countingBehavior{wg: &wg}

	_, _ = rt.CreateAgent(context.Background(), AgentConfig{SubscribedTopics: []string{"t"}, MailboxCapacity: 128, Policy: localPolicy}, behavior1)
	_, _ = rt.CreateAgent(context.Background(), AgentConfig{SubscribedTopics: []string{"t"}, MailboxCapacity: 128, Policy: localPolicy}, behavior2)

	for i := 0; i < events; i++ {
		_ = b.Publish(loomevent.Event{ID: "e", Type: "x", Topic: "t"})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	if behavior1.count.Load() != events || behavior2.count.Load() != events {
		t.Errorf("counts = %d, %d, want %d, %d", behavior1.count.Load(), behavior2.count.Load(), events, events)
	}
}

// panicBehavior panics on its first event.
type panicBehavior struct{}

func (panicBehavior) OnInit(ctx context.Context, cfg AgentConfig) error { return nil }
func (panicBehavior) OnEvent(ctx context.Context, event loomevent.Event) ([]Action, error) {
	panic("boom")
}
func (panicBehavior) OnShutdown(ctx context.Context) {}

// TestAgentCrashContainment is testable property 11: a behavior that
// panics on one event terminates only its own agent; a sibling agent
// continues operating normally.
func TestAgentCrashContainment(t *testing.T) {
	rt, b, _ := newTestRuntime(t)

	var wg sync.WaitGroup
	wg.Add(1)
	survivor := &countingBehavior{wg: &wg}

	if _, err := rt.CreateAgent(context.Background(), AgentConfig{SubscribedTopics: []string{"t"}, Policy: localPolicy}, panicBehavior{}); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.CreateAgent(context.Background(), AgentConfig{SubscribedTopics: []string{"t"}, Policy: localPolicy}, survivor); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(loomevent.Event{ID: "e1", Type: "x", Topic: "t"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("survivor agent did not process the event")
	}

	if err := b.Publish(loomevent.Event{ID: "e2", Type: "x", Topic: "t"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if survivor.count.Load() != 2 {
		t.Errorf("survivor count = %d, want 2 (panicking agent must not block it)", survivor.count.Load())
	}

	if len(rt.ListAgents()) != 1 {
		t.Errorf("len(ListAgents()) = %d, want 1 (panicking agent should be removed)", len(rt.ListAgents()))
	}
}

// hybridBehavior records the phase metadata of every call, for
// scenario S6's two-phase assertion.
type hybridBehavior struct {
	mu     sync.Mutex
	phases []string
	wg     *sync.WaitGroup
}

func (b *hybridBehavior) OnInit(ctx context.Context, cfg AgentConfig) error { return nil }
func (b *hybridBehavior) OnEvent(ctx context.Context, event loomevent.Event) ([]Action, error) {
	b.mu.Lock()
	b.phases = append(b.phases, event.Metadata[metaPhase])
	b.mu.Unlock()
	b.wg.Done()
	return nil, nil
}
func (b *hybridBehavior) OnShutdown(ctx context.Context) {}

// TestHybridTwoPhaseDispatch is scenario S6: an in-band local
// confidence routes to Hybrid, and behavior receives two calls for the
// same event, first phase=local then phase=refine with
// routing_target=cloud.
func TestHybridTwoPhaseDispatch(t *testing.T) {
	rt, b, _ := newTestRuntime(t)

	var wg sync.WaitGroup
	wg.Add(2)
	behavior := &hybridBehavior{wg: &wg}

	policy := router.Policy{
		LocalCapabilitySupports: true,
		LocalConfidence:         0.7,
		LocalConfidenceThreshold: 0.9,
		NetworkAvailable:        true,
	}
	if _, err := rt.CreateAgent(context.Background(), AgentConfig{SubscribedTopics: []string{"t"}, Policy: policy}, behavior); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(loomevent.Event{ID: "e1", Type: "speech", Topic: "t"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for two-phase dispatch")
	}

	behavior.mu.Lock()
	defer behavior.mu.Unlock()
	if len(behavior.phases) != 2 || behavior.phases[0] != "local" || behavior.phases[1] != "refine" {
		t.Errorf("phases = %v, want [local refine]", behavior.phases)
	}
}

func TestListAndDeleteAgent(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	behavior := &countingBehavior{}

	id, err := rt.CreateAgent(context.Background(), AgentConfig{}, behavior)
	if err != nil {
		t.Fatal(err)
	}
	if ids := rt.ListAgents(); len(ids) != 1 || ids[0] != id {
		t.Errorf("ListAgents() = %v, want [%s]", ids, id)
	}

	rt.DeleteAgent(id)
	if ids := rt.ListAgents(); len(ids) != 0 {
		t.Errorf("ListAgents() after delete = %v, want []", ids)
	}
}

type failingInitBehavior struct{}

func (failingInitBehavior) OnInit(ctx context.Context, cfg AgentConfig) error {
	return context.DeadlineExceeded
}
func (failingInitBehavior) OnEvent(ctx context.Context, event loomevent.Event) ([]Action, error) {
	return nil, nil
}
func (failingInitBehavior) OnShutdown(ctx context.Context) {}

func TestCreateAgentOnInitFailureDoesNotCreate(t *testing.T) {
	rt, _, _ := newTestRuntime(t)
	_, err := rt.CreateAgent(context.Background(), AgentConfig{}, failingInitBehavior{})
	if err == nil {
		t.Fatal("expected error from failing OnInit")
	}
	if len(rt.ListAgents()) != 0 {
		t.Errorf("agent should not have been created")
	}
}

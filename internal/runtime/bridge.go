package runtime

import (
	"context"
	"sync/atomic"

	"github.com/nugget/loom/internal/loomevent"
)

// Delivery is one event handed to a remote bridge connection (spec §6
// "EventStream(bidirectional stream of {Delivery, ClientEvent})").
type Delivery struct {
	AgentID string
	Event   loomevent.Event
}

// ClientEvent is one event a remote bridge connection hands back in
// to the runtime, to be treated as if it had been published locally.
type ClientEvent struct {
	AgentID string
	Event   loomevent.Event
}

// BridgeHandle is the narrow surface an out-of-process SDK bridge
// needs to host remote agents and register remote capabilities,
// without the runtime importing any transport package itself (spec
// §6 "To SDK/bridge processes"). A concrete transport (websocket,
// gRPC) implements this against a Runtime and Broker pair.
type BridgeHandle interface {
	// RegisterAgent creates one Agent per remote connection, proxying
	// its on_event calls across the stream, and returns the new
	// agent's id.
	RegisterAgent(ctx context.Context, subscribedTopics []string, capabilities []loomevent.Descriptor) (string, error)

	// EventStream returns a receive channel of Deliveries destined for
	// the remote side and a send channel of ClientEvents the remote
	// side hands back in. No teardown function is returned; for an
	// agent created with NewProxyAgent, the Delivery channel is closed
	// when the agent shuts down.
	EventStream(ctx context.Context, agentID string) (<-chan Delivery, chan<- ClientEvent, error)

	// ForwardToolCall proxies a capability invocation that a remote
	// capability handles, returning once the remote side replies.
	ForwardToolCall(ctx context.Context, call loomevent.Call) (loomevent.Result, error)

	// Heartbeat reports liveness for the remote connection backing
	// agentID. A bridge implementation that misses heartbeats beyond
	// its own policy should delete the agent itself.
	Heartbeat(ctx context.Context, agentID string) error
}

// proxyBehavior adapts a remote connection's outgoing channel into the
// Behavior interface, so a bridge implementation can host one Agent
// per remote connection with a behavior that proxies on_event to the
// stream (spec §6 "(a) create one Agent per remote connection with a
// behavior that proxies on_event to the stream").
type proxyBehavior struct {
	agentID  atomic.Value // string
	outgoing chan<- Delivery
}

// NewProxyAgent creates an agent whose behavior simply forwards every
// event it receives onto outgoing, the shape a BridgeHandle
// implementation needs to host one Agent per remote connection without
// writing its own Behavior.
func NewProxyAgent(ctx context.Context, rt *Runtime, cfg AgentConfig, outgoing chan<- Delivery) (string, error) {
	proxy := &proxyBehavior{outgoing: outgoing}
	proxy.agentID.Store("")
	id, err := rt.CreateAgent(ctx, cfg, proxy)
	if err != nil {
		return "", err
	}
	proxy.agentID.Store(id)
	return id, nil
}

func (p *proxyBehavior) OnInit(ctx context.Context, cfg AgentConfig) error {
	return nil
}

func (p *proxyBehavior) OnEvent(ctx context.Context, event loomevent.Event) ([]Action, error) {
	select {
	case p.outgoing <- Delivery{AgentID: p.agentID.Load().(string), Event: event}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

func (p *proxyBehavior) OnShutdown(ctx context.Context) {
	close(p.outgoing)
}

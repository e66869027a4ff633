// Package runtime implements the Agent Runtime described in spec
// §4.4: it hosts long-lived agents, fans Event Bus subscriptions into
// per-agent mailboxes, drives each agent's event loop through the
// Model Router, and executes the actions behavior returns through the
// Capability Broker.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/loom/internal/broker"
	"github.com/nugget/loom/internal/bus"
	"github.com/nugget/loom/internal/loomevent"
	"github.com/nugget/loom/internal/router"
)

// Config carries runtime-wide defaults not specified per agent (spec
// §6 "Policy values... supplied at runtime construction").
type Config struct {
	DefaultMailboxCapacity    int
	DeferMaxAttempts          int
	DeferBaseBackoff          time.Duration
	SlowAgentBacklogThreshold int
	DefaultActionTimeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultMailboxCapacity == 0 {
		c.DefaultMailboxCapacity = 256
	}
	if c.DeferMaxAttempts == 0 {
		c.DeferMaxAttempts = 5
	}
	if c.DeferBaseBackoff == 0 {
		c.DeferBaseBackoff = 100 * time.Millisecond
	}
	if c.SlowAgentBacklogThreshold == 0 {
		c.SlowAgentBacklogThreshold = 128
	}
	if c.DefaultActionTimeout == 0 {
		c.DefaultActionTimeout = 5 * time.Second
	}
	return c
}

// AgentConfig enumerates what create_agent needs to stand up one agent
// (spec §4.4 "config enumerates subscribed topics, parameters, and
// mailbox capacity").
type AgentConfig struct {
	SubscribedTopics []string
	Parameters       map[string]string
	MailboxCapacity  int
	Policy           router.Policy
}

// qosParamPrefix is the parameter key prefix mapping a subscribed
// topic to its QoS (spec §4.4 "QoS assignment for auto-subscriptions").
const qosParamPrefix = "qos."

func resolveQoS(topic string, parameters map[string]string) loomevent.QoS {
	switch strings.ToLower(parameters[qosParamPrefix+topic]) {
	case "realtime":
		return loomevent.Realtime
	case "background":
		return loomevent.Background
	default:
		return loomevent.Batched
	}
}

// Runtime hosts a set of agents wired to a shared Event Bus, Capability
// Broker, and Model Router. It owns no process-wide singletons itself;
// it is a normal object constructed at startup (spec §9 "Global
// state... Avoid").
type Runtime struct {
	bus    *bus.Bus
	broker *broker.Broker
	logger *slog.Logger
	cfg    Config

	mu     sync.RWMutex
	agents map[string]*agentHandle
}

// New constructs a Runtime over an already-constructed Bus and Broker.
func New(b *bus.Bus, k *broker.Broker, cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		bus:    b,
		broker: k,
		logger: logger,
		cfg:    cfg.withDefaults(),
		agents: make(map[string]*agentHandle),
	}
}

// CreateAgent reserves an agent id, runs behavior.OnInit, subscribes
// it to every topic in cfg.SubscribedTopics, and spawns its event
// loop. If OnInit returns an error, no agent is created and the
// runtime holds no trace of it (spec §4.4 create_agent step 1).
func (rt *Runtime) CreateAgent(ctx context.Context, cfg AgentConfig, behavior Behavior) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("runtime: generating agent id: %w", err)
	}
	agentID := id.String()

	if err := behavior.OnInit(ctx, cfg); err != nil {
		return "", fmt.Errorf("runtime: agent %s OnInit: %w", agentID, err)
	}

	capacity := cfg.MailboxCapacity
	if capacity == 0 {
		capacity = rt.cfg.DefaultMailboxCapacity
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	handle := &agentHandle{
		id:         agentID,
		runtime:    rt,
		behavior:   behavior,
		parameters: cfg.Parameters,
		topics:     cfg.SubscribedTopics,
		policy:     cfg.Policy,
		mailbox:    newMailbox(capacity),
		ctx:        loopCtx,
		cancel:     cancel,
		logger:     rt.logger.With("agent_id", agentID),
	}

	for _, topic := range cfg.SubscribedTopics {
		qos := resolveQoS(topic, cfg.Parameters)
		sub, err := rt.bus.Subscribe(agentID, topic, nil, qos)
		if err != nil {
			handle.unsubscribeAll()
			cancel()
			return "", fmt.Errorf("runtime: agent %s subscribing to %q: %w", agentID, topic, err)
		}
		handle.subscriptions = append(handle.subscriptions, sub)
		go handle.drain(sub, qos)
	}

	rt.mu.Lock()
	rt.agents[agentID] = handle
	rt.mu.Unlock()

	go handle.loop()

	return agentID, nil
}

// DeleteAgent cancels the agent's loop, unsubscribes it from every
// topic, calls behavior.OnShutdown best-effort, and drops its state
// (spec §4.4 delete_agent).
func (rt *Runtime) DeleteAgent(agentID string) {
	rt.mu.Lock()
	handle, ok := rt.agents[agentID]
	if ok {
		delete(rt.agents, agentID)
	}
	rt.mu.Unlock()
	if !ok {
		return
	}
	handle.shutdown()
}

// ListAgents returns the ids of every currently hosted agent.
func (rt *Runtime) ListAgents() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	ids := make([]string, 0, len(rt.agents))
	for id := range rt.agents {
		ids = append(ids, id)
	}
	return ids
}

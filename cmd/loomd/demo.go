package main

import (
	"context"
	"log/slog"

	"github.com/nugget/loom/internal/loomevent"
	"github.com/nugget/loom/internal/runtime"
)

// echoBehavior is a minimal demo Behavior: it logs every event it
// receives and takes no actions. Useful for confirming the wiring
// between bus, broker, router, and runtime at startup.
type echoBehavior struct {
	logger *slog.Logger
}

func (b *echoBehavior) OnInit(ctx context.Context, cfg runtime.AgentConfig) error {
	b.logger.Info("agent initialized", "topics", cfg.SubscribedTopics)
	return nil
}

func (b *echoBehavior) OnEvent(ctx context.Context, event loomevent.Event) ([]runtime.Action, error) {
	b.logger.Info("event received", "event_id", event.ID, "type", event.Type, "topic", event.Topic)
	return nil, nil
}

func (b *echoBehavior) OnShutdown(ctx context.Context) {
	b.logger.Info("agent shutting down")
}

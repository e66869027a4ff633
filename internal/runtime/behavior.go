package runtime

import (
	"context"

	"github.com/nugget/loom/internal/loomevent"
)

// Behavior is user-supplied agent logic (spec §4.4). The runtime calls
// its three methods from a single goroutine per agent, never
// concurrently with each other — implementations own their state and
// need no internal locking, matching spec §4.4's "State access
// discipline."
type Behavior interface {
	// OnInit prepares the behavior for the given config. A non-nil
	// error aborts agent creation: the agent is never spawned.
	OnInit(ctx context.Context, cfg AgentConfig) error

	// OnEvent handles one event and returns the actions to execute
	// against the Broker. A non-nil error is logged; no actions are
	// executed, and the agent continues running (spec §7).
	OnEvent(ctx context.Context, event loomevent.Event) ([]Action, error)

	// OnShutdown is called best-effort when the agent is deleted. Its
	// context carries a bounded deadline; OnShutdown should not assume
	// it can block indefinitely.
	OnShutdown(ctx context.Context)
}

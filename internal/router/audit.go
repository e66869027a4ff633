package router

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/loom/internal/loomevent"
)

// AuditEntry records one routing decision for observability, mirroring
// the teacher's Decision log pattern but kept entirely outside Route
// itself — Route stays a pure function with no logging side effects
// (spec §4.3 "Pure function... No side effects").
type AuditEntry struct {
	Timestamp time.Time
	EventID   string
	EventType string
	AgentID   string
	Verdict   loomevent.Verdict
}

// Auditor wraps Route with a bounded ring of recent decisions and
// structured logging, for callers that want visibility into routing
// behavior without the router itself carrying that responsibility.
type Auditor struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries []AuditEntry
	cap     int
	next    int
	full    bool
}

// NewAuditor creates an Auditor retaining up to capacity recent
// decisions. A capacity of 0 disables retention; only logging occurs.
func NewAuditor(capacity int, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		entries: make([]AuditEntry, capacity),
		cap:     capacity,
	}
}

// Route calls the pure Route function and records the outcome.
func (a *Auditor) Route(event loomevent.Event, snapshot AgentSnapshot, policy Policy) loomevent.Verdict {
	verdict := Route(event, snapshot, policy)

	a.logger.Debug("routing decision",
		"event_id", event.ID,
		"event_type", event.Type,
		"agent_id", snapshot.AgentID,
		"verdict", verdict.Kind.String(),
		"reason", verdict.Reason,
		"confidence", verdict.Confidence,
	)

	if a.cap > 0 {
		a.record(AuditEntry{
			Timestamp: time.UnixMilli(loomevent.Now()),
			EventID:   event.ID,
			EventType: event.Type,
			AgentID:   snapshot.AgentID,
			Verdict:   verdict,
		})
	}
	return verdict
}

func (a *Auditor) record(entry AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.next] = entry
	a.next = (a.next + 1) % a.cap
	if a.next == 0 {
		a.full = true
	}
}

// Recent returns the retained audit entries, oldest first.
func (a *Auditor) Recent() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.full {
		out := make([]AuditEntry, a.next)
		copy(out, a.entries[:a.next])
		return out
	}
	out := make([]AuditEntry, a.cap)
	copy(out, a.entries[a.next:])
	copy(out[a.cap-a.next:], a.entries[:a.next])
	return out
}

// Package loomevent defines the universal data model shared by the bus,
// broker, router, and runtime: Event, Envelope, QoS class, topic
// matching, capability descriptors, action calls/results, and routing
// verdicts (spec §3).
package loomevent

import (
	"strconv"
	"strings"
	"time"
)

// QoS is the delivery class governing a subscription's queue capacity
// and overflow policy (spec §4.1).
type QoS int

const (
	// Realtime subscriptions drop under backpressure rather than block
	// the publisher. Intended for low-latency streams.
	Realtime QoS = iota
	// Batched subscriptions block the publisher up to a bounded time,
	// then drop with a recorded dropped event.
	Batched
	// Background subscriptions have a very large buffer and are
	// best-effort reliable.
	Background
)

// String returns the lowercase name of the QoS class, used as a metric
// label and in log output.
func (q QoS) String() string {
	switch q {
	case Realtime:
		return "realtime"
	case Batched:
		return "batched"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Event is the universal carrier flowing through the bus. It is
// immutable after publish; the bus and runtime treat Metadata as the
// only mutable-at-the-edges field (envelope injection, routing
// annotation) and always do so on a copy, never the publisher's own
// map.
type Event struct {
	// ID is a process-unique identifier. Identity for delivery/drop
	// accounting is (ID, Topic).
	ID string `json:"id"`
	// Type is a short label such as "audio_chunk" or "transcript.final".
	Type string `json:"type"`
	// TimestampMs is when the event was published, in Unix milliseconds.
	TimestampMs int64 `json:"timestamp_ms"`
	// Source is a free-form origin tag.
	Source string `json:"source"`
	// Topic is the hierarchical, dot-separated routing key, set at
	// publish time.
	Topic string `json:"topic"`
	// Metadata carries routing hints, trace context, and semantic tags
	// as string key/value pairs. Envelope fields live here under the
	// EnvelopePrefix.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Payload is an opaque byte sequence; typing is carried by Type and
	// Metadata, not by a universal schema (spec §9, by design).
	Payload []byte `json:"payload,omitempty"`
	// Confidence is an optional value in [0,1]; HasConfidence reports
	// whether it was set.
	Confidence    float64 `json:"confidence,omitempty"`
	HasConfidence bool    `json:"-"`
	// Tags is a set of free-form labels.
	Tags []string `json:"tags,omitempty"`
}

// Clone returns a deep copy of the event's mutable fields (Metadata,
// Tags and Payload), so that bus delivery and runtime annotation never let two
// subscribers observe each other's mutations to the same Event value.
func (e Event) Clone() Event {
	c := e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return c
}

// WithMetadata returns a clone of e with key set to value in Metadata.
func (e Event) WithMetadata(key, value string) Event {
	c := e.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, 1)
	}
	c.Metadata[key] = value
	return c
}

// MetaOr returns Metadata[key], or def if absent or Metadata is nil.
func (e Event) MetaOr(key, def string) string {
	if e.Metadata == nil {
		return def
	}
	if v, ok := e.Metadata[key]; ok {
		return v
	}
	return def
}

// EnvelopePrefix is the reserved metadata key prefix for cross-process
// correlation fields (spec §3 Envelope).
const EnvelopePrefix = "loom."

// Envelope metadata keys, always found under EnvelopePrefix.
const (
	KeyThreadID      = EnvelopePrefix + "thread_id"
	KeyCorrelationID = EnvelopePrefix + "correlation_id"
	KeySender        = EnvelopePrefix + "sender"
	KeyReplyTo       = EnvelopePrefix + "reply_to"
	KeyTTLMs         = EnvelopePrefix + "ttl_ms"
	KeyTraceID       = EnvelopePrefix + "trace_id"
	KeySpanID        = EnvelopePrefix + "span_id"
	KeyTraceFlags    = EnvelopePrefix + "trace_flags"
)

// Envelope is the cross-process correlation metadata projected into
// Event.Metadata at publish time and extracted at receive time. It
// never appears as a separate wire object (spec §3).
type Envelope struct {
	ThreadID      string
	CorrelationID string
	Sender        string
	ReplyTo       string
	TTLMs         int64
	TraceID       string
	SpanID        string
	TraceFlags    string
}

// Inject writes the envelope's non-empty fields into e's metadata,
// returning the updated event. Called by the bus on publish.
func (env Envelope) Inject(e Event) Event {
	c := e.Clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, 8)
	}
	set := func(k, v string) {
		if v != "" {
			c.Metadata[k] = v
		}
	}
	set(KeyThreadID, env.ThreadID)
	set(KeyCorrelationID, env.CorrelationID)
	set(KeySender, env.Sender)
	set(KeyReplyTo, env.ReplyTo)
	if env.TTLMs != 0 {
		c.Metadata[KeyTTLMs] = strconv.FormatInt(env.TTLMs, 10)
	}
	set(KeyTraceID, env.TraceID)
	set(KeySpanID, env.SpanID)
	set(KeyTraceFlags, env.TraceFlags)
	return c
}

// ExtractEnvelope reads envelope fields back out of an event's metadata.
func ExtractEnvelope(e Event) Envelope {
	return Envelope{
		ThreadID:      e.MetaOr(KeyThreadID, ""),
		CorrelationID: e.MetaOr(KeyCorrelationID, ""),
		Sender:        e.MetaOr(KeySender, ""),
		ReplyTo:       e.MetaOr(KeyReplyTo, ""),
		TTLMs:         mustParseInt(e.MetaOr(KeyTTLMs, "0")),
		TraceID:       e.MetaOr(KeyTraceID, ""),
		SpanID:        e.MetaOr(KeySpanID, ""),
		TraceFlags:    e.MetaOr(KeyTraceFlags, ""),
	}
}

func mustParseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// Now returns the current time truncated to milliseconds, used to stamp
// TimestampMs at publish.
func Now() int64 {
	return time.Now().UnixMilli()
}

// WildcardPrefix reports whether filter is a "prefix.*" wildcard and,
// if so, returns the prefix including its trailing dot (e.g. "agent."
// for "agent.*"). The bus's subscription index parses the wildcard
// convention through this one function rather than its own copy (see
// SPEC_FULL.md's resolution of the topic-wildcard open question).
func WildcardPrefix(filter string) (string, bool) {
	if !strings.HasSuffix(filter, ".*") {
		return "", false
	}
	return filter[:len(filter)-1], true // keep the trailing dot, drop the "*"
}

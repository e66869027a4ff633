// Package router implements the Model Router described in spec §4.3: a
// pure decision function that, given an event and an agent snapshot,
// decides how an agent should handle it. The router carries no state
// of its own across calls — only the Policy it is given.
package router

import (
	"strconv"

	"github.com/nugget/loom/internal/loomevent"
)

// AgentSnapshot is the read-only view of agent state the router
// consults (spec §4.3 inputs).
type AgentSnapshot struct {
	AgentID                 string
	EphemeralContextSummary string
	SubscribedTopics        []string
	Parameters              map[string]string
}

// Policy carries the routing configuration for one decision. Defaults
// applied here match spec §4.3's stated defaults; callers populate
// QuotaExceeded, LocalCapabilitySupports, and LocalConfidence per
// invocation since those reflect caller-side state the router has no
// way to observe on its own.
type Policy struct {
	PrivacyLevel             string // "" or "local-only"
	LatencyBudgetMs          int64
	CostCap                  float64
	QualityThreshold         float64
	LocalConfidenceThreshold float64 // default 0.9, see withDefaults

	// QuotaExceeded is a caller-provided signal (spec §4.3 rule 2):
	// true when the agent/tenant has exhausted its cloud budget.
	QuotaExceeded bool

	// LocalCapabilitySupports reports whether a local capability
	// exists for event.Type (spec §4.3 rule 3 precondition).
	LocalCapabilitySupports bool

	// LocalConfidence is the caller-provided local confidence estimate
	// for this event, consulted only when LocalCapabilitySupports is
	// true (spec §4.3 rule 3 "local confidence estimate" hook).
	LocalConfidence float64

	// NetworkAvailable gates Cloud/Hybrid verdicts (spec §4.3 rules 3-4).
	NetworkAvailable bool

	// EstimatedLocalLatencyMs / EstimatedCloudLatencyMs and their cost
	// counterparts feed the observability fields every verdict carries
	// (spec §4.3 "estimated_latency_ms... estimated_cost").
	EstimatedLocalLatencyMs int64
	EstimatedCloudLatencyMs int64
	EstimatedLocalCost      float64
	EstimatedCloudCost      float64
}

const defaultLocalConfidenceThreshold = 0.9

// withDefaults returns a copy of p with spec-mandated defaults applied
// where the caller left a field at its zero value.
func (p Policy) withDefaults() Policy {
	if p.LocalConfidenceThreshold == 0 {
		p.LocalConfidenceThreshold = defaultLocalConfidenceThreshold
	}
	return p
}

// overrideKey names for agent.parameters overrides (spec §4.3
// "Policy overrides in agent.parameters take precedence over
// defaults").
const (
	paramPrivacy          = "routing.privacy"
	paramLatencyBudgetMs  = "routing.latency_budget_ms"
	paramCostCap          = "routing.cost_cap"
	paramQualityThreshold = "routing.quality_threshold"
)

// applyParameterOverrides layers agent.parameters on top of policy,
// per spec §4.3's final paragraph. Malformed numeric overrides are
// ignored rather than rejected — Route never returns an error.
func applyParameterOverrides(policy Policy, params map[string]string) Policy {
	if len(params) == 0 {
		return policy
	}
	if v, ok := params[paramPrivacy]; ok {
		policy.PrivacyLevel = v
	}
	if v, ok := params[paramLatencyBudgetMs]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			policy.LatencyBudgetMs = n
		}
	}
	if v, ok := params[paramCostCap]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			policy.CostCap = f
		}
	}
	if v, ok := params[paramQualityThreshold]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			policy.QualityThreshold = f
		}
	}
	return policy
}

const (
	metaPrivacy     = "privacy"
	metaTTLDeadline = "ttl_deadline_ms"
	privacyLocalOnly = "local-only"
)

// Route is the pure routing decision function of spec §4.3: six
// ordered rules, first match wins. It has no side effects and performs
// no I/O; every caller-observable signal (quota state, local
// confidence, network reachability) arrives through policy.
func Route(event loomevent.Event, snapshot AgentSnapshot, policy Policy) loomevent.Verdict {
	policy = policy.withDefaults()
	policy = applyParameterOverrides(policy, snapshot.Parameters)

	// Rule 1: explicit local-only lock, from the event or the policy.
	if event.Metadata[metaPrivacy] == privacyLocalOnly || policy.PrivacyLevel == privacyLocalOnly {
		return loomevent.Verdict{
			Kind:               loomevent.VerdictLocal,
			Reason:             loomevent.ReasonPrivacyLock,
			Confidence:         policy.LocalConfidence,
			EstimatedLatencyMs: policy.EstimatedLocalLatencyMs,
			EstimatedCost:      policy.EstimatedLocalCost,
		}
	}

	// Rule 6: deadline already passed. Checked ahead of rules 2-5 in
	// code (but after rule 1) since "first matching rule wins" still
	// requires rule 1 to take precedence when both match.
	if ttlExpired(event) {
		return loomevent.Verdict{Kind: loomevent.VerdictDrop, Reason: loomevent.ReasonTTLExpired}
	}

	// Rule 2: caller-signaled quota exhaustion.
	if policy.QuotaExceeded {
		return loomevent.Verdict{
			Kind:               loomevent.VerdictLocalFallback,
			Reason:             loomevent.ReasonQuota,
			Confidence:         policy.LocalConfidence,
			EstimatedLatencyMs: policy.EstimatedLocalLatencyMs,
			EstimatedCost:      policy.EstimatedLocalCost,
		}
	}

	// Rule 3: a local capability exists — decide by confidence band.
	if policy.LocalCapabilitySupports {
		confidence := policy.LocalConfidence
		switch {
		case confidence >= policy.LocalConfidenceThreshold:
			return loomevent.Verdict{
				Kind:               loomevent.VerdictLocal,
				Confidence:         confidence,
				EstimatedLatencyMs: policy.EstimatedLocalLatencyMs,
				EstimatedCost:      policy.EstimatedLocalCost,
			}
		case confidence < 0.5 && policy.NetworkAvailable:
			return loomevent.Verdict{
				Kind:               loomevent.VerdictCloud,
				Reason:             loomevent.ReasonLowLocalConfidence,
				Confidence:         confidence,
				EstimatedLatencyMs: policy.EstimatedCloudLatencyMs,
				EstimatedCost:      policy.EstimatedCloudCost,
			}
		default:
			return loomevent.Verdict{
				Kind:               loomevent.VerdictHybrid,
				Reason:             loomevent.ReasonConfidenceInBand,
				Confidence:         confidence,
				EstimatedLatencyMs: policy.EstimatedLocalLatencyMs,
				EstimatedCost:      policy.EstimatedLocalCost + policy.EstimatedCloudCost,
			}
		}
	}

	// Rule 4: no local capability, but the network is up.
	if policy.NetworkAvailable {
		return loomevent.Verdict{
			Kind:               loomevent.VerdictCloud,
			Reason:             loomevent.ReasonNoLocalSupport,
			EstimatedLatencyMs: policy.EstimatedCloudLatencyMs,
			EstimatedCost:      policy.EstimatedCloudCost,
		}
	}

	// Rule 5: nothing can handle this event right now.
	return loomevent.Verdict{Kind: loomevent.VerdictDefer, Reason: loomevent.ReasonNoRoute}
}

func ttlExpired(event loomevent.Event) bool {
	raw, ok := event.Metadata[metaTTLDeadline]
	if !ok || raw == "" {
		return false
	}
	deadline, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return loomevent.Now() > deadline
}

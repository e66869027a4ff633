package router

import (
	"strconv"
	"testing"

	"github.com/nugget/loom/internal/loomevent"
)

func TestRulePrivacyLockFromEvent(t *testing.T) {
	event := loomevent.Event{Metadata: map[string]string{"privacy": "local-only"}}
	v := Route(event, AgentSnapshot{}, Policy{NetworkAvailable: true, LocalCapabilitySupports: true, LocalConfidence: 0.99})
	if v.Kind != loomevent.VerdictLocal || v.Reason != loomevent.ReasonPrivacyLock {
		t.Errorf("got %+v, want Local/privacy_lock", v)
	}
}

func TestRulePrivacyLockFromPolicy(t *testing.T) {
	v := Route(loomevent.Event{}, AgentSnapshot{}, Policy{PrivacyLevel: "local-only"})
	if v.Kind != loomevent.VerdictLocal || v.Reason != loomevent.ReasonPrivacyLock {
		t.Errorf("got %+v, want Local/privacy_lock", v)
	}
}

func TestRuleQuotaExceeded(t *testing.T) {
	v := Route(loomevent.Event{}, AgentSnapshot{}, Policy{QuotaExceeded: true, NetworkAvailable: true})
	if v.Kind != loomevent.VerdictLocalFallback || v.Reason != loomevent.ReasonQuota {
		t.Errorf("got %+v, want LocalFallback/quota", v)
	}
}

func TestRuleLocalHighConfidence(t *testing.T) {
	v := Route(loomevent.Event{}, AgentSnapshot{}, Policy{
		LocalCapabilitySupports: true, LocalConfidence: 0.95, LocalConfidenceThreshold: 0.9,
	})
	if v.Kind != loomevent.VerdictLocal {
		t.Errorf("got %+v, want Local", v)
	}
	if v.Confidence != 0.95 {
		t.Errorf("confidence = %v, want 0.95", v.Confidence)
	}
}

func TestRuleLowConfidenceCloud(t *testing.T) {
	v := Route(loomevent.Event{}, AgentSnapshot{}, Policy{
		LocalCapabilitySupports: true, LocalConfidence: 0.3, NetworkAvailable: true,
	})
	if v.Kind != loomevent.VerdictCloud || v.Reason != loomevent.ReasonLowLocalConfidence {
		t.Errorf("got %+v, want Cloud/low_local_confidence", v)
	}
}

func TestRuleLowConfidenceNoNetworkDefersToHybrid(t *testing.T) {
	// confidence < 0.5 but network unavailable: falls through to the
	// in-band Hybrid branch per spec §4.3 rule 3's "else" catch-all.
	v := Route(loomevent.Event{}, AgentSnapshot{}, Policy{
		LocalCapabilitySupports: true, LocalConfidence: 0.3, NetworkAvailable: false,
	})
	if v.Kind != loomevent.VerdictHybrid {
		t.Errorf("got %+v, want Hybrid", v)
	}
}

func TestRuleConfidenceInBandHybrid(t *testing.T) {
	v := Route(loomevent.Event{}, AgentSnapshot{}, Policy{
		LocalCapabilitySupports: true, LocalConfidence: 0.7, LocalConfidenceThreshold: 0.9, NetworkAvailable: true,
	})
	if v.Kind != loomevent.VerdictHybrid || v.Reason != loomevent.ReasonConfidenceInBand {
		t.Errorf("got %+v, want Hybrid/confidence_in_band", v)
	}
}

func TestRuleNoLocalSupportCloud(t *testing.T) {
	v := Route(loomevent.Event{}, AgentSnapshot{}, Policy{NetworkAvailable: true})
	if v.Kind != loomevent.VerdictCloud || v.Reason != loomevent.ReasonNoLocalSupport {
		t.Errorf("got %+v, want Cloud/no_local_support", v)
	}
}

func TestRuleDeferNoRoute(t *testing.T) {
	v := Route(loomevent.Event{}, AgentSnapshot{}, Policy{})
	if v.Kind != loomevent.VerdictDefer || v.Reason != loomevent.ReasonNoRoute {
		t.Errorf("got %+v, want Defer/no_route", v)
	}
}

func TestRuleDropExpiredTTL(t *testing.T) {
	past := loomevent.Now() - 60_000
	event := loomevent.Event{Metadata: map[string]string{"ttl_deadline_ms": strconv.FormatInt(past, 10)}}
	v := Route(event, AgentSnapshot{}, Policy{NetworkAvailable: true, LocalCapabilitySupports: true, LocalConfidence: 0.99})
	if v.Kind != loomevent.VerdictDrop || v.Reason != loomevent.ReasonTTLExpired {
		t.Errorf("got %+v, want Drop/ttl_expired", v)
	}
}

func TestRuleTTLNotYetExpiredDoesNotDrop(t *testing.T) {
	future := loomevent.Now() + 60_000
	event := loomevent.Event{Metadata: map[string]string{"ttl_deadline_ms": strconv.FormatInt(future, 10)}}
	v := Route(event, AgentSnapshot{}, Policy{NetworkAvailable: true})
	if v.Kind == loomevent.VerdictDrop {
		t.Errorf("got %+v, should not drop before deadline", v)
	}
}

func TestRulePrivacyLockBeatsExpiredTTL(t *testing.T) {
	// Rule 1 (privacy lock) must win over rule 6 (ttl expired) when an
	// event matches both, since "first matching rule wins" ranks
	// privacy_lock ahead of ttl_expired.
	past := loomevent.Now() - 60_000
	event := loomevent.Event{Metadata: map[string]string{
		"privacy":         "local-only",
		"ttl_deadline_ms": strconv.FormatInt(past, 10),
	}}
	v := Route(event, AgentSnapshot{}, Policy{NetworkAvailable: true})
	if v.Kind != loomevent.VerdictLocal || v.Reason != loomevent.ReasonPrivacyLock {
		t.Errorf("got %+v, want Local/privacy_lock even with an expired ttl_deadline_ms", v)
	}
}

func TestParameterOverridesTakePrecedence(t *testing.T) {
	snapshot := AgentSnapshot{Parameters: map[string]string{"routing.privacy": "local-only"}}
	v := Route(loomevent.Event{}, snapshot, Policy{PrivacyLevel: ""})
	if v.Kind != loomevent.VerdictLocal || v.Reason != loomevent.ReasonPrivacyLock {
		t.Errorf("got %+v, want Local/privacy_lock from parameter override", v)
	}
}

func TestRouteIsPure(t *testing.T) {
	event := loomevent.Event{ID: "e1", Metadata: map[string]string{"privacy": "local-only"}}
	snapshot := AgentSnapshot{AgentID: "a1"}
	policy := Policy{NetworkAvailable: true}

	v1 := Route(event, snapshot, policy)
	v2 := Route(event, snapshot, policy)
	if v1 != v2 {
		t.Errorf("Route is not deterministic: %+v != %+v", v1, v2)
	}
}

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medchain-labs/custodia/pkg/types"
)

func allowAll(id string, priority int) types.Policy {
	return types.Policy{
		ID: id, Priority: priority, Effect: types.EffectAllow,
		Subjects: []string{"*"}, Actions: []string{"*"}, Resources: []string{"*"},
		IsActive: true,
	}
}

func decide(t *testing.T, e *Engine, subject string, action types.Action, resource string, rc types.RequestContext) types.Decision {
	t.Helper()
	d, err := e.Decide(context.Background(), subject, action, resource, rc)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	return d
}

func TestNoMatchDenies(t *testing.T) {
	e := New(StaticSource{}, nil, 0)
	d := decide(t, e, "d1", types.ActionRead, "record:r1", types.RequestContext{})
	if d.Allowed() {
		t.Error("empty policy set allowed access")
	}
	if d.Reason != ReasonNoMatch {
		t.Errorf("reason = %q, want no_match", d.Reason)
	}
}

func TestDenyBeatsAllow(t *testing.T) {
	src := StaticSource{
		allowAll("allow-everyone", 10),
		{
			ID: "deny-d2", Priority: 100, Effect: types.EffectDeny,
			Subjects: []string{"d2"}, Actions: []string{"*"}, Resources: []string{"*"},
			IsActive: true,
		},
	}
	e := New(src, nil, 0)

	if d := decide(t, e, "d1", types.ActionRead, "record:r1", types.RequestContext{}); !d.Allowed() {
		t.Errorf("d1 denied: %+v", d)
	}
	d := decide(t, e, "d2", types.ActionRead, "record:r1", types.RequestContext{})
	if d.Allowed() {
		t.Error("d2 allowed despite matching DENY")
	}
	if d.MatchedPolicyID != "deny-d2" {
		t.Errorf("matched policy = %q, want deny-d2", d.MatchedPolicyID)
	}
}

func TestDenyWinsAtEqualPriority(t *testing.T) {
	src := StaticSource{
		{
			ID: "allow-d1", Priority: 10, Effect: types.EffectAllow,
			Subjects: []string{"d1"}, IsActive: true,
		},
		{
			ID: "deny-d1", Priority: 10, Effect: types.EffectDeny,
			Subjects: []string{"d1"}, IsActive: true,
		},
	}
	e := New(src, nil, 0)
	d := decide(t, e, "d1", types.ActionRead, "record:r1", types.RequestContext{})
	if d.Allowed() || d.MatchedPolicyID != "deny-d1" {
		t.Errorf("decision = %+v, want deny by deny-d1", d)
	}
}

func TestPriorityOrdering(t *testing.T) {
	src := StaticSource{
		{
			ID: "low-deny", Priority: 1, Effect: types.EffectDeny,
			Subjects: []string{"d1"}, IsActive: true,
		},
		{
			ID: "high-allow", Priority: 50, Effect: types.EffectAllow,
			Subjects: []string{"d1"}, IsActive: true,
		},
	}
	e := New(src, nil, 0)
	d := decide(t, e, "d1", types.ActionRead, "record:r1", types.RequestContext{})
	if !d.Allowed() || d.MatchedPolicyID != "high-allow" {
		t.Errorf("decision = %+v, want allow by high-allow", d)
	}
}

func TestInactivePolicyIgnored(t *testing.T) {
	src := StaticSource{
		{
			ID: "dormant", Priority: 100, Effect: types.EffectAllow,
			Subjects: []string{"d1"}, IsActive: false,
		},
	}
	e := New(src, nil, 0)
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", types.RequestContext{}); d.Allowed() {
		t.Error("inactive policy granted access")
	}
}

func TestResourceClassGlob(t *testing.T) {
	src := StaticSource{
		{
			ID: "records-only", Priority: 10, Effect: types.EffectAllow,
			Subjects: []string{"d1"}, Resources: []string{"record:*"},
			IsActive: true,
		},
	}
	e := New(src, nil, 0)
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", types.RequestContext{}); !d.Allowed() {
		t.Error("record:* glob did not match record:r1")
	}
	if d := decide(t, e, "d1", types.ActionRead, "key:k1", types.RequestContext{}); d.Allowed() {
		t.Error("record:* glob matched key:k1")
	}
}

func TestTimeOfDayWindow(t *testing.T) {
	src := StaticSource{
		{
			ID: "office-hours", Priority: 10, Effect: types.EffectAllow,
			Subjects: []string{"d1"},
			Condition: &types.PolicyCondition{
				TimeOfDayStart: "09:00",
				TimeOfDayEnd:   "17:00",
			},
			IsActive: true,
		},
	}
	e := New(src, nil, 0)

	at := func(hour, minute int) types.RequestContext {
		return types.RequestContext{Now: time.Date(2026, 3, 10, hour, minute, 0, 0, time.Local)}
	}
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", at(10, 30)); !d.Allowed() {
		t.Error("denied inside the window")
	}
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", at(3, 0)); d.Allowed() {
		t.Error("allowed outside the window")
	}
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", at(17, 0)); d.Allowed() {
		t.Error("allowed at the exclusive end bound")
	}
}

func TestTimeOfDayWindowWrapsMidnight(t *testing.T) {
	src := StaticSource{
		{
			ID: "night-shift", Priority: 10, Effect: types.EffectAllow,
			Subjects: []string{"d1"},
			Condition: &types.PolicyCondition{
				TimeOfDayStart: "22:00",
				TimeOfDayEnd:   "06:00",
			},
			IsActive: true,
		},
	}
	e := New(src, nil, 0)

	at := func(hour int) types.RequestContext {
		return types.RequestContext{Now: time.Date(2026, 3, 10, hour, 0, 0, 0, time.Local)}
	}
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", at(23)); !d.Allowed() {
		t.Error("denied before midnight inside wrapped window")
	}
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", at(3)); !d.Allowed() {
		t.Error("denied after midnight inside wrapped window")
	}
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", at(12)); d.Allowed() {
		t.Error("allowed at noon outside wrapped window")
	}
}

func TestSourceCIDR(t *testing.T) {
	src := StaticSource{
		{
			ID: "clinic-network", Priority: 10, Effect: types.EffectAllow,
			Subjects: []string{"d1"},
			Condition: &types.PolicyCondition{
				SourceCIDRs: []string{"10.20.0.0/16", "192.168.1.0/24"},
			},
			IsActive: true,
		},
	}
	e := New(src, nil, 0)

	from := func(ip string) types.RequestContext { return types.RequestContext{SourceIP: ip} }
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", from("10.20.3.4")); !d.Allowed() {
		t.Error("denied from inside the clinic network")
	}
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", from("203.0.113.9")); d.Allowed() {
		t.Error("allowed from outside the clinic network")
	}
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", from("")); d.Allowed() {
		t.Error("allowed with no source IP against a CIDR condition")
	}
}

func TestNotAfter(t *testing.T) {
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	src := StaticSource{
		{
			ID: "temp-grant", Priority: 10, Effect: types.EffectAllow,
			Subjects:  []string{"d1"},
			Condition: &types.PolicyCondition{NotAfter: &cutoff},
			IsActive:  true,
		},
	}
	e := New(src, nil, 0)

	before := types.RequestContext{Now: cutoff.Add(-time.Hour)}
	after := types.RequestContext{Now: cutoff.Add(time.Hour)}
	d := decide(t, e, "d1", types.ActionRead, "record:r1", before)
	if !d.Allowed() {
		t.Error("denied before the cutoff")
	}
	if d.ExpiresAt == nil || !d.ExpiresAt.Equal(cutoff) {
		t.Errorf("ExpiresAt = %v, want the cutoff", d.ExpiresAt)
	}
	if d := decide(t, e, "d1", types.ActionRead, "record:r1", after); d.Allowed() {
		t.Error("allowed after the cutoff")
	}
}

// countingChecker is an AccessChecker spy
type countingChecker struct {
	calls   int64
	allowed bool
	err     error
}

func (c *countingChecker) Evaluate(ctx context.Context, function string, args ...string) ([]byte, error) {
	atomic.AddInt64(&c.calls, 1)
	if c.err != nil {
		return nil, c.err
	}
	return json.Marshal(map[string]bool{"allowed": c.allowed})
}

func TestLedgerDenyOverridesLocalAllow(t *testing.T) {
	checker := &countingChecker{allowed: false}
	e := New(StaticSource{allowAll("open", 10)}, checker, time.Second)

	d := decide(t, e, "d2", types.ActionRead, "record:r1", types.RequestContext{})
	if d.Allowed() {
		t.Error("ledger deny did not override local allow")
	}
	if d.Reason != ReasonLedgerDeny {
		t.Errorf("reason = %q, want ledger_deny", d.Reason)
	}
}

func TestLedgerUnreachableFailsClosed(t *testing.T) {
	checker := &countingChecker{err: errors.New("gateway down")}
	e := New(StaticSource{allowAll("open", 10)}, checker, time.Second)

	if d := decide(t, e, "d2", types.ActionRead, "record:r1", types.RequestContext{}); d.Allowed() {
		t.Error("unreachable ledger allowed access")
	}
}

func TestLedgerSkippedForNonRecordResources(t *testing.T) {
	checker := &countingChecker{allowed: false}
	e := New(StaticSource{allowAll("open", 10)}, checker, time.Second)

	if d := decide(t, e, "d1", types.ActionAdmin, "key:k1", types.RequestContext{}); !d.Allowed() {
		t.Error("non-record resource consulted the ledger overlay")
	}
	if atomic.LoadInt64(&checker.calls) != 0 {
		t.Error("CheckAccess called for a non-record resource")
	}
}

func TestDecisionCacheAndInvalidate(t *testing.T) {
	checker := &countingChecker{allowed: true}
	e := New(StaticSource{allowAll("open", 10)}, checker, time.Minute)
	rc := types.RequestContext{}

	for i := 0; i < 3; i++ {
		if d := decide(t, e, "d2", types.ActionRead, "record:r1", rc); !d.Allowed() {
			t.Fatal("allowed grant denied")
		}
	}
	if n := atomic.LoadInt64(&checker.calls); n != 1 {
		t.Errorf("CheckAccess calls = %d, want 1 (cached)", n)
	}

	// Revocation invalidates; the next decision goes back to the ledger
	checker.allowed = false
	e.Invalidate("r1", "d2")
	if d := decide(t, e, "d2", types.ActionRead, "record:r1", rc); d.Allowed() {
		t.Error("revoked grant still allowed after invalidation")
	}
	if n := atomic.LoadInt64(&checker.calls); n != 2 {
		t.Errorf("CheckAccess calls = %d, want 2", n)
	}
}

func TestInvalidateWholeRecord(t *testing.T) {
	checker := &countingChecker{allowed: true}
	e := New(StaticSource{allowAll("open", 10)}, checker, time.Minute)
	rc := types.RequestContext{}

	decide(t, e, "d2", types.ActionRead, "record:r1", rc)
	decide(t, e, "d3", types.ActionRead, "record:r1", rc)
	if n := atomic.LoadInt64(&checker.calls); n != 2 {
		t.Fatalf("CheckAccess calls = %d, want 2", n)
	}

	e.Invalidate("r1", "")
	decide(t, e, "d2", types.ActionRead, "record:r1", rc)
	decide(t, e, "d3", types.ActionRead, "record:r1", rc)
	if n := atomic.LoadInt64(&checker.calls); n != 4 {
		t.Errorf("CheckAccess calls = %d, want 4 after record-wide invalidation", n)
	}
}

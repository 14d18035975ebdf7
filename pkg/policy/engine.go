package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medchain-labs/custodia/pkg/errdefs"
	"github.com/medchain-labs/custodia/pkg/log"
	"github.com/medchain-labs/custodia/pkg/metrics"
	"github.com/medchain-labs/custodia/pkg/types"
)

// Decision reasons not tied to a policy id
const (
	ReasonLedgerDeny = "ledger_deny"
	ReasonNoMatch    = "no_match"
)

// AccessChecker is the slice of the ledger session the engine consults
// for the on-ledger grant overlay.
type AccessChecker interface {
	Evaluate(ctx context.Context, function string, args ...string) ([]byte, error)
}

// Source abstracts where policies come from. The metadata store and the
// in-memory test fixtures both satisfy it.
type Source interface {
	Policies(ctx context.Context) ([]types.Policy, error)
}

// StaticSource serves a fixed policy set
type StaticSource []types.Policy

func (s StaticSource) Policies(ctx context.Context) ([]types.Policy, error) {
	return s, nil
}

// Engine evaluates access requests against the prioritized policy set,
// overlaid with the on-ledger grant check for record resources. Ledger
// decisions are held in a short decision cache that the event consumer
// invalidates on grant and revoke.
type Engine struct {
	source   Source
	ledger   AccessChecker
	cacheTTL time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	ledgerOK map[string]ledgerDecision // record_id/user_id -> cached overlay
}

type ledgerDecision struct {
	allowed bool
	expires time.Time
}

// New builds an engine. ledger may be nil, in which case only local
// policies decide.
func New(source Source, ledger AccessChecker, cacheTTL time.Duration) *Engine {
	if cacheTTL <= 0 {
		cacheTTL = time.Second
	}
	return &Engine{
		source:   source,
		ledger:   ledger,
		cacheTTL: cacheTTL,
		logger:   log.WithComponent("policy"),
		ledgerOK: make(map[string]ledgerDecision),
	}
}

// Decide evaluates (subject, action, resource) under the request
// context. Policies are filtered by is_active, ordered by priority
// descending, and the first match decides; DENY always beats ALLOW.
// With no match the answer is DENY (closed world). For record
// resources a ledger-held deny overrides a local allow.
func (e *Engine) Decide(ctx context.Context, subject string, action types.Action, resource string, rc types.RequestContext) (types.Decision, error) {
	policies, err := e.source.Policies(ctx)
	if err != nil {
		return types.Decision{}, fmt.Errorf("failed to load policies: %w", err)
	}

	decision := e.decideLocal(policies, subject, action, resource, rc)

	if decision.Allowed() && e.ledger != nil && strings.HasPrefix(resource, "record:") {
		recordID := strings.TrimPrefix(resource, "record:")
		allowed, err := e.checkLedger(ctx, recordID, subject)
		if err != nil {
			// The ledger is authoritative; an unreachable ledger fails
			// closed rather than leaking a record.
			e.logger.Warn().Err(err).Str("record_id", recordID).Msg("ledger access check failed; denying")
			decision = types.Decision{Effect: types.EffectDeny, Reason: ReasonLedgerDeny}
		} else if !allowed {
			decision = types.Decision{Effect: types.EffectDeny, Reason: ReasonLedgerDeny}
		}
	}

	metrics.PolicyDecisions.WithLabelValues(string(decision.Effect), reasonClass(decision.Reason)).Inc()
	return decision, nil
}

func (e *Engine) decideLocal(policies []types.Policy, subject string, action types.Action, resource string, rc types.RequestContext) types.Decision {
	ordered := make([]types.Policy, 0, len(policies))
	for _, p := range policies {
		if p.IsActive {
			ordered = append(ordered, p)
		}
	}
	// Priority descending, DENY before ALLOW at equal priority;
	// evaluation stops at the first match.
	before := func(a, b types.Policy) bool {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Effect == types.EffectDeny && b.Effect != types.EffectDeny
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && before(ordered[j], ordered[j-1]); j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	for _, p := range ordered {
		if e.matches(&p, subject, action, resource, rc) {
			return types.Decision{
				Effect:          p.Effect,
				Reason:          p.ID,
				MatchedPolicyID: p.ID,
				ExpiresAt:       conditionExpiry(p.Condition),
			}
		}
	}
	return types.Decision{Effect: types.EffectDeny, Reason: ReasonNoMatch}
}

func (e *Engine) matches(p *types.Policy, subject string, action types.Action, resource string, rc types.RequestContext) bool {
	if !matchList(p.Subjects, subject) {
		return false
	}
	if !matchList(p.Actions, string(action)) {
		return false
	}
	if !matchResource(p.Resources, resource) {
		return false
	}
	return conditionHolds(p.Condition, rc)
}

// matchList accepts exact entries and the "*" wildcard
func matchList(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if pat == "*" || pat == value {
			return true
		}
	}
	return false
}

// matchResource additionally accepts class globs like "record:*"
func matchResource(patterns []string, resource string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if pat == "*" || pat == resource {
			return true
		}
		if class, ok := strings.CutSuffix(pat, ":*"); ok && strings.HasPrefix(resource, class+":") {
			return true
		}
	}
	return false
}

func conditionHolds(c *types.PolicyCondition, rc types.RequestContext) bool {
	if c == nil {
		return true
	}
	now := rc.At()

	if c.NotAfter != nil && !now.Before(*c.NotAfter) {
		return false
	}
	if c.TimeOfDayStart != "" && c.TimeOfDayEnd != "" {
		if !inTimeWindow(c.TimeOfDayStart, c.TimeOfDayEnd, now) {
			return false
		}
	}
	if len(c.SourceCIDRs) > 0 {
		if !sourceAllowed(c.SourceCIDRs, rc.SourceIP) {
			return false
		}
	}
	return true
}

func conditionExpiry(c *types.PolicyCondition) *time.Time {
	if c == nil {
		return nil
	}
	return c.NotAfter
}

// inTimeWindow checks "HH:MM" bounds, inclusive start, exclusive end.
// A window whose end precedes its start wraps midnight.
func inTimeWindow(start, end string, now time.Time) bool {
	s, okS := parseMinutes(start)
	e, okE := parseMinutes(end)
	if !okS || !okE {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if s <= e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

func parseMinutes(hhmm string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func sourceAllowed(cidrs []string, sourceIP string) bool {
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return false
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// checkLedger consults CheckAccess through the decision cache
func (e *Engine) checkLedger(ctx context.Context, recordID, userID string) (bool, error) {
	key := recordID + "/" + userID

	e.mu.Lock()
	if d, ok := e.ledgerOK[key]; ok && time.Now().Before(d.expires) {
		e.mu.Unlock()
		return d.allowed, nil
	}
	e.mu.Unlock()

	data, err := e.ledger.Evaluate(ctx, "CheckAccess", recordID, userID)
	if err != nil {
		return false, err
	}
	allowed, err := parseAllowed(data)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.ledgerOK[key] = ledgerDecision{allowed: allowed, expires: time.Now().Add(e.cacheTTL)}
	e.mu.Unlock()
	return allowed, nil
}

// parseAllowed accepts the chaincode's bare true/false form and the
// gateway's wrapped {"allowed": bool} form.
func parseAllowed(data []byte) (bool, error) {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		return b, nil
	}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return false, fmt.Errorf("CheckAccess response %q: %w", truncateForLog(data), errdefs.ErrLedger)
	}
	return out.Allowed, nil
}

func truncateForLog(data []byte) string {
	if len(data) > 64 {
		return string(data[:64]) + "..."
	}
	return string(data)
}

// Invalidate drops cached ledger decisions for the record. userID
// empty drops every user's entry for the record.
func (e *Engine) Invalidate(recordID, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if userID != "" {
		delete(e.ledgerOK, recordID+"/"+userID)
		return
	}
	prefix := recordID + "/"
	for key := range e.ledgerOK {
		if strings.HasPrefix(key, prefix) {
			delete(e.ledgerOK, key)
		}
	}
}

func reasonClass(reason string) string {
	switch reason {
	case ReasonLedgerDeny, ReasonNoMatch:
		return reason
	default:
		return "policy"
	}
}

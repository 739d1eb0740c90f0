// ABOUTME: Policy engine: validation, conflict detection, ordered evaluation
// ABOUTME: Frequency counters reuse the sliding window from the replay package

package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pocketagent/pocketagent/internal/replay"
)

// ErrConflictingRules is returned when two policies at the same priority
// would decide the same request differently.
var ErrConflictingRules = errors.New("conflicting policy rules")

// Result is the engine's verdict for one request.
type Result struct {
	Decision Decision
	PolicyID string // empty when the default applied
	Reason   string
}

// Engine evaluates the active policy set.
type Engine struct {
	mu             sync.RWMutex
	policies       []Policy // sorted by descending priority
	defaultOutcome Decision
	counters       map[string]*replay.FailureWindow // per frequency policy
	counted        map[string]*replay.NonceCache    // request IDs already counted, per frequency policy
	logger         *slog.Logger
}

// countedCacheSize bounds the per-policy record of counted request IDs.
const countedCacheSize = 4096

// NewEngine creates an engine with the given default outcome, applied when
// no policy decides.
func NewEngine(defaultOutcome Decision) *Engine {
	return &Engine{
		defaultOutcome: defaultOutcome,
		counters:       make(map[string]*replay.FailureWindow),
		counted:        make(map[string]*replay.NonceCache),
		logger:         slog.Default().With("component", "policy"),
	}
}

// SetPolicies validates and installs a new policy set, replacing the old
// one. Frequency counters for surviving policies are preserved.
func (e *Engine) SetPolicies(policies []Policy) error {
	for i := range policies {
		if err := validate(&policies[i]); err != nil {
			return err
		}
	}
	if err := detectConflicts(policies); err != nil {
		return err
	}

	sorted := make([]Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = sorted
	counters := make(map[string]*replay.FailureWindow)
	counted := make(map[string]*replay.NonceCache)
	for _, p := range sorted {
		if p.Kind != TypeFrequencyBased {
			continue
		}
		if existing, ok := e.counters[p.ID]; ok {
			counters[p.ID] = existing
			counted[p.ID] = e.counted[p.ID]
		} else {
			counters[p.ID] = replay.NewFailureWindow(p.Frequency.Window)
			counted[p.ID] = replay.NewNonceCache(p.Frequency.Window, countedCacheSize)
		}
	}
	for id, cache := range e.counted {
		if _, kept := counted[id]; !kept {
			cache.Close()
		}
	}
	e.counters = counters
	e.counted = counted

	e.logger.Info("policy set installed", "count", len(sorted))
	return nil
}

// Policies returns the installed set in evaluation order.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// Evaluate runs the request through the active policies in priority order.
// The first decisive outcome wins; otherwise the default applies.
func (e *Engine) Evaluate(req Request) Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.policies {
		if !p.Active {
			continue
		}
		decision, reason := e.evalOne(p, req)
		if decision == Continue {
			continue
		}
		e.logger.Debug("policy decided",
			"policy_id", p.ID,
			"kind", p.Kind,
			"decision", decision,
			"tool", req.Tool,
			"action", req.Action,
		)
		return Result{Decision: decision, PolicyID: p.ID, Reason: reason}
	}

	return Result{Decision: e.defaultOutcome, Reason: "no policy matched, default applied"}
}

// evalOne dispatches to the per-kind evaluator.
func (e *Engine) evalOne(p Policy, req Request) (Decision, string) {
	switch p.Kind {
	case TypeToolBased:
		return evalTool(p.Tool, req)
	case TypeTimeBased:
		return evalTime(p.Time, req)
	case TypeRiskBased:
		return evalRisk(p.Risk, req)
	case TypeFrequencyBased:
		return e.evalFrequency(p, req)
	default:
		return Continue, ""
	}
}

// evalFrequency counts this request against the policy's sliding window and
// denies once the limit is exceeded. A request ID is counted at most once,
// so re-evaluating the same request (the confirmation round trip) does not
// consume a second slot.
func (e *Engine) evalFrequency(p Policy, req Request) (Decision, string) {
	counter := e.counters[p.ID]
	if counter == nil {
		return Continue, ""
	}
	key := req.Tool + ":" + req.Action

	var n int
	if counted := e.counted[p.ID]; counted != nil && req.RequestID != "" && counted.Consume(req.RequestID) {
		n = counter.Count(key)
	} else {
		n = counter.Record(key)
	}
	if n > p.Frequency.MaxRequests {
		return Deny, fmt.Sprintf("rate limit exceeded for %s (%d per %s)", key, p.Frequency.MaxRequests, p.Frequency.Window)
	}
	return Continue, ""
}

// validate checks a policy's shape: kind matches the populated config.
func validate(p *Policy) error {
	if p.ID == "" {
		return fmt.Errorf("policy has no id")
	}
	switch p.Kind {
	case TypeToolBased:
		if p.Tool == nil {
			return fmt.Errorf("policy %s: tool config required", p.ID)
		}
	case TypeTimeBased:
		if p.Time == nil {
			return fmt.Errorf("policy %s: time config required", p.ID)
		}
		for _, w := range p.Time.Windows {
			if _, err := parseHHMM(w.Start); err != nil {
				return fmt.Errorf("policy %s: %w", p.ID, err)
			}
			if _, err := parseHHMM(w.End); err != nil {
				return fmt.Errorf("policy %s: %w", p.ID, err)
			}
		}
	case TypeRiskBased:
		if p.Risk == nil {
			return fmt.Errorf("policy %s: risk config required", p.ID)
		}
	case TypeFrequencyBased:
		if p.Frequency == nil {
			return fmt.Errorf("policy %s: frequency config required", p.ID)
		}
		if p.Frequency.MaxRequests <= 0 || p.Frequency.Window <= 0 {
			return fmt.Errorf("policy %s: frequency limit and window must be positive", p.ID)
		}
	default:
		return fmt.Errorf("policy %s: unknown kind %q", p.ID, p.Kind)
	}
	return nil
}

// detectConflicts rejects sets where two equal-priority tool policies
// disagree about the same tool pattern.
func detectConflicts(policies []Policy) error {
	for i := 0; i < len(policies); i++ {
		for j := i + 1; j < len(policies); j++ {
			a, b := policies[i], policies[j]
			if a.Priority != b.Priority || a.Kind != TypeToolBased || b.Kind != TypeToolBased {
				continue
			}
			if pattern := overlap(a.Tool.Allow, b.Tool.Deny); pattern != "" {
				return fmt.Errorf("%w: %s allows %q while %s denies it at priority %d",
					ErrConflictingRules, a.ID, pattern, b.ID, a.Priority)
			}
			if pattern := overlap(b.Tool.Allow, a.Tool.Deny); pattern != "" {
				return fmt.Errorf("%w: %s allows %q while %s denies it at priority %d",
					ErrConflictingRules, b.ID, pattern, a.ID, a.Priority)
			}
		}
	}
	return nil
}

// overlap returns the first pattern present in both lists, or "".
func overlap(allow, deny []string) string {
	for _, a := range allow {
		for _, d := range deny {
			if a == d {
				return a
			}
		}
	}
	return ""
}

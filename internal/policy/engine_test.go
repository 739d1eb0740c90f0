// ABOUTME: Tests for policy evaluation ordering, conflicts, and each kind
// ABOUTME: Covers determinism, frequency limits, and default fallthrough

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(tool, action string, risk RiskLevel) Request {
	return Request{
		SessionID: "sess-1",
		Tool:      tool,
		Action:    action,
		Timestamp: time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC), // Wednesday
		Risk:      risk,
	}
}

func TestEngine_DefaultApplies(t *testing.T) {
	e := NewEngine(Deny)
	res := e.Evaluate(request("file", "read", RiskLow))
	assert.Equal(t, Deny, res.Decision)
	assert.Empty(t, res.PolicyID)
}

func TestEngine_ToolPolicy(t *testing.T) {
	e := NewEngine(Deny)
	require.NoError(t, e.SetPolicies([]Policy{
		{
			ID:       "reads",
			Kind:     TypeToolBased,
			Priority: 10,
			Active:   true,
			Tool:     &ToolConfig{Allow: []string{"file:read", "search"}, Deny: []string{"file:delete"}},
		},
	}))

	tests := []struct {
		name   string
		tool   string
		action string
		want   Decision
	}{
		{"allowed pair", "file", "read", Allow},
		{"allowed tool any action", "search", "grep", Allow},
		{"denied pair", "file", "delete", Deny},
		{"unmatched falls to default", "system", "exec", Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate(request(tt.tool, tt.action, RiskLow))
			assert.Equal(t, tt.want, res.Decision)
		})
	}
}

func TestEngine_DenyWinsWithinPolicy(t *testing.T) {
	e := NewEngine(Allow)
	require.NoError(t, e.SetPolicies([]Policy{
		{
			ID:       "mixed",
			Kind:     TypeToolBased,
			Priority: 1,
			Active:   true,
			Tool:     &ToolConfig{Allow: []string{"*"}, Deny: []string{"system:exec"}},
		},
	}))

	res := e.Evaluate(request("system", "exec", RiskLow))
	assert.Equal(t, Deny, res.Decision)
	assert.Equal(t, "mixed", res.PolicyID)
}

func TestEngine_PriorityOrder(t *testing.T) {
	e := NewEngine(Deny)
	require.NoError(t, e.SetPolicies([]Policy{
		{
			ID:       "broad-deny",
			Kind:     TypeToolBased,
			Priority: 1,
			Active:   true,
			Tool:     &ToolConfig{Deny: []string{"*"}},
		},
		{
			ID:       "reads-first",
			Kind:     TypeToolBased,
			Priority: 10,
			Active:   true,
			Tool:     &ToolConfig{Allow: []string{"file:read"}},
		},
	}))

	res := e.Evaluate(request("file", "read", RiskLow))
	assert.Equal(t, Allow, res.Decision)
	assert.Equal(t, "reads-first", res.PolicyID)

	res = e.Evaluate(request("file", "write", RiskLow))
	assert.Equal(t, Deny, res.Decision)
	assert.Equal(t, "broad-deny", res.PolicyID)
}

func TestEngine_Deterministic(t *testing.T) {
	e := NewEngine(Deny)
	require.NoError(t, e.SetPolicies([]Policy{
		{ID: "a", Kind: TypeToolBased, Priority: 5, Active: true, Tool: &ToolConfig{Allow: []string{"file"}}},
		{ID: "b", Kind: TypeRiskBased, Priority: 3, Active: true, Risk: &RiskConfig{MaxRisk: RiskHigh}},
	}))

	req := request("file", "read", RiskMedium)
	first := e.Evaluate(req)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, e.Evaluate(req))
	}
}

func TestEngine_InactiveSkipped(t *testing.T) {
	e := NewEngine(Deny)
	require.NoError(t, e.SetPolicies([]Policy{
		{ID: "off", Kind: TypeToolBased, Priority: 10, Active: false, Tool: &ToolConfig{Allow: []string{"*"}}},
	}))

	res := e.Evaluate(request("file", "read", RiskLow))
	assert.Equal(t, Deny, res.Decision)
	assert.Empty(t, res.PolicyID)
}

func TestEngine_TimePolicy(t *testing.T) {
	e := NewEngine(Allow)
	require.NoError(t, e.SetPolicies([]Policy{
		{
			ID:       "work-hours",
			Kind:     TypeTimeBased,
			Priority: 1,
			Active:   true,
			Time: &TimeConfig{
				Windows: []Window{{Start: "09:00", End: "17:00"}},
				Days:    []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			},
		},
	}))

	inHours := request("file", "read", RiskLow)
	res := e.Evaluate(inHours)
	assert.Equal(t, Allow, res.Decision, "inside window falls through to default")

	evening := inHours
	evening.Timestamp = time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)
	res = e.Evaluate(evening)
	assert.Equal(t, Deny, res.Decision)
	assert.Equal(t, "work-hours", res.PolicyID)

	sunday := inHours
	sunday.Timestamp = time.Date(2026, 3, 8, 14, 0, 0, 0, time.UTC)
	res = e.Evaluate(sunday)
	assert.Equal(t, Deny, res.Decision)
}

func TestWindow_WrapsMidnight(t *testing.T) {
	w := Window{Start: "22:00", End: "06:00"}
	assert.True(t, w.contains(23*60))
	assert.True(t, w.contains(3*60))
	assert.False(t, w.contains(12*60))
}

func TestEngine_RiskPolicy(t *testing.T) {
	confirmAbove := RiskLow
	e := NewEngine(Allow)
	require.NoError(t, e.SetPolicies([]Policy{
		{
			ID:       "risk-cap",
			Kind:     TypeRiskBased,
			Priority: 1,
			Active:   true,
			Risk:     &RiskConfig{MaxRisk: RiskHigh, ConfirmAbove: &confirmAbove},
		},
	}))

	res := e.Evaluate(request("file", "read", RiskLow))
	assert.Equal(t, Allow, res.Decision)

	res = e.Evaluate(request("file", "write", RiskMedium))
	assert.Equal(t, RequireConfirmation, res.Decision)

	res = e.Evaluate(request("system", "exec", RiskCritical))
	assert.Equal(t, Deny, res.Decision)
}

func TestEngine_FrequencyPolicy(t *testing.T) {
	e := NewEngine(Allow)
	require.NoError(t, e.SetPolicies([]Policy{
		{
			ID:        "rate",
			Kind:      TypeFrequencyBased,
			Priority:  1,
			Active:    true,
			Frequency: &FrequencyConfig{MaxRequests: 3, Window: time.Minute},
		},
	}))

	req := request("file", "write", RiskLow)
	for i := 0; i < 3; i++ {
		res := e.Evaluate(req)
		require.Equal(t, Allow, res.Decision, "request %d under the limit", i+1)
	}
	res := e.Evaluate(req)
	assert.Equal(t, Deny, res.Decision)
	assert.Equal(t, "rate", res.PolicyID)

	// A different tool:action pair keeps its own counter.
	res = e.Evaluate(request("file", "read", RiskLow))
	assert.Equal(t, Allow, res.Decision)
}

func TestEngine_FrequencyCountsRequestOnce(t *testing.T) {
	e := NewEngine(Allow)
	require.NoError(t, e.SetPolicies([]Policy{
		{
			ID:        "rate",
			Kind:      TypeFrequencyBased,
			Priority:  1,
			Active:    true,
			Frequency: &FrequencyConfig{MaxRequests: 1, Window: time.Minute},
		},
	}))

	req := request("file", "delete", RiskHigh)
	req.RequestID = "req-1"

	require.Equal(t, Allow, e.Evaluate(req).Decision)
	// The same request comes back through the engine after the user
	// confirms it; it holds its original slot instead of taking another.
	res := e.Evaluate(req)
	assert.Equal(t, Allow, res.Decision, "re-evaluating one request must not consume a second slot")

	next := request("file", "delete", RiskHigh)
	next.RequestID = "req-2"
	assert.Equal(t, Deny, e.Evaluate(next).Decision)
}

func TestEngine_FrequencyCounterSurvivesReload(t *testing.T) {
	policies := []Policy{
		{
			ID:        "rate",
			Kind:      TypeFrequencyBased,
			Priority:  1,
			Active:    true,
			Frequency: &FrequencyConfig{MaxRequests: 2, Window: time.Minute},
		},
	}
	e := NewEngine(Allow)
	require.NoError(t, e.SetPolicies(policies))

	req := request("file", "write", RiskLow)
	e.Evaluate(req)
	e.Evaluate(req)

	require.NoError(t, e.SetPolicies(policies))
	res := e.Evaluate(req)
	assert.Equal(t, Deny, res.Decision, "reload must not reset the counter")
}

func TestSetPolicies_ConflictingRules(t *testing.T) {
	e := NewEngine(Deny)
	err := e.SetPolicies([]Policy{
		{ID: "a", Kind: TypeToolBased, Priority: 5, Active: true, Tool: &ToolConfig{Allow: []string{"file:read"}}},
		{ID: "b", Kind: TypeToolBased, Priority: 5, Active: true, Tool: &ToolConfig{Deny: []string{"file:read"}}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflictingRules)
}

func TestSetPolicies_DifferentPrioritiesDoNotConflict(t *testing.T) {
	e := NewEngine(Deny)
	err := e.SetPolicies([]Policy{
		{ID: "a", Kind: TypeToolBased, Priority: 10, Active: true, Tool: &ToolConfig{Allow: []string{"file:read"}}},
		{ID: "b", Kind: TypeToolBased, Priority: 5, Active: true, Tool: &ToolConfig{Deny: []string{"file:read"}}},
	})
	assert.NoError(t, err)
}

func TestSetPolicies_Validation(t *testing.T) {
	e := NewEngine(Deny)

	tests := []struct {
		name   string
		policy Policy
	}{
		{"missing id", Policy{Kind: TypeToolBased, Tool: &ToolConfig{}}},
		{"missing config", Policy{ID: "p", Kind: TypeRiskBased}},
		{"unknown kind", Policy{ID: "p", Kind: "geo_based"}},
		{"bad window time", Policy{ID: "p", Kind: TypeTimeBased, Time: &TimeConfig{Windows: []Window{{Start: "25:99", End: "17:00"}}}}},
		{"zero frequency limit", Policy{ID: "p", Kind: TypeFrequencyBased, Frequency: &FrequencyConfig{MaxRequests: 0, Window: time.Minute}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, e.SetPolicies([]Policy{tt.policy}))
		})
	}
}

func TestParseRiskLevel(t *testing.T) {
	for _, level := range []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical} {
		parsed, err := ParseRiskLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}
	_, err := ParseRiskLevel("extreme")
	assert.Error(t, err)
}

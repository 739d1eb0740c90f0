// ABOUTME: Tests for the TOML policy file loader
// ABOUTME: Checks schema translation and rejection of malformed documents

package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicyFile = `
default = "deny"

[[policy]]
id = "allow-reads"
type = "tool_based"
priority = 10
allow = ["file:read", "search"]
deny = ["file:delete"]

[[policy]]
id = "work-hours"
type = "time_based"
priority = 5
days = ["monday", "tuesday", "wednesday", "thursday", "friday"]

  [[policy.window]]
  start = "09:00"
  end = "17:00"

[[policy]]
id = "risk-cap"
type = "risk_based"
priority = 3
max_risk = "high"
confirm_above = "medium"

[[policy]]
id = "rate"
type = "frequency_based"
priority = 1
max_requests = 20
window = "1m"
disabled = true
`

func TestParse_FullDocument(t *testing.T) {
	defaultOutcome, policies, err := Parse([]byte(samplePolicyFile))
	require.NoError(t, err)
	assert.Equal(t, Deny, defaultOutcome)
	require.Len(t, policies, 4)

	tool := policies[0]
	assert.Equal(t, "allow-reads", tool.ID)
	assert.Equal(t, TypeToolBased, tool.Kind)
	assert.Equal(t, 10, tool.Priority)
	assert.True(t, tool.Active)
	require.NotNil(t, tool.Tool)
	assert.Equal(t, []string{"file:read", "search"}, tool.Tool.Allow)
	assert.Equal(t, []string{"file:delete"}, tool.Tool.Deny)

	hours := policies[1]
	require.NotNil(t, hours.Time)
	assert.Equal(t, []Window{{Start: "09:00", End: "17:00"}}, hours.Time.Windows)
	assert.Contains(t, hours.Time.Days, time.Monday)
	assert.NotContains(t, hours.Time.Days, time.Saturday)

	risk := policies[2]
	require.NotNil(t, risk.Risk)
	assert.Equal(t, RiskHigh, risk.Risk.MaxRisk)
	require.NotNil(t, risk.Risk.ConfirmAbove)
	assert.Equal(t, RiskMedium, *risk.Risk.ConfirmAbove)

	rate := policies[3]
	require.NotNil(t, rate.Frequency)
	assert.Equal(t, 20, rate.Frequency.MaxRequests)
	assert.Equal(t, time.Minute, rate.Frequency.Window)
	assert.False(t, rate.Active)
}

func TestParse_LoadsIntoEngine(t *testing.T) {
	defaultOutcome, policies, err := Parse([]byte(samplePolicyFile))
	require.NoError(t, err)

	e := NewEngine(defaultOutcome)
	require.NoError(t, e.SetPolicies(policies))

	res := e.Evaluate(request("file", "read", RiskLow))
	assert.Equal(t, Allow, res.Decision)
	assert.Equal(t, "allow-reads", res.PolicyID)
}

func TestParse_DefaultsToDeny(t *testing.T) {
	defaultOutcome, policies, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, Deny, defaultOutcome)
	assert.Empty(t, policies)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not toml", `{"json": true}`},
		{"bad default", `default = "maybe"`},
		{"continue default", `default = "continue"`},
		{"missing id", "[[policy]]\ntype = \"tool_based\""},
		{"unknown type", "[[policy]]\nid = \"p\"\ntype = \"geo_based\""},
		{"bad day", "[[policy]]\nid = \"p\"\ntype = \"time_based\"\ndays = [\"funday\"]"},
		{"bad risk", "[[policy]]\nid = \"p\"\ntype = \"risk_based\"\nmax_risk = \"extreme\""},
		{"bad window duration", "[[policy]]\nid = \"p\"\ntype = \"frequency_based\"\nmax_requests = 1\nwindow = \"soon\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

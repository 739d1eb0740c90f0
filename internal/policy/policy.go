// ABOUTME: Policy and request types plus per-kind evaluation logic
// ABOUTME: Each policy returns a decisive outcome or Continue to fall through

package policy

import (
	"fmt"
	"time"
)

// Decision is the outcome of evaluating one policy or the whole engine.
type Decision string

const (
	Continue            Decision = "continue"
	Allow               Decision = "allow"
	Deny                Decision = "deny"
	RequireConfirmation Decision = "require_confirmation"
)

// ParseDecision parses a decision name. Continue is not accepted as an
// engine default.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Allow, Deny, RequireConfirmation:
		return Decision(s), nil
	default:
		return "", fmt.Errorf("unknown decision %q", s)
	}
}

// Type identifies the kind of a policy.
type Type string

const (
	TypeToolBased      Type = "tool_based"
	TypeTimeBased      Type = "time_based"
	TypeRiskBased      Type = "risk_based"
	TypeFrequencyBased Type = "frequency_based"
)

// Request is the view of a permission request that policies evaluate.
// Risk is assessed by the caller before evaluation so risk-based policies
// can compare against it.
type Request struct {
	RequestID string
	SessionID string
	Tool      string
	Action    string
	Params    map[string]any
	Timestamp time.Time
	Risk      RiskLevel
}

// Policy is one configurable rule. Exactly one of the per-kind config
// fields is set, matching Kind.
type Policy struct {
	ID       string
	Kind     Type
	Priority int // higher evaluates first
	Active   bool

	Tool      *ToolConfig
	Time      *TimeConfig
	Risk      *RiskConfig
	Frequency *FrequencyConfig
}

// ToolConfig allows or denies by tool name or "tool:action" pair.
// Deny matches win over allow matches; "*" matches everything.
type ToolConfig struct {
	Allow []string
	Deny  []string
}

// TimeConfig restricts requests to time windows on selected weekdays.
// An empty Days list means every day. Windows may wrap midnight.
type TimeConfig struct {
	Windows []Window
	Days    []time.Weekday
}

// Window is a daily time range in "HH:MM" form.
type Window struct {
	Start string
	End   string
}

// RiskConfig bounds acceptable risk. Requests above MaxRisk are denied;
// requests above ConfirmAbove (when set) require confirmation.
type RiskConfig struct {
	MaxRisk      RiskLevel
	ConfirmAbove *RiskLevel
}

// FrequencyConfig rate-limits requests per tool/action pair.
type FrequencyConfig struct {
	MaxRequests int
	Window      time.Duration
}

// matchesTool reports whether pattern matches the request's tool or
// tool:action pair.
func matchesTool(pattern, tool, action string) bool {
	return pattern == "*" || pattern == tool || pattern == tool+":"+action
}

// evalTool applies a tool-based policy.
func evalTool(cfg *ToolConfig, req Request) (Decision, string) {
	for _, pattern := range cfg.Deny {
		if matchesTool(pattern, req.Tool, req.Action) {
			return Deny, fmt.Sprintf("tool %s:%s is deny-listed", req.Tool, req.Action)
		}
	}
	for _, pattern := range cfg.Allow {
		if matchesTool(pattern, req.Tool, req.Action) {
			return Allow, ""
		}
	}
	return Continue, ""
}

// evalTime applies a time-based policy: deny outside the allowed windows.
func evalTime(cfg *TimeConfig, req Request) (Decision, string) {
	if !dayAllowed(cfg.Days, req.Timestamp.Weekday()) {
		return Deny, fmt.Sprintf("requests not permitted on %s", req.Timestamp.Weekday())
	}
	if len(cfg.Windows) == 0 {
		return Continue, ""
	}
	minutes := req.Timestamp.Hour()*60 + req.Timestamp.Minute()
	for _, w := range cfg.Windows {
		if w.contains(minutes) {
			return Continue, ""
		}
	}
	return Deny, "request outside permitted hours"
}

// dayAllowed reports whether day is in days; empty means all days.
func dayAllowed(days []time.Weekday, day time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// contains reports whether the minute-of-day falls inside the window,
// handling windows that wrap midnight (e.g. 22:00-06:00).
func (w Window) contains(minutes int) bool {
	start, errS := parseHHMM(w.Start)
	end, errE := parseHHMM(w.End)
	if errS != nil || errE != nil {
		return false
	}
	if start <= end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

// parseHHMM parses "HH:MM" into minutes since midnight.
func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// evalRisk applies a risk-based policy.
func evalRisk(cfg *RiskConfig, req Request) (Decision, string) {
	if req.Risk > cfg.MaxRisk {
		return Deny, fmt.Sprintf("risk %s exceeds maximum %s", req.Risk, cfg.MaxRisk)
	}
	if cfg.ConfirmAbove != nil && req.Risk > *cfg.ConfirmAbove {
		return RequireConfirmation, fmt.Sprintf("risk %s requires confirmation", req.Risk)
	}
	return Continue, ""
}

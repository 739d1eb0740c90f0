// ABOUTME: Loads declarative policy files in TOML format
// ABOUTME: Translates the file schema into Policy values for the engine

package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// policyFile is the on-disk schema.
type policyFile struct {
	Default  string       `toml:"default"`
	Policies []policyRule `toml:"policy"`
}

type policyRule struct {
	ID       string `toml:"id"`
	Type     string `toml:"type"`
	Priority int    `toml:"priority"`
	Disabled bool   `toml:"disabled"`

	// tool_based
	Allow []string `toml:"allow"`
	Deny  []string `toml:"deny"`

	// time_based
	Windows []windowRule `toml:"window"`
	Days    []string     `toml:"days"`

	// risk_based
	MaxRisk      string `toml:"max_risk"`
	ConfirmAbove string `toml:"confirm_above"`

	// frequency_based
	MaxRequests int    `toml:"max_requests"`
	Window      string `toml:"window"`
}

type windowRule struct {
	Start string `toml:"start"`
	End   string `toml:"end"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// LoadFile reads a TOML policy file and returns the default outcome plus
// the parsed policy set, ready for Engine.SetPolicies.
func LoadFile(path string) (Decision, []Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a TOML policy document.
func Parse(data []byte) (Decision, []Policy, error) {
	var file policyFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return "", nil, fmt.Errorf("parsing policy file: %w", err)
	}

	defaultOutcome := Deny
	if file.Default != "" {
		d, err := ParseDecision(file.Default)
		if err != nil {
			return "", nil, fmt.Errorf("default outcome: %w", err)
		}
		if d == Continue {
			return "", nil, fmt.Errorf("default outcome: %q is not decisive", file.Default)
		}
		defaultOutcome = d
	}

	policies := make([]Policy, 0, len(file.Policies))
	for i, rule := range file.Policies {
		p, err := rule.toPolicy()
		if err != nil {
			return "", nil, fmt.Errorf("policy %d: %w", i+1, err)
		}
		policies = append(policies, p)
	}
	return defaultOutcome, policies, nil
}

func (r policyRule) toPolicy() (Policy, error) {
	p := Policy{
		ID:       r.ID,
		Kind:     Type(r.Type),
		Priority: r.Priority,
		Active:   !r.Disabled,
	}
	if p.ID == "" {
		return Policy{}, fmt.Errorf("missing id")
	}

	switch p.Kind {
	case TypeToolBased:
		p.Tool = &ToolConfig{Allow: r.Allow, Deny: r.Deny}

	case TypeTimeBased:
		cfg := &TimeConfig{}
		for _, w := range r.Windows {
			cfg.Windows = append(cfg.Windows, Window{Start: w.Start, End: w.End})
		}
		for _, name := range r.Days {
			day, ok := weekdays[strings.ToLower(name)]
			if !ok {
				return Policy{}, fmt.Errorf("unknown day %q", name)
			}
			cfg.Days = append(cfg.Days, day)
		}
		p.Time = cfg

	case TypeRiskBased:
		maxRisk, err := ParseRiskLevel(r.MaxRisk)
		if err != nil {
			return Policy{}, fmt.Errorf("max_risk: %w", err)
		}
		cfg := &RiskConfig{MaxRisk: maxRisk}
		if r.ConfirmAbove != "" {
			above, err := ParseRiskLevel(r.ConfirmAbove)
			if err != nil {
				return Policy{}, fmt.Errorf("confirm_above: %w", err)
			}
			cfg.ConfirmAbove = &above
		}
		p.Risk = cfg

	case TypeFrequencyBased:
		window, err := time.ParseDuration(r.Window)
		if err != nil {
			return Policy{}, fmt.Errorf("window: %w", err)
		}
		p.Frequency = &FrequencyConfig{MaxRequests: r.MaxRequests, Window: window}

	default:
		return Policy{}, fmt.Errorf("unknown type %q", r.Type)
	}
	return p, nil
}

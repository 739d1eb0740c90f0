// ABOUTME: Risk scoring for permission requests
// ABOUTME: Tool category, action verb, and parameter patterns raise the level

package gate

import (
	"fmt"
	"strings"

	"github.com/pocketagent/pocketagent/internal/policy"
	"github.com/pocketagent/pocketagent/internal/protocol"
)

// Tool categories that touch sensitive surfaces.
var sensitiveTools = map[string]bool{
	"file":     true,
	"database": true,
	"system":   true,
	"network":  true,
}

// Actions that change or run things.
var destructiveActions = map[string]bool{
	"delete":  true,
	"modify":  true,
	"execute": true,
	"write":   true,
}

// Parameter substrings that mark an operation as critical.
var criticalMarkers = []string{
	"rm -rf",
	"-rf ",
	"--recursive",
	"--force",
	"sudo ",
	"su -",
	"setuid",
	"chmod 777",
	"/etc/",
	"/usr/bin",
	"/boot/",
	"/dev/sd",
	"mkfs",
	"dd if=",
}

// Shell metacharacters in execute parameters allow command chaining.
const shellMetacharacters = ";|&`$"

// AssessRisk scores a request. The level starts low and rises with the
// tool's category, the action verb, and dangerous parameter values. Risk is
// computed before policy evaluation so risk-based policies see it.
func AssessRisk(req *protocol.PermissionRequest) policy.RiskLevel {
	risk := policy.RiskLow

	if sensitiveTools[strings.ToLower(req.Tool)] {
		risk = policy.RiskMedium
	}
	if destructiveActions[strings.ToLower(req.Action)] {
		risk = policy.RiskHigh
	}
	if hasCriticalParams(req) {
		risk = policy.RiskCritical
	}
	return risk
}

func hasCriticalParams(req *protocol.PermissionRequest) bool {
	executing := strings.EqualFold(req.Action, "execute")
	for _, v := range req.Params {
		value := strings.ToLower(fmt.Sprintf("%v", v))
		for _, marker := range criticalMarkers {
			if strings.Contains(value, marker) {
				return true
			}
		}
		if executing && strings.ContainsAny(value, shellMetacharacters) {
			return true
		}
	}
	return false
}

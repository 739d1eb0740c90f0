// ABOUTME: Canonical string construction for permission request signatures
// ABOUTME: Client and server must agree byte-for-byte on this form

package protocol

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// ChallengePayload builds the byte string an AuthResponse signature covers:
// "timestamp|nonce" with the nonce base64-encoded.
func ChallengePayload(timestamp int64, nonce []byte) []byte {
	return []byte(fmt.Sprintf("%d|%s", timestamp, base64.StdEncoding.EncodeToString(nonce)))
}

// CanonicalRequestString builds the string that a PermissionRequest signature
// covers: "requestID:tool:action:timestamp:sortedParams", where sortedParams
// is "k=v" pairs joined by commas in ascending key order. Parameter values
// are rendered with %v, so both sides must carry params as decoded JSON.
func CanonicalRequestString(id, tool, action string, timestamp int64, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, params[k]))
	}

	return fmt.Sprintf("%s:%s:%s:%d:%s", id, tool, action, timestamp, strings.Join(pairs, ","))
}

// CanonicalString returns the canonical form of this request.
func (r *PermissionRequest) CanonicalString() string {
	return CanonicalRequestString(r.ID, r.Tool, r.Action, r.Timestamp, r.Params)
}

// CanonicalResponseString builds the string a PermissionResponse signature
// covers.
func CanonicalResponseString(requestID, decision string, confirmed bool, timestamp int64) string {
	return fmt.Sprintf("%s:%s:%t:%d", requestID, decision, confirmed, timestamp)
}

// CanonicalString returns the canonical form of this response.
func (r *PermissionResponse) CanonicalString() string {
	return CanonicalResponseString(r.RequestID, r.Decision, r.Confirmed, r.Timestamp)
}

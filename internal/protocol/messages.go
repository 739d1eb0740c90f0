// ABOUTME: Concrete wire message types for handshake, heartbeat, and permissions
// ABOUTME: Each message declares its envelope discriminant via messageType()

package protocol

// MessageType discriminates the payload carried by an Envelope.
type MessageType string

const (
	TypeAuthChallenge      MessageType = "auth_challenge"
	TypeAuthResponse       MessageType = "auth_response"
	TypeAuthResult         MessageType = "auth_result"
	TypeAuthReject         MessageType = "auth_reject"
	TypePermissionRequest  MessageType = "permission_request"
	TypePermissionResponse MessageType = "permission_response"
	TypeHeartbeatProbe     MessageType = "heartbeat_probe"
	TypeHeartbeatAck       MessageType = "heartbeat_ack"
	TypeSessionClose       MessageType = "session_close"
)

// Message is implemented by every wire message.
type Message interface {
	messageType() MessageType
}

// AuthChallenge is sent by the server when a transport connects.
// The client must sign Nonce to prove possession of its private key.
type AuthChallenge struct {
	Nonce    []byte `json:"nonce"`
	IssuedAt int64  `json:"issued_at"` // Unix seconds
}

// AuthResponse carries the client's signature over the challenge nonce.
// PublicKey is in authorized_keys format; Signature is the base64-encoded
// SSH wire encoding of the signature.
type AuthResponse struct {
	ProjectID string `json:"project_id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"` // Unix seconds
	Nonce     []byte `json:"nonce"`
}

// AuthResult is sent by the server on handshake success. SessionKey is the
// base64-encoded symmetric key used to authenticate permission traffic for
// the lifetime of the session.
type AuthResult struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token"`
	SessionKey   string `json:"session_key"`
	ExpiresAt    int64  `json:"expires_at"` // Unix seconds, 0 = no expiry
}

// AuthReject is sent by the server on handshake failure.
type AuthReject struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// PermissionRequest asks the client to approve a tool invocation by the
// remote agent. Signature is a hex-encoded HMAC-SHA256 over the canonical
// request string (see CanonicalRequestString) keyed by the session key.
type PermissionRequest struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp int64          `json:"timestamp"` // Unix seconds
	Signature string         `json:"signature"`
}

// Decision values carried by PermissionResponse.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// PermissionResponse is the client's signed verdict on a PermissionRequest.
type PermissionResponse struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	Confirmed bool   `json:"confirmed,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// HeartbeatProbe is a liveness check sent while a session is active.
// Seq increments per probe so an ack can be matched to its probe.
type HeartbeatProbe struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	SentAt    int64  `json:"sent_at"` // Unix seconds
}

// HeartbeatAck answers a HeartbeatProbe.
type HeartbeatAck struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

// SessionClose announces an orderly teardown of the session.
type SessionClose struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

func (AuthChallenge) messageType() MessageType      { return TypeAuthChallenge }
func (AuthResponse) messageType() MessageType       { return TypeAuthResponse }
func (AuthResult) messageType() MessageType         { return TypeAuthResult }
func (AuthReject) messageType() MessageType         { return TypeAuthReject }
func (PermissionRequest) messageType() MessageType  { return TypePermissionRequest }
func (PermissionResponse) messageType() MessageType { return TypePermissionResponse }
func (HeartbeatProbe) messageType() MessageType     { return TypeHeartbeatProbe }
func (HeartbeatAck) messageType() MessageType       { return TypeHeartbeatAck }
func (SessionClose) messageType() MessageType       { return TypeSessionClose }

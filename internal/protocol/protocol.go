// Package protocol defines the wire format shared with the QQ bot platform:
// the frame envelope and its opcodes, dispatch event names, intent bits,
// close-code classification, and the webhook callback envelope.
// All frames are JSON-encoded.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Opcode identifies the kind of frame on the socket and in callback bodies.
type Opcode int

const (
	// Server → client
	OpDispatch       Opcode = 0  // Named event with payload, carries a sequence number.
	OpReconnect      Opcode = 7  // Server asks the client to reconnect.
	OpInvalidSession Opcode = 9  // Identify was rejected or the session expired.
	OpHello          Opcode = 10 // First frame after connect, carries the heartbeat interval.
	OpHeartbeatAck   Opcode = 11 // Acknowledges a client heartbeat.

	// Client → server
	OpHeartbeat Opcode = 1 // Liveness signal, carries the last-seen sequence.
	OpIdentify  Opcode = 2 // Authenticates the connection and subscribes intents.
	OpResume    Opcode = 6 // Session resumption. Unused: sessions are never resumed.

	// Webhook only
	OpHTTPCallbackAck    Opcode = 12 // Acknowledgement body returned for callback posts.
	OpHTTPCallbackVerify Opcode = 13 // Endpoint validation challenge.
)

// Intent bits declared in the Identify frame.
const (
	IntentGuilds              = 1 << 0
	IntentGuildMembers        = 1 << 1
	IntentGuildMessages       = 1 << 9 // Private-domain guild messages.
	IntentDirectMessages      = 1 << 12
	IntentPublicGuildMessages = 1 << 30 // Public-domain @-mention messages.

	// DefaultIntents is the fixed subscription every connection declares:
	// guild events, member events, guild messages, and direct messages.
	DefaultIntents = IntentGuilds | IntentGuildMembers | IntentGuildMessages | IntentDirectMessages
)

// Dispatch event types the connector understands.
const (
	EventReady               = "READY"
	EventResumed             = "RESUMED"
	EventMessageCreate       = "MESSAGE_CREATE"
	EventAtMessageCreate     = "AT_MESSAGE_CREATE"
	EventDirectMessageCreate = "DIRECT_MESSAGE_CREATE"
)

// Envelope is the socket frame wrapper. Sequence and Type are only set on
// dispatch frames.
type Envelope struct {
	Op       Opcode          `json:"op"`
	Data     json.RawMessage `json:"d,omitempty"`
	Sequence int64           `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
}

// NewEnvelope creates a client frame with payload marshaled into the data
// field. A nil payload marshals to an explicit JSON null, which is what the
// platform expects for a first heartbeat.
func NewEnvelope(op Opcode, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Op: op, Data: data}, nil
}

// NewHeartbeat creates an op 1 frame carrying seq, or JSON null when seq is
// zero (no sequence observed yet on this connection).
func NewHeartbeat(seq int64) (*Envelope, error) {
	if seq == 0 {
		return NewEnvelope(OpHeartbeat, nil)
	}
	return NewEnvelope(OpHeartbeat, seq)
}

// Decode unmarshals the frame payload into the given target.
func (e *Envelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("op %d frame has no payload", e.Op)
	}
	return json.Unmarshal(e.Data, target)
}

// WebhookEnvelope is the body of one inbound callback request. The id field
// is the platform's event id used for acknowledgement bookkeeping.
type WebhookEnvelope struct {
	Op       Opcode          `json:"op"`
	Data     json.RawMessage `json:"d,omitempty"`
	Sequence int64           `json:"s,omitempty"`
	Type     string          `json:"t,omitempty"`
	ID       string          `json:"id,omitempty"`
}

// Decode unmarshals the callback payload into the given target.
func (e *WebhookEnvelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("op %d callback has no payload", e.Op)
	}
	return json.Unmarshal(e.Data, target)
}

// --- Server → client payloads ---

// HelloPayload is the op 10 payload.
type HelloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // Milliseconds.
}

// ReadyPayload is the READY dispatch payload confirming a live session.
type ReadyPayload struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	User      ReadyUser `json:"user"`
	Shard     [2]int    `json:"shard"`
}

// ReadyUser is the bot identity block inside a READY dispatch.
type ReadyUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// MessagePayload is the payload of the inbound-message dispatch events.
type MessagePayload struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channel_id"`
	GuildID   string        `json:"guild_id,omitempty"`
	Content   string        `json:"content"`
	Timestamp string        `json:"timestamp"` // RFC 3339 as sent by the platform.
	Author    MessageAuthor `json:"author"`
}

// MessageAuthor is the sender block inside a message payload.
type MessageAuthor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// --- Client → server payloads ---

// IdentifyPayload is the op 2 payload.
type IdentifyPayload struct {
	Token      string            `json:"token"` // "QQBot {access_token}".
	Intents    int               `json:"intents"`
	Shard      [2]int            `json:"shard"` // Always [0, 1]: single-connection deployment.
	Properties map[string]string `json:"properties,omitempty"`
}

// --- Webhook payloads ---

// ValidationRequest is the op 13 challenge payload posted during endpoint
// provisioning.
type ValidationRequest struct {
	PlainToken string `json:"plain_token"`
	EventTs    string `json:"event_ts"`
}

// ValidationResponse answers the challenge. Signature is the hex-encoded
// Ed25519 signature over event_ts + plain_token.
type ValidationResponse struct {
	PlainToken string `json:"plain_token"`
	Signature  string `json:"signature"`
}

// CallbackAck is the body returned for acknowledged callback posts.
type CallbackAck struct {
	Op Opcode `json:"op"` // Always OpHTTPCallbackAck.
}

// --- Gateway discovery ---

// GatewayInfo is the response of the gateway discovery endpoint.
type GatewayInfo struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit is the identify quota block of the discovery response.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"` // Milliseconds until the quota resets.
	MaxConcurrency int   `json:"max_concurrency"`
}

// --- Close-code classification ---

// Fatal close codes. These indicate configuration or authorization problems
// that will not resolve by retrying with the same parameters.
const (
	CloseAuthenticationFailed = 4004
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
	CloseSessionLimitReached  = 4903
)

// CloseClassification records whether a close code ends the connection
// attempt sequence for good.
type CloseClassification struct {
	Code  int
	Fatal bool
}

// Classify maps a socket close code to its classification. Codes outside
// the fatal set are transient and eligible for reconnection.
func Classify(code int) CloseClassification {
	switch code {
	case CloseAuthenticationFailed,
		CloseInvalidShard,
		CloseShardingRequired,
		CloseInvalidAPIVersion,
		CloseInvalidIntents,
		CloseDisallowedIntents,
		CloseSessionLimitReached:
		return CloseClassification{Code: code, Fatal: true}
	default:
		return CloseClassification{Code: code, Fatal: false}
	}
}

// CloseText returns a short description of a close code, or "unknown" for
// codes outside the documented set.
func CloseText(code int) string {
	switch code {
	case CloseAuthenticationFailed:
		return "authentication failed"
	case CloseInvalidShard:
		return "invalid shard"
	case CloseShardingRequired:
		return "sharding required"
	case CloseInvalidAPIVersion:
		return "invalid api version"
	case CloseInvalidIntents:
		return "invalid intents"
	case CloseDisallowedIntents:
		return "disallowed intents"
	case CloseSessionLimitReached:
		return "session limit reached"
	default:
		return "unknown"
	}
}

// Package domain defines cross-cutting entity types used across the connector.
package domain

import (
	"fmt"
	"time"
)

// TransportMode selects how an account receives events from the platform.
type TransportMode string

const (
	// ModeSocket maintains a persistent WebSocket session against the
	// platform gateway.
	ModeSocket TransportMode = "socket"
	// ModeWebhook runs an HTTP callback listener the platform posts
	// signed events to.
	ModeWebhook TransportMode = "webhook"
)

// AccountCredentials identifies one bot account against the platform.
// Immutable once loaded; owned by the supervisor and passed by reference
// to transports and the credential manager.
type AccountCredentials struct {
	AppID     string
	AppSecret string
	Sandbox   bool // Use the sandbox API host instead of production.
}

// AccessToken is a bearer access token issued for an account.
// Owned by the credential manager; callers always receive a value copy.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is non-empty and expires more than skew
// into the future.
func (t AccessToken) Valid(now time.Time, skew time.Duration) bool {
	return t.Value != "" && t.ExpiresAt.After(now.Add(skew))
}

// BotIdentity is the platform identity of the bot, captured from the Ready
// dispatch on the socket transport.
type BotIdentity struct {
	ID       string
	Username string
}

// GatewaySession tracks one open socket connection. LastSequence only
// advances (never decreases) and is meaningful only while the owning
// connection is open; sessions are destroyed on any disconnect and never
// reused for resumption.
type GatewaySession struct {
	SessionID         string
	LastSequence      int64 // 0 = no sequence observed yet.
	HeartbeatInterval time.Duration
}

// CanonicalEvent is the uniform inbound-message shape produced by both
// transports. Immutable and transient. RawPayload carries the original
// platform payload for collaborators that need fields beyond the canonical
// set.
type CanonicalEvent struct {
	MessageID   string
	ChannelID   string
	GuildID     string // Empty for messages outside a guild context.
	AuthorID    string
	AuthorName  string
	Text        string
	TimestampMs int64
	IsDirect    bool
	RawPayload  []byte
}

// FatalError is a terminal transport failure: a fatal close code, an
// exhausted reconnect budget, or an exhausted session-start quota.
// It is surfaced at most once per transport start; the transport performs
// no further automatic retries after raising it.
type FatalError struct {
	Code       int    // Socket close code; 0 when not code-driven.
	Reason     string
	ResetAfter time.Duration // Session-quota reset hint; 0 when inapplicable.
}

func (e *FatalError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("fatal disconnect (close code %d): %s", e.Code, e.Reason)
	}
	return "fatal disconnect: " + e.Reason
}

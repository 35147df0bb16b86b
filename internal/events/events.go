// Package events converts platform dispatch payloads into the canonical
// event shape shared by both transports, so downstream consumers never see
// transport-specific structure.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkaninda/daraja/internal/domain"
	"github.com/jkaninda/daraja/internal/protocol"
)

// IsMessage reports whether eventType is an inbound-message dispatch the
// connector forwards to consumers.
func IsMessage(eventType string) bool {
	switch eventType {
	case protocol.EventMessageCreate, protocol.EventAtMessageCreate, protocol.EventDirectMessageCreate:
		return true
	default:
		return false
	}
}

// Normalize converts a message dispatch payload into a CanonicalEvent.
// IsDirect is set only for the direct-message event type; guild messages
// keep it false even when the guild id is empty. The raw payload travels
// along unmodified for consumers that need platform fields beyond the
// canonical set.
func Normalize(eventType string, data json.RawMessage) (*domain.CanonicalEvent, error) {
	var msg protocol.MessagePayload
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parsing %s payload: %w", eventType, err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("%s payload carries no message id", eventType)
	}
	return &domain.CanonicalEvent{
		MessageID:   msg.ID,
		ChannelID:   msg.ChannelID,
		GuildID:     msg.GuildID,
		AuthorID:    msg.Author.ID,
		AuthorName:  msg.Author.Username,
		Text:        msg.Content,
		TimestampMs: timestampMs(msg.Timestamp),
		IsDirect:    eventType == protocol.EventDirectMessageCreate,
		RawPayload:  data,
	}, nil
}

// timestampMs parses the platform's RFC 3339 timestamp into Unix
// milliseconds. Returns 0 for a missing or unparsable timestamp; consumers
// treat 0 as unknown.
func timestampMs(ts string) int64 {
	if ts == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

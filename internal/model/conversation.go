// internal/model/conversation.go
package model

import (
	"strings"
	"time"
)

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

const (
	WindowActive  = "active"
	WindowExpired = "expired"
	WindowUnknown = "unknown"
)

// SessionWindowLength is how long a user-initiated message keeps free-form replies open.
const SessionWindowLength = 24 * time.Hour

type ConversationMessage struct {
	ID                int64     `db:"id" json:"id"`
	ConversationID    string    `db:"conversation_id" json:"conversation_id"`
	Direction         string    `db:"direction" json:"direction"`
	ProviderMessageID string    `db:"provider_message_id" json:"provider_message_id,omitempty"`
	SentAt            time.Time `db:"sent_at" json:"sent_at"`
}

// ConversationWindow is derived from history on every read and never stored.
type ConversationWindow struct {
	ConversationID   string     `json:"conversation_id"`
	State            string     `json:"state"`
	Active           *bool      `json:"active"`
	LastInboundAt    *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt   *time.Time `json:"last_outbound_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingMinutes int        `json:"remaining_minutes"`
}

// ConversationID keys a conversation by the business channel and the user's address.
func ConversationID(channelID, address string) string {
	return strings.TrimSpace(channelID) + ":" + strings.TrimPrefix(strings.TrimSpace(address), "+")
}

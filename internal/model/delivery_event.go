// internal/model/delivery_event.go
package model

import (
	"encoding/json"
	"time"
)

const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Severity orders statuses for tie-breaks between events that share a timestamp.
// Unknown statuses rank below everything.
func Severity(status string) int {
	switch status {
	case StatusFailed:
		return 4
	case StatusRead:
		return 3
	case StatusDelivered:
		return 2
	case StatusSent:
		return 1
	}
	return 0
}

func IsDeliveryStatus(status string) bool {
	return Severity(status) > 0
}

// DeliveryEvent is one provider callback entry. Rows are append-only; duplicates are kept.
type DeliveryEvent struct {
	ID                int64           `db:"id" json:"id"`
	ExternalMessageID string          `db:"external_message_id" json:"external_message_id"`
	Status            string          `db:"status" json:"status"`
	EventAt           time.Time       `db:"event_at" json:"event_at"`
	ErrorCode         string          `db:"error_code" json:"error_code,omitempty"`
	ErrorReason       string          `db:"error_reason" json:"error_reason,omitempty"`
	ParseError        string          `db:"parse_error" json:"parse_error,omitempty"`
	RawPayload        json.RawMessage `db:"raw_payload" json:"raw_payload,omitempty"`
	IngestedAt        time.Time       `db:"ingested_at" json:"ingested_at"`
}

// Mergeable reports whether the event can take part in status merging.
func (e *DeliveryEvent) Mergeable() bool {
	return e.ParseError == "" && e.ExternalMessageID != "" && IsDeliveryStatus(e.Status) && !e.EventAt.IsZero()
}

// internal/model/message_status.go
package model

import "time"

// MessageStatus is the canonical delivery state of one provider message,
// always derivable from its DeliveryEvents.
type MessageStatus struct {
	ExternalMessageID string    `db:"external_message_id" json:"external_message_id"`
	Status            string    `db:"status" json:"status"`
	EventAt           time.Time `db:"event_at" json:"event_at"`
	ErrorReason       string    `db:"error_reason" json:"error_reason,omitempty"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Equal compares the derived fields, ignoring bookkeeping timestamps.
func (s MessageStatus) Equal(o MessageStatus) bool {
	return s.ExternalMessageID == o.ExternalMessageID &&
		s.Status == o.Status &&
		s.EventAt.Equal(o.EventAt) &&
		s.ErrorReason == o.ErrorReason
}

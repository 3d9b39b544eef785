// internal/model/send_task.go
package model

import (
	"strings"
	"time"
)

const (
	TaskQueued     = "queued"
	TaskProcessing = "processing"
	TaskSent       = "sent"
	TaskFailed     = "failed"
)

const (
	PayloadTemplate = "template"
	PayloadText     = "text"
)

// Payload is what gets sent to the recipient: an approved template with
// positional parameters, or a free-form text body.
type Payload struct {
	Kind             string            `json:"kind"`
	TemplateName     string            `json:"template_name,omitempty"`
	TemplateLanguage string            `json:"template_language,omitempty"`
	Params           []string          `json:"params,omitempty"`
	Body             string            `json:"body,omitempty"`
	Vars             map[string]string `json:"vars,omitempty"`
}

// IsFreeform reports whether the payload needs an open session window.
func (p Payload) IsFreeform() bool {
	return p.Kind != PayloadTemplate
}

type SendTask struct {
	ID                int        `db:"id" json:"id"`
	CampaignID        *int       `db:"campaign_id" json:"campaign_id,omitempty"`
	TenantID          string     `db:"tenant_id" json:"tenant_id"`
	ChannelID         string     `db:"channel_id" json:"channel_id"`
	Recipient         string     `db:"recipient" json:"recipient"`
	Payload           Payload    `db:"payload" json:"payload"`
	State             string     `db:"state" json:"state"`
	Attempts          int        `db:"attempts" json:"attempts"`
	LastError         string     `db:"last_error" json:"last_error,omitempty"`
	ProviderMessageID string     `db:"provider_message_id" json:"provider_message_id,omitempty"`
	AvailableAt       time.Time  `db:"available_at" json:"available_at"`
	ClaimedAt         *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

func (t *SendTask) ConversationID() string {
	return ConversationID(t.ChannelID, t.Recipient)
}

func (t *SendTask) RateLimitKey() string {
	return RateLimitKey(t.TenantID, t.ChannelID)
}

// TaskError is one entry of the recent-errors sample shown with campaign progress.
type TaskError struct {
	TaskID    int       `json:"task_id"`
	Recipient string    `json:"recipient"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

func RateLimitKey(tenantID, channelID string) string {
	return strings.TrimSpace(tenantID) + ":" + strings.TrimSpace(channelID)
}

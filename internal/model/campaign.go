// internal/model/campaign.go
package model

import "time"

const (
	CampaignDraft     = "draft"
	CampaignRunning   = "running"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignFailed    = "failed"
)

type Campaign struct {
	ID               int        `db:"id" json:"id"`
	TenantID         string     `db:"tenant_id" json:"tenant_id"`
	ChannelID        string     `db:"channel_id" json:"channel_id"`
	Name             string     `db:"name" json:"name"`
	TemplateName     string     `db:"template_name" json:"template_name"`
	TemplateLanguage string     `db:"template_language" json:"template_language"`
	ParamFields      []string   `db:"param_fields" json:"param_fields,omitempty"`
	Status           string     `db:"status" json:"status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt       *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	UpdatedAt        *time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

// RateLimitKey identifies the tenant-channel pair sends are counted against.
func (c *Campaign) RateLimitKey() string {
	return RateLimitKey(c.TenantID, c.ChannelID)
}

// Runnable reports whether a batch may claim tasks for this campaign.
func (c *Campaign) Runnable() bool {
	return c.Status == CampaignDraft || c.Status == CampaignRunning
}

// TemplateParams fills the template's positional parameters from
// recipient fields, in ParamFields order. Missing fields become empty strings.
func (c *Campaign) TemplateParams(fields map[string]string) []string {
	if len(c.ParamFields) == 0 {
		return nil
	}
	params := make([]string, len(c.ParamFields))
	for i, f := range c.ParamFields {
		params[i] = fields[f]
	}
	return params
}

// CampaignCounts aggregates task states for one campaign.
type CampaignCounts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
}

func (c CampaignCounts) Total() int {
	return c.Queued + c.Processing + c.Sent + c.Failed
}

// Open counts tasks that still need a worker.
func (c CampaignCounts) Open() int {
	return c.Queued + c.Processing
}

// CampaignSummary is a campaign together with its task counts, as listed to operators.
type CampaignSummary struct {
	Campaign
	Counts CampaignCounts `json:"counts"`
}

// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
	"github.com/unclebandit/waleopard-engine/internal/queue"
	"github.com/unclebandit/waleopard-engine/internal/repository"
)

const recentErrorSample = 10

// BatchRunner runs one dispatch batch for a campaign.
type BatchRunner interface {
	RunBatch(ctx context.Context, campaignID int) (BatchResult, error)
}

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ContactRepo  repository.ContactRepositoryInterface
	TaskRepo     repository.SendTaskRepositoryInterface
	Dispatcher   BatchRunner
	Queue        queue.Queue
	Logger       zerolog.Logger
}

type CreateCampaignInput struct {
	TenantID         string   `json:"tenant_id"`
	ChannelID        string   `json:"channel_id"`
	Name             string   `json:"name"`
	TemplateName     string   `json:"template_name"`
	TemplateLanguage string   `json:"template_language"`
	ParamFields      []string `json:"param_fields"`
}

// Recipient is a raw address with its own template parameters.
type Recipient struct {
	Phone  string   `json:"phone"`
	Params []string `json:"params"`
}

type AddRecipientsInput struct {
	ContactIDs []int       `json:"contact_ids"`
	Recipients []Recipient `json:"recipients"`
}

type AddRecipientsResult struct {
	CampaignID int `json:"campaign_id"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// RunResult is returned when a batch is triggered; Batch is only set for inline runs.
type RunResult struct {
	CampaignID int          `json:"campaign_id"`
	Queued     bool         `json:"queued"`
	Batch      *BatchResult `json:"batch,omitempty"`
}

type CampaignDetails struct {
	ID               int               `json:"id"`
	TenantID         string            `json:"tenant_id"`
	ChannelID        string            `json:"channel_id"`
	Name             string            `json:"name"`
	TemplateName     string            `json:"template_name"`
	TemplateLanguage string            `json:"template_language"`
	ParamFields      []string          `json:"param_fields"`
	Status           string            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	UpdatedAt        *time.Time        `json:"updated_at"`
	Stats            map[string]int    `json:"stats"`
	Delivery         map[string]int    `json:"delivery"`
	RecentErrors     []model.TaskError `json:"recent_errors"`
}

// ErrValidation wraps request problems the controller reports as 400.
var ErrValidation = errors.New("validation failed")

func validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"tenant_id", in.TenantID},
		{"channel_id", in.ChannelID},
		{"name", in.Name},
		{"template_name", in.TemplateName},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return nil, validation("missing required fields: %s", strings.Join(missing, ", "))
	}
	if in.TemplateLanguage == "" {
		in.TemplateLanguage = "en"
	}

	c := &model.Campaign{
		TenantID:         strings.TrimSpace(in.TenantID),
		ChannelID:        strings.TrimSpace(in.ChannelID),
		Name:             in.Name,
		TemplateName:     in.TemplateName,
		TemplateLanguage: in.TemplateLanguage,
		ParamFields:      in.ParamFields,
		Status:           model.CampaignDraft,
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.Logger.Info().Int("campaign_id", c.ID).Str("tenant_id", c.TenantID).Msg("campaign created")
	return c, nil
}

// ListCampaigns fetches campaigns with their task counts, paginated
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, tenantID, status string) ([]model.CampaignSummary, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, tenantID, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.CampaignSummary, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	counts, err := s.CampaignRepo.GetCampaignStats(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign %d stats: %w", campaignID, err)
	}
	delivery, err := s.CampaignRepo.DeliveryBreakdown(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign %d delivery breakdown: %w", campaignID, err)
	}
	recent, err := s.CampaignRepo.RecentErrors(ctx, campaignID, recentErrorSample)
	if err != nil {
		return nil, fmt.Errorf("campaign %d recent errors: %w", campaignID, err)
	}
	if recent == nil {
		recent = []model.TaskError{}
	}

	stats := map[string]int{
		"total":      counts.Total(),
		"queued":     counts.Queued,
		"processing": counts.Processing,
		"sent":       counts.Sent,
		"failed":     counts.Failed,
	}
	breakdown := map[string]int{
		model.StatusSent:      0,
		model.StatusDelivered: 0,
		model.StatusRead:      0,
		model.StatusFailed:    0,
	}
	for k, v := range delivery {
		breakdown[k] = v
	}

	return &CampaignDetails{
		ID:               campaign.ID,
		TenantID:         campaign.TenantID,
		ChannelID:        campaign.ChannelID,
		Name:             campaign.Name,
		TemplateName:     campaign.TemplateName,
		TemplateLanguage: campaign.TemplateLanguage,
		ParamFields:      campaign.ParamFields,
		Status:           campaign.Status,
		CreatedAt:        campaign.CreatedAt,
		StartedAt:        campaign.StartedAt,
		FinishedAt:       campaign.FinishedAt,
		UpdatedAt:        campaign.UpdatedAt,
		Stats:            stats,
		Delivery:         breakdown,
		RecentErrors:     recent,
	}, nil
}

// RenderPreview returns the template parameters a contact would receive.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, contactID int) (model.Payload, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return model.Payload{}, err
	}
	contact, err := s.ContactRepo.GetByID(ctx, contactID)
	if err != nil {
		return model.Payload{}, err
	}
	if contact.TenantID != campaign.TenantID {
		return model.Payload{}, appErrors.NewContactNotFound(contactID)
	}
	return templatePayload(campaign, campaign.TemplateParams(contact.Params())), nil
}

// AddRecipients enqueues one task per recipient. Adding a recipient the
// campaign already has is a no-op.
func (s *CampaignService) AddRecipients(ctx context.Context, campaignID int, in AddRecipientsInput) (*AddRecipientsResult, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Status == model.CampaignCompleted || campaign.Status == model.CampaignFailed {
		return nil, fmt.Errorf("%w: campaign %d is %s", appErrors.ErrInvalidTransition, campaignID, campaign.Status)
	}
	if len(in.ContactIDs) == 0 && len(in.Recipients) == 0 {
		return nil, validation("contact_ids or recipients required")
	}

	result := &AddRecipientsResult{CampaignID: campaignID}
	enqueue := func(phone string, params []string) error {
		phone = strings.TrimSpace(phone)
		if phone == "" {
			result.Skipped++
			return nil
		}
		campaignRef := campaign.ID
		t := &model.SendTask{
			CampaignID: &campaignRef,
			TenantID:   campaign.TenantID,
			ChannelID:  campaign.ChannelID,
			Recipient:  phone,
			Payload:    templatePayload(campaign, params),
		}
		created, err := s.TaskRepo.Enqueue(ctx, t)
		if err != nil {
			return fmt.Errorf("enqueue recipient %s: %w", phone, err)
		}
		if created {
			result.Enqueued++
		} else {
			result.Duplicates++
		}
		return nil
	}

	if len(in.ContactIDs) > 0 {
		contacts, err := s.ContactRepo.GetByIDs(ctx, campaign.TenantID, in.ContactIDs)
		if err != nil {
			return nil, err
		}
		result.Skipped += len(uniqueInts(in.ContactIDs)) - len(contacts)
		for _, c := range contacts {
			if err := enqueue(c.Phone, campaign.TemplateParams(c.Params())); err != nil {
				return result, err
			}
		}
	}
	for _, r := range in.Recipients {
		if err := enqueue(r.Phone, r.Params); err != nil {
			return result, err
		}
	}

	s.Logger.Info().Int("campaign_id", campaignID).Int("enqueued", result.Enqueued).
		Int("duplicates", result.Duplicates).Int("skipped", result.Skipped).Msg("recipients added")
	return result, nil
}

// RunCampaign triggers a dispatch batch, either through the queue or inline.
func (s *CampaignService) RunCampaign(ctx context.Context, campaignID int, inline bool) (*RunResult, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !campaign.Runnable() {
		return nil, fmt.Errorf("%w: campaign %d is %s", appErrors.ErrInvalidTransition, campaignID, campaign.Status)
	}

	if inline || s.Queue == nil {
		batch, err := s.Dispatcher.RunBatch(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		return &RunResult{CampaignID: campaignID, Batch: &batch}, nil
	}

	if err := s.Queue.Publish(queue.TopicCampaignBatches, queue.BatchJob{CampaignID: campaignID}); err != nil {
		return nil, fmt.Errorf("publish batch for campaign %d: %w", campaignID, err)
	}
	return &RunResult{CampaignID: campaignID, Queued: true}, nil
}

func (s *CampaignService) PauseCampaign(ctx context.Context, campaignID int) (*model.Campaign, error) {
	return s.transition(ctx, campaignID, []string{model.CampaignDraft, model.CampaignRunning}, model.CampaignPaused)
}

func (s *CampaignService) ResumeCampaign(ctx context.Context, campaignID int) (*model.Campaign, error) {
	return s.transition(ctx, campaignID, []string{model.CampaignPaused}, model.CampaignRunning)
}

func (s *CampaignService) transition(ctx context.Context, campaignID int, from []string, to string) (*model.Campaign, error) {
	ok, err := s.CampaignRepo.TransitionStatus(ctx, campaignID, from, to)
	if err != nil {
		return nil, err
	}
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: campaign %d is %s, cannot move to %s",
			appErrors.ErrInvalidTransition, campaignID, campaign.Status, to)
	}
	s.Logger.Info().Int("campaign_id", campaignID).Str("status", to).Msg("campaign status changed")
	return campaign, nil
}

func templatePayload(c *model.Campaign, params []string) model.Payload {
	return model.Payload{
		Kind:             model.PayloadTemplate,
		TemplateName:     c.TemplateName,
		TemplateLanguage: c.TemplateLanguage,
		Params:           params,
	}
}

func uniqueInts(ids []int) map[int]struct{} {
	seen := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return seen
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
)

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, tenantID, status string) ([]*model.CampaignSummary, int, error)
	ListRunningIDs(ctx context.Context) ([]int, error)
	// TransitionStatus moves a campaign to status only if it is currently in one of from.
	TransitionStatus(ctx context.Context, id int, from []string, to string) (bool, error)
	GetCampaignStats(ctx context.Context, id int) (model.CampaignCounts, error)
	RecentErrors(ctx context.Context, id, limit int) ([]model.TaskError, error)
	DeliveryBreakdown(ctx context.Context, id int) (map[string]int, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, tenant_id, channel_id, name, template_name, template_language, param_fields, status, created_at, started_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner, c *model.Campaign) error {
	return row.Scan(&c.ID, &c.TenantID, &c.ChannelID, &c.Name, &c.TemplateName, &c.TemplateLanguage,
		pq.Array(&c.ParamFields), &c.Status, &c.CreatedAt, &c.StartedAt, &c.FinishedAt, &c.UpdatedAt)
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	if c.ParamFields == nil {
		c.ParamFields = []string{}
	}
	query := `
        INSERT INTO campaigns (tenant_id, channel_id, name, template_name, template_language, param_fields, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, c.TenantID, c.ChannelID, c.Name, c.TemplateName,
		c.TemplateLanguage, pq.Array(c.ParamFields), c.Status, c.CreatedAt).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	var c model.Campaign
	if err := scanCampaign(r.DB.QueryRowContext(ctx, query, id), &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, tenantID, status string) ([]*model.CampaignSummary, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if tenantID != "" {
		where += fmt.Sprintf(" AND c.tenant_id=$%d", argPos)
		args = append(args, tenantID)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND c.status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query := `
        SELECT c.id, c.tenant_id, c.channel_id, c.name, c.template_name, c.template_language, c.param_fields, c.status,
               c.created_at, c.started_at, c.finished_at, c.updated_at,
               COUNT(t.id) FILTER (WHERE t.state = 'queued'),
               COUNT(t.id) FILTER (WHERE t.state = 'processing'),
               COUNT(t.id) FILTER (WHERE t.state = 'sent'),
               COUNT(t.id) FILTER (WHERE t.state = 'failed')
        FROM campaigns c
        LEFT JOIN send_tasks t ON t.campaign_id = c.id` + where + `
        GROUP BY c.id` +
		fmt.Sprintf(" ORDER BY c.id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	listArgs := append(append([]any{}, args...), limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	summaries := []*model.CampaignSummary{}
	for rows.Next() {
		s := &model.CampaignSummary{}
		c := &s.Campaign
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ChannelID, &c.Name, &c.TemplateName, &c.TemplateLanguage,
			pq.Array(&c.ParamFields), &c.Status, &c.CreatedAt, &c.StartedAt, &c.FinishedAt, &c.UpdatedAt,
			&s.Counts.Queued, &s.Counts.Processing, &s.Counts.Sent, &s.Counts.Failed); err != nil {
			return nil, 0, err
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns c`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

func (r *CampaignRepository) ListRunningIDs(ctx context.Context) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM campaigns WHERE status=$1 ORDER BY id`, model.CampaignRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int, from []string, to string) (bool, error) {
	query := `
        UPDATE campaigns
        SET status=$1,
            updated_at=now(),
            started_at = CASE WHEN $1 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
            finished_at = CASE WHEN $1 IN ('completed', 'failed') THEN now() ELSE finished_at END
        WHERE id=$2 AND status = ANY($3)
    `
	res, err := r.DB.ExecContext(ctx, query, to, id, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ====================== Progress ======================

func (r *CampaignRepository) GetCampaignStats(ctx context.Context, id int) (model.CampaignCounts, error) {
	query := `SELECT state, COUNT(*) FROM send_tasks WHERE campaign_id=$1 GROUP BY state`
	rows, err := r.DB.QueryContext(ctx, query, id)
	if err != nil {
		return model.CampaignCounts{}, err
	}
	defer rows.Close()

	var counts model.CampaignCounts
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return model.CampaignCounts{}, err
		}
		switch state {
		case model.TaskQueued:
			counts.Queued = n
		case model.TaskProcessing:
			counts.Processing = n
		case model.TaskSent:
			counts.Sent = n
		case model.TaskFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

func (r *CampaignRepository) RecentErrors(ctx context.Context, id, limit int) ([]model.TaskError, error) {
	query := `
        SELECT id, recipient, last_error, updated_at
        FROM send_tasks
        WHERE campaign_id=$1 AND last_error <> ''
        ORDER BY updated_at DESC, id DESC
        LIMIT $2
    `
	rows, err := r.DB.QueryContext(ctx, query, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.TaskError{}
	for rows.Next() {
		var e model.TaskError
		if err := rows.Scan(&e.TaskID, &e.Recipient, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeliveryBreakdown counts the canonical delivery status of the campaign's sent messages.
func (r *CampaignRepository) DeliveryBreakdown(ctx context.Context, id int) (map[string]int, error) {
	query := `
        SELECT ms.status, COUNT(*)
        FROM send_tasks t
        JOIN message_statuses ms ON ms.external_message_id = t.provider_message_id
        WHERE t.campaign_id=$1 AND t.provider_message_id <> ''
        GROUP BY ms.status
    `
	rows, err := r.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	breakdown := map[string]int{model.StatusSent: 0, model.StatusDelivered: 0, model.StatusRead: 0, model.StatusFailed: 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		breakdown[status] = n
	}
	return breakdown, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
)

type SendTaskRepositoryInterface interface {
	// Enqueue inserts a queued task. It reports false when the campaign
	// already has a task for the recipient.
	Enqueue(ctx context.Context, t *model.SendTask) (bool, error)
	GetByID(ctx context.Context, id int) (*model.SendTask, error)
	// ClaimQueued moves up to limit due tasks of a campaign to processing.
	// Concurrent callers never receive the same task.
	ClaimQueued(ctx context.Context, campaignID int, now time.Time, limit int) ([]*model.SendTask, error)
	// ClaimDueAdHoc is ClaimQueued for tasks that belong to no campaign.
	ClaimDueAdHoc(ctx context.Context, now time.Time, limit int) ([]*model.SendTask, error)
	ClaimByID(ctx context.Context, id int, now time.Time) (*model.SendTask, error)
	// Release returns processing tasks to queued without spending an attempt.
	Release(ctx context.Context, ids []int) error
	// The Mark methods only apply while the claim identified by claimedAt
	// still holds; a reclaimed task rejects them with ErrTaskNotClaimable.
	MarkSent(ctx context.Context, id int, claimedAt time.Time, attempts int, providerMessageID string) error
	MarkRetry(ctx context.Context, id int, claimedAt time.Time, attempts int, lastError string, availableAt time.Time) error
	MarkFailed(ctx context.Context, id int, claimedAt time.Time, attempts int, lastError string) error
	ReclaimStuck(ctx context.Context, claimedBefore time.Time) (int, error)
}

type SendTaskRepository struct {
	DB *sql.DB
}

const sendTaskColumns = `id, campaign_id, tenant_id, channel_id, recipient, payload, state, attempts, last_error,
    provider_message_id, available_at, claimed_at, created_at, updated_at`

func scanSendTask(row rowScanner) (*model.SendTask, error) {
	var t model.SendTask
	var campaignID sql.NullInt64
	var payload []byte
	if err := row.Scan(&t.ID, &campaignID, &t.TenantID, &t.ChannelID, &t.Recipient, &payload, &t.State,
		&t.Attempts, &t.LastError, &t.ProviderMessageID, &t.AvailableAt, &t.ClaimedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if campaignID.Valid {
		id := int(campaignID.Int64)
		t.CampaignID = &id
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of task %d: %w", t.ID, err)
	}
	return &t, nil
}

func (r *SendTaskRepository) Enqueue(ctx context.Context, t *model.SendTask) (bool, error) {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return false, err
	}
	if t.AvailableAt.IsZero() {
		t.AvailableAt = time.Now().UTC()
	}
	query := `
        INSERT INTO send_tasks (campaign_id, tenant_id, channel_id, recipient, payload, state, available_at)
        VALUES ($1, $2, $3, $4, $5, 'queued', $6)
        ON CONFLICT (campaign_id, recipient) DO NOTHING
        RETURNING id, created_at, updated_at
    `
	err = r.DB.QueryRowContext(ctx, query, t.CampaignID, t.TenantID, t.ChannelID, t.Recipient, payload, t.AvailableAt).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.State = model.TaskQueued
	return true, nil
}

func (r *SendTaskRepository) GetByID(ctx context.Context, id int) (*model.SendTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sendTaskColumns+` FROM send_tasks WHERE id=$1`, id)
	t, err := scanSendTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewTaskNotFound(id)
	}
	return t, err
}

func (r *SendTaskRepository) ClaimQueued(ctx context.Context, campaignID int, now time.Time, limit int) ([]*model.SendTask, error) {
	query := `
        UPDATE send_tasks
        SET state='processing', claimed_at=$2, updated_at=$2
        WHERE id IN (
            SELECT id FROM send_tasks
            WHERE campaign_id=$1 AND state='queued' AND available_at <= $2
            ORDER BY id
            LIMIT $3
            FOR UPDATE SKIP LOCKED
        ) AND state='queued'
        RETURNING ` + sendTaskColumns
	return r.claim(ctx, query, campaignID, now.UTC(), limit)
}

func (r *SendTaskRepository) ClaimDueAdHoc(ctx context.Context, now time.Time, limit int) ([]*model.SendTask, error) {
	query := `
        UPDATE send_tasks
        SET state='processing', claimed_at=$1, updated_at=$1
        WHERE id IN (
            SELECT id FROM send_tasks
            WHERE campaign_id IS NULL AND state='queued' AND available_at <= $1
            ORDER BY id
            LIMIT $2
            FOR UPDATE SKIP LOCKED
        ) AND state='queued'
        RETURNING ` + sendTaskColumns
	return r.claim(ctx, query, now.UTC(), limit)
}

func (r *SendTaskRepository) claim(ctx context.Context, query string, args ...any) ([]*model.SendTask, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.SendTask
	for rows.Next() {
		t, err := scanSendTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTasksByID(tasks)
	return tasks, nil
}

// ClaimByID claims one specific task regardless of its available_at.
func (r *SendTaskRepository) ClaimByID(ctx context.Context, id int, now time.Time) (*model.SendTask, error) {
	query := `
        UPDATE send_tasks
        SET state='processing', claimed_at=$2, updated_at=$2
        WHERE id=$1 AND state='queued'
        RETURNING ` + sendTaskColumns
	t, err := scanSendTask(r.DB.QueryRowContext(ctx, query, id, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, appErrors.ErrTaskNotClaimable
	}
	return t, err
}

func (r *SendTaskRepository) Release(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
        UPDATE send_tasks
        SET state='queued', claimed_at=NULL, updated_at=now()
        WHERE id = ANY($1) AND state='processing'
    `
	_, err := r.DB.ExecContext(ctx, query, pq.Array(ids))
	return err
}

func (r *SendTaskRepository) MarkSent(ctx context.Context, id int, claimedAt time.Time, attempts int, providerMessageID string) error {
	query := `
        UPDATE send_tasks
        SET state='sent', attempts=$3, provider_message_id=$4, last_error='', claimed_at=NULL, updated_at=now()
        WHERE id=$1 AND state='processing' AND claimed_at=$2
    `
	return r.execOne(ctx, id, query, id, claimedAt.UTC(), attempts, providerMessageID)
}

func (r *SendTaskRepository) MarkRetry(ctx context.Context, id int, claimedAt time.Time, attempts int, lastError string, availableAt time.Time) error {
	query := `
        UPDATE send_tasks
        SET state='queued', attempts=$3, last_error=$4, available_at=$5, claimed_at=NULL, updated_at=now()
        WHERE id=$1 AND state='processing' AND claimed_at=$2
    `
	return r.execOne(ctx, id, query, id, claimedAt.UTC(), attempts, lastError, availableAt.UTC())
}

func (r *SendTaskRepository) MarkFailed(ctx context.Context, id int, claimedAt time.Time, attempts int, lastError string) error {
	query := `
        UPDATE send_tasks
        SET state='failed', attempts=$3, last_error=$4, claimed_at=NULL, updated_at=now()
        WHERE id=$1 AND state='processing' AND claimed_at=$2
    `
	return r.execOne(ctx, id, query, id, claimedAt.UTC(), attempts, lastError)
}

func (r *SendTaskRepository) ReclaimStuck(ctx context.Context, claimedBefore time.Time) (int, error) {
	query := `
        UPDATE send_tasks
        SET state='queued', claimed_at=NULL, updated_at=now()
        WHERE state='processing' AND claimed_at < $1
    `
	res, err := r.DB.ExecContext(ctx, query, claimedBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// execOne runs a claim-guarded update; zero affected rows means the task is
// no longer held by that claim.
func (r *SendTaskRepository) execOne(ctx context.Context, id int, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %d: %w", id, appErrors.ErrTaskNotClaimable)
	}
	return nil
}

func sortTasksByID(tasks []*model.SendTask) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

var _ SendTaskRepositoryInterface = (*SendTaskRepository)(nil)

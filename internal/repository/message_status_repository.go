package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/waleopard-engine/internal/model"
)

// StatusMutation receives the cached status of a message (nil if none) and
// returns the status to keep. Returning nil removes the cached row.
type StatusMutation func(current *model.MessageStatus) (*model.MessageStatus, error)

type MessageStatusRepositoryInterface interface {
	Get(ctx context.Context, externalID string) (*model.MessageStatus, error)
	// Update runs fn under a transaction-scoped advisory lock on the message,
	// so merges of the same message never interleave.
	Update(ctx context.Context, externalID string, fn StatusMutation) (*model.MessageStatus, error)
}

type MessageStatusRepository struct {
	DB *sql.DB
}

func (r *MessageStatusRepository) Get(ctx context.Context, externalID string) (*model.MessageStatus, error) {
	return getStatus(ctx, r.DB, externalID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getStatus(ctx context.Context, q queryRower, externalID string) (*model.MessageStatus, error) {
	query := `
        SELECT external_message_id, status, event_at, error_reason, updated_at
        FROM message_statuses WHERE external_message_id=$1
    `
	var s model.MessageStatus
	err := q.QueryRowContext(ctx, query, externalID).Scan(&s.ExternalMessageID, &s.Status, &s.EventAt, &s.ErrorReason, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *MessageStatusRepository) Update(ctx context.Context, externalID string, fn StatusMutation) (*model.MessageStatus, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, externalID); err != nil {
		return nil, err
	}

	current, err := getStatus(ctx, tx, externalID)
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	switch {
	case next == nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_statuses WHERE external_message_id=$1`, externalID); err != nil {
			return nil, err
		}
	default:
		query := `
            INSERT INTO message_statuses (external_message_id, status, event_at, error_reason, updated_at)
            VALUES ($1, $2, $3, $4, now())
            ON CONFLICT (external_message_id) DO UPDATE
            SET status = EXCLUDED.status, event_at = EXCLUDED.event_at,
                error_reason = EXCLUDED.error_reason, updated_at = now()
            RETURNING updated_at
        `
		if err := tx.QueryRowContext(ctx, query, externalID, next.Status, eventTime(next.EventAt), next.ErrorReason).
			Scan(&next.UpdatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

// eventTime normalizes provider timestamps to what timestamptz round-trips.
func eventTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

var _ MessageStatusRepositoryInterface = (*MessageStatusRepository)(nil)

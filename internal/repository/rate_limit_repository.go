package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RateLimitRepository keeps fixed-window send counters in Postgres so every
// worker instance counts against the same cap.
type RateLimitRepository struct {
	DB *sql.DB
}

// Increment takes one slot in the window if fewer than limit are used.
// A full window leaves the row untouched and reports allowed=false.
func (r *RateLimitRepository) Increment(ctx context.Context, key string, windowStart time.Time, limit int) (int, bool, error) {
	query := `
        INSERT INTO rate_limit_windows (key, window_start, count)
        VALUES ($1, $2, 1)
        ON CONFLICT (key, window_start) DO UPDATE
        SET count = rate_limit_windows.count + 1
        WHERE rate_limit_windows.count < $3
        RETURNING count
    `
	var count int
	err := r.DB.QueryRowContext(ctx, query, key, windowStart.UTC(), limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return limit, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// Prune deletes windows that started before cutoff.
func (r *RateLimitRepository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE window_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

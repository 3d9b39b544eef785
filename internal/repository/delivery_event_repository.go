package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/waleopard-engine/internal/model"
)

type DeliveryEventRepositoryInterface interface {
	// Append stores ev as received; duplicates are kept as separate rows.
	Append(ctx context.Context, ev *model.DeliveryEvent) error
	// ListForMessage returns a message's events in (event_at, id) order.
	ListForMessage(ctx context.Context, externalID string) ([]model.DeliveryEvent, error)
	// MessagesForTenant lists the provider message ids of a tenant's sent
	// tasks; with staleOnly, only those with events newer than the cached status.
	MessagesForTenant(ctx context.Context, tenantID string, staleOnly bool) ([]string, error)
}

type DeliveryEventRepository struct {
	DB *sql.DB
}

func (r *DeliveryEventRepository) Append(ctx context.Context, ev *model.DeliveryEvent) error {
	var eventAt any
	if !ev.EventAt.IsZero() {
		eventAt = eventTime(ev.EventAt)
	}
	var raw any
	if len(ev.RawPayload) > 0 {
		raw = []byte(ev.RawPayload)
	}
	query := `
        INSERT INTO delivery_events (external_message_id, status, event_at, error_code, error_reason, parse_error, raw_payload)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, ingested_at
    `
	return r.DB.QueryRowContext(ctx, query, ev.ExternalMessageID, ev.Status, eventAt, ev.ErrorCode,
		ev.ErrorReason, ev.ParseError, raw).Scan(&ev.ID, &ev.IngestedAt)
}

func (r *DeliveryEventRepository) ListForMessage(ctx context.Context, externalID string) ([]model.DeliveryEvent, error) {
	query := `
        SELECT id, external_message_id, status, event_at, error_code, error_reason, parse_error, raw_payload, ingested_at
        FROM delivery_events
        WHERE external_message_id=$1
        ORDER BY event_at NULLS FIRST, id
    `
	rows, err := r.DB.QueryContext(ctx, query, externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.DeliveryEvent
	for rows.Next() {
		var ev model.DeliveryEvent
		var eventAt sql.NullTime
		var raw []byte
		if err := rows.Scan(&ev.ID, &ev.ExternalMessageID, &ev.Status, &eventAt, &ev.ErrorCode,
			&ev.ErrorReason, &ev.ParseError, &raw, &ev.IngestedAt); err != nil {
			return nil, err
		}
		if eventAt.Valid {
			ev.EventAt = eventAt.Time
		}
		ev.RawPayload = raw
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *DeliveryEventRepository) MessagesForTenant(ctx context.Context, tenantID string, staleOnly bool) ([]string, error) {
	query := `
        SELECT DISTINCT t.provider_message_id
        FROM send_tasks t
        WHERE t.tenant_id=$1 AND t.provider_message_id <> ''
    `
	if staleOnly {
		query += `
          AND EXISTS (
              SELECT 1 FROM delivery_events e
              LEFT JOIN message_statuses ms ON ms.external_message_id = e.external_message_id
              WHERE e.external_message_id = t.provider_message_id
                AND e.parse_error = ''
                AND (ms.external_message_id IS NULL OR e.ingested_at > ms.updated_at)
          )`
	}
	query += ` ORDER BY 1`

	rows, err := r.DB.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ DeliveryEventRepositoryInterface = (*DeliveryEventRepository)(nil)


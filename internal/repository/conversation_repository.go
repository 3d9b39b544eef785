package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/waleopard-engine/internal/model"
)

type ConversationRepositoryInterface interface {
	// Append records a message; a repeated provider message id is ignored.
	Append(ctx context.Context, m *model.ConversationMessage) error
	MessagesForConversation(ctx context.Context, conversationID string) ([]model.ConversationMessage, error)
}

type ConversationRepository struct {
	DB *sql.DB
}

func (r *ConversationRepository) Append(ctx context.Context, m *model.ConversationMessage) error {
	if m.SentAt.IsZero() {
		m.SentAt = time.Now().UTC()
	}
	query := `
        INSERT INTO conversation_messages (conversation_id, direction, provider_message_id, sent_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT DO NOTHING
    `
	_, err := r.DB.ExecContext(ctx, query, m.ConversationID, m.Direction, m.ProviderMessageID, m.SentAt.UTC())
	return err
}

func (r *ConversationRepository) MessagesForConversation(ctx context.Context, conversationID string) ([]model.ConversationMessage, error) {
	query := `
        SELECT id, conversation_id, direction, provider_message_id, sent_at
        FROM conversation_messages
        WHERE conversation_id=$1
        ORDER BY sent_at, id
    `
	rows, err := r.DB.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConversationMessage
	for rows.Next() {
		var m model.ConversationMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.ProviderMessageID, &m.SentAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ ConversationRepositoryInterface = (*ConversationRepository)(nil)

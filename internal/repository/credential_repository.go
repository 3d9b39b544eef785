package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
)

type CredentialRepository struct {
	DB *sql.DB
}

func (r *CredentialRepository) GetCredentials(ctx context.Context, tenantID, channelID string) (*model.ChannelCredentials, error) {
	query := `
        SELECT tenant_id, channel_id, phone_number_id, access_token
        FROM channel_credentials
        WHERE tenant_id=$1 AND channel_id=$2
    `
	var c model.ChannelCredentials
	err := r.DB.QueryRowContext(ctx, query, tenantID, channelID).Scan(&c.TenantID, &c.ChannelID, &c.PhoneNumberID, &c.AccessToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: tenant %s channel %s", appErrors.ErrNoCredentials, tenantID, channelID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChannelForPhoneNumber maps the phone_number_id of an inbound callback to
// the channel its conversations are keyed by.
func (r *CredentialRepository) ChannelForPhoneNumber(ctx context.Context, phoneNumberID string) (string, error) {
	var channelID string
	err := r.DB.QueryRowContext(ctx, `SELECT channel_id FROM channel_credentials WHERE phone_number_id=$1`, phoneNumberID).
		Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: phone number %s", appErrors.ErrNoCredentials, phoneNumberID)
	}
	if err != nil {
		return "", err
	}
	return channelID, nil
}

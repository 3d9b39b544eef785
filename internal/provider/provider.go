// Package provider sends WhatsApp Business messages and classifies the
// outcome as retryable or terminal.
package provider

import (
	"context"
	"time"

	"github.com/unclebandit/waleopard-engine/internal/model"
)

// Message is one outbound send on behalf of a tenant's channel.
type Message struct {
	TenantID  string
	ChannelID string
	To        string
	Payload   model.Payload
}

// Result carries the provider's id for the accepted message; delivery
// callbacks refer to it.
type Result struct {
	MessageID  string
	HTTPStatus int
	AcceptedAt time.Time
}

// Provider is the send capability the dispatcher depends on. Errors are
// *appErrors.ProviderError or context errors.
type Provider interface {
	Send(ctx context.Context, msg Message) (Result, error)
}

// CredentialStore resolves the access token and sender number of a channel.
type CredentialStore interface {
	GetCredentials(ctx context.Context, tenantID, channelID string) (*model.ChannelCredentials, error)
}

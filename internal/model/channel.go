// internal/model/channel.go
package model

// ChannelCredentials is what the provider client needs to send on behalf of
// a tenant's business number.
type ChannelCredentials struct {
	TenantID      string `db:"tenant_id" json:"tenant_id"`
	ChannelID     string `db:"channel_id" json:"channel_id"`
	PhoneNumberID string `db:"phone_number_id" json:"phone_number_id"`
	AccessToken   string `db:"access_token" json:"-"`
}

// internal/model/contact.go
package model

type Contact struct {
	ID        int    `db:"id" json:"id"`
	TenantID  string `db:"tenant_id" json:"tenant_id"`
	Phone     string `db:"phone" json:"phone"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
}

// Params returns the placeholder values available to templates and free-form bodies.
func (c *Contact) Params() map[string]string {
	return map[string]string{
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"phone":      c.Phone,
	}
}

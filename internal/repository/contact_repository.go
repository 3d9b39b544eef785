package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/waleopard-engine/internal/errors"
	"github.com/unclebandit/waleopard-engine/internal/model"
)

type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Contact, error)
	GetByIDs(ctx context.Context, tenantID string, ids []int) ([]*model.Contact, error)
	Create(ctx context.Context, c *model.Contact) error
}

type ContactRepository struct {
	DB *sql.DB
}

func (r *ContactRepository) GetByID(ctx context.Context, id int) (*model.Contact, error) {
	query := `SELECT id, tenant_id, phone, first_name, last_name FROM contacts WHERE id=$1`
	var c model.Contact
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.TenantID, &c.Phone, &c.FirstName, &c.LastName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewContactNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

// GetByIDs returns the tenant's contacts among ids. Unknown ids and other
// tenants' contacts are silently left out.
func (r *ContactRepository) GetByIDs(ctx context.Context, tenantID string, ids []int) ([]*model.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
        SELECT id, tenant_id, phone, first_name, last_name
        FROM contacts
        WHERE tenant_id=$1 AND id = ANY($2)
        ORDER BY id
    `
	rows, err := r.DB.QueryContext(ctx, query, tenantID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Contact
	for rows.Next() {
		c := &model.Contact{}
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Phone, &c.FirstName, &c.LastName); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ContactRepository) Create(ctx context.Context, c *model.Contact) error {
	query := `
        INSERT INTO contacts (tenant_id, phone, first_name, last_name)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (tenant_id, phone) DO UPDATE SET first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, c.TenantID, c.Phone, c.FirstName, c.LastName).Scan(&c.ID)
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)

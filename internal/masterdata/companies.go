package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helios-ops/helios-ops/internal/payroll"
)

// CompanyProfiles reads company information for payslip snapshots.
type CompanyProfiles struct {
	pool *pgxpool.Pool
}

// NewCompanyProfiles constructs the profile adapter.
func NewCompanyProfiles(pool *pgxpool.Pool) *CompanyProfiles {
	return &CompanyProfiles{pool: pool}
}

// GetCompanyInfo returns the profile fields captured into snapshots.
func (c *CompanyProfiles) GetCompanyInfo(ctx context.Context, companyID int64) (payroll.CompanyInfo, error) {
	var info payroll.CompanyInfo
	err := c.pool.QueryRow(ctx, `SELECT id, name, COALESCE(tax_id, ''), COALESCE(address, ''),
COALESCE(phone, ''), COALESCE(logo_url, ''), COALESCE(currency, 'DOP')
FROM companies WHERE id=$1`, companyID).Scan(
		&info.ID, &info.Name, &info.TaxID, &info.Address, &info.Phone, &info.LogoURL, &info.Currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payroll.CompanyInfo{}, fmt.Errorf("%w: company %d", payroll.ErrNotFound, companyID)
		}
		return payroll.CompanyInfo{}, err
	}
	return info, nil
}

// ListCompanyIDs returns every company id, used by the period refresh job.
func (c *CompanyProfiles) ListCompanyIDs(ctx context.Context) ([]int64, error) {
	rows, err := c.pool.Query(ctx, `SELECT id FROM companies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

package masterdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helios-ops/helios-ops/internal/payroll"
)

// StatutoryStore reads injected withholding rates. Rates are configuration
// maintained elsewhere; the payroll engine never writes them.
type StatutoryStore struct {
	pool *pgxpool.Pool
}

// NewStatutoryStore constructs the statutory config adapter.
func NewStatutoryStore(pool *pgxpool.Pool) *StatutoryStore {
	return &StatutoryStore{pool: pool}
}

// GetActiveConfig returns the single active config for a company and year.
func (s *StatutoryStore) GetActiveConfig(ctx context.Context, companyID int64, year int) (payroll.StatutoryConfig, error) {
	var rates []byte
	config := payroll.StatutoryConfig{CompanyID: companyID, Year: year, Active: true}
	err := s.pool.QueryRow(ctx, `SELECT rates FROM statutory_configs
WHERE company_id=$1 AND year=$2 AND active`, companyID, year).Scan(&rates)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payroll.StatutoryConfig{}, fmt.Errorf("%w: statutory config %d/%d", payroll.ErrNotFound, companyID, year)
		}
		return payroll.StatutoryConfig{}, err
	}
	if err := json.Unmarshal(rates, &config.Rates); err != nil {
		return payroll.StatutoryConfig{}, fmt.Errorf("masterdata: decode rates: %w", err)
	}
	return config, nil
}

// Package masterdata provides read adapters for the directory, company
// profile, and statutory configuration records owned by the wider platform.
// The payroll engine only consumes them.
package masterdata

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helios-ops/helios-ops/internal/payroll"
)

// EmployeeDirectory reads active employees for a company.
type EmployeeDirectory struct {
	pool *pgxpool.Pool
}

// NewEmployeeDirectory constructs the directory adapter.
func NewEmployeeDirectory(pool *pgxpool.Pool) *EmployeeDirectory {
	return &EmployeeDirectory{pool: pool}
}

// ListActiveEmployees returns every active employee with their role and
// monthly salary. Employees without a salary on file come back with zero.
func (d *EmployeeDirectory) ListActiveEmployees(ctx context.Context, companyID int64) ([]payroll.Employee, error) {
	rows, err := d.pool.Query(ctx, `SELECT id, name, role, COALESCE(monthly_salary, 0)
FROM employees WHERE company_id=$1 AND active ORDER BY id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var employees []payroll.Employee
	for rows.Next() {
		var e payroll.Employee
		if err := rows.Scan(&e.ID, &e.Name, &e.Role, &e.MonthlySalary); err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

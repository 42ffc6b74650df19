package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	CompanyID int64
	ActorID   int64
	Action    string
	Entity    string
	EntityID  string
	Meta      map[string]any
	At        time.Time
}

// AuditLogger writes append-only records into audit_logs. Callers treat it as
// fire-and-forget: a failed write must never abort the caller's transaction.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (company_id, actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		log.CompanyID, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}

// ListNotifications returns the payment notification feed for one employee,
// newest first. These are the PAYSLIP_NOTIFY records written at payment time.
func (l *AuditLogger) ListNotifications(ctx context.Context, companyID, employeeID int64, limit int) ([]AuditLog, error) {
	if l == nil {
		return nil, errors.New("audit logger not initialised")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.pool.Query(ctx, `SELECT company_id, actor_id, action, entity, entity_id, meta, occurred_at
FROM audit_logs
WHERE company_id=$1 AND action='PAYSLIP_NOTIFY' AND meta->>'employee_id' = $2::text
ORDER BY occurred_at DESC LIMIT $3`, companyID, employeeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		var meta []byte
		if err := rows.Scan(&log.CompanyID, &log.ActorID, &log.Action, &log.Entity, &log.EntityID, &meta, &log.At); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &log.Meta)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

package storage

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// CreateAuditLog appends an audit log entry
func (s *PostgresStore) CreateAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	if entry.Status == "" {
		entry.Status = models.AuditSuccess
	}

	if entry.Severity == "" {
		entry.Severity = models.SeverityInfo
	}

	query := `
		INSERT INTO audit_logs (
			id, created_at, company_id, user_id, action, resource, resource_id,
			metadata, status, severity, ip_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.getDB().ExecContext(ctx, query,
		entry.ID, entry.CreatedAt, entry.CompanyID, entry.UserID, entry.Action,
		entry.Resource, entry.ResourceID, entry.Metadata, entry.Status,
		entry.Severity, entry.IPAddress,
	)

	return err
}

func (f AuditLogFilters) apply(b sq.SelectBuilder) sq.SelectBuilder {
	if f.CompanyID != nil {
		b = b.Where(sq.Eq{"company_id": *f.CompanyID})
	}
	if f.UserID != nil {
		b = b.Where(sq.Eq{"user_id": *f.UserID})
	}
	if f.Action != nil {
		b = b.Where(sq.Eq{"action": *f.Action})
	}
	if f.Severity != nil {
		b = b.Where(sq.Eq{"severity": *f.Severity})
	}
	if f.StartTime != nil {
		b = b.Where(sq.GtOrEq{"created_at": *f.StartTime})
	}
	if f.EndTime != nil {
		b = b.Where(sq.LtOrEq{"created_at": *f.EndTime})
	}
	return b
}

// ListAuditLogs lists audit logs with filters, newest first
func (s *PostgresStore) ListAuditLogs(ctx context.Context, filters AuditLogFilters, limit, offset int) ([]*models.AuditLogEntry, int64, error) {
	countQuery, countArgs, err := filters.apply(psql.Select("COUNT(*)").From("audit_logs")).ToSql()
	if err != nil {
		return nil, 0, err
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, countQuery, countArgs...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query, args, err := filters.apply(psql.Select(
		"id", "created_at", "company_id", "user_id", "action", "resource", "resource_id",
		"metadata", "status", "severity", "ip_address",
	).From("audit_logs")).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		e := &models.AuditLogEntry{}
		if err := rows.Scan(
			&e.ID, &e.CreatedAt, &e.CompanyID, &e.UserID, &e.Action, &e.Resource,
			&e.ResourceID, &e.Metadata, &e.Status, &e.Severity, &e.IPAddress,
		); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}

	return entries, count, rows.Err()
}

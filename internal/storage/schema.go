package storage

import (
	"context"
	"fmt"
)

// platformSchema is applied in order; every statement is idempotent
var platformSchema = []string{
	`CREATE TABLE IF NOT EXISTS companies (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		plan TEXT NOT NULL,
		status TEXT NOT NULL,
		enabled_modules JSONB NOT NULL DEFAULT '[]',
		storage_quota_bytes BIGINT NOT NULL DEFAULT 0,
		isolation_mode TEXT NOT NULL DEFAULT 'Shared',
		owner_email TEXT NOT NULL,
		owner_name TEXT NOT NULL,
		activated_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_registry (
		company_id UUID PRIMARY KEY REFERENCES companies(id),
		tenant_id UUID NOT NULL UNIQUE,
		db_descriptor JSONB,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS provisioning_jobs (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		company_id UUID NOT NULL REFERENCES companies(id),
		status TEXT NOT NULL,
		current_step TEXT,
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_provisioning_jobs_company ON provisioning_jobs (company_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_provisioning_jobs_status ON provisioning_jobs (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		user_id UUID NOT NULL,
		company_id UUID NOT NULL,
		role TEXT NOT NULL,
		permissions JSONB NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		UNIQUE (user_id, company_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_memberships_company ON memberships (company_id)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		company_id UUID NOT NULL,
		user_id UUID,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		severity TEXT NOT NULL,
		ip_address TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_company ON audit_logs (company_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS emergency_access (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		superadmin_id UUID NOT NULL,
		company_id UUID NOT NULL,
		justification TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_emergency_access_lookup ON emergency_access (superadmin_id, company_id, expires_at)`,
	`CREATE TABLE IF NOT EXISTS invitations (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		company_id UUID NOT NULL REFERENCES companies(id),
		email TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		accepted_at TIMESTAMPTZ,
		accepted_by UUID
	)`,
}

// Migrate applies the platform schema
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range platformSchema {
		if _, err := s.getDB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply platform schema statement %d: %w", i, err)
		}
	}
	return nil
}

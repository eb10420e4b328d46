package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const duplicateDatabase = "42P04"

// tenantSchema holds the tenant tables. Every statement tolerates an
// already initialized database.
var tenantSchema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'planning',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_projects_company ON projects (company_id)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'todo',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks (project_id)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		project_id UUID REFERENCES projects(id) ON DELETE SET NULL,
		name TEXT NOT NULL,
		object_key TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS team (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		user_id UUID NOT NULL,
		display_name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS rfis (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		subject TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS timesheets (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		user_id UUID NOT NULL,
		project_id UUID REFERENCES projects(id) ON DELETE SET NULL,
		hours NUMERIC(6,2) NOT NULL,
		work_date DATE NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS module_installations (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		module TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (company_id, module)
	)`,
	`CREATE TABLE IF NOT EXISTS activity_feed (
		id UUID PRIMARY KEY,
		company_id UUID NOT NULL,
		user_id UUID NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_feed_company ON activity_feed (company_id, created_at DESC)`,
}

// InitSchema creates the tenant tables. Safe to run repeatedly.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range tenantSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply tenant schema statement %d: %w", i, err)
		}
	}
	return nil
}

// EnsureDatabase creates a database on the server behind admin.
// An existing database is not an error.
func EnsureDatabase(ctx context.Context, admin *sql.DB, name string) error {
	_, err := admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name))
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == duplicateDatabase {
		return nil
	}

	return fmt.Errorf("create database %s: %w", name, err)
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

const companyColumns = `id, created_at, updated_at, name, slug, plan, status, enabled_modules,
	storage_quota_bytes, isolation_mode, owner_email, owner_name, activated_at`

func scanCompany(row interface{ Scan(dest ...interface{}) error }) (*models.Company, error) {
	c := &models.Company{}
	err := row.Scan(
		&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Name, &c.Slug, &c.Plan, &c.Status,
		&c.EnabledModules, &c.StorageQuotaBytes, &c.IsolationMode,
		&c.OwnerEmail, &c.OwnerName, &c.ActivatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

// CreateCompany creates a new company
func (s *PostgresStore) CreateCompany(ctx context.Context, company *models.Company) error {
	if company.ID == uuid.Nil {
		company.ID = uuid.New()
	}

	now := time.Now()
	company.CreatedAt = now
	company.UpdatedAt = now

	query := `
		INSERT INTO companies (` + companyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.getDB().ExecContext(ctx, query,
		company.ID, company.CreatedAt, company.UpdatedAt, company.Name, company.Slug,
		company.Plan, company.Status, company.EnabledModules, company.StorageQuotaBytes,
		company.IsolationMode, company.OwnerEmail, company.OwnerName, company.ActivatedAt,
	)

	return mapError(err)
}

// GetCompany gets a company by ID
func (s *PostgresStore) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE id = $1`
	return scanCompany(s.getDB().QueryRowContext(ctx, query, id))
}

// GetCompanyBySlug gets a company by slug
func (s *PostgresStore) GetCompanyBySlug(ctx context.Context, slug string) (*models.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE slug = $1`
	return scanCompany(s.getDB().QueryRowContext(ctx, query, slug))
}

// SetCompanyStatus updates a company's status. Moving to ACTIVE stamps activated_at once.
func (s *PostgresStore) SetCompanyStatus(ctx context.Context, id uuid.UUID, status models.CompanyStatus) error {
	query := `
		UPDATE companies SET
			status = $2,
			updated_at = $3,
			activated_at = CASE WHEN $2 = 'ACTIVE' AND activated_at IS NULL THEN $3 ELSE activated_at END
		WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query, id, status, time.Now())
	if err != nil {
		return err
	}

	return requireAffected(result)
}

// ListCompanies lists companies, optionally filtered by status
func (s *PostgresStore) ListCompanies(ctx context.Context, status *models.CompanyStatus, limit, offset int) ([]*models.Company, int64, error) {
	where := ""
	args := []interface{}{}
	if status != nil {
		where = " WHERE status = $1"
		args = append(args, *status)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM companies"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + companyColumns + ` FROM companies` + where + ` ORDER BY created_at DESC`
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var companies []*models.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, 0, err
		}
		companies = append(companies, c)
	}

	return companies, count, rows.Err()
}

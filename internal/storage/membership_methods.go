package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

const membershipColumns = `id, created_at, updated_at, user_id, company_id, role, permissions, status`

func scanMembership(row interface{ Scan(dest ...interface{}) error }) (*models.Membership, error) {
	m := &models.Membership{}
	err := row.Scan(
		&m.ID, &m.CreatedAt, &m.UpdatedAt, &m.UserID, &m.CompanyID,
		&m.Role, &m.Permissions, &m.Status,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return m, nil
}

// CreateMembership creates a membership. A second membership for the same
// (user, company) pair fails with ErrDuplicateKey.
func (s *PostgresStore) CreateMembership(ctx context.Context, m *models.Membership) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}

	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now

	query := `
		INSERT INTO memberships (` + membershipColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		m.ID, m.CreatedAt, m.UpdatedAt, m.UserID, m.CompanyID, m.Role, m.Permissions, m.Status,
	)

	return mapError(err)
}

// GetMembership gets the membership of a user in a company
func (s *PostgresStore) GetMembership(ctx context.Context, userID, companyID uuid.UUID) (*models.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE user_id = $1 AND company_id = $2`
	return scanMembership(s.getDB().QueryRowContext(ctx, query, userID, companyID))
}

// GetMembershipByID gets a membership by ID
func (s *PostgresStore) GetMembershipByID(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE id = $1`
	return scanMembership(s.getDB().QueryRowContext(ctx, query, id))
}

// UpdateMembership updates role, permissions and status
func (s *PostgresStore) UpdateMembership(ctx context.Context, m *models.Membership) error {
	m.UpdatedAt = time.Now()

	query := `
		UPDATE memberships SET
			updated_at = $2, role = $3, permissions = $4, status = $5
		WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query, m.ID, m.UpdatedAt, m.Role, m.Permissions, m.Status)
	if err != nil {
		return err
	}

	return requireAffected(result)
}

// DeleteMembership deletes a membership
func (s *PostgresStore) DeleteMembership(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM memberships WHERE id = $1", id)
	if err != nil {
		return err
	}

	return requireAffected(result)
}

// ListMembershipsByUser lists all memberships held by a user
func (s *PostgresStore) ListMembershipsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE user_id = $1 ORDER BY created_at`
	return s.listMemberships(ctx, query, userID)
}

// ListMembershipsByCompany lists all members of a company
func (s *PostgresStore) ListMembershipsByCompany(ctx context.Context, companyID uuid.UUID) ([]*models.Membership, error) {
	query := `SELECT ` + membershipColumns + ` FROM memberships WHERE company_id = $1 ORDER BY created_at`
	return s.listMemberships(ctx, query, companyID)
}

func (s *PostgresStore) listMemberships(ctx context.Context, query string, arg interface{}) ([]*models.Membership, error) {
	rows, err := s.getDB().QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}

	return out, rows.Err()
}

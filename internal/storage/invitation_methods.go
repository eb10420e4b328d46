package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

// CreateInvitation creates an invitation
func (s *PostgresStore) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}

	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO invitations (
			id, created_at, company_id, email, name, role, token_hash,
			status, expires_at, accepted_at, accepted_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.getDB().ExecContext(ctx, query,
		inv.ID, inv.CreatedAt, inv.CompanyID, inv.Email, inv.Name, inv.Role,
		inv.TokenHash, inv.Status, inv.ExpiresAt, inv.AcceptedAt, inv.AcceptedBy,
	)

	return mapError(err)
}

// GetInvitation gets an invitation by ID
func (s *PostgresStore) GetInvitation(ctx context.Context, id uuid.UUID) (*models.Invitation, error) {
	query := `
		SELECT id, created_at, company_id, email, name, role, token_hash,
		       status, expires_at, accepted_at, accepted_by
		FROM invitations
		WHERE id = $1`

	inv := &models.Invitation{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&inv.ID, &inv.CreatedAt, &inv.CompanyID, &inv.Email, &inv.Name, &inv.Role,
		&inv.TokenHash, &inv.Status, &inv.ExpiresAt, &inv.AcceptedAt, &inv.AcceptedBy,
	)
	if err != nil {
		return nil, mapError(err)
	}

	return inv, nil
}

// UpdateInvitation updates the status fields of an invitation
func (s *PostgresStore) UpdateInvitation(ctx context.Context, inv *models.Invitation) error {
	query := `
		UPDATE invitations SET
			status = $2, accepted_at = $3, accepted_by = $4
		WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query, inv.ID, inv.Status, inv.AcceptedAt, inv.AcceptedBy)
	if err != nil {
		return err
	}

	return requireAffected(result)
}

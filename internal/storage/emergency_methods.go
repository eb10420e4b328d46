package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

// CreateEmergencyGrant records a break-glass grant
func (s *PostgresStore) CreateEmergencyGrant(ctx context.Context, grant *models.EmergencyAccessGrant) error {
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}

	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO emergency_access (
			id, created_at, superadmin_id, company_id, justification, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.getDB().ExecContext(ctx, query,
		grant.ID, grant.CreatedAt, grant.SuperadminID, grant.CompanyID,
		grant.Justification, grant.ExpiresAt,
	)

	return err
}

// GetActiveEmergencyGrant returns the latest grant still valid at now
func (s *PostgresStore) GetActiveEmergencyGrant(ctx context.Context, superadminID, companyID uuid.UUID, now time.Time) (*models.EmergencyAccessGrant, error) {
	query := `
		SELECT id, created_at, superadmin_id, company_id, justification, expires_at
		FROM emergency_access
		WHERE superadmin_id = $1 AND company_id = $2 AND expires_at > $3
		ORDER BY expires_at DESC
		LIMIT 1`

	g := &models.EmergencyAccessGrant{}
	err := s.getDB().QueryRowContext(ctx, query, superadminID, companyID, now).Scan(
		&g.ID, &g.CreatedAt, &g.SuperadminID, &g.CompanyID, &g.Justification, &g.ExpiresAt,
	)
	if err != nil {
		return nil, mapError(err)
	}

	return g, nil
}

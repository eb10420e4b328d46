package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/pkg/crypto"
)

const registryColumns = `company_id, tenant_id, db_descriptor, status, created_at, updated_at`

// encodeDescriptor serialises a descriptor, sealing the DSN when a key is configured
func (s *PostgresStore) encodeDescriptor(d *models.DatabaseDescriptor) (interface{}, error) {
	if d == nil {
		return nil, nil
	}

	stored := *d
	if len(s.descriptorKey) > 0 && stored.DSN != "" {
		sealed, err := crypto.EncryptString(s.descriptorKey, stored.DSN)
		if err != nil {
			return nil, fmt.Errorf("encrypt descriptor: %w", err)
		}
		stored.DSN = sealed
	}

	b, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *PostgresStore) decodeDescriptor(raw []byte) (*models.DatabaseDescriptor, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	d := &models.DatabaseDescriptor{}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("%w: descriptor: %v", ErrInvalidData, err)
	}

	if len(s.descriptorKey) > 0 && d.DSN != "" {
		dsn, err := crypto.DecryptString(s.descriptorKey, d.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypt descriptor: %v", ErrInvalidData, err)
		}
		d.DSN = dsn
	}

	return d, nil
}

func (s *PostgresStore) scanRegistryEntry(row *sql.Row) (*models.TenantRegistryEntry, error) {
	e := &models.TenantRegistryEntry{}
	var raw []byte
	if err := row.Scan(&e.CompanyID, &e.TenantID, &raw, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, mapError(err)
	}

	d, err := s.decodeDescriptor(raw)
	if err != nil {
		return nil, err
	}
	e.Database = d

	return e, nil
}

// GetRegistryEntryByCompany gets the registry entry for a company
func (s *PostgresStore) GetRegistryEntryByCompany(ctx context.Context, companyID uuid.UUID) (*models.TenantRegistryEntry, error) {
	query := `SELECT ` + registryColumns + ` FROM tenant_registry WHERE company_id = $1`
	return s.scanRegistryEntry(s.getDB().QueryRowContext(ctx, query, companyID))
}

// GetRegistryEntryByTenant gets the registry entry for a tenant
func (s *PostgresStore) GetRegistryEntryByTenant(ctx context.Context, tenantID uuid.UUID) (*models.TenantRegistryEntry, error) {
	query := `SELECT ` + registryColumns + ` FROM tenant_registry WHERE tenant_id = $1`
	return s.scanRegistryEntry(s.getDB().QueryRowContext(ctx, query, tenantID))
}

// CreateRegistryEntry inserts the entry if the company has none, then returns the stored row.
// Concurrent callers all observe the first tenant id written.
func (s *PostgresStore) CreateRegistryEntry(ctx context.Context, entry *models.TenantRegistryEntry) (*models.TenantRegistryEntry, error) {
	if entry.TenantID == uuid.Nil {
		entry.TenantID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = models.RegistryCreating
	}

	now := time.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now

	descriptor, err := s.encodeDescriptor(entry.Database)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO tenant_registry (` + registryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (company_id) DO NOTHING`

	if _, err := s.getDB().ExecContext(ctx, query,
		entry.CompanyID, entry.TenantID, descriptor, entry.Status, entry.CreatedAt, entry.UpdatedAt,
	); err != nil {
		return nil, mapError(err)
	}

	return s.GetRegistryEntryByCompany(ctx, entry.CompanyID)
}

// SetRegistryStatus updates the status of a registry entry
func (s *PostgresStore) SetRegistryStatus(ctx context.Context, companyID uuid.UUID, status models.RegistryStatus) error {
	query := `UPDATE tenant_registry SET status = $2, updated_at = $3 WHERE company_id = $1`

	result, err := s.getDB().ExecContext(ctx, query, companyID, status, time.Now())
	if err != nil {
		return err
	}

	return requireAffected(result)
}

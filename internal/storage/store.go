package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the platform storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Company methods
	CreateCompany(ctx context.Context, company *models.Company) error
	GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error)
	GetCompanyBySlug(ctx context.Context, slug string) (*models.Company, error)
	SetCompanyStatus(ctx context.Context, id uuid.UUID, status models.CompanyStatus) error
	ListCompanies(ctx context.Context, status *models.CompanyStatus, limit, offset int) ([]*models.Company, int64, error)

	// Tenant registry methods
	GetRegistryEntryByCompany(ctx context.Context, companyID uuid.UUID) (*models.TenantRegistryEntry, error)
	GetRegistryEntryByTenant(ctx context.Context, tenantID uuid.UUID) (*models.TenantRegistryEntry, error)
	// CreateRegistryEntry inserts entry unless the company already has one,
	// and returns whichever entry is stored afterwards.
	CreateRegistryEntry(ctx context.Context, entry *models.TenantRegistryEntry) (*models.TenantRegistryEntry, error)
	SetRegistryStatus(ctx context.Context, companyID uuid.UUID, status models.RegistryStatus) error

	// Provisioning job methods
	CreateJob(ctx context.Context, job *models.ProvisioningJob) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ProvisioningJob, error)
	GetLatestJobForCompany(ctx context.Context, companyID uuid.UUID) (*models.ProvisioningJob, error)
	UpdateJob(ctx context.Context, job *models.ProvisioningJob) error
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.ProvisioningJob, error)

	// Membership methods
	CreateMembership(ctx context.Context, m *models.Membership) error
	GetMembership(ctx context.Context, userID, companyID uuid.UUID) (*models.Membership, error)
	GetMembershipByID(ctx context.Context, id uuid.UUID) (*models.Membership, error)
	UpdateMembership(ctx context.Context, m *models.Membership) error
	DeleteMembership(ctx context.Context, id uuid.UUID) error
	ListMembershipsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error)
	ListMembershipsByCompany(ctx context.Context, companyID uuid.UUID) ([]*models.Membership, error)

	// Audit log methods
	CreateAuditLog(ctx context.Context, entry *models.AuditLogEntry) error
	ListAuditLogs(ctx context.Context, filters AuditLogFilters, limit, offset int) ([]*models.AuditLogEntry, int64, error)

	// Emergency access methods
	CreateEmergencyGrant(ctx context.Context, grant *models.EmergencyAccessGrant) error
	GetActiveEmergencyGrant(ctx context.Context, superadminID, companyID uuid.UUID, now time.Time) (*models.EmergencyAccessGrant, error)

	// Invitation methods
	CreateInvitation(ctx context.Context, inv *models.Invitation) error
	GetInvitation(ctx context.Context, id uuid.UUID) (*models.Invitation, error)
	UpdateInvitation(ctx context.Context, inv *models.Invitation) error

	// Close the store
	Close() error
}

// AuditLogFilters represents filters for audit logs
type AuditLogFilters struct {
	CompanyID *uuid.UUID
	UserID    *uuid.UUID
	Action    *string
	Severity  *models.AuditSeverity
	StartTime *time.Time
	EndTime   *time.Time
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// RegistryStatus represents the state of a tenant registry entry
type RegistryStatus string

const (
	RegistryCreating RegistryStatus = "CREATING"
	RegistryReady    RegistryStatus = "READY"
)

// TenantRegistryEntry maps a company to its tenant and physical database.
// TenantID is permanent once assigned.
type TenantRegistryEntry struct {
	CompanyID uuid.UUID `json:"companyId" db:"company_id"`
	TenantID  uuid.UUID `json:"tenantId" db:"tenant_id"`

	// Database is nil when the tenant lives in the shared database
	Database *DatabaseDescriptor `json:"database,omitempty" db:"db_descriptor"`

	Status    RegistryStatus `json:"status" db:"status"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time      `json:"updatedAt" db:"updated_at"`
}

// Dedicated reports whether the tenant has its own database
func (e *TenantRegistryEntry) Dedicated() bool {
	return e != nil && e.Database != nil && e.Database.DSN != ""
}

// DatabaseDescriptor describes a dedicated tenant database
type DatabaseDescriptor struct {
	Driver   string `json:"driver"`
	Database string `json:"database"`
	DSN      string `json:"dsn"`
}

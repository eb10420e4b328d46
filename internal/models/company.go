package models

import (
	"time"

	"github.com/google/uuid"
)

// CompanyStatus represents the lifecycle state of a company
type CompanyStatus string

const (
	CompanyPendingOwnerAcceptance CompanyStatus = "PENDING_OWNER_ACCEPTANCE"
	CompanyActive                 CompanyStatus = "ACTIVE"
	CompanySuspended              CompanyStatus = "SUSPENDED"
)

// IsolationMode selects where a tenant's data lives
type IsolationMode string

const (
	IsolationShared    IsolationMode = "Shared"
	IsolationDedicated IsolationMode = "Dedicated"
)

// Company represents a tenant-to-be. It is owned by the platform, not by any tenant.
type Company struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	Name string `json:"name" db:"name"`
	Slug string `json:"slug" db:"slug"`
	Plan string `json:"plan" db:"plan"`

	Status            CompanyStatus `json:"status" db:"status"`
	EnabledModules    StringArray   `json:"enabledModules" db:"enabled_modules"`
	StorageQuotaBytes int64         `json:"storageQuotaBytes" db:"storage_quota_bytes"`
	IsolationMode     IsolationMode `json:"isolationMode" db:"isolation_mode"`

	OwnerEmail string `json:"ownerEmail" db:"owner_email"`
	OwnerName  string `json:"ownerName" db:"owner_name"`

	ActivatedAt *time.Time `json:"activatedAt,omitempty" db:"activated_at"`
}

// OwnerCompanyID implements isolation.Owned
func (c *Company) OwnerCompanyID() uuid.UUID {
	if c == nil {
		return uuid.Nil
	}
	return c.ID
}

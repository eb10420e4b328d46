package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is a tenant-owned entity living in the tenant database
type Project struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	CompanyID uuid.UUID `json:"companyId" db:"company_id"`
	Name      string    `json:"name" db:"name"`
	Status    string    `json:"status" db:"status"`
}

// Task belongs to a project
type Task struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	CompanyID uuid.UUID `json:"companyId" db:"company_id"`
	ProjectID uuid.UUID `json:"projectId" db:"project_id"`
	Title     string    `json:"title" db:"title"`
	Status    string    `json:"status" db:"status"`
}

// Activity is an entry in the tenant activity feed
type Activity struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	CompanyID  uuid.UUID `json:"companyId" db:"company_id"`
	UserID     uuid.UUID `json:"userId" db:"user_id"`
	Action     string    `json:"action" db:"action"`
	EntityType string    `json:"entityType" db:"entity_type"`
	EntityID   string    `json:"entityId" db:"entity_id"`
	Metadata   Variables `json:"metadata,omitempty" db:"metadata"`
}

// OwnerCompanyID implements isolation.Owned
func (p *Project) OwnerCompanyID() uuid.UUID {
	if p == nil {
		return uuid.Nil
	}
	return p.CompanyID
}

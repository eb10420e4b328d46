package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLogEntry is an immutable record of a security-relevant action
type AuditLogEntry struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	CompanyID  uuid.UUID  `json:"companyId" db:"company_id"`
	UserID     *uuid.UUID `json:"userId,omitempty" db:"user_id"`
	Action     string     `json:"action" db:"action"`
	Resource   string     `json:"resource" db:"resource"`
	ResourceID string     `json:"resourceId,omitempty" db:"resource_id"`

	Metadata  Variables     `json:"metadata,omitempty" db:"metadata"`
	Status    AuditStatus   `json:"status" db:"status"`
	Severity  AuditSeverity `json:"severity" db:"severity"`
	IPAddress string        `json:"ip,omitempty" db:"ip_address"`
}

// AuditStatus is the outcome recorded on an audit entry
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
)

// AuditSeverity ranks audit entries
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityCritical AuditSeverity = "critical"
)

// Audit actions
const (
	ActionCrossTenantAccess     = "CROSS_TENANT_ACCESS"
	ActionEmergencyAccessGrant  = "EMERGENCY_ACCESS_GRANTED"
	ActionEmergencyAccessUsed   = "EMERGENCY_ACCESS_USED"
	ActionCompanyCreated        = "COMPANY_CREATED"
	ActionCompanyProvisioned    = "COMPANY_PROVISIONED"
	ActionCompanyActivated      = "COMPANY_ACTIVATED"
	ActionCompanySuspended      = "COMPANY_SUSPENDED"
	ActionOwnerInvitationAccept = "OWNER_INVITATION_ACCEPTED"
	ActionMemberAdded           = "MEMBER_ADDED"
	ActionMemberUpdated         = "MEMBER_UPDATED"
	ActionMemberRemoved         = "MEMBER_REMOVED"
)

// EmergencyAccessGrant is a time-boxed break-glass record.
// It is valid only while now < ExpiresAt.
type EmergencyAccessGrant struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	SuperadminID  uuid.UUID `json:"superadminId" db:"superadmin_id"`
	CompanyID     uuid.UUID `json:"companyId" db:"company_id"`
	Justification string    `json:"justification" db:"justification"`
	ExpiresAt     time.Time `json:"expiresAt" db:"expires_at"`
}

// ActiveAt reports whether the grant is valid at t
func (g *EmergencyAccessGrant) ActiveAt(t time.Time) bool {
	return g != nil && t.Before(g.ExpiresAt)
}

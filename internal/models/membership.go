package models

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's role within a company
type Role string

const (
	RoleSuperadmin     Role = "SUPERADMIN"
	RoleCompanyOwner   Role = "COMPANY_OWNER"
	RoleCompanyAdmin   Role = "COMPANY_ADMIN"
	RoleProjectManager Role = "PROJECT_MANAGER"
	RoleFinance        Role = "FINANCE"
	RoleSupervisor     Role = "SUPERVISOR"
	RoleOperative      Role = "OPERATIVE"
	RoleReadOnly       Role = "READ_ONLY"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleSuperadmin, RoleCompanyOwner, RoleCompanyAdmin, RoleProjectManager,
		RoleFinance, RoleSupervisor, RoleOperative, RoleReadOnly:
		return true
	}
	return false
}

// MembershipStatus represents the state of a membership
type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipInvited MembershipStatus = "invited"
	MembershipRevoked MembershipStatus = "revoked"
)

// Valid reports whether s is a known membership status
func (s MembershipStatus) Valid() bool {
	return s == MembershipActive || s == MembershipInvited || s == MembershipRevoked
}

// Membership relates a user to a company with a role.
// At most one membership exists per (UserID, CompanyID).
type Membership struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	UserID      uuid.UUID        `json:"userId" db:"user_id"`
	CompanyID   uuid.UUID        `json:"companyId" db:"company_id"`
	Role        Role             `json:"role" db:"role"`
	Permissions StringArray      `json:"permissions,omitempty" db:"permissions"`
	Status      MembershipStatus `json:"status" db:"status"`
}

// IsActive reports whether the membership grants access
func (m *Membership) IsActive() bool {
	return m != nil && m.Status == MembershipActive
}

// OwnerCompanyID implements isolation.Owned
func (m *Membership) OwnerCompanyID() uuid.UUID {
	if m == nil {
		return uuid.Nil
	}
	return m.CompanyID
}

// Invitation is an owner or member invitation to a company
type Invitation struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	CompanyID uuid.UUID `json:"companyId" db:"company_id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Role      Role      `json:"role" db:"role"`
	TokenHash string    `json:"-" db:"token_hash"`

	Status     InvitationStatus `json:"status" db:"status"`
	ExpiresAt  time.Time        `json:"expiresAt" db:"expires_at"`
	AcceptedAt *time.Time       `json:"acceptedAt,omitempty" db:"accepted_at"`
	AcceptedBy *uuid.UUID       `json:"acceptedBy,omitempty" db:"accepted_by"`
}

// InvitationStatus represents invitation states
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationAccepted  InvitationStatus = "accepted"
	InvitationExpired   InvitationStatus = "expired"
	InvitationCancelled InvitationStatus = "cancelled"
)

// Package membership manages the user to company relation.
package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
)

// ErrAlreadyMember is returned when a membership already exists for the pair
var ErrAlreadyMember = apperr.Conflict("user is already a member of this company")

// AddRequest describes a new membership
type AddRequest struct {
	UserID      uuid.UUID
	CompanyID   uuid.UUID
	Role        models.Role
	Permissions []string
	Status      models.MembershipStatus
}

// UpdateRequest carries optional membership changes
type UpdateRequest struct {
	Role        *models.Role
	Permissions []string
	Status      *models.MembershipStatus
}

// Service manages memberships
type Service struct {
	store storage.Store
	audit *audit.Service
}

// NewService creates a membership service
func NewService(store storage.Store, auditSvc *audit.Service) *Service {
	return &Service{store: store, audit: auditSvc}
}

// AddMember creates a membership. Any existing membership for the pair,
// whatever its status, is a conflict.
func (s *Service) AddMember(ctx context.Context, req AddRequest, actorID uuid.UUID) (*models.Membership, error) {
	if req.UserID == uuid.Nil || req.CompanyID == uuid.Nil {
		return nil, apperr.Validation("user id and company id are required")
	}
	if !req.Role.Valid() {
		return nil, apperr.Validation("invalid role %q", req.Role)
	}
	if req.Status == "" {
		req.Status = models.MembershipActive
	}
	if !req.Status.Valid() {
		return nil, apperr.Validation("invalid membership status %q", req.Status)
	}

	if _, err := s.store.GetMembership(ctx, req.UserID, req.CompanyID); err == nil {
		return nil, ErrAlreadyMember
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get membership: %w", err)
	}

	m := &models.Membership{
		UserID:      req.UserID,
		CompanyID:   req.CompanyID,
		Role:        req.Role,
		Permissions: req.Permissions,
		Status:      req.Status,
	}

	if err := s.store.CreateMembership(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("create membership: %w", err)
	}

	s.record(ctx, m, models.ActionMemberAdded, actorID, models.Variables{
		"userId": m.UserID.String(),
		"role":   string(m.Role),
	})

	return m, nil
}

// UpdateMembership applies changes to a membership
func (s *Service) UpdateMembership(ctx context.Context, id uuid.UUID, req UpdateRequest, actorID uuid.UUID) (*models.Membership, error) {
	m, err := s.GetMembershipByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changes := models.Variables{}
	if req.Role != nil {
		if !req.Role.Valid() {
			return nil, apperr.Validation("invalid role %q", *req.Role)
		}
		changes["role"] = map[string]string{"from": string(m.Role), "to": string(*req.Role)}
		m.Role = *req.Role
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, apperr.Validation("invalid membership status %q", *req.Status)
		}
		changes["status"] = map[string]string{"from": string(m.Status), "to": string(*req.Status)}
		m.Status = *req.Status
	}
	if req.Permissions != nil {
		changes["permissions"] = req.Permissions
		m.Permissions = req.Permissions
	}

	if err := s.store.UpdateMembership(ctx, m); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("membership not found")
		}
		return nil, fmt.Errorf("update membership: %w", err)
	}

	s.record(ctx, m, models.ActionMemberUpdated, actorID, changes)
	return m, nil
}

// RemoveMember deletes a membership
func (s *Service) RemoveMember(ctx context.Context, id uuid.UUID, actorID uuid.UUID) error {
	m, err := s.GetMembershipByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.DeleteMembership(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("membership not found")
		}
		return fmt.Errorf("delete membership: %w", err)
	}

	s.record(ctx, m, models.ActionMemberRemoved, actorID, models.Variables{
		"userId": m.UserID.String(),
		"role":   string(m.Role),
	})
	return nil
}

// GetMembership returns the membership of a user in a company
func (s *Service) GetMembership(ctx context.Context, userID, companyID uuid.UUID) (*models.Membership, error) {
	m, err := s.store.GetMembership(ctx, userID, companyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("membership not found")
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// GetMembershipByID returns a membership by id
func (s *Service) GetMembershipByID(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	m, err := s.store.GetMembershipByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("membership not found")
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// GetUserMemberships lists the memberships a user holds
func (s *Service) GetUserMemberships(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error) {
	return s.store.ListMembershipsByUser(ctx, userID)
}

// GetCompanyMembers lists the members of a company
func (s *Service) GetCompanyMembers(ctx context.Context, companyID uuid.UUID) ([]*models.Membership, error) {
	return s.store.ListMembershipsByCompany(ctx, companyID)
}

// IsGlobalSuperadmin reports whether userID holds an active SUPERADMIN
// membership in the platform pseudo-tenant
func (s *Service) IsGlobalSuperadmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	m, err := s.store.GetMembership(ctx, userID, models.PlatformCompanyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get platform membership: %w", err)
	}
	return m.IsActive() && m.Role == models.RoleSuperadmin, nil
}

// record writes the audit entry for a membership change; failures are logged only
func (s *Service) record(ctx context.Context, m *models.Membership, action string, actorID uuid.UUID, meta models.Variables) {
	s.audit.LogBestEffort(ctx, &models.AuditLogEntry{
		CompanyID:  m.CompanyID,
		UserID:     audit.UserRef(actorID),
		Action:     action,
		Resource:   "membership",
		ResourceID: m.ID.String(),
		Metadata:   meta,
	})
}

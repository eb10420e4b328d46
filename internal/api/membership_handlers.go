package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/auth"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/membership"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenant"
)

// ========== Membership handlers ==========

var errMembershipNotFound = apperr.NotFound("membership not found")

type membershipRequest struct {
	UserID      uuid.UUID                `json:"userId" validate:"required"`
	Role        models.Role              `json:"role" validate:"required"`
	Permissions []string                 `json:"permissions"`
	Status      *models.MembershipStatus `json:"status"`
}

type membershipUpdateRequest struct {
	Role        *models.Role             `json:"role"`
	Permissions []string                 `json:"permissions"`
	Status      *models.MembershipStatus `json:"status"`
}

// requireManager allows company owners and admins, plus platform operators
// already admitted by the tenant middleware.
func (s *RESTServer) requireManager(ctx context.Context, claims *auth.Claims, tc *TenantContext) error {
	switch tc.Access {
	case tenant.AccessSuperadmin, tenant.AccessEmergency, tenant.AccessPlatform:
		return nil
	}

	m, err := s.svc.Memberships.GetMembership(ctx, claims.UserID, tc.CompanyID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return apperr.AccessDenied("membership management requires an owner or admin")
		}
		return err
	}
	if m.Role != models.RoleCompanyOwner && m.Role != models.RoleCompanyAdmin {
		return apperr.AccessDenied("membership management requires an owner or admin")
	}
	return nil
}

// tenantMembership loads a membership and hides ones owned by other companies
func (s *RESTServer) tenantMembership(ctx context.Context, r *http.Request, tc *TenantContext) (*models.Membership, error) {
	id, err := urlUUID(r, "id")
	if err != nil {
		return nil, err
	}

	m, err := s.svc.Memberships.GetMembershipByID(ctx, id)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, errMembershipNotFound
		}
		return nil, err
	}
	if err := s.svc.Isolation.ValidateResourceAccess(m, tc.CompanyID); err != nil {
		return nil, errMembershipNotFound
	}
	return m, nil
}

// HandleListMemberships lists the members of the current company
func (s *RESTServer) HandleListMemberships(w http.ResponseWriter, r *http.Request) {
	tc, _ := TenantFromContext(r.Context())

	members, err := s.svc.Memberships.GetCompanyMembers(r.Context(), tc.CompanyID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"memberships": members,
		"total":       len(members),
	})
}

// HandleAddMembership adds a user to the current company
func (s *RESTServer) HandleAddMembership(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := ClaimsFromContext(ctx)
	tc, _ := TenantFromContext(ctx)

	if err := s.requireManager(ctx, claims, tc); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	var req membershipRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	add := membership.AddRequest{
		UserID:      req.UserID,
		CompanyID:   tc.CompanyID,
		Role:        req.Role,
		Permissions: req.Permissions,
	}
	if req.Status != nil {
		add.Status = *req.Status
	}

	m, err := s.svc.Memberships.AddMember(ctx, add, claims.UserID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, m)
}

// HandleUpdateMembership changes a member's role, permissions or status
func (s *RESTServer) HandleUpdateMembership(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := ClaimsFromContext(ctx)
	tc, _ := TenantFromContext(ctx)

	if err := s.requireManager(ctx, claims, tc); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	m, err := s.tenantMembership(ctx, r, tc)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	var req membershipUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	updated, err := s.svc.Memberships.UpdateMembership(ctx, m.ID, membership.UpdateRequest{
		Role:        req.Role,
		Permissions: req.Permissions,
		Status:      req.Status,
	}, claims.UserID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, updated)
}

// HandleRemoveMembership removes a member from the current company
func (s *RESTServer) HandleRemoveMembership(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := ClaimsFromContext(ctx)
	tc, _ := TenantFromContext(ctx)

	if err := s.requireManager(ctx, claims, tc); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	m, err := s.tenantMembership(ctx, r, tc)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	if err := s.svc.Memberships.RemoveMember(ctx, m.ID, claims.UserID); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleListMyMemberships lists the caller's memberships across companies
func (s *RESTServer) HandleListMyMemberships(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	members, err := s.svc.Memberships.GetUserMemberships(r.Context(), claims.UserID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"memberships": members,
	})
}

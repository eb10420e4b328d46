package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/company"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

// ========== Company handlers ==========

type invitationView struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
	URL       string    `json:"url,omitempty"`
	Token     string    `json:"token"`
}

type jobView struct {
	ID          uuid.UUID                `json:"id"`
	Status      models.JobStatus         `json:"status"`
	CurrentStep *models.ProvisioningStep `json:"currentStep"`
	Error       *string                  `json:"error"`
	Attempts    int                      `json:"attempts"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

func newJobView(j *models.ProvisioningJob) *jobView {
	if j == nil {
		return nil
	}
	return &jobView{
		ID:          j.ID,
		Status:      j.Status,
		CurrentStep: j.CurrentStep,
		Error:       j.Error,
		Attempts:    j.Attempts,
		UpdatedAt:   j.UpdatedAt,
	}
}

type companyStatusView struct {
	*models.Company
	TenantID     *uuid.UUID `json:"tenantId,omitempty"`
	Provisioning *jobView   `json:"provisioning,omitempty"`
}

// HandleCreateCompany starts onboarding a company
func (s *RESTServer) HandleCreateCompany(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req company.Details
	if err := decodeJSON(r, &req); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	req.CreatedBy = claims.UserID

	res, err := s.svc.Companies.InitiateProvisioning(r.Context(), req)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"companyId": res.Company.ID,
		"slug":      res.Company.Slug,
		"status":    res.Company.Status,
		"invitation": invitationView{
			ID:        res.Invitation.ID,
			Email:     res.Invitation.Email,
			ExpiresAt: res.Invitation.ExpiresAt,
			URL:       res.InvitationURL,
			Token:     res.Token,
		},
	})
}

// HandleListCompanies lists companies
func (s *RESTServer) HandleListCompanies(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50)

	var status *models.CompanyStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.CompanyStatus(raw)
		status = &st
	}

	companies, total, err := s.svc.Companies.ListCompanies(r.Context(), status, limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"companies": companies,
		"total":     total,
	})
}

// HandleGetCompany returns a company with its provisioning progress.
// Callers without access see the same 404 as for a missing company.
func (s *RESTServer) HandleGetCompany(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := ClaimsFromContext(ctx)

	id, err := urlUUID(r, "id")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	superadmin, err := s.svc.Memberships.IsGlobalSuperadmin(ctx, claims.UserID)
	if err != nil {
		s.respondAppError(w, r, apperr.Internal(err, "check superadmin"))
		return
	}
	if !superadmin {
		if _, err := s.svc.Tenant.ValidateTenantAccess(ctx, claims.UserID, id); err != nil {
			if apperr.IsKind(err, apperr.KindAccessDenied) {
				err = company.ErrCompanyNotFound
			}
			s.respondAppError(w, r, err)
			return
		}
	}

	status, err := s.svc.Companies.GetCompanyStatus(ctx, id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	view := companyStatusView{Company: status.Company, Provisioning: newJobView(status.Job)}
	if status.Tenant != nil {
		view.TenantID = &status.Tenant.TenantID
	}
	s.respondJSON(w, http.StatusOK, view)
}

// HandleActivateCompany activates a company
func (s *RESTServer) HandleActivateCompany(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	id, err := urlUUID(r, "id")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	c, err := s.svc.Companies.ActivateCompany(r.Context(), id, claims.UserID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, c)
}

// HandleSuspendCompany suspends a company
func (s *RESTServer) HandleSuspendCompany(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	id, err := urlUUID(r, "id")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	var req struct {
		Reason string `json:"reason" validate:"required,max=500"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	c, err := s.svc.Companies.SuspendCompany(r.Context(), id, claims.UserID, req.Reason)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, c)
}

// HandleAcceptInvitation accepts an owner invitation for the caller
func (s *RESTServer) HandleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	id, err := urlUUID(r, "id")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	var req struct {
		Token string `json:"token" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	res, err := s.svc.Companies.AcceptOwnerInvitation(r.Context(), id, req.Token, claims.UserID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"membership": res.Membership,
		"job":        newJobView(res.Job),
	})
}

// ========== Provisioning handlers ==========

// HandleGetJob returns a provisioning job
func (s *RESTServer) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	job, err := s.svc.Jobs.GetJob(r.Context(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, job)
}

// HandleRetryJob re-dispatches a failed job
func (s *RESTServer) HandleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	job, err := s.svc.Jobs.Retry(r.Context(), id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, newJobView(job))
}

// HandleGrantEmergencyAccess issues a time-boxed grant to the calling superadmin
func (s *RESTServer) HandleGrantEmergencyAccess(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req struct {
		CompanyID       uuid.UUID `json:"companyId" validate:"required"`
		Justification   string    `json:"justification" validate:"required,min=10,max=2000"`
		DurationMinutes int       `json:"durationMinutes" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	if err := s.validator.Validate(&req); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	grant, err := s.svc.Isolation.GrantEmergencyAccess(r.Context(), claims.UserID, req.CompanyID, req.Justification, req.DurationMinutes)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, grant)
}

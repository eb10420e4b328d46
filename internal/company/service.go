// Package company creates companies, onboards their owners and manages
// company lifecycle status.
package company

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/config"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/membership"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/validation"
	"github.com/cortexbuild/cortexbuild-controlplane/pkg/crypto"
)

var (
	// ErrAlreadyActive guards ActivateCompany against repeat calls
	ErrAlreadyActive = apperr.Conflict("company is already active")
	// ErrAlreadySuspended guards SuspendCompany against repeat calls
	ErrAlreadySuspended = apperr.Conflict("company is already suspended")
	// ErrCompanyNotFound is returned for unknown company ids
	ErrCompanyNotFound = apperr.NotFound("company not found")
	// ErrInvitationNotFound is returned for unknown invitation ids
	ErrInvitationNotFound = apperr.NotFound("invitation not found")
)

// JobCreator starts provisioning for a company
type JobCreator interface {
	CreateJob(ctx context.Context, companyID uuid.UUID) (*models.ProvisioningJob, error)
}

// Config controls company onboarding
type Config struct {
	Plans         config.PlansConfig
	InvitationTTL time.Duration
	// AppURL is the base of the invitation acceptance link
	AppURL string
}

// Details describes a company to create
type Details struct {
	Name          string               `json:"name" validate:"required,min=2,max=200"`
	Slug          string               `json:"slug" validate:"slug,max=63"`
	Plan          string               `json:"plan"`
	Modules       []string             `json:"selectedModules"`
	IsolationMode models.IsolationMode `json:"isolationMode" validate:"oneof=Shared Dedicated"`
	OwnerEmail    string               `json:"ownerEmail" validate:"required,email"`
	OwnerName     string               `json:"ownerName" validate:"required,max=200"`
	// CreatedBy is the platform operator creating the company
	CreatedBy uuid.UUID `json:"-"`
}

// Result is returned by InitiateProvisioning. Token is the only copy
// of the plaintext invitation token.
type Result struct {
	Company       *models.Company    `json:"company"`
	Invitation    *models.Invitation `json:"invitation"`
	Token         string             `json:"token"`
	InvitationURL string             `json:"invitationUrl,omitempty"`
}

// AcceptResult is returned by AcceptOwnerInvitation
type AcceptResult struct {
	Membership *models.Membership      `json:"membership"`
	Job        *models.ProvisioningJob `json:"job"`
}

// Status is a company with its provisioning progress
type Status struct {
	Company *models.Company             `json:"company"`
	Job     *models.ProvisioningJob     `json:"job,omitempty"`
	Tenant  *models.TenantRegistryEntry `json:"tenant,omitempty"`
}

// Service implements company onboarding and lifecycle
type Service struct {
	store     storage.Store
	members   *membership.Service
	jobs      JobCreator
	audit     *audit.Service
	notifier  Notifier
	validator *validation.Validator
	cfg       Config
	now       func() time.Time
}

// NewService creates a company service
func NewService(store storage.Store, members *membership.Service, jobs JobCreator, auditSvc *audit.Service, notifier Notifier, cfg Config) *Service {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = 7 * 24 * time.Hour
	}
	if cfg.Plans.Catalog == nil {
		cfg.Plans.Catalog = config.DefaultPlans()
	}
	if cfg.Plans.Default == "" {
		cfg.Plans.Default = "Free Beta"
	}
	return &Service{
		store:     store,
		members:   members,
		jobs:      jobs,
		audit:     auditSvc,
		notifier:  notifier,
		validator: validation.NewValidator(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// InitiateProvisioning creates a company awaiting its owner and invites
// the owner. No tenant resources are allocated until the owner accepts.
func (s *Service) InitiateProvisioning(ctx context.Context, d Details) (*Result, error) {
	if err := s.validator.Validate(&d); err != nil {
		return nil, err
	}

	if d.Plan == "" {
		d.Plan = s.cfg.Plans.Default
	}
	plan, ok := s.cfg.Plans.Lookup(d.Plan)
	if !ok {
		return nil, apperr.Validation("unknown plan %q", d.Plan)
	}

	modules, err := resolveModules(d.Plan, plan, d.Modules)
	if err != nil {
		return nil, err
	}

	if d.IsolationMode == "" {
		d.IsolationMode = models.IsolationShared
	}
	if !contains(plan.AllowedIsolation, string(d.IsolationMode)) {
		return nil, apperr.Validation("%s isolation is not available on the %s plan", d.IsolationMode, d.Plan)
	}

	slug := d.Slug
	if slug != "" {
		taken, err := s.slugTaken(ctx, slug)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, apperr.Conflict("company slug %q already exists", slug)
		}
	} else if slug, err = s.uniqueSlug(ctx, Slugify(d.Name)); err != nil {
		return nil, err
	}

	token, err := crypto.GenerateToken(crypto.InvitationTokenBytes)
	if err != nil {
		return nil, apperr.Internal(err, "failed to generate invitation token")
	}
	hash, err := crypto.HashToken(token)
	if err != nil {
		return nil, apperr.Internal(err, "failed to hash invitation token")
	}

	company := &models.Company{
		ID:                uuid.New(),
		Name:              d.Name,
		Slug:              slug,
		Plan:              d.Plan,
		Status:            models.CompanyPendingOwnerAcceptance,
		EnabledModules:    modules,
		StorageQuotaBytes: plan.StorageQuotaBytes,
		IsolationMode:     d.IsolationMode,
		OwnerEmail:        d.OwnerEmail,
		OwnerName:         d.OwnerName,
	}
	invitation := &models.Invitation{
		ID:        uuid.New(),
		CompanyID: company.ID,
		Email:     d.OwnerEmail,
		Name:      d.OwnerName,
		Role:      models.RoleCompanyOwner,
		TokenHash: hash,
		Status:    models.InvitationPending,
		ExpiresAt: s.now().Add(s.cfg.InvitationTTL),
	}

	if err := s.persist(ctx, company, invitation); err != nil {
		return nil, err
	}

	log.Info().
		Str("company_id", company.ID.String()).
		Str("slug", company.Slug).
		Str("plan", company.Plan).
		Str("isolation", string(company.IsolationMode)).
		Msg("Company created, awaiting owner acceptance")

	result := &Result{
		Company:       company,
		Invitation:    invitation,
		Token:         token,
		InvitationURL: s.invitationURL(invitation.ID, token),
	}

	if err := s.notifier.Notify(ctx, Notification{
		Type:      NotificationOwnerInvited,
		CompanyID: company.ID,
		Company:   company.Name,
		Recipient: invitation.Email,
		Name:      invitation.Name,
		URL:       result.InvitationURL,
	}); err != nil {
		log.Warn().Err(err).Str("company_id", company.ID.String()).Msg("Failed to send owner invitation notification")
	}

	s.audit.LogBestEffort(ctx, &models.AuditLogEntry{
		CompanyID:  company.ID,
		UserID:     audit.UserRef(d.CreatedBy),
		Action:     models.ActionCompanyCreated,
		Resource:   "company",
		ResourceID: company.ID.String(),
		Metadata: models.Variables{
			"plan":      company.Plan,
			"isolation": string(company.IsolationMode),
			"modules":   []string(company.EnabledModules),
		},
		Status:   models.AuditSuccess,
		Severity: models.SeverityInfo,
	})

	return result, nil
}

// persist writes the company and its invitation in one transaction
func (s *Service) persist(ctx context.Context, company *models.Company, invitation *models.Invitation) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return apperr.Internal(err, "failed to begin transaction")
	}

	if err := tx.CreateCompany(ctx, company); err != nil {
		tx.Rollback()
		if errors.Is(err, storage.ErrDuplicateKey) {
			return apperr.Conflict("company slug %q already exists", company.Slug)
		}
		return apperr.Internal(err, "failed to create company")
	}

	if err := tx.CreateInvitation(ctx, invitation); err != nil {
		tx.Rollback()
		return apperr.Internal(err, "failed to create owner invitation")
	}

	if err := tx.Commit(); err != nil {
		return apperr.Internal(err, "failed to commit company")
	}
	return nil
}

func (s *Service) invitationURL(id uuid.UUID, token string) string {
	if s.cfg.AppURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("invitation", id.String())
	q.Set("token", token)
	return s.cfg.AppURL + "/accept-invitation?" + q.Encode()
}

// resolveModules validates an explicit selection against the plan, or
// falls back to the plan defaults
func resolveModules(planName string, plan config.PlanSpec, requested []string) (models.StringArray, error) {
	if len(requested) == 0 {
		return append(models.StringArray{}, plan.DefaultModules...), nil
	}

	seen := make(map[string]bool, len(requested))
	out := make(models.StringArray, 0, len(requested))
	for _, m := range requested {
		if seen[m] {
			continue
		}
		if !contains(plan.AllowedModules, m) {
			return nil, apperr.Validation("module %q is not available on the %s plan", m, planName)
		}
		seen[m] = true
		out = append(out, m)
	}
	return out, nil
}

// AcceptOwnerInvitation accepts a pending invitation for userID, makes
// them an active member with the invited role and starts provisioning.
// The accepting user may call it again while the company is still
// waiting on provisioning, which resumes from a failed job start.
func (s *Service) AcceptOwnerInvitation(ctx context.Context, invitationID uuid.UUID, token string, userID uuid.UUID) (*AcceptResult, error) {
	if userID == uuid.Nil {
		return nil, apperr.Validation("user id is required")
	}

	inv, err := s.store.GetInvitation(ctx, invitationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvitationNotFound
		}
		return nil, apperr.Internal(err, "failed to load invitation")
	}

	resuming := inv.Status == models.InvitationAccepted && inv.AcceptedBy != nil && *inv.AcceptedBy == userID
	if inv.Status != models.InvitationPending && !resuming {
		return nil, apperr.Conflict("invitation is %s", inv.Status)
	}

	now := s.now()
	if !resuming && !now.Before(inv.ExpiresAt) {
		inv.Status = models.InvitationExpired
		if err := s.store.UpdateInvitation(ctx, inv); err != nil {
			log.Warn().Err(err).Str("invitation_id", inv.ID.String()).Msg("Failed to mark invitation expired")
		}
		return nil, apperr.Validation("invitation has expired")
	}

	if !crypto.VerifyToken(token, inv.TokenHash) {
		return nil, apperr.AccessDenied("invalid invitation token")
	}

	if resuming {
		company, err := s.GetCompany(ctx, inv.CompanyID)
		if err != nil {
			return nil, err
		}
		if company.Status != models.CompanyPendingOwnerAcceptance {
			return nil, apperr.Conflict("invitation is %s", inv.Status)
		}
	} else {
		inv.Status = models.InvitationAccepted
		inv.AcceptedAt = &now
		inv.AcceptedBy = &userID
		if err := s.store.UpdateInvitation(ctx, inv); err != nil {
			return nil, apperr.Internal(err, "failed to accept invitation")
		}
	}

	m, err := s.members.AddMember(ctx, membership.AddRequest{
		UserID:    userID,
		CompanyID: inv.CompanyID,
		Role:      inv.Role,
		Status:    models.MembershipActive,
	}, userID)
	if errors.Is(err, membership.ErrAlreadyMember) {
		m, err = s.members.GetMembership(ctx, userID, inv.CompanyID)
	}
	if err != nil {
		return nil, err
	}

	if !resuming {
		s.audit.LogBestEffort(ctx, &models.AuditLogEntry{
			CompanyID:  inv.CompanyID,
			UserID:     audit.UserRef(userID),
			Action:     models.ActionOwnerInvitationAccept,
			Resource:   "invitation",
			ResourceID: inv.ID.String(),
			Status:     models.AuditSuccess,
			Severity:   models.SeverityInfo,
		})
	}

	job, err := s.jobs.CreateJob(ctx, inv.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("start provisioning: %w", err)
	}

	log.Info().
		Str("company_id", inv.CompanyID.String()).
		Str("user_id", userID.String()).
		Str("job_id", job.ID.String()).
		Bool("resumed", resuming).
		Msg("Owner invitation accepted")

	return &AcceptResult{Membership: m, Job: job}, nil
}

// ActivateCompany marks a company ACTIVE. A human activator is audited.
func (s *Service) ActivateCompany(ctx context.Context, companyID, activatedBy uuid.UUID) (*models.Company, error) {
	company, err := s.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if company.Status == models.CompanyActive {
		return nil, ErrAlreadyActive
	}

	if err := s.store.SetCompanyStatus(ctx, companyID, models.CompanyActive); err != nil {
		return nil, apperr.Internal(err, "failed to activate company")
	}

	if activatedBy != models.SystemActorID {
		s.audit.LogBestEffort(ctx, &models.AuditLogEntry{
			CompanyID:  companyID,
			UserID:     audit.UserRef(activatedBy),
			Action:     models.ActionCompanyActivated,
			Resource:   "company",
			ResourceID: companyID.String(),
			Metadata:   models.Variables{"previousStatus": string(company.Status)},
			Status:     models.AuditSuccess,
			Severity:   models.SeverityInfo,
		})
	}

	return s.GetCompany(ctx, companyID)
}

// SuspendCompany marks a company SUSPENDED
func (s *Service) SuspendCompany(ctx context.Context, companyID, suspendedBy uuid.UUID, reason string) (*models.Company, error) {
	company, err := s.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if companyID == models.PlatformCompanyID {
		return nil, apperr.Validation("the platform company cannot be suspended")
	}
	if company.Status == models.CompanySuspended {
		return nil, ErrAlreadySuspended
	}

	if err := s.store.SetCompanyStatus(ctx, companyID, models.CompanySuspended); err != nil {
		return nil, apperr.Internal(err, "failed to suspend company")
	}

	s.audit.LogBestEffort(ctx, &models.AuditLogEntry{
		CompanyID:  companyID,
		UserID:     audit.UserRef(suspendedBy),
		Action:     models.ActionCompanySuspended,
		Resource:   "company",
		ResourceID: companyID.String(),
		Metadata: models.Variables{
			"previousStatus": string(company.Status),
			"reason":         reason,
		},
		Status:   models.AuditSuccess,
		Severity: models.SeverityWarning,
	})

	log.Warn().
		Str("company_id", companyID.String()).
		Str("reason", reason).
		Msg("Company suspended")

	return s.GetCompany(ctx, companyID)
}

// GetCompany returns a company by id
func (s *Service) GetCompany(ctx context.Context, companyID uuid.UUID) (*models.Company, error) {
	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCompanyNotFound
		}
		return nil, apperr.Internal(err, "failed to load company")
	}
	return company, nil
}

// GetCompanyStatus returns a company with its latest provisioning job
// and tenant registration, when they exist
func (s *Service) GetCompanyStatus(ctx context.Context, companyID uuid.UUID) (*Status, error) {
	company, err := s.GetCompany(ctx, companyID)
	if err != nil {
		return nil, err
	}

	status := &Status{Company: company}

	job, err := s.store.GetLatestJobForCompany(ctx, companyID)
	switch {
	case err == nil:
		status.Job = job
	case !errors.Is(err, storage.ErrNotFound):
		return nil, apperr.Internal(err, "failed to load provisioning job")
	}

	entry, err := s.store.GetRegistryEntryByCompany(ctx, companyID)
	switch {
	case err == nil:
		status.Tenant = entry
	case !errors.Is(err, storage.ErrNotFound):
		return nil, apperr.Internal(err, "failed to load tenant registration")
	}

	return status, nil
}

// ListCompanies lists companies, optionally filtered by status
func (s *Service) ListCompanies(ctx context.Context, status *models.CompanyStatus, limit, offset int) ([]*models.Company, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	companies, total, err := s.store.ListCompanies(ctx, status, limit, offset)
	if err != nil {
		return nil, 0, apperr.Internal(err, "failed to list companies")
	}
	return companies, total, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

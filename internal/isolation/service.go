// Package isolation enforces tenant boundaries: scope checks, anti-enumeration
// on resource lookups, and audited cross-tenant and emergency access.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/metrics"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
)

// ErrNoEmergencyGrant is returned when no unexpired grant exists
var ErrNoEmergencyGrant = apperr.AccessDenied("no active emergency access grant")

// Owned is implemented by resources that belong to a company
type Owned interface {
	OwnerCompanyID() uuid.UUID
}

// CrossTenantAccess describes a platform operator acting on another tenant
type CrossTenantAccess struct {
	ActorID         uuid.UUID
	Role            models.Role
	HomeCompanyID   uuid.UUID
	TargetCompanyID uuid.UUID
	Method          string
	Path            string
	IPAddress       string
}

// Config controls isolation policy
type Config struct {
	MaxEmergencyMinutes int
}

// Service implements tenant isolation checks
type Service struct {
	store   storage.Store
	audit   *audit.Service
	metrics *metrics.IsolationMetrics
	config  Config
	now     func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records isolation metrics
func WithMetrics(m *metrics.IsolationMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates an isolation service
func NewService(store storage.Store, auditSvc *audit.Service, cfg Config, opts ...Option) *Service {
	if cfg.MaxEmergencyMinutes <= 0 {
		cfg.MaxEmergencyMinutes = 240
	}

	s := &Service{
		store:  store,
		audit:  auditSvc,
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateTenantScope requires a tenant for every role but SUPERADMIN.
// Superadmin calls are allowed and logged.
func (s *Service) ValidateTenantScope(ctx context.Context, companyID *uuid.UUID, role models.Role, operationPath string) error {
	if role == models.RoleSuperadmin {
		ev := log.Warn().
			Str("role", string(role)).
			Str("path", operationPath)
		if companyID != nil {
			ev = ev.Str("company_id", companyID.String())
		}
		ev.Msg("Superadmin operation outside tenant scope")
		return nil
	}

	if companyID == nil || *companyID == uuid.Nil {
		s.denied("scope_required")
		return apperr.TenantScopeRequired("tenant scope required for %s", operationPath)
	}

	return nil
}

// AuditCrossTenantAccess records a platform operator acting on a foreign tenant.
// A failed write is returned to the caller.
func (s *Service) AuditCrossTenantAccess(ctx context.Context, a CrossTenantAccess) error {
	if a.HomeCompanyID == a.TargetCompanyID {
		return nil
	}

	log.Warn().
		Str("actor_id", a.ActorID.String()).
		Str("role", string(a.Role)).
		Str("home_company_id", a.HomeCompanyID.String()).
		Str("target_company_id", a.TargetCompanyID.String()).
		Str("path", a.Path).
		Msg("Cross-tenant access")

	err := s.audit.Log(ctx, &models.AuditLogEntry{
		CompanyID:  a.TargetCompanyID,
		UserID:     audit.UserRef(a.ActorID),
		Action:     models.ActionCrossTenantAccess,
		Resource:   "tenant",
		ResourceID: a.TargetCompanyID.String(),
		Metadata: models.Variables{
			"homeCompanyId": a.HomeCompanyID.String(),
			"role":          string(a.Role),
			"method":        a.Method,
			"path":          a.Path,
		},
		Severity:  models.SeverityWarning,
		IPAddress: a.IPAddress,
	})
	if err != nil {
		return apperr.Internal(err, "cross-tenant audit failed")
	}

	if s.metrics != nil {
		s.metrics.CrossTenant.Inc()
	}
	return nil
}

// ValidateResourceAccess reports NotFound when the resource is absent or
// owned by another company, so the two cases are indistinguishable.
func (s *Service) ValidateResourceAccess(resource Owned, companyID uuid.UUID) error {
	if resource == nil {
		return apperr.NotFound("resource not found")
	}

	owner := resource.OwnerCompanyID()
	if owner == uuid.Nil || owner != companyID {
		s.denied("foreign_resource")
		return apperr.NotFound("resource not found")
	}

	return nil
}

// GrantEmergencyAccess issues a time-boxed grant for a superadmin to act within companyID
func (s *Service) GrantEmergencyAccess(ctx context.Context, superadminID, companyID uuid.UUID, justification string, durationMinutes int) (*models.EmergencyAccessGrant, error) {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return nil, apperr.Validation("justification is required")
	}
	if durationMinutes < 1 || durationMinutes > s.config.MaxEmergencyMinutes {
		return nil, apperr.Validation("duration must be between 1 and %d minutes", s.config.MaxEmergencyMinutes)
	}

	if _, err := s.store.GetCompany(ctx, companyID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.NotFound("company not found")
		}
		return nil, fmt.Errorf("get company: %w", err)
	}

	now := s.now()
	grant := &models.EmergencyAccessGrant{
		CreatedAt:     now,
		SuperadminID:  superadminID,
		CompanyID:     companyID,
		Justification: justification,
		ExpiresAt:     now.Add(time.Duration(durationMinutes) * time.Minute),
	}

	if err := s.store.CreateEmergencyGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("create emergency grant: %w", err)
	}

	err := s.audit.Log(ctx, &models.AuditLogEntry{
		CompanyID:  companyID,
		UserID:     audit.UserRef(superadminID),
		Action:     models.ActionEmergencyAccessGrant,
		Resource:   "emergency_access",
		ResourceID: grant.ID.String(),
		Metadata: models.Variables{
			"justification":   justification,
			"durationMinutes": durationMinutes,
			"expiresAt":       grant.ExpiresAt.Format(time.RFC3339),
		},
		Severity: models.SeverityCritical,
	})
	if err != nil {
		return nil, apperr.Internal(err, "emergency access audit failed")
	}

	if s.metrics != nil {
		s.metrics.EmergencyGrants.Inc()
	}

	log.Warn().
		Str("superadmin_id", superadminID.String()).
		Str("company_id", companyID.String()).
		Time("expires_at", grant.ExpiresAt).
		Msg("Emergency access granted")

	return grant, nil
}

// CheckEmergencyAccess returns the active grant for the pair. Expired grants
// are treated exactly like missing ones. Each successful use is audited.
func (s *Service) CheckEmergencyAccess(ctx context.Context, superadminID, companyID uuid.UUID) (*models.EmergencyAccessGrant, error) {
	now := s.now()

	grant, err := s.store.GetActiveEmergencyGrant(ctx, superadminID, companyID, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoEmergencyGrant
		}
		return nil, fmt.Errorf("get emergency grant: %w", err)
	}

	if !grant.ActiveAt(now) {
		return nil, ErrNoEmergencyGrant
	}

	err = s.audit.Log(ctx, &models.AuditLogEntry{
		CompanyID:  companyID,
		UserID:     audit.UserRef(superadminID),
		Action:     models.ActionEmergencyAccessUsed,
		Resource:   "emergency_access",
		ResourceID: grant.ID.String(),
		Severity:   models.SeverityCritical,
	})
	if err != nil {
		return nil, apperr.Internal(err, "emergency access audit failed")
	}

	return grant, nil
}

func (s *Service) denied(reason string) {
	if s.metrics != nil {
		s.metrics.Denied.WithLabelValues(reason).Inc()
	}
}

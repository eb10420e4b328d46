package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenant"
)

// HandleListAuditLogs lists audit entries. Tenant scopes only ever see their
// own company; the platform scope sees everything.
func (s *RESTServer) HandleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, _ := ClaimsFromContext(ctx)
	tc, _ := TenantFromContext(ctx)

	if err := s.requireManager(ctx, claims, tc); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	limit, offset := pagination(r, 100)
	query := r.URL.Query()

	var filters storage.AuditLogFilters
	if tc.Access != tenant.AccessPlatform {
		companyID := tc.CompanyID
		filters.CompanyID = &companyID
	}

	if action := query.Get("action"); action != "" {
		filters.Action = &action
	}
	if severity := query.Get("severity"); severity != "" {
		sev := models.AuditSeverity(severity)
		filters.Severity = &sev
	}
	if raw := query.Get("userId"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			s.respondAppError(w, r, apperr.Validation("invalid userId"))
			return
		}
		filters.UserID = &userID
	}
	if raw := query.Get("start_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondAppError(w, r, apperr.Validation("invalid start_time"))
			return
		}
		filters.StartTime = &t
	}
	if raw := query.Get("end_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.respondAppError(w, r, apperr.Validation("invalid end_time"))
			return
		}
		filters.EndTime = &t
	}

	entries, total, err := s.svc.Audit.List(ctx, filters, limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"auditLogs": entries,
		"total":     total,
	})
}

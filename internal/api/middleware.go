package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/isolation"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenant"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenantdb"
)

// Tenant selection headers, in priority order
const (
	HeaderCompanyID = "X-Company-ID"
	HeaderTenantID  = "X-Tenant-ID"
)

const maxSniffBody = 1 << 20

// requestLogger logs one line per request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := log.Info()
			if status >= http.StatusInternalServerError {
				ev = log.Error()
			}
			ev.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// requireSuperadmin admits only callers holding an active global superadmin membership
func (s *RESTServer) requireSuperadmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFromContext(r.Context())

		ok, err := s.svc.Memberships.IsGlobalSuperadmin(r.Context(), claims.UserID)
		if err != nil {
			s.respondAppError(w, r, apperr.Internal(err, "check superadmin"))
			return
		}
		if !ok || claims.Role != models.RoleSuperadmin {
			s.respondError(w, http.StatusForbidden, "platform administrator access required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// tenantMiddleware resolves the tenant for the request, checks the caller
// may act within it, audits cross-tenant operator access and attaches the
// tenant's database handle.
func (s *RESTServer) tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		claims, _ := ClaimsFromContext(ctx)

		companyID, err := resolveCompanyID(r, claims.CompanyID)
		if err != nil {
			s.respondAppError(w, r, err)
			return
		}

		if err := s.svc.Isolation.ValidateTenantScope(ctx, companyID, claims.Role, r.URL.Path); err != nil {
			s.respondAppError(w, r, err)
			return
		}

		target := models.PlatformCompanyID
		if companyID != nil {
			target = *companyID
		}

		access, err := s.svc.Tenant.ValidateTenantAccess(ctx, claims.UserID, target)
		if err != nil {
			s.respondAppError(w, r, err)
			return
		}
		if access == tenant.AccessPlatform {
			ok, err := s.svc.Memberships.IsGlobalSuperadmin(ctx, claims.UserID)
			if err != nil {
				s.respondAppError(w, r, apperr.Internal(err, "check superadmin"))
				return
			}
			if !ok {
				s.respondAppError(w, r, apperr.AccessDenied("platform scope requires a platform administrator"))
				return
			}
		}

		tc := &TenantContext{CompanyID: target, Access: access}

		home := models.PlatformCompanyID
		if claims.CompanyID != nil {
			home = *claims.CompanyID
		}
		crossTenant, err := s.isOperatorAccess(ctx, claims.UserID, access, home, target)
		if err != nil {
			s.respondAppError(w, r, err)
			return
		}
		if crossTenant {
			tc.CrossTenant = true
			if err := s.svc.Isolation.AuditCrossTenantAccess(ctx, isolation.CrossTenantAccess{
				ActorID:         claims.UserID,
				Role:            claims.Role,
				HomeCompanyID:   home,
				TargetCompanyID: target,
				Method:          r.Method,
				Path:            r.URL.Path,
				IPAddress:       r.RemoteAddr,
			}); err != nil {
				s.respondAppError(w, r, err)
				return
			}
		}

		s.attachDatabase(r, tc)

		next.ServeHTTP(w, r.WithContext(withTenant(ctx, tc)))
	})
}

// isOperatorAccess reports whether a platform operator is acting outside
// their home company. A global superadmin who also holds a membership in
// target still counts.
func (s *RESTServer) isOperatorAccess(ctx context.Context, userID uuid.UUID, access tenant.Access, home, target uuid.UUID) (bool, error) {
	if home == target {
		return false, nil
	}
	switch access {
	case tenant.AccessSuperadmin, tenant.AccessEmergency:
		return true, nil
	case tenant.AccessMember:
		ok, err := s.svc.Memberships.IsGlobalSuperadmin(ctx, userID)
		if err != nil {
			return false, apperr.Internal(err, "check superadmin")
		}
		return ok, nil
	}
	return false, nil
}

// attachDatabase resolves the tenant handle, falling back to the shared one
func (s *RESTServer) attachDatabase(r *http.Request, tc *TenantContext) {
	if tc.CompanyID == models.PlatformCompanyID {
		tc.DB = s.svc.Databases.Shared()
		return
	}

	entry, db, err := s.svc.Databases.GetCompanyDatabase(r.Context(), tc.CompanyID)
	if entry != nil {
		tc.TenantID = entry.TenantID
	}
	if err == nil {
		tc.DB = db
		return
	}

	tc.DB = s.svc.Databases.Shared()
	tc.Fallback = true

	ev := log.Warn().
		Err(err).
		Str("company_id", tc.CompanyID.String()).
		Str("path", r.URL.Path)
	if errors.Is(err, tenantdb.ErrTenantNotFound) {
		ev.Msg("Company has no tenant registration, using shared database")
		return
	}
	ev.Msg("Tenant database unavailable, using shared database")
}

// resolveCompanyID reads the tenant selector from headers, the token
// claim, the query string or a JSON body, in that order. The result is
// nil when none is present.
func resolveCompanyID(r *http.Request, claim *uuid.UUID) (*uuid.UUID, error) {
	if raw := r.Header.Get(HeaderCompanyID); raw != "" {
		return parseCompanyID(raw)
	}
	if raw := r.Header.Get(HeaderTenantID); raw != "" {
		return parseCompanyID(raw)
	}
	if claim != nil && *claim != uuid.Nil {
		id := *claim
		return &id, nil
	}
	if raw := r.URL.Query().Get("companyId"); raw != "" {
		return parseCompanyID(raw)
	}
	if raw, err := sniffBodyCompanyID(r); err != nil {
		return nil, err
	} else if raw != "" {
		return parseCompanyID(raw)
	}
	return nil, nil
}

func parseCompanyID(raw string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == models.PlatformCompanyAlias {
		id := models.PlatformCompanyID
		return &id, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperr.Validation("invalid company id %q", raw)
	}
	return &id, nil
}

// sniffBodyCompanyID reads companyId from a JSON body and restores the body
func sniffBodyCompanyID(r *http.Request) (string, error) {
	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodDelete {
		return "", nil
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return "", nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSniffBody))
	if err != nil {
		return "", apperr.Validation("unreadable request body")
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))

	var body struct {
		CompanyID string `json:"companyId"`
	}
	if len(data) == 0 || json.Unmarshal(data, &body) != nil {
		return "", nil
	}
	return body.CompanyID, nil
}

// Package tenant holds the contract shared by tenant-scoped business services:
// access checks, tenant-scoped query building, resource ownership checks and
// activity/audit recording.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/isolation"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/membership"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

// TenantColumn is the ownership column every tenant table carries
const TenantColumn = "company_id"

// Psql builds Postgres-style placeholder queries
var Psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Access describes why a tenant access check passed
type Access string

const (
	AccessPlatform   Access = "platform"
	AccessSuperadmin Access = "superadmin"
	AccessMember     Access = "member"
	AccessEmergency  Access = "emergency"
)

// HierarchyRef addresses a child row through its parent
type HierarchyRef struct {
	ParentTable string
	ParentID    uuid.UUID
	ChildTable  string
	ChildID     uuid.UUID
	// ForeignKey is the child column referencing the parent id
	ForeignKey string
}

// Base is embedded by tenant-scoped services
type Base struct {
	memberships *membership.Service
	isolation   *isolation.Service
	audit       *audit.Service

	// SuperadminBypass lets global superadmins pass membership checks
	superadminBypass bool
}

// NewBase creates the shared tenant service contract
func NewBase(memberships *membership.Service, iso *isolation.Service, auditSvc *audit.Service, superadminBypass bool) *Base {
	return &Base{
		memberships:      memberships,
		isolation:        iso,
		audit:            auditSvc,
		superadminBypass: superadminBypass,
	}
}

// Isolation exposes the isolation service
func (b *Base) Isolation() *isolation.Service {
	return b.isolation
}

// ValidateTenantAccess checks that userID may act within companyID.
func (b *Base) ValidateTenantAccess(ctx context.Context, userID, companyID uuid.UUID) (Access, error) {
	if companyID == models.PlatformCompanyID {
		return AccessPlatform, nil
	}

	superadmin, err := b.memberships.IsGlobalSuperadmin(ctx, userID)
	if err != nil {
		return "", apperr.Internal(err, "check superadmin")
	}
	if superadmin && b.superadminBypass {
		return AccessSuperadmin, nil
	}

	m, err := b.memberships.GetMembership(ctx, userID, companyID)
	switch {
	case err == nil && m.IsActive():
		return AccessMember, nil
	case err != nil && !apperr.IsKind(err, apperr.KindNotFound):
		return "", apperr.Internal(err, "check membership")
	}

	if superadmin {
		if _, err := b.isolation.CheckEmergencyAccess(ctx, userID, companyID); err == nil {
			return AccessEmergency, nil
		} else if !errors.Is(err, isolation.ErrNoEmergencyGrant) {
			return "", err
		}
	}

	return "", apperr.AccessDenied("no active membership for this company")
}

// ScopeQueryByTenant restricts q to rows owned by companyID.
// alias qualifies the column when the query joins several tables.
func (b *Base) ScopeQueryByTenant(q sq.SelectBuilder, companyID uuid.UUID, alias string) sq.SelectBuilder {
	col := TenantColumn
	if alias != "" {
		col = alias + "." + TenantColumn
	}
	return q.Where(sq.Eq{col: companyID})
}

// ValidateResourceTenant checks that the row exists and is owned by companyID.
// A foreign row is reported exactly like a missing one.
func (b *Base) ValidateResourceTenant(ctx context.Context, db Querier, table string, resourceID, companyID uuid.UUID) error {
	query, args, err := Psql.Select(TenantColumn).
		From(pq.QuoteIdentifier(table)).
		Where(sq.Eq{"id": resourceID}).
		ToSql()
	if err != nil {
		return err
	}

	var owner uuid.UUID
	if err := db.QueryRowContext(ctx, query, args...).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("%s not found", table)
		}
		return apperr.Internal(err, "lookup %s", table)
	}

	if owner != companyID {
		return apperr.NotFound("%s not found", table)
	}

	return nil
}

// ValidateHierarchicalAccess checks that the child belongs to the parent and
// the parent is owned by companyID.
func (b *Base) ValidateHierarchicalAccess(ctx context.Context, db Querier, ref HierarchyRef, companyID uuid.UUID) error {
	child := pq.QuoteIdentifier(ref.ChildTable)
	parent := pq.QuoteIdentifier(ref.ParentTable)

	query, args, err := Psql.Select("p." + TenantColumn).
		From(child + " c").
		Join(fmt.Sprintf("%s p ON c.%s = p.id", parent, pq.QuoteIdentifier(ref.ForeignKey))).
		Where(sq.Eq{"c.id": ref.ChildID, "p.id": ref.ParentID}).
		ToSql()
	if err != nil {
		return err
	}

	var owner uuid.UUID
	if err := db.QueryRowContext(ctx, query, args...).Scan(&owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("%s not found", ref.ChildTable)
		}
		return apperr.Internal(err, "lookup %s", ref.ChildTable)
	}

	if owner != companyID {
		return apperr.NotFound("%s not found", ref.ChildTable)
	}

	return nil
}

// LogActivity writes a user-facing activity feed entry in the tenant database.
// Failures are logged and never returned.
func (b *Base) LogActivity(ctx context.Context, db Querier, a *models.Activity) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO activity_feed (id, company_id, user_id, action, entity_type, entity_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	if _, err := db.ExecContext(ctx, query,
		a.ID, a.CompanyID, a.UserID, a.Action, a.EntityType, a.EntityID, a.Metadata, a.CreatedAt,
	); err != nil {
		log.Error().
			Err(err).
			Str("company_id", a.CompanyID.String()).
			Str("action", a.Action).
			Msg("Failed to write activity feed entry")
	}
}

// AuditAction writes a platform audit entry. Failures are logged and never returned.
func (b *Base) AuditAction(ctx context.Context, entry *models.AuditLogEntry) {
	b.audit.LogBestEffort(ctx, entry)
}

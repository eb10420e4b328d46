package api

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/auth"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenant"
)

type contextKey int

const (
	claimsKey contextKey = iota
	tenantKey
)

// TenantContext is the tenant resolved for a request
type TenantContext struct {
	CompanyID uuid.UUID
	// TenantID is uuid.Nil when the company has no registry entry yet
	TenantID uuid.UUID
	DB       *sql.DB
	Access   tenant.Access
	// CrossTenant is set when a platform operator acts outside their home company
	CrossTenant bool
	// Fallback is set when the tenant's own database could not be resolved
	Fallback bool
}

func withClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext returns the verified token claims
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok
}

func withTenant(ctx context.Context, tc *TenantContext) context.Context {
	return context.WithValue(ctx, tenantKey, tc)
}

// TenantFromContext returns the tenant attached by the tenant middleware
func TenantFromContext(ctx context.Context) (*TenantContext, bool) {
	tc, ok := ctx.Value(tenantKey).(*TenantContext)
	return tc, ok
}

package isolation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage/storagetest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newService(t *testing.T) (*Service, *storagetest.MemoryStore, *fakeClock) {
	t.Helper()
	store := storagetest.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(store, audit.NewService(store), Config{MaxEmergencyMinutes: 60}, WithClock(clock.Now))
	return svc, store, clock
}

func seedCompany(t *testing.T, store *storagetest.MemoryStore) uuid.UUID {
	t.Helper()
	c := &models.Company{Name: "Acme", Slug: "acme-" + uuid.NewString()[:8], Status: models.CompanyActive}
	require.NoError(t, store.CreateCompany(context.Background(), c))
	return c.ID
}

func TestValidateTenantScope(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	companyID := uuid.New()

	assert.NoError(t, svc.ValidateTenantScope(ctx, nil, models.RoleSuperadmin, "/api/v1/companies"))
	assert.NoError(t, svc.ValidateTenantScope(ctx, &companyID, models.RoleProjectManager, "/api/v1/projects"))

	err := svc.ValidateTenantScope(ctx, nil, models.RoleCompanyAdmin, "/api/v1/projects")
	assert.True(t, apperr.IsKind(err, apperr.KindTenantScopeRequired))

	nilID := uuid.Nil
	err = svc.ValidateTenantScope(ctx, &nilID, models.RoleOperative, "/api/v1/projects")
	assert.True(t, apperr.IsKind(err, apperr.KindTenantScopeRequired))
}

func TestAuditCrossTenantAccess(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	home, target := models.PlatformCompanyID, uuid.New()

	require.NoError(t, svc.AuditCrossTenantAccess(ctx, CrossTenantAccess{
		ActorID:         uuid.New(),
		Role:            models.RoleSuperadmin,
		HomeCompanyID:   home,
		TargetCompanyID: target,
		Path:            "/api/v1/projects",
	}))

	entries := store.AuditEntries(models.ActionCrossTenantAccess)
	require.Len(t, entries, 1)
	assert.Equal(t, target, entries[0].CompanyID)
	assert.Equal(t, models.SeverityWarning, entries[0].Severity)
	assert.Equal(t, home.String(), entries[0].Metadata["homeCompanyId"])

	// same tenant is not cross-tenant
	require.NoError(t, svc.AuditCrossTenantAccess(ctx, CrossTenantAccess{HomeCompanyID: target, TargetCompanyID: target}))
	assert.Len(t, store.AuditEntries(models.ActionCrossTenantAccess), 1)
}

func TestAuditCrossTenantAccessPropagatesFailure(t *testing.T) {
	svc, store, _ := newService(t)
	store.AuditErr = errors.New("audit table locked")

	err := svc.AuditCrossTenantAccess(context.Background(), CrossTenantAccess{
		ActorID:         uuid.New(),
		HomeCompanyID:   models.PlatformCompanyID,
		TargetCompanyID: uuid.New(),
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
	assert.ErrorIs(t, err, store.AuditErr)
}

func TestValidateResourceAccessAntiEnumeration(t *testing.T) {
	svc, _, _ := newService(t)
	tenantA, tenantB := uuid.New(), uuid.New()

	owned := &models.Membership{ID: uuid.New(), CompanyID: tenantA}
	assert.NoError(t, svc.ValidateResourceAccess(owned, tenantA))

	foreign := svc.ValidateResourceAccess(owned, tenantB)
	var missingPtr *models.Membership
	missing := svc.ValidateResourceAccess(missingPtr, tenantB)
	absent := svc.ValidateResourceAccess(nil, tenantB)

	for _, err := range []error{foreign, missing, absent} {
		require.Error(t, err)
		assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
		assert.Equal(t, foreign.Error(), err.Error())
	}
}

func TestGrantEmergencyAccessValidation(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	companyID := seedCompany(t, store)
	admin := uuid.New()

	_, err := svc.GrantEmergencyAccess(ctx, admin, companyID, "  ", 30)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.GrantEmergencyAccess(ctx, admin, companyID, "incident 42", 0)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.GrantEmergencyAccess(ctx, admin, companyID, "incident 42", 61)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = svc.GrantEmergencyAccess(ctx, admin, uuid.New(), "incident 42", 30)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestGrantEmergencyAccessAuditedCritical(t *testing.T) {
	svc, store, clock := newService(t)
	ctx := context.Background()
	companyID := seedCompany(t, store)
	admin := uuid.New()

	grant, err := svc.GrantEmergencyAccess(ctx, admin, companyID, "customer escalation", 30)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Minute), grant.ExpiresAt)

	entries := store.AuditEntries(models.ActionEmergencyAccessGrant)
	require.Len(t, entries, 1)
	assert.Equal(t, models.SeverityCritical, entries[0].Severity)
	assert.Equal(t, grant.ID.String(), entries[0].ResourceID)
}

func TestGrantEmergencyAccessAuditFailure(t *testing.T) {
	svc, store, _ := newService(t)
	companyID := seedCompany(t, store)
	store.AuditErr = errors.New("down")

	_, err := svc.GrantEmergencyAccess(context.Background(), uuid.New(), companyID, "incident", 5)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
}

func TestEmergencyGrantExpiry(t *testing.T) {
	svc, store, clock := newService(t)
	ctx := context.Background()
	companyID := seedCompany(t, store)
	admin := uuid.New()

	_, err := svc.CheckEmergencyAccess(ctx, admin, companyID)
	assert.ErrorIs(t, err, ErrNoEmergencyGrant)

	_, err = svc.GrantEmergencyAccess(ctx, admin, companyID, "incident", 10)
	require.NoError(t, err)

	grant, err := svc.CheckEmergencyAccess(ctx, admin, companyID)
	require.NoError(t, err)
	assert.Equal(t, companyID, grant.CompanyID)
	assert.Len(t, store.AuditEntries(models.ActionEmergencyAccessUsed), 1)

	clock.Advance(10 * time.Minute)
	_, expiredErr := svc.CheckEmergencyAccess(ctx, admin, companyID)
	_, missingErr := svc.CheckEmergencyAccess(ctx, uuid.New(), companyID)
	assert.ErrorIs(t, expiredErr, ErrNoEmergencyGrant)
	assert.Equal(t, missingErr, expiredErr)
	assert.Len(t, store.AuditEntries(models.ActionEmergencyAccessUsed), 1)
}

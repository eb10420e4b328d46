package membership

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage/storagetest"
)

func newService() (*Service, *storagetest.MemoryStore) {
	store := storagetest.NewMemoryStore()
	return NewService(store, audit.NewService(store)), store
}

func TestAddMemberUniqueness(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	userID, companyID, actor := uuid.New(), uuid.New(), uuid.New()

	m, err := svc.AddMember(ctx, AddRequest{UserID: userID, CompanyID: companyID, Role: models.RoleProjectManager}, actor)
	require.NoError(t, err)
	assert.Equal(t, models.MembershipActive, m.Status)

	// revoked memberships still block a second row for the pair
	revoked := models.MembershipRevoked
	_, err = svc.UpdateMembership(ctx, m.ID, UpdateRequest{Status: &revoked}, actor)
	require.NoError(t, err)

	_, err = svc.AddMember(ctx, AddRequest{UserID: userID, CompanyID: companyID, Role: models.RoleReadOnly}, actor)
	assert.ErrorIs(t, err, ErrAlreadyMember)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	members, err := svc.GetCompanyMembers(ctx, companyID)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	assert.Len(t, store.AuditEntries(models.ActionMemberAdded), 1)
	assert.Len(t, store.AuditEntries(models.ActionMemberUpdated), 1)
}

func TestAddMemberValidatesRole(t *testing.T) {
	svc, _ := newService()
	_, err := svc.AddMember(context.Background(), AddRequest{
		UserID: uuid.New(), CompanyID: uuid.New(), Role: "OVERLORD",
	}, uuid.New())
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestAuditFailureDoesNotAbortMutation(t *testing.T) {
	svc, store := newService()
	store.AuditErr = errors.New("audit unavailable")
	ctx := context.Background()

	m, err := svc.AddMember(ctx, AddRequest{UserID: uuid.New(), CompanyID: uuid.New(), Role: models.RoleFinance}, uuid.New())
	require.NoError(t, err)

	got, err := svc.GetMembershipByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleFinance, got.Role)
}

func TestUpdateAndRemoveMember(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	actor := uuid.New()

	m, err := svc.AddMember(ctx, AddRequest{UserID: uuid.New(), CompanyID: uuid.New(), Role: models.RoleOperative}, actor)
	require.NoError(t, err)

	role := models.RoleSupervisor
	updated, err := svc.UpdateMembership(ctx, m.ID, UpdateRequest{Role: &role, Permissions: []string{"tasks:write"}}, actor)
	require.NoError(t, err)
	assert.Equal(t, models.RoleSupervisor, updated.Role)
	assert.Equal(t, models.StringArray{"tasks:write"}, updated.Permissions)

	bad := models.Role("NOPE")
	_, err = svc.UpdateMembership(ctx, m.ID, UpdateRequest{Role: &bad}, actor)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	require.NoError(t, svc.RemoveMember(ctx, m.ID, actor))
	assert.Len(t, store.AuditEntries(models.ActionMemberRemoved), 1)

	_, err = svc.GetMembershipByID(ctx, m.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	err = svc.RemoveMember(ctx, m.ID, actor)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestGetUserMemberships(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := svc.AddMember(ctx, AddRequest{UserID: userID, CompanyID: uuid.New(), Role: models.RoleReadOnly}, uuid.New())
		require.NoError(t, err)
	}

	list, err := svc.GetUserMemberships(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = svc.GetMembership(ctx, userID, uuid.New())
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestIsGlobalSuperadmin(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	admin, other := uuid.New(), uuid.New()

	_, err := svc.AddMember(ctx, AddRequest{UserID: admin, CompanyID: models.PlatformCompanyID, Role: models.RoleSuperadmin}, models.SystemActorID)
	require.NoError(t, err)
	_, err = svc.AddMember(ctx, AddRequest{UserID: other, CompanyID: models.PlatformCompanyID, Role: models.RoleSuperadmin, Status: models.MembershipInvited}, models.SystemActorID)
	require.NoError(t, err)

	ok, err := svc.IsGlobalSuperadmin(ctx, admin)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsGlobalSuperadmin(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.IsGlobalSuperadmin(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

func newMockStore(t *testing.T, opts ...Option) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db, opts...), mock
}

var registryCols = []string{"company_id", "tenant_id", "db_descriptor", "status", "created_at", "updated_at"}

func TestMapError(t *testing.T) {
	assert.Nil(t, mapError(nil))
	assert.ErrorIs(t, mapError(sql.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, mapError(&pq.Error{Code: "23505"}), ErrDuplicateKey)
	assert.ErrorIs(t, mapError(errors.New(`pq: duplicate key value violates unique constraint "memberships_user_id_company_id_key"`)), ErrDuplicateKey)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapError(other))
}

func TestCreateRegistryEntryKeepsFirstTenantID(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	companyID := uuid.New()
	firstTenant := uuid.New()
	now := time.Now()

	// Insert is a no-op because an entry already exists; the stored row wins.
	mock.ExpectExec(`INSERT INTO tenant_registry .* ON CONFLICT \(company_id\) DO NOTHING`).
		WithArgs(companyID, sqlmock.AnyArg(), nil, models.RegistryCreating, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT .* FROM tenant_registry WHERE company_id = \$1`).
		WithArgs(companyID).
		WillReturnRows(sqlmock.NewRows(registryCols).
			AddRow(companyID.String(), firstTenant.String(), nil, "READY", now, now))

	entry, err := store.CreateRegistryEntry(ctx, &models.TenantRegistryEntry{CompanyID: companyID})
	require.NoError(t, err)
	assert.Equal(t, firstTenant, entry.TenantID)
	assert.Equal(t, models.RegistryReady, entry.Status)
	assert.Nil(t, entry.Database)
	assert.False(t, entry.Dedicated())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistryDescriptorEncryptedAtRest(t *testing.T) {
	store, mock := newMockStore(t, WithDescriptorKey("k3y"))
	ctx := context.Background()

	companyID := uuid.New()
	d := &models.DatabaseDescriptor{Driver: "postgres", Database: "tenant_x", DSN: "postgres://u:p@db/tenant_x"}

	raw, err := store.encodeDescriptor(d)
	require.NoError(t, err)
	assert.NotContains(t, raw.(string), "u:p@db")

	now := time.Now()
	mock.ExpectQuery(`SELECT .* FROM tenant_registry WHERE tenant_id = \$1`).
		WillReturnRows(sqlmock.NewRows(registryCols).
			AddRow(companyID.String(), uuid.New().String(), []byte(raw.(string)), "READY", now, now))

	entry, err := store.GetRegistryEntryByTenant(ctx, uuid.New())
	require.NoError(t, err)
	require.NotNil(t, entry.Database)
	assert.Equal(t, d.DSN, entry.Database.DSN)
	assert.True(t, entry.Dedicated())
}

func TestGetRegistryEntryNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM tenant_registry WHERE tenant_id = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetRegistryEntryByTenant(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetCompanyStatusNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE companies SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetCompanyStatus(context.Background(), uuid.New(), models.CompanyActive)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMembershipDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO memberships`).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreateMembership(context.Background(), &models.Membership{
		UserID: uuid.New(), CompanyID: uuid.New(), Role: models.RoleReadOnly, Status: models.MembershipActive,
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestGetActiveEmergencyGrantFiltersExpired(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	admin, company := uuid.New(), uuid.New()
	mock.ExpectQuery(`FROM emergency_access\s+WHERE superadmin_id = \$1 AND company_id = \$2 AND expires_at > \$3`).
		WithArgs(admin, company, now).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetActiveEmergencyGrant(context.Background(), admin, company, now)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditLogsFilters(t *testing.T) {
	store, mock := newMockStore(t)
	companyID := uuid.New()
	action := models.ActionCrossTenantAccess

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE company_id = \$1 AND action = \$2`).
		WithArgs(companyID, action).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	now := time.Now()
	mock.ExpectQuery(`SELECT id, .* FROM audit_logs WHERE company_id = \$1 AND action = \$2 ORDER BY created_at DESC LIMIT 10 OFFSET 0`).
		WithArgs(companyID, action).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "created_at", "company_id", "user_id", "action", "resource", "resource_id",
			"metadata", "status", "severity", "ip_address",
		}).AddRow(uuid.New().String(), now, companyID.String(), nil, action, "tenant", "", []byte(`{"path":"/api/v1/projects"}`), "success", "warning", ""))

	entries, count, err := store.ListAuditLogs(context.Background(), AuditLogFilters{
		CompanyID: &companyID,
		Action:    &action,
	}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	require.Len(t, entries, 1)
	assert.Equal(t, models.SeverityWarning, entries[0].Severity)
	assert.Nil(t, entries[0].UserID)
	assert.Equal(t, "/api/v1/projects", entries[0].Metadata["path"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesEveryStatement(t *testing.T) {
	store, mock := newMockStore(t)
	for range platformSchema {
		mock.ExpectExec(`CREATE (TABLE|INDEX) IF NOT EXISTS`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

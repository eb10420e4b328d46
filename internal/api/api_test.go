package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/auth"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/company"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/config"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/isolation"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/membership"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/projects"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage/storagetest"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenant"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenantdb"
)

type fakeDatabases struct {
	shared  *sql.DB
	tenants map[uuid.UUID]*sql.DB
	err     error
}

func (f *fakeDatabases) Shared() *sql.DB { return f.shared }

func (f *fakeDatabases) GetCompanyDatabase(ctx context.Context, companyID uuid.UUID) (*models.TenantRegistryEntry, *sql.DB, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	db, ok := f.tenants[companyID]
	if !ok {
		return nil, nil, tenantdb.ErrTenantNotFound
	}
	return &models.TenantRegistryEntry{CompanyID: companyID, TenantID: companyID}, db, nil
}

type fakeJobs struct{}

func (fakeJobs) CreateJob(ctx context.Context, companyID uuid.UUID) (*models.ProvisioningJob, error) {
	return &models.ProvisioningJob{ID: uuid.New(), CompanyID: companyID, Status: models.JobPending}, nil
}

type testServer struct {
	t       *testing.T
	store   *storagetest.MemoryStore
	dbs     *fakeDatabases
	mock    sqlmock.Sqlmock
	tokens  *auth.JWTManager
	server  *RESTServer
	acme    *models.Company
	globex  *models.Company
	admin   uuid.UUID
	root    uuid.UUID
	members *membership.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithBypass(t, true)
}

func newTestServerWithBypass(t *testing.T, bypass bool) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Name: "control-plane", Version: "test"},
		JWT:    config.JWTConfig{Secret: "test-secret", AccessTokenTTL: time.Hour, RefreshTokenTTL: 24 * time.Hour},
	}

	shared, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { shared.Close() })

	store := storagetest.NewMemoryStore()
	auditSvc := audit.NewService(store)
	members := membership.NewService(store, auditSvc)
	iso := isolation.NewService(store, auditSvc, isolation.Config{MaxEmergencyMinutes: 240})
	base := tenant.NewBase(members, iso, auditSvc, bypass)
	dbs := &fakeDatabases{shared: shared, tenants: map[uuid.UUID]*sql.DB{}}

	ts := &testServer{
		t:       t,
		store:   store,
		dbs:     dbs,
		mock:    mock,
		tokens:  auth.NewJWTManager(&cfg.JWT),
		admin:   uuid.New(),
		root:    uuid.New(),
		members: members,
	}

	ctx := context.Background()
	ts.acme = &models.Company{ID: uuid.New(), Name: "Acme", Slug: "acme", Status: models.CompanyActive}
	ts.globex = &models.Company{ID: uuid.New(), Name: "Globex", Slug: "globex", Status: models.CompanyActive}
	require.NoError(t, store.CreateCompany(ctx, ts.acme))
	require.NoError(t, store.CreateCompany(ctx, ts.globex))
	require.NoError(t, store.CreateMembership(ctx, &models.Membership{
		UserID: ts.admin, CompanyID: ts.acme.ID, Role: models.RoleCompanyAdmin, Status: models.MembershipActive,
	}))
	require.NoError(t, store.CreateMembership(ctx, &models.Membership{
		UserID: ts.root, CompanyID: models.PlatformCompanyID, Role: models.RoleSuperadmin, Status: models.MembershipActive,
	}))

	ts.server = NewRESTServer(cfg, Services{
		Companies:   company.NewService(store, members, fakeJobs{}, auditSvc, nil, company.Config{}),
		Memberships: members,
		Isolation:   iso,
		Audit:       auditSvc,
		Tenant:      base,
		Projects:    projects.NewService(base),
		Databases:   dbs,
	}, nil)

	return ts
}

func (ts *testServer) adminToken() string {
	return ts.token(auth.Identity{UserID: ts.admin, Role: models.RoleCompanyAdmin, CompanyID: &ts.acme.ID})
}

func (ts *testServer) rootToken() string {
	return ts.token(auth.Identity{UserID: ts.root, Role: models.RoleSuperadmin})
}

func (ts *testServer) token(id auth.Identity) string {
	access, _, err := ts.tokens.GenerateTokenPair(id)
	require.NoError(ts.t, err)
	return access
}

func (ts *testServer) do(method, path, token string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(ts.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/health", "", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/memberships", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/memberships", "not-a-token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTenantScopeRequired(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(auth.Identity{UserID: ts.admin, Role: models.RoleCompanyAdmin})

	rec := ts.do(http.MethodGet, "/api/v1/memberships", token, nil, nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "tenant scope required")
}

func TestMemberListsOwnCompany(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/memberships", ts.adminToken(), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])
	assert.Empty(t, ts.store.AuditEntries(models.ActionCrossTenantAccess))
}

func TestMemberDeniedForeignCompany(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/memberships", ts.adminToken(), nil, map[string]string{
		HeaderCompanyID: ts.globex.ID.String(),
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPlatformScopeRequiresSuperadmin(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/audit-logs", ts.adminToken(), nil, map[string]string{
		HeaderCompanyID: models.PlatformCompanyAlias,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/audit-logs", ts.rootToken(), nil, map[string]string{
		HeaderCompanyID: models.PlatformCompanyAlias,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSuperadminCrossTenantAccessAudited(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/memberships", ts.rootToken(), nil, map[string]string{
		HeaderCompanyID: ts.acme.ID.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	entries := ts.store.AuditEntries(models.ActionCrossTenantAccess)
	require.Len(t, entries, 1)
	assert.Equal(t, ts.acme.ID, entries[0].CompanyID)
	assert.Equal(t, ts.root, *entries[0].UserID)
	assert.Equal(t, models.SeverityWarning, entries[0].Severity)
	assert.Equal(t, "/api/v1/memberships", entries[0].Metadata["path"])
	assert.Equal(t, models.PlatformCompanyID.String(), entries[0].Metadata["homeCompanyId"])
}

func TestSuperadminWithMembershipStillAudited(t *testing.T) {
	ts := newTestServerWithBypass(t, false)
	require.NoError(t, ts.store.CreateMembership(context.Background(), &models.Membership{
		UserID: ts.root, CompanyID: ts.acme.ID, Role: models.RoleCompanyAdmin, Status: models.MembershipActive,
	}))

	rec := ts.do(http.MethodGet, "/api/v1/memberships", ts.rootToken(), nil, map[string]string{
		HeaderCompanyID: ts.acme.ID.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	entries := ts.store.AuditEntries(models.ActionCrossTenantAccess)
	require.Len(t, entries, 1)
	assert.Equal(t, ts.acme.ID, entries[0].CompanyID)
	assert.Equal(t, ts.root, *entries[0].UserID)
}

func TestMemberOfTwoCompaniesNotAudited(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.CreateMembership(context.Background(), &models.Membership{
		UserID: ts.admin, CompanyID: ts.globex.ID, Role: models.RoleSupervisor, Status: models.MembershipActive,
	}))

	rec := ts.do(http.MethodGet, "/api/v1/memberships", ts.adminToken(), nil, map[string]string{
		HeaderCompanyID: ts.globex.ID.String(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.store.AuditEntries(models.ActionCrossTenantAccess))
}

func TestCrossTenantAuditFailureRejectsRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.store.AuditErr = errors.New("disk full")

	rec := ts.do(http.MethodGet, "/api/v1/memberships", ts.rootToken(), nil, map[string]string{
		HeaderCompanyID: ts.acme.ID.String(),
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestMembershipForeignIDLooksMissing(t *testing.T) {
	ts := newTestServer(t)

	foreign := &models.Membership{
		UserID: uuid.New(), CompanyID: ts.globex.ID, Role: models.RoleOperative, Status: models.MembershipActive,
	}
	require.NoError(t, ts.store.CreateMembership(context.Background(), foreign))

	foreignRec := ts.do(http.MethodDelete, "/api/v1/memberships/"+foreign.ID.String(), ts.adminToken(), nil, nil)
	missingRec := ts.do(http.MethodDelete, "/api/v1/memberships/"+uuid.NewString(), ts.adminToken(), nil, nil)

	assert.Equal(t, http.StatusNotFound, foreignRec.Code)
	assert.Equal(t, http.StatusNotFound, missingRec.Code)
	assert.Equal(t, missingRec.Body.String(), foreignRec.Body.String())

	_, err := ts.store.GetMembershipByID(context.Background(), foreign.ID)
	assert.NoError(t, err)
}

func TestAddMembershipRequiresManager(t *testing.T) {
	ts := newTestServer(t)
	operative := uuid.New()
	require.NoError(t, ts.store.CreateMembership(context.Background(), &models.Membership{
		UserID: operative, CompanyID: ts.acme.ID, Role: models.RoleOperative, Status: models.MembershipActive,
	}))
	body := map[string]interface{}{"userId": uuid.NewString(), "role": models.RoleSupervisor}

	token := ts.token(auth.Identity{UserID: operative, Role: models.RoleOperative, CompanyID: &ts.acme.ID})
	rec := ts.do(http.MethodPost, "/api/v1/memberships", token, body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodPost, "/api/v1/memberships", ts.adminToken(), body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, ts.acme.ID.String(), got["companyId"])
	assert.Equal(t, string(models.RoleSupervisor), got["role"])
}

func TestSuperadminRoutes(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/companies", ts.adminToken(), nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// the role claim alone is not enough
	forged := ts.token(auth.Identity{UserID: ts.admin, Role: models.RoleSuperadmin})
	rec = ts.do(http.MethodGet, "/api/v1/companies", forged, nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/companies", ts.rootToken(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["total"])
}

func TestCreateCompany(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/companies", ts.rootToken(), map[string]interface{}{
		"name":       "Initech Ltd",
		"ownerEmail": "owner@initech.test",
		"ownerName":  "Bill",
	}, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "initech-ltd", got["slug"])
	assert.Equal(t, string(models.CompanyPendingOwnerAcceptance), got["status"])
	invitation := got["invitation"].(map[string]interface{})
	assert.Equal(t, "owner@initech.test", invitation["email"])
	assert.NotEmpty(t, invitation["token"])

	rec = ts.do(http.MethodPost, "/api/v1/companies", ts.rootToken(), map[string]interface{}{
		"name": "X",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCompany(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/companies/"+ts.acme.ID.String(), ts.adminToken(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", decode(t, rec)["slug"])

	foreign := ts.do(http.MethodGet, "/api/v1/companies/"+ts.globex.ID.String(), ts.adminToken(), nil, nil)
	missing := ts.do(http.MethodGet, "/api/v1/companies/"+uuid.NewString(), ts.adminToken(), nil, nil)
	assert.Equal(t, http.StatusNotFound, foreign.Code)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	rec = ts.do(http.MethodGet, "/api/v1/companies/"+ts.globex.ID.String(), ts.rootToken(), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProjectsUseTenantDatabase(t *testing.T) {
	ts := newTestServer(t)

	tenantDB, tenantMock, err := sqlmock.New()
	require.NoError(t, err)
	defer tenantDB.Close()
	ts.dbs.tenants[ts.acme.ID] = tenantDB

	tenantMock.ExpectQuery(`SELECT .* FROM projects WHERE company_id = \$1`).
		WithArgs(ts.acme.ID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at", "company_id", "name", "status"}))

	rec := ts.do(http.MethodGet, "/api/v1/projects", ts.adminToken(), nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, tenantMock.ExpectationsWereMet())
	assert.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestTenantDatabaseFallback(t *testing.T) {
	ts := newTestServer(t)
	ts.dbs.err = tenantdb.ErrTenantDatabaseUnavailable

	var got *TenantContext
	h := ts.server.tenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = TenantFromContext(r.Context())
	}))

	claims, err := ts.tokens.ValidateToken(ts.adminToken())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req = req.WithContext(withClaims(req.Context(), claims))
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.True(t, got.Fallback)
	assert.Same(t, ts.dbs.shared, got.DB)
	assert.Equal(t, tenant.AccessMember, got.Access)
	assert.False(t, got.CrossTenant)
}

func TestResolveCompanyIDPriority(t *testing.T) {
	header := uuid.New()
	tenantHeader := uuid.New()
	claim := uuid.New()
	query := uuid.New()
	body := uuid.New()

	tests := []struct {
		name    string
		headers map[string]string
		claim   *uuid.UUID
		query   string
		body    string
		want    *uuid.UUID
		wantErr bool
	}{
		{
			name:    "company header wins",
			headers: map[string]string{HeaderCompanyID: header.String(), HeaderTenantID: tenantHeader.String()},
			claim:   &claim,
			query:   query.String(),
			want:    &header,
		},
		{
			name:    "tenant header",
			headers: map[string]string{HeaderTenantID: tenantHeader.String()},
			claim:   &claim,
			want:    &tenantHeader,
		},
		{name: "claim before query", claim: &claim, query: query.String(), want: &claim},
		{name: "query before body", query: query.String(), body: `{"companyId":"` + body.String() + `"}`, want: &query},
		{name: "body", body: `{"companyId":"` + body.String() + `"}`, want: &body},
		{name: "platform alias", headers: map[string]string{HeaderCompanyID: "platform-admin"}, want: &models.PlatformCompanyID},
		{name: "invalid header", headers: map[string]string{HeaderCompanyID: "acme"}, wantErr: true},
		{name: "nothing", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/v1/projects"
			if tt.query != "" {
				target += "?companyId=" + tt.query
			}
			method := http.MethodGet
			var reader io.Reader
			if tt.body != "" {
				method = http.MethodPost
				reader = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(method, target, reader)
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			got, err := resolveCompanyID(req, tt.claim)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			if tt.body != "" {
				rest, err := io.ReadAll(req.Body)
				require.NoError(t, err)
				assert.Equal(t, tt.body, string(rest))
			}
		})
	}
}

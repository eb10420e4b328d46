package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/bucket"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/metrics"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage/storagetest"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenantdb"
)

type fakeDatabases struct {
	shared *sql.DB
	err    error
	opened []uuid.UUID
}

func (f *fakeDatabases) Shared() *sql.DB { return f.shared }

func (f *fakeDatabases) GetTenantDatabase(ctx context.Context, tenantID uuid.UUID) (*sql.DB, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.opened = append(f.opened, tenantID)
	return f.shared, nil
}

type fakeBuckets struct {
	mu      sync.Mutex
	failing bool
	created map[string]int64
}

func (f *fakeBuckets) CreateBucket(ctx context.Context, name string, quotaBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("object store unavailable")
	}
	if _, ok := f.created[name]; ok {
		return bucket.ErrBucketExists
	}
	f.created[name] = quotaBytes
	return nil
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, jobID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, jobID)
	return nil
}

type fixture struct {
	store      *storagetest.MemoryStore
	databases  *fakeDatabases
	buckets    *fakeBuckets
	dispatcher *recordingDispatcher
	locker     *LocalLocker
	metrics    *metrics.ProvisioningMetrics
	schemaRuns int
	created    []string
	svc        *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:      storagetest.NewMemoryStore(),
		databases:  &fakeDatabases{shared: db},
		buckets:    &fakeBuckets{created: make(map[string]int64)},
		dispatcher: &recordingDispatcher{},
		locker:     NewLocalLocker(),
		metrics:    metrics.NewProvisioningMetrics(),
	}
	f.svc = NewService(f.store, f.databases, f.buckets, f.locker, f.dispatcher, cfg,
		WithMetrics(f.metrics),
		WithAudit(audit.NewService(f.store)),
		WithSchemaInitializer(func(ctx context.Context, db *sql.DB) error {
			f.schemaRuns++
			return nil
		}),
		WithDatabaseCreator(func(ctx context.Context, admin *sql.DB, name string) error {
			f.created = append(f.created, name)
			return nil
		}),
	)
	return f
}

func (f *fixture) company(t *testing.T, isolation models.IsolationMode) *models.Company {
	t.Helper()
	c := &models.Company{
		Name:              "Acme Construction",
		Slug:              "acme-construction-" + uuid.NewString()[:8],
		Plan:              "Free Beta",
		Status:            models.CompanyPendingOwnerAcceptance,
		EnabledModules:    models.StringArray{"projects", "tasks", "documents"},
		StorageQuotaBytes: 50 << 20,
		IsolationMode:     isolation,
		OwnerEmail:        "owner@acme.test",
		OwnerName:         "Alex Owner",
	}
	require.NoError(t, f.store.CreateCompany(context.Background(), c))
	return c
}

func TestProvisioning_AcmeEndToEnd(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, []uuid.UUID{job.ID}, f.dispatcher.ids)

	require.NoError(t, f.svc.ProcessJob(ctx, job.ID))

	job, err = f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Nil(t, job.Error)
	require.NotNil(t, job.CurrentStep)
	assert.Equal(t, models.StepFinalize, *job.CurrentStep)
	assert.NotNil(t, job.FinishedAt)

	entry, err := f.store.GetRegistryEntryByCompany(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegistryReady, entry.Status)
	assert.False(t, entry.Dedicated())

	assert.Equal(t, int64(50<<20), f.buckets.created[bucket.NameForTenant(entry.TenantID)])
	assert.Equal(t, 1, f.schemaRuns)
	assert.Empty(t, f.created)

	got, err := f.store.GetCompany(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompanyActive, got.Status)
	assert.NotNil(t, got.ActivatedAt)

	assert.Len(t, f.store.AuditEntries(models.ActionCompanyProvisioned), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Jobs.WithLabelValues(string(models.JobCompleted))))
}

func TestProvisioning_StorageFailureThenRetry(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)

	f.buckets.failing = true
	err = f.svc.ProcessJob(ctx, job.ID)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindStorageProvisioning, kind)

	failed, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, failed.Status)
	require.NotNil(t, failed.CurrentStep)
	assert.Equal(t, models.StepStorageBucket, *failed.CurrentStep)
	require.NotNil(t, failed.Error)
	assert.Contains(t, *failed.Error, "object store unavailable")

	pending, err := f.store.GetCompany(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CompanyPendingOwnerAcceptance, pending.Status)

	first, err := f.store.GetRegistryEntryByCompany(ctx, company.ID)
	require.NoError(t, err)

	f.buckets.failing = false
	_, err = f.svc.Retry(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessJob(ctx, job.ID))

	done, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Nil(t, done.Error)

	second, err := f.store.GetRegistryEntryByCompany(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TenantID, second.TenantID)
	assert.Equal(t, 1, f.store.RegistryCount())
	assert.Equal(t, 2, f.schemaRuns)
}

func TestProvisioning_RetryRejectsUnfailedJob(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, job.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	_, err = f.svc.Retry(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestProvisioning_CreateJobIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)

	a, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)
	b, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "unfinished job is reused")

	require.NoError(t, f.svc.ProcessJob(ctx, a.ID))

	c, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
	require.NoError(t, f.svc.ProcessJob(ctx, c.ID))

	assert.Equal(t, 1, f.store.RegistryCount())
}

func TestProvisioning_CreateJobUnknownCompany(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.svc.CreateJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrCompanyNotFound)
	assert.Empty(t, f.dispatcher.ids)
}

func TestProvisioning_DispatchFailureLeavesJobPending(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)
	f.dispatcher.err = ErrQueueFull

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)

	stored, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, stored.Status)
}

func TestProvisioning_CompanyDeletedBeforeRun(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	job := &models.ProvisioningJob{CompanyID: uuid.New(), Status: models.JobPending}
	require.NoError(t, f.store.CreateJob(ctx, job))

	err := f.svc.ProcessJob(ctx, job.ID)
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindCompanyNotFound, kind)

	stored, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Status)
	assert.Equal(t, models.StepRegisterTenant, *stored.CurrentStep)
}

func TestProvisioning_TenantDatabaseMissing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)
	f.databases.err = tenantdb.ErrTenantNotFound

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)

	err = f.svc.ProcessJob(ctx, job.ID)
	kind, _ := KindOf(err)
	assert.Equal(t, KindTenantNotFound, kind)
}

func TestProvisioning_SchemaFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)
	f.svc.initSchema = func(ctx context.Context, db *sql.DB) error { return errors.New("syntax error") }

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)

	err = f.svc.ProcessJob(ctx, job.ID)
	kind, _ := KindOf(err)
	assert.Equal(t, KindSchemaInit, kind)

	entry, err := f.store.GetRegistryEntryByCompany(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RegistryCreating, entry.Status)
}

func TestProvisioning_DedicatedDatabase(t *testing.T) {
	f := newFixture(t, Config{DedicatedDSNTemplate: "postgres://app@db:5432/%s?sslmode=disable"})
	ctx := context.Background()
	company := f.company(t, models.IsolationDedicated)

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.ProcessJob(ctx, job.ID))

	entry, err := f.store.GetRegistryEntryByCompany(ctx, company.ID)
	require.NoError(t, err)
	require.True(t, entry.Dedicated())

	name := DatabaseName(entry.TenantID)
	assert.Equal(t, name, entry.Database.Database)
	assert.Equal(t, "postgres://app@db:5432/"+name+"?sslmode=disable", entry.Database.DSN)
	assert.Equal(t, []string{name}, f.created)
}

func TestProvisioning_DedicatedWithoutTemplateFails(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationDedicated)

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)
	require.Error(t, f.svc.ProcessJob(ctx, job.ID))
	assert.Equal(t, 0, f.store.RegistryCount())
}

func TestProvisioning_LockedJobIsLeftAlone(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)

	lease, err := f.locker.Lock(ctx, lockKey(company.ID), time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.ProcessJob(ctx, job.ID), ErrJobLocked)
	stored, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, stored.Status)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, f.svc.ProcessJob(ctx, job.ID))
}

func TestProvisioning_ConcurrentWorkers(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)

	var mu sync.Mutex
	f.svc.initSchema = func(ctx context.Context, db *sql.DB) error {
		mu.Lock()
		defer mu.Unlock()
		f.schemaRuns++
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.ProcessJob(ctx, job.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrJobLocked)
		}
	}
	assert.Equal(t, 1, f.store.RegistryCount())

	stored, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestProvisioning_CancelledRunIsLeftForRecovery(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	company := f.company(t, models.IsolationShared)

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)

	f.svc.initSchema = func(ctx context.Context, db *sql.DB) error {
		cancel()
		return ctx.Err()
	}
	require.ErrorIs(t, f.svc.ProcessJob(ctx, job.ID), context.Canceled)

	bg := context.Background()
	stored, err := f.svc.GetJob(bg, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, stored.Status)
	require.NotNil(t, stored.CurrentStep)
	assert.Equal(t, models.StepInitDB, *stored.CurrentStep)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "interrupted")
	assert.Nil(t, stored.FinishedAt)
	assert.Zero(t, testutil.ToFloat64(f.metrics.Jobs.WithLabelValues(string(models.JobFailed))))

	f.dispatcher.ids = nil
	n, err := f.svc.Recover(bg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{job.ID}, f.dispatcher.ids)

	f.svc.initSchema = func(ctx context.Context, db *sql.DB) error { return nil }
	require.NoError(t, f.svc.ProcessJob(bg, job.ID))

	done, err := f.svc.GetJob(bg, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
}

func TestProvisioning_SuspendedCompanyStaysSuspended(t *testing.T) {
	ctx := context.Background()

	t.Run("suspended after a failed run", func(t *testing.T) {
		f := newFixture(t, Config{AutoRetry: true})
		company := f.company(t, models.IsolationShared)

		job, err := f.svc.CreateJob(ctx, company.ID)
		require.NoError(t, err)

		f.buckets.failing = true
		require.Error(t, f.svc.ProcessJob(ctx, job.ID))
		require.NoError(t, f.store.SetCompanyStatus(ctx, company.ID, models.CompanySuspended))
		f.buckets.failing = false

		_, err = f.svc.Retry(ctx, job.ID)
		assert.ErrorIs(t, err, ErrCompanySuspended)
		assert.True(t, apperr.IsKind(err, apperr.KindConflict))

		_, err = f.svc.CreateJob(ctx, company.ID)
		assert.ErrorIs(t, err, ErrCompanySuspended)

		// A recovery sweep still redispatches the job; the run must refuse it.
		err = f.svc.ProcessJob(ctx, job.ID)
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindCompanySuspended, kind)

		got, err := f.store.GetCompany(ctx, company.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompanySuspended, got.Status)

		stored, err := f.svc.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, stored.Status)
	})

	t.Run("suspended during a run", func(t *testing.T) {
		f := newFixture(t, Config{})
		company := f.company(t, models.IsolationShared)

		job, err := f.svc.CreateJob(ctx, company.ID)
		require.NoError(t, err)

		f.svc.initSchema = func(ctx context.Context, db *sql.DB) error {
			return f.store.SetCompanyStatus(ctx, company.ID, models.CompanySuspended)
		}
		err = f.svc.ProcessJob(ctx, job.ID)
		kind, _ := KindOf(err)
		assert.Equal(t, KindCompanySuspended, kind)

		stored, err := f.svc.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, stored.Status)
		assert.Equal(t, models.StepFinalize, *stored.CurrentStep)

		got, err := f.store.GetCompany(ctx, company.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CompanySuspended, got.Status)
	})
}

func TestProvisioning_LostLockAbandonsRun(t *testing.T) {
	f := newFixture(t, Config{LockTTL: time.Minute})
	ctx := context.Background()
	company := f.company(t, models.IsolationShared)

	now := time.Now()
	f.locker.clock = func() time.Time { return now }
	f.svc.initSchema = func(ctx context.Context, db *sql.DB) error {
		now = now.Add(2 * time.Minute)
		return nil
	}

	job, err := f.svc.CreateJob(ctx, company.ID)
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.ProcessJob(ctx, job.ID), ErrLockLost)

	stored, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobInProgress, stored.Status)
	assert.Equal(t, models.StepInitDB, *stored.CurrentStep)
	assert.Empty(t, f.buckets.created)
}

func TestProvisioning_Recover(t *testing.T) {
	ctx := context.Background()

	t.Run("pending and stale jobs", func(t *testing.T) {
		f := newFixture(t, Config{StaleAfter: 10 * time.Minute})
		pending := &models.ProvisioningJob{CompanyID: uuid.New(), Status: models.JobPending}
		stale := &models.ProvisioningJob{CompanyID: uuid.New(), Status: models.JobInProgress}
		fresh := &models.ProvisioningJob{CompanyID: uuid.New(), Status: models.JobInProgress}
		failed := &models.ProvisioningJob{CompanyID: uuid.New(), Status: models.JobFailed, Attempts: 1}
		for _, j := range []*models.ProvisioningJob{pending, stale, fresh, failed} {
			require.NoError(t, f.store.CreateJob(ctx, j))
		}
		f.store.SetJobUpdatedAt(stale.ID, time.Now().Add(-time.Hour))

		n, err := f.svc.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.ElementsMatch(t, []uuid.UUID{pending.ID, stale.ID}, f.dispatcher.ids)
	})

	t.Run("auto retry", func(t *testing.T) {
		f := newFixture(t, Config{AutoRetry: true, MaxAttempts: 3})
		retryable := &models.ProvisioningJob{CompanyID: uuid.New(), Status: models.JobFailed, Attempts: 2}
		exhausted := &models.ProvisioningJob{CompanyID: uuid.New(), Status: models.JobFailed, Attempts: 3}
		for _, j := range []*models.ProvisioningJob{retryable, exhausted} {
			require.NoError(t, f.store.CreateJob(ctx, j))
		}

		n, err := f.svc.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []uuid.UUID{retryable.ID}, f.dispatcher.ids)
	})
}

func TestDatabaseName(t *testing.T) {
	id := uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")
	assert.Equal(t, "tenant_7c9e6679742540de944be07fc1f90ae7", DatabaseName(id))
}

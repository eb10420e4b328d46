// Package provisioning runs the tenant provisioning state machine.
package provisioning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/bucket"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/metrics"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenantdb"
)

// Databases is the subset of the tenant database factory the runner needs
type Databases interface {
	Shared() *sql.DB
	GetTenantDatabase(ctx context.Context, tenantID uuid.UUID) (*sql.DB, error)
}

// Config controls the job runner
type Config struct {
	// DedicatedDSNTemplate is formatted with the tenant database name
	DedicatedDSNTemplate string
	StaleAfter           time.Duration
	LockTTL              time.Duration
	AutoRetry            bool
	MaxAttempts          int
	// DispatcherName labels dispatch metrics
	DispatcherName string
}

// Service creates and runs provisioning jobs
type Service struct {
	store      storage.Store
	databases  Databases
	buckets    bucket.Provisioner
	locker     Locker
	dispatcher Dispatcher
	audit      *audit.Service
	cfg        Config

	metrics        *metrics.ProvisioningMetrics
	initSchema     func(ctx context.Context, db *sql.DB) error
	ensureDatabase func(ctx context.Context, admin *sql.DB, name string) error
	now            func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithMetrics records job and step metrics
func WithMetrics(m *metrics.ProvisioningMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithAudit writes a COMPANY_PROVISIONED entry when a job completes
func WithAudit(a *audit.Service) Option {
	return func(s *Service) { s.audit = a }
}

// WithSchemaInitializer replaces tenantdb.InitSchema
func WithSchemaInitializer(fn func(ctx context.Context, db *sql.DB) error) Option {
	return func(s *Service) { s.initSchema = fn }
}

// WithDatabaseCreator replaces tenantdb.EnsureDatabase
func WithDatabaseCreator(fn func(ctx context.Context, admin *sql.DB, name string) error) Option {
	return func(s *Service) { s.ensureDatabase = fn }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a provisioning service
func NewService(store storage.Store, databases Databases, buckets bucket.Provisioner, locker Locker, dispatcher Dispatcher, cfg Config, opts ...Option) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DispatcherName == "" {
		cfg.DispatcherName = "local"
	}

	s := &Service{
		store:          store,
		databases:      databases,
		buckets:        buckets,
		locker:         locker,
		dispatcher:     dispatcher,
		cfg:            cfg,
		initSchema:     tenantdb.InitSchema,
		ensureDatabase: tenantdb.EnsureDatabase,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob records a PENDING job for companyID and dispatches it.
// An unfinished job for the company is returned instead of a new one.
func (s *Service) CreateJob(ctx context.Context, companyID uuid.UUID) (*models.ProvisioningJob, error) {
	if err := s.checkProvisionable(ctx, companyID); err != nil {
		return nil, err
	}

	latest, err := s.store.GetLatestJobForCompany(ctx, companyID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Internal(err, "failed to load provisioning jobs")
	}
	if latest != nil && !latest.Status.Terminal() {
		if latest.Status == models.JobPending {
			s.dispatch(ctx, latest.ID)
		}
		return latest, nil
	}

	job := &models.ProvisioningJob{
		ID:        uuid.New(),
		CompanyID: companyID,
		Status:    models.JobPending,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, apperr.Internal(err, "failed to create provisioning job")
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("company_id", companyID.String()).
		Msg("Provisioning job created")

	s.dispatch(ctx, job.ID)
	return job, nil
}

// GetJob returns a job by id
func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProvisioningJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, apperr.Internal(err, "failed to load provisioning job")
	}
	return job, nil
}

// Retry re-dispatches a FAILED job
func (s *Service) Retry(ctx context.Context, jobID uuid.UUID) (*models.ProvisioningJob, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobFailed {
		return nil, apperr.Conflict("job %s is %s, only FAILED jobs can be retried", job.ID, job.Status)
	}
	if err := s.checkProvisionable(ctx, job.CompanyID); err != nil {
		return nil, err
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		s.countDispatch("error")
		return nil, apperr.Internal(err, "failed to dispatch provisioning job")
	}
	s.countDispatch("ok")
	return job, nil
}

// checkProvisionable rejects unknown and suspended companies
func (s *Service) checkProvisionable(ctx context.Context, companyID uuid.UUID) error {
	company, err := s.store.GetCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrCompanyNotFound
		}
		return apperr.Internal(err, "failed to load company")
	}
	if company.Status == models.CompanySuspended {
		return ErrCompanySuspended
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, jobID uuid.UUID) {
	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		s.countDispatch("error")
		log.Error().
			Err(err).
			Str("job_id", jobID.String()).
			Msg("Failed to dispatch provisioning job, left PENDING for recovery")
		return
	}
	s.countDispatch("ok")
}

// run carries the state shared between steps of one attempt
type run struct {
	job     *models.ProvisioningJob
	company *models.Company
	entry   *models.TenantRegistryEntry
}

// ProcessJob runs every step of jobID from the start
func (s *Service) ProcessJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobCompleted {
		return nil
	}

	lease, err := s.locker.Lock(ctx, lockKey(job.CompanyID), s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return ErrJobLocked
		}
		return err
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("job_id", jobID.String()).Msg("Failed to release provisioning lock")
		}
	}()

	// Reload under the lock; another worker may have finished it.
	if job, err = s.GetJob(ctx, jobID); err != nil {
		return err
	}
	if job.Status == models.JobCompleted {
		return nil
	}

	started := s.now()
	job.Status = models.JobInProgress
	job.Attempts++
	job.StartedAt = &started
	job.FinishedAt = nil
	job.Error = nil
	job.CurrentStep = nil
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job %s in progress: %w", job.ID, err)
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("company_id", job.CompanyID.String()).
		Int("attempt", job.Attempts).
		Msg("Provisioning job started")

	r := &run{job: job}
	for _, step := range models.ProvisioningSteps {
		step := step
		// Each step gets a full ttl. A lost lease means another worker
		// may own the company now, so the job is left for it untouched.
		if err := lease.Extend(ctx, s.cfg.LockTTL); err != nil {
			if ctx.Err() != nil {
				return s.interrupt(context.WithoutCancel(ctx), job, err)
			}
			log.Warn().
				Err(err).
				Str("job_id", job.ID.String()).
				Str("step", string(step)).
				Msg("Provisioning lock not extended, abandoning run")
			return fmt.Errorf("job %s before %s: %w", job.ID, step, err)
		}

		job.CurrentStep = &step
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return s.fail(ctx, job, stepErr(KindRegistry, step, err))
		}

		begin := time.Now()
		err := s.runStep(ctx, step, r)
		s.observeStep(step, begin, err)
		if err != nil {
			return s.fail(ctx, job, err)
		}
	}

	finished := s.now()
	job.Status = models.JobCompleted
	job.FinishedAt = &finished
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job %s completed: %w", job.ID, err)
	}
	s.countJob(models.JobCompleted)

	if s.audit != nil {
		s.audit.LogBestEffort(ctx, &models.AuditLogEntry{
			CompanyID:  job.CompanyID,
			Action:     models.ActionCompanyProvisioned,
			Resource:   "provisioning_job",
			ResourceID: job.ID.String(),
			Metadata: models.Variables{
				"tenantId": r.entry.TenantID.String(),
				"attempts": job.Attempts,
			},
			Status:   models.AuditSuccess,
			Severity: models.SeverityInfo,
		})
	}

	log.Info().
		Str("job_id", job.ID.String()).
		Str("company_id", job.CompanyID.String()).
		Str("tenant_id", r.entry.TenantID.String()).
		Dur("duration", finished.Sub(started)).
		Msg("Provisioning job completed")

	return nil
}

func (s *Service) runStep(ctx context.Context, step models.ProvisioningStep, r *run) error {
	switch step {
	case models.StepRegisterTenant:
		return s.registerTenant(ctx, r)
	case models.StepInitDB:
		return s.initDB(ctx, r)
	case models.StepStorageBucket:
		return s.storageBucket(ctx, r)
	case models.StepFinalize:
		return s.finalize(ctx, r)
	default:
		return fmt.Errorf("unknown provisioning step %s", step)
	}
}

// registerTenant reuses the company's registry entry or creates one
func (s *Service) registerTenant(ctx context.Context, r *run) error {
	const step = models.StepRegisterTenant

	company, err := s.store.GetCompany(ctx, r.job.CompanyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return stepErr(KindCompanyNotFound, step, err)
		}
		return stepErr(KindRegistry, step, err)
	}
	r.company = company
	if company.Status == models.CompanySuspended {
		return stepErr(KindCompanySuspended, step, ErrCompanySuspended)
	}

	entry, err := s.store.GetRegistryEntryByCompany(ctx, company.ID)
	if err == nil {
		r.entry = entry
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return stepErr(KindRegistry, step, err)
	}

	entry = &models.TenantRegistryEntry{
		CompanyID: company.ID,
		TenantID:  uuid.New(),
		Status:    models.RegistryCreating,
	}
	if company.IsolationMode == models.IsolationDedicated {
		if s.cfg.DedicatedDSNTemplate == "" {
			return stepErr(KindRegistry, step, errors.New("dedicated isolation requested but no dedicated DSN template is configured"))
		}
		name := DatabaseName(entry.TenantID)
		entry.Database = &models.DatabaseDescriptor{
			Driver:   "postgres",
			Database: name,
			DSN:      fmt.Sprintf(s.cfg.DedicatedDSNTemplate, name),
		}
	}

	// The store keeps the first entry per company; a concurrent run gets it back.
	stored, err := s.store.CreateRegistryEntry(ctx, entry)
	if err != nil {
		return stepErr(KindRegistry, step, err)
	}
	r.entry = stored

	log.Info().
		Str("company_id", company.ID.String()).
		Str("tenant_id", stored.TenantID.String()).
		Bool("dedicated", stored.Dedicated()).
		Msg("Tenant registered")

	return nil
}

// initDB creates the dedicated database if needed and applies the tenant schema
func (s *Service) initDB(ctx context.Context, r *run) error {
	const step = models.StepInitDB

	if r.entry.Dedicated() {
		if err := s.ensureDatabase(ctx, s.databases.Shared(), r.entry.Database.Database); err != nil {
			return stepErr(KindSchemaInit, step, err)
		}
	}

	db, err := s.databases.GetTenantDatabase(ctx, r.entry.TenantID)
	if err != nil {
		if errors.Is(err, tenantdb.ErrTenantNotFound) {
			return stepErr(KindTenantNotFound, step, err)
		}
		return stepErr(KindSchemaInit, step, err)
	}

	if err := s.initSchema(ctx, db); err != nil {
		return stepErr(KindSchemaInit, step, err)
	}

	if r.entry.Status != models.RegistryReady {
		if err := s.store.SetRegistryStatus(ctx, r.entry.CompanyID, models.RegistryReady); err != nil {
			return stepErr(KindRegistry, step, err)
		}
		r.entry.Status = models.RegistryReady
	}

	return nil
}

func (s *Service) storageBucket(ctx context.Context, r *run) error {
	name := bucket.NameForTenant(r.entry.TenantID)

	err := s.buckets.CreateBucket(ctx, name, r.company.StorageQuotaBytes)
	if err != nil && !errors.Is(err, bucket.ErrBucketExists) {
		return stepErr(KindStorageProvisioning, models.StepStorageBucket, err)
	}
	return nil
}

// finalize activates a company still waiting on provisioning. The status
// is reloaded since an operator may have suspended it during the run.
func (s *Service) finalize(ctx context.Context, r *run) error {
	company, err := s.store.GetCompany(ctx, r.job.CompanyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return stepErr(KindCompanyNotFound, models.StepFinalize, err)
		}
		return stepErr(KindRegistry, models.StepFinalize, err)
	}
	r.company = company

	switch company.Status {
	case models.CompanyActive:
		return nil
	case models.CompanySuspended:
		return stepErr(KindCompanySuspended, models.StepFinalize, ErrCompanySuspended)
	}

	if err := s.store.SetCompanyStatus(ctx, r.company.ID, models.CompanyActive); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return stepErr(KindCompanyNotFound, models.StepFinalize, err)
		}
		return stepErr(KindRegistry, models.StepFinalize, err)
	}
	r.company.Status = models.CompanyActive
	return nil
}

// fail records cause on the job. A run cut short by its context is put
// back to PENDING for the recovery sweep instead of being marked FAILED.
func (s *Service) fail(ctx context.Context, job *models.ProvisioningJob, cause error) error {
	if ctx.Err() != nil {
		return s.interrupt(context.WithoutCancel(ctx), job, cause)
	}
	ctx = context.WithoutCancel(ctx)

	msg := cause.Error()
	finished := s.now()
	job.Status = models.JobFailed
	job.Error = &msg
	job.FinishedAt = &finished
	s.countJob(models.JobFailed)

	evt := log.Error().
		Err(cause).
		Str("job_id", job.ID.String()).
		Str("company_id", job.CompanyID.String()).
		Int("attempt", job.Attempts)
	if job.CurrentStep != nil {
		evt = evt.Str("step", string(*job.CurrentStep))
	}
	evt.Msg("Provisioning job failed")

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return errors.Join(cause, fmt.Errorf("mark job %s failed: %w", job.ID, err))
	}
	return cause
}

func (s *Service) interrupt(ctx context.Context, job *models.ProvisioningJob, cause error) error {
	msg := "interrupted: " + cause.Error()
	job.Status = models.JobPending
	job.Error = &msg
	job.FinishedAt = nil

	evt := log.Warn().
		Err(cause).
		Str("job_id", job.ID.String()).
		Str("company_id", job.CompanyID.String())
	if job.CurrentStep != nil {
		evt = evt.Str("step", string(*job.CurrentStep))
	}
	evt.Msg("Provisioning job interrupted, left PENDING for recovery")

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return errors.Join(cause, fmt.Errorf("mark job %s pending: %w", job.ID, err))
	}
	return cause
}

// Recover dispatches PENDING jobs, stale IN_PROGRESS jobs and, with
// auto retry, FAILED jobs that have attempts left. It returns the
// number of jobs dispatched.
func (s *Service) Recover(ctx context.Context) (int, error) {
	const batch = 500

	var todo []*models.ProvisioningJob

	pending, err := s.store.ListJobsByStatus(ctx, models.JobPending, batch)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	todo = append(todo, pending...)

	running, err := s.store.ListJobsByStatus(ctx, models.JobInProgress, batch)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	for _, job := range running {
		if job.UpdatedAt.Before(cutoff) {
			todo = append(todo, job)
		}
	}

	if s.cfg.AutoRetry {
		failed, err := s.store.ListJobsByStatus(ctx, models.JobFailed, batch)
		if err != nil {
			return 0, fmt.Errorf("list failed jobs: %w", err)
		}
		for _, job := range failed {
			if job.Attempts < s.cfg.MaxAttempts {
				todo = append(todo, job)
			}
		}
	}

	dispatched := 0
	for _, job := range todo {
		if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
			s.countDispatch("error")
			log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("Failed to redispatch provisioning job")
			continue
		}
		s.countDispatch("ok")
		dispatched++
	}

	if dispatched > 0 {
		log.Info().Int("jobs", dispatched).Msg("Recovered provisioning jobs")
	}
	return dispatched, nil
}

// DatabaseName is the dedicated database name for a tenant
func DatabaseName(tenantID uuid.UUID) string {
	return "tenant_" + strings.ReplaceAll(tenantID.String(), "-", "")
}

func (s *Service) observeStep(step models.ProvisioningStep, begin time.Time, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.StepDuration.WithLabelValues(string(step), result).Observe(time.Since(begin).Seconds())
}

func (s *Service) countJob(status models.JobStatus) {
	if s.metrics != nil {
		s.metrics.Jobs.WithLabelValues(string(status)).Inc()
	}
}

func (s *Service) countDispatch(result string) {
	if s.metrics != nil {
		s.metrics.Dispatched.WithLabelValues(s.cfg.DispatcherName, result).Inc()
	}
}

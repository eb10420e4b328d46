// Package tenantdb resolves tenants to database handles. Dedicated handles
// are opened lazily, once per tenant, and cached until Shutdown.
package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/metrics"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
)

var (
	// ErrTenantNotFound is returned when no registry entry exists
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantDatabaseUnavailable is returned when a dedicated database cannot be opened
	ErrTenantDatabaseUnavailable = errors.New("tenant database unavailable")
	// ErrFactoryClosed is returned after Shutdown
	ErrFactoryClosed = errors.New("tenant database factory is shut down")
)

// Registry is the subset of storage the factory reads
type Registry interface {
	GetRegistryEntryByTenant(ctx context.Context, tenantID uuid.UUID) (*models.TenantRegistryEntry, error)
	GetRegistryEntryByCompany(ctx context.Context, companyID uuid.UUID) (*models.TenantRegistryEntry, error)
}

// OpenFunc opens a database handle
type OpenFunc func(driver, dsn string) (*sql.DB, error)

// PoolConfig sizes dedicated tenant pools
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Factory hands out tenant database handles
type Factory struct {
	shared   *sql.DB
	registry Registry
	open     OpenFunc
	pool     PoolConfig
	metrics  *metrics.TenantDBMetrics

	mu      sync.RWMutex
	handles map[uuid.UUID]*sql.DB
	closed  bool
	group   singleflight.Group
}

// Option configures a Factory
type Option func(*Factory)

// WithOpenFunc replaces sql.Open
func WithOpenFunc(open OpenFunc) Option {
	return func(f *Factory) { f.open = open }
}

// WithPool sizes dedicated pools
func WithPool(pool PoolConfig) Option {
	return func(f *Factory) { f.pool = pool }
}

// WithMetrics records factory metrics
func WithMetrics(m *metrics.TenantDBMetrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// NewFactory creates a factory over the shared platform handle
func NewFactory(shared *sql.DB, registry Registry, opts ...Option) *Factory {
	f := &Factory{
		shared:   shared,
		registry: registry,
		open:     sql.Open,
		handles:  make(map[uuid.UUID]*sql.DB),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Init verifies the shared handle
func (f *Factory) Init(ctx context.Context) error {
	if err := f.shared.PingContext(ctx); err != nil {
		return fmt.Errorf("ping shared database: %w", err)
	}
	return nil
}

// Shutdown closes every dedicated handle. The shared handle belongs to the caller.
func (f *Factory) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for tenantID, db := range f.handles {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tenant %s: %w", tenantID, err))
		}
		delete(f.handles, tenantID)
	}
	f.closed = true
	f.setGauge()

	return errors.Join(errs...)
}

// Shared returns the shared platform handle
func (f *Factory) Shared() *sql.DB {
	return f.shared
}

// GetTenantDatabase returns the handle for tenantID
func (f *Factory) GetTenantDatabase(ctx context.Context, tenantID uuid.UUID) (*sql.DB, error) {
	if db, ok := f.cached(tenantID); ok {
		return db, nil
	}

	entry, err := f.registry.GetRegistryEntryByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
		}
		return nil, fmt.Errorf("lookup tenant %s: %w", tenantID, err)
	}

	return f.forEntry(ctx, entry)
}

// GetCompanyDatabase resolves the company's tenant, then its handle
func (f *Factory) GetCompanyDatabase(ctx context.Context, companyID uuid.UUID) (*models.TenantRegistryEntry, *sql.DB, error) {
	entry, err := f.registry.GetRegistryEntryByCompany(ctx, companyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: company %s", ErrTenantNotFound, companyID)
		}
		return nil, nil, fmt.Errorf("lookup company %s: %w", companyID, err)
	}

	db, err := f.forEntry(ctx, entry)
	if err != nil {
		return entry, nil, err
	}
	return entry, db, nil
}

// Invalidate closes and forgets a cached handle so the next lookup reopens it
func (f *Factory) Invalidate(tenantID uuid.UUID) {
	f.mu.Lock()
	db, ok := f.handles[tenantID]
	delete(f.handles, tenantID)
	f.setGauge()
	f.mu.Unlock()

	f.group.Forget(tenantID.String())

	if ok {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("Failed to close invalidated tenant database")
		}
	}
}

func (f *Factory) forEntry(ctx context.Context, entry *models.TenantRegistryEntry) (*sql.DB, error) {
	if !entry.Dedicated() {
		return f.shared, nil
	}

	v, err, _ := f.group.Do(entry.TenantID.String(), func() (interface{}, error) {
		if db, ok := f.cached(entry.TenantID); ok {
			return db, nil
		}
		return f.openDedicated(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	return v.(*sql.DB), nil
}

func (f *Factory) openDedicated(ctx context.Context, entry *models.TenantRegistryEntry) (*sql.DB, error) {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return nil, ErrFactoryClosed
	}

	driver := entry.Database.Driver
	if driver == "" {
		driver = "postgres"
	}

	db, err := f.open(driver, entry.Database.DSN)
	if err != nil {
		f.countOpen("error")
		return nil, fmt.Errorf("%w: tenant %s: %v", ErrTenantDatabaseUnavailable, entry.TenantID, err)
	}

	if f.pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(f.pool.MaxOpenConns)
	}
	if f.pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(f.pool.MaxIdleConns)
	}
	if f.pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(f.pool.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		f.countOpen("error")
		return nil, fmt.Errorf("%w: tenant %s: %v", ErrTenantDatabaseUnavailable, entry.TenantID, err)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		db.Close()
		return nil, ErrFactoryClosed
	}
	f.handles[entry.TenantID] = db
	f.setGauge()
	f.mu.Unlock()

	f.countOpen("success")
	log.Info().
		Str("tenant_id", entry.TenantID.String()).
		Str("database", entry.Database.Database).
		Msg("Opened dedicated tenant database")

	return db, nil
}

func (f *Factory) cached(tenantID uuid.UUID) (*sql.DB, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	db, ok := f.handles[tenantID]
	return db, ok
}

// setGauge must be called with mu held
func (f *Factory) setGauge() {
	if f.metrics != nil {
		f.metrics.OpenHandles.Set(float64(len(f.handles)))
	}
}

func (f *Factory) countOpen(result string) {
	if f.metrics != nil {
		f.metrics.Opens.WithLabelValues(result).Inc()
	}
}

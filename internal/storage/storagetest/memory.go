// Package storagetest provides an in-memory storage.Store for tests.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
)

// MemoryStore is a goroutine-safe in-memory Store.
// Transactions are not isolated; BeginTx returns the store itself.
type MemoryStore struct {
	mu sync.Mutex

	companies   map[uuid.UUID]*models.Company
	registry    map[uuid.UUID]*models.TenantRegistryEntry
	jobs        map[uuid.UUID]*models.ProvisioningJob
	memberships map[uuid.UUID]*models.Membership
	audit       []*models.AuditLogEntry
	grants      []*models.EmergencyAccessGrant
	invitations map[uuid.UUID]*models.Invitation

	// AuditErr, when set, is returned by CreateAuditLog
	AuditErr error
	// RegistryErr, when set, is returned by CreateRegistryEntry
	RegistryErr error
}

var _ storage.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companies:   make(map[uuid.UUID]*models.Company),
		registry:    make(map[uuid.UUID]*models.TenantRegistryEntry),
		jobs:        make(map[uuid.UUID]*models.ProvisioningJob),
		memberships: make(map[uuid.UUID]*models.Membership),
		invitations: make(map[uuid.UUID]*models.Invitation),
	}
}

func (s *MemoryStore) BeginTx(ctx context.Context) (storage.Store, error) { return s, nil }
func (s *MemoryStore) Commit() error                                       { return nil }
func (s *MemoryStore) Rollback() error                                     { return nil }
func (s *MemoryStore) Close() error                                        { return nil }

// ========== Companies ==========

func (s *MemoryStore) CreateCompany(ctx context.Context, c *models.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	for _, existing := range s.companies {
		if existing.Slug == c.Slug || existing.ID == c.ID {
			return storage.ErrDuplicateKey
		}
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.companies[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetCompanyBySlug(ctx context.Context, slug string) (*models.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.companies {
		if c.Slug == slug {
			cp := *c
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) SetCompanyStatus(ctx context.Context, id uuid.UUID, status models.CompanyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return storage.ErrNotFound
	}
	now := time.Now()
	c.Status = status
	c.UpdatedAt = now
	if status == models.CompanyActive && c.ActivatedAt == nil {
		c.ActivatedAt = &now
	}
	return nil
}

func (s *MemoryStore) ListCompanies(ctx context.Context, status *models.CompanyStatus, limit, offset int) ([]*models.Company, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Company
	for _, c := range s.companies {
		if status == nil || c.Status == *status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := int64(len(out))
	return page(out, limit, offset), total, nil
}

// ========== Registry ==========

func (s *MemoryStore) GetRegistryEntryByCompany(ctx context.Context, companyID uuid.UUID) (*models.TenantRegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.registry[companyID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetRegistryEntryByTenant(ctx context.Context, tenantID uuid.UUID) (*models.TenantRegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.registry {
		if e.TenantID == tenantID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) CreateRegistryEntry(ctx context.Context, entry *models.TenantRegistryEntry) (*models.TenantRegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.RegistryErr != nil {
		return nil, s.RegistryErr
	}

	if existing, ok := s.registry[entry.CompanyID]; ok {
		cp := *existing
		return &cp, nil
	}

	if entry.TenantID == uuid.Nil {
		entry.TenantID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = models.RegistryCreating
	}
	now := time.Now()
	entry.CreatedAt, entry.UpdatedAt = now, now

	cp := *entry
	s.registry[entry.CompanyID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) SetRegistryStatus(ctx context.Context, companyID uuid.UUID, status models.RegistryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.registry[companyID]
	if !ok {
		return storage.ErrNotFound
	}
	e.Status = status
	e.UpdatedAt = time.Now()
	return nil
}

// PutRegistryEntry stores an entry directly
func (s *MemoryStore) PutRegistryEntry(e *models.TenantRegistryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.registry[e.CompanyID] = &cp
}

// RegistryCount returns the number of registry entries
func (s *MemoryStore) RegistryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registry)
}

// ========== Jobs ==========

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.ProvisioningJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) GetLatestJobForCompany(ctx context.Context, companyID uuid.UUID) (*models.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.ProvisioningJob
	for _, j := range s.jobs {
		if j.CompanyID != companyID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *models.ProvisioningJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return storage.ErrNotFound
	}
	job.UpdatedAt = time.Now()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// SetJobUpdatedAt backdates a job, for staleness tests
func (s *MemoryStore) SetJobUpdatedAt(id uuid.UUID, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.UpdatedAt = t
	}
}

func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ProvisioningJob
	for _, j := range s.jobs {
		if j.Status == status {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UpdatedAt.Before(out[k].UpdatedAt) })
	return page(out, limit, 0), nil
}

// ========== Memberships ==========

func (s *MemoryStore) CreateMembership(ctx context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.memberships {
		if existing.UserID == m.UserID && existing.CompanyID == m.CompanyID {
			return storage.ErrDuplicateKey
		}
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now()
	m.CreatedAt, m.UpdatedAt = now, now
	cp := *m
	s.memberships[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMembership(ctx context.Context, userID, companyID uuid.UUID) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.memberships {
		if m.UserID == userID && m.CompanyID == companyID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *MemoryStore) GetMembershipByID(ctx context.Context, id uuid.UUID) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpdateMembership(ctx context.Context, m *models.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.memberships[m.ID]
	if !ok {
		return storage.ErrNotFound
	}
	existing.Role = m.Role
	existing.Permissions = m.Permissions
	existing.Status = m.Status
	existing.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) DeleteMembership(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberships[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.memberships, id)
	return nil
}

func (s *MemoryStore) ListMembershipsByUser(ctx context.Context, userID uuid.UUID) ([]*models.Membership, error) {
	return s.filterMemberships(func(m *models.Membership) bool { return m.UserID == userID }), nil
}

func (s *MemoryStore) ListMembershipsByCompany(ctx context.Context, companyID uuid.UUID) ([]*models.Membership, error) {
	return s.filterMemberships(func(m *models.Membership) bool { return m.CompanyID == companyID }), nil
}

func (s *MemoryStore) filterMemberships(keep func(*models.Membership) bool) []*models.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Membership
	for _, m := range s.memberships {
		if keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ========== Audit ==========

func (s *MemoryStore) CreateAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AuditErr != nil {
		return s.AuditErr
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Status == "" {
		entry.Status = models.AuditSuccess
	}
	if entry.Severity == "" {
		entry.Severity = models.SeverityInfo
	}
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAuditLogs(ctx context.Context, f storage.AuditLogFilters, limit, offset int) ([]*models.AuditLogEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AuditLogEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.CompanyID != nil && e.CompanyID != *f.CompanyID {
			continue
		}
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		if f.Severity != nil && e.Severity != *f.Severity {
			continue
		}
		if f.StartTime != nil && e.CreatedAt.Before(*f.StartTime) {
			continue
		}
		if f.EndTime != nil && e.CreatedAt.After(*f.EndTime) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	total := int64(len(out))
	return page(out, limit, offset), total, nil
}

// AuditEntries returns every audit entry with the given action, oldest first
func (s *MemoryStore) AuditEntries(action string) []*models.AuditLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.AuditLogEntry
	for _, e := range s.audit {
		if action == "" || e.Action == action {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// ========== Emergency access ==========

func (s *MemoryStore) CreateEmergencyGrant(ctx context.Context, g *models.EmergencyAccessGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	cp := *g
	s.grants = append(s.grants, &cp)
	return nil
}

func (s *MemoryStore) GetActiveEmergencyGrant(ctx context.Context, superadminID, companyID uuid.UUID, now time.Time) (*models.EmergencyAccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.EmergencyAccessGrant
	for _, g := range s.grants {
		if g.SuperadminID != superadminID || g.CompanyID != companyID || !g.ActiveAt(now) {
			continue
		}
		if best == nil || g.ExpiresAt.After(best.ExpiresAt) {
			best = g
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// ========== Invitations ==========

func (s *MemoryStore) CreateInvitation(ctx context.Context, inv *models.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	cp := *inv
	s.invitations[inv.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInvitation(ctx context.Context, id uuid.UUID) (*models.Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invitations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *MemoryStore) UpdateInvitation(ctx context.Context, inv *models.Invitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.invitations[inv.ID]
	if !ok {
		return storage.ErrNotFound
	}
	existing.Status = inv.Status
	existing.AcceptedAt = inv.AcceptedAt
	existing.AcceptedBy = inv.AcceptedBy
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

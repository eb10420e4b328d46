// Package audit writes and reads the platform audit log.
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
)

// Service appends to and queries the audit log
type Service struct {
	store storage.Store
}

// NewService creates an audit service
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Log appends entry. Callers decide whether a failure is fatal.
func (s *Service) Log(ctx context.Context, entry *models.AuditLogEntry) error {
	if entry.CompanyID == uuid.Nil {
		return fmt.Errorf("audit entry %s: company id required", entry.Action)
	}

	if err := s.store.CreateAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("write audit entry %s: %w", entry.Action, err)
	}

	return nil
}

// LogBestEffort appends entry and only logs a failure
func (s *Service) LogBestEffort(ctx context.Context, entry *models.AuditLogEntry) {
	if err := s.Log(ctx, entry); err != nil {
		log.Error().
			Err(err).
			Str("action", entry.Action).
			Str("company_id", entry.CompanyID.String()).
			Msg("Failed to write audit entry")
	}
}

// List returns audit entries matching filters, newest first
func (s *Service) List(ctx context.Context, filters storage.AuditLogFilters, limit, offset int) ([]*models.AuditLogEntry, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListAuditLogs(ctx, filters, limit, offset)
}

// UserRef returns a pointer suitable for AuditLogEntry.UserID.
// The system actor is recorded as no user.
func UserRef(id uuid.UUID) *uuid.UUID {
	if id == models.SystemActorID {
		return nil
	}
	return &id
}

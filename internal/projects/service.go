// Package projects is the tenant-scoped project and task service.
package projects

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenant"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/validation"
)

const (
	projectColumns = "id, created_at, updated_at, company_id, name, status"
	taskColumns    = "id, created_at, company_id, project_id, title, status"

	defaultStatus = "planning"
	maxPageSize   = 200
)

// Service reads and writes projects in a tenant database
type Service struct {
	*tenant.Base
}

// NewService creates a project service
func NewService(base *tenant.Base) *Service {
	return &Service{Base: base}
}

// CreateRequest describes a new project
type CreateRequest struct {
	Name   string `json:"name" validate:"required,max=200"`
	Status string `json:"status" validate:"oneof=planning active on_hold completed"`
}

// List returns the company's projects, newest first
func (s *Service) List(ctx context.Context, db tenant.Querier, companyID uuid.UUID, limit, offset int) ([]*models.Project, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := tenant.Psql.Select(projectColumns).From("projects").OrderBy("created_at DESC")
	query, args, err := s.ScopeQueryByTenant(q, companyID, "").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list projects")
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, apperr.Internal(err, "failed to read project")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "failed to list projects")
	}
	return out, nil
}

// Get returns a project owned by companyID. Foreign and missing
// projects are both NotFound.
func (s *Service) Get(ctx context.Context, db tenant.Querier, companyID, projectID uuid.UUID) (*models.Project, error) {
	if err := s.ValidateResourceTenant(ctx, db, "projects", projectID, companyID); err != nil {
		return nil, err
	}

	query, args, err := s.ScopeQueryByTenant(
		tenant.Psql.Select(projectColumns).From("projects").Where(sq.Eq{"id": projectID}),
		companyID, "",
	).ToSql()
	if err != nil {
		return nil, err
	}

	p, err := scanProject(db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("projects not found")
		}
		return nil, apperr.Internal(err, "failed to load project")
	}
	return p, nil
}

// Create inserts a project and records it in the activity feed
func (s *Service) Create(ctx context.Context, db tenant.Querier, companyID, userID uuid.UUID, req CreateRequest) (*models.Project, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := validation.NewValidator().Validate(&req); err != nil {
		return nil, err
	}
	if req.Status == "" {
		req.Status = defaultStatus
	}

	now := time.Now().UTC()
	p := &models.Project{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
		CompanyID: companyID,
		Name:      req.Name,
		Status:    req.Status,
	}

	query, args, err := tenant.Psql.Insert("projects").
		Columns("id", "created_at", "updated_at", "company_id", "name", "status").
		Values(p.ID, p.CreatedAt, p.UpdatedAt, p.CompanyID, p.Name, p.Status).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return nil, apperr.Internal(err, "failed to create project")
	}

	s.LogActivity(ctx, db, &models.Activity{
		CompanyID:  companyID,
		UserID:     userID,
		Action:     "PROJECT_CREATED",
		EntityType: "project",
		EntityID:   p.ID.String(),
		Metadata:   models.Variables{"name": p.Name},
	})

	return p, nil
}

// ListTasks returns the tasks of a project owned by companyID
func (s *Service) ListTasks(ctx context.Context, db tenant.Querier, companyID, projectID uuid.UUID) ([]*models.Task, error) {
	if err := s.ValidateResourceTenant(ctx, db, "projects", projectID, companyID); err != nil {
		return nil, err
	}

	q := tenant.Psql.Select(taskColumns).
		From("tasks").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("created_at ASC")
	query, args, err := s.ScopeQueryByTenant(q, companyID, "").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list tasks")
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Internal(err, "failed to read task")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err, "failed to list tasks")
	}
	return out, nil
}

// GetTask returns a task addressed through its project
func (s *Service) GetTask(ctx context.Context, db tenant.Querier, companyID, projectID, taskID uuid.UUID) (*models.Task, error) {
	if err := s.ValidateHierarchicalAccess(ctx, db, tenant.HierarchyRef{
		ParentTable: "projects",
		ParentID:    projectID,
		ChildTable:  "tasks",
		ChildID:     taskID,
		ForeignKey:  "project_id",
	}, companyID); err != nil {
		return nil, err
	}

	query, args, err := tenant.Psql.Select(taskColumns).
		From("tasks").
		Where(sq.Eq{"id": taskID}).
		ToSql()
	if err != nil {
		return nil, err
	}

	t, err := scanTask(db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("tasks not found")
		}
		return nil, apperr.Internal(err, "failed to load task")
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (*models.Project, error) {
	p := &models.Project{}
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt, &p.CompanyID, &p.Name, &p.Status); err != nil {
		return nil, err
	}
	return p, nil
}

func scanTask(row scanner) (*models.Task, error) {
	t := &models.Task{}
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.CompanyID, &t.ProjectID, &t.Title, &t.Status); err != nil {
		return nil, err
	}
	return t, nil
}

package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

const jobColumns = `id, created_at, updated_at, company_id, status, current_step, error,
	attempts, started_at, finished_at`

func scanJob(row interface{ Scan(dest ...interface{}) error }) (*models.ProvisioningJob, error) {
	j := &models.ProvisioningJob{}
	err := row.Scan(
		&j.ID, &j.CreatedAt, &j.UpdatedAt, &j.CompanyID, &j.Status, &j.CurrentStep,
		&j.Error, &j.Attempts, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return j, nil
}

// CreateJob creates a provisioning job
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.ProvisioningJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
		INSERT INTO provisioning_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.getDB().ExecContext(ctx, query,
		job.ID, job.CreatedAt, job.UpdatedAt, job.CompanyID, job.Status, job.CurrentStep,
		job.Error, job.Attempts, job.StartedAt, job.FinishedAt,
	)

	return mapError(err)
}

// GetJob gets a provisioning job by ID
func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.ProvisioningJob, error) {
	query := `SELECT ` + jobColumns + ` FROM provisioning_jobs WHERE id = $1`
	return scanJob(s.getDB().QueryRowContext(ctx, query, id))
}

// GetLatestJobForCompany returns the most recently created job for a company
func (s *PostgresStore) GetLatestJobForCompany(ctx context.Context, companyID uuid.UUID) (*models.ProvisioningJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM provisioning_jobs
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return scanJob(s.getDB().QueryRowContext(ctx, query, companyID))
}

// UpdateJob updates the mutable fields of a job
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.ProvisioningJob) error {
	job.UpdatedAt = time.Now()

	query := `
		UPDATE provisioning_jobs SET
			updated_at = $2, status = $3, current_step = $4, error = $5,
			attempts = $6, started_at = $7, finished_at = $8
		WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		job.ID, job.UpdatedAt, job.Status, job.CurrentStep, job.Error,
		job.Attempts, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return err
	}

	return requireAffected(result)
}

// ListJobsByStatus lists jobs with a given status, oldest update first
func (s *PostgresStore) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.ProvisioningJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM provisioning_jobs
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := s.getDB().QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.ProvisioningJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents provisioning job states
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether the status is final
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ProvisioningStep is one step of the provisioning state machine
type ProvisioningStep string

const (
	StepRegisterTenant ProvisioningStep = "REGISTER_TENANT"
	StepInitDB         ProvisioningStep = "INIT_DB"
	StepStorageBucket  ProvisioningStep = "STORAGE_BUCKET"
	StepFinalize       ProvisioningStep = "FINALIZE"
)

// ProvisioningSteps lists the steps in execution order
var ProvisioningSteps = []ProvisioningStep{
	StepRegisterTenant,
	StepInitDB,
	StepStorageBucket,
	StepFinalize,
}

// ProvisioningJob records one provisioning attempt. CurrentStep is the durable
// checkpoint of how far provisioning got.
type ProvisioningJob struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	CompanyID   uuid.UUID         `json:"companyId" db:"company_id"`
	Status      JobStatus         `json:"status" db:"status"`
	CurrentStep *ProvisioningStep `json:"currentStep,omitempty" db:"current_step"`
	Error       *string           `json:"error,omitempty" db:"error"`
	Attempts    int               `json:"attempts" db:"attempts"`

	StartedAt  *time.Time `json:"startedAt,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
}

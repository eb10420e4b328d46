package provisioning

import (
	"errors"
	"fmt"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
)

// ErrorKind classifies a step failure
type ErrorKind string

const (
	KindTenantNotFound      ErrorKind = "TenantNotFound"
	KindCompanyNotFound     ErrorKind = "CompanyNotFound"
	KindStorageProvisioning ErrorKind = "StorageProvisioningError"
	KindSchemaInit          ErrorKind = "SchemaInitError"
	KindRegistry            ErrorKind = "RegistryError"
	KindCompanySuspended    ErrorKind = "CompanySuspended"
)

var (
	// ErrCompanyNotFound is returned when a job is requested for an unknown company
	ErrCompanyNotFound = apperr.NotFound("company not found")
	// ErrJobNotFound is returned for an unknown job id
	ErrJobNotFound = apperr.NotFound("provisioning job not found")
	// ErrCompanySuspended is returned when provisioning would reactivate a suspended company
	ErrCompanySuspended = apperr.Conflict("company is suspended")
	// ErrJobLocked is returned when another worker holds the company's lock
	ErrJobLocked = errors.New("provisioning already running for this company")
)

// StepError is a failure recorded on a job
type StepError struct {
	Kind ErrorKind
	Step models.ProvisioningStep
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErr(kind ErrorKind, step models.ProvisioningStep, err error) *StepError {
	return &StepError{Kind: kind, Step: step, Err: err}
}

// KindOf returns the step error kind carried by err, if any
func KindOf(err error) (ErrorKind, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

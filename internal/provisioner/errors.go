package provisioner

import (
	"errors"
	"fmt"
	"strings"

	"provisioning-api-go/internal/models"
)

// Workflow errors
var (
	ErrInvalidSpec      = errors.New("invalid workload spec")
	ErrInvalidState     = errors.New("invalid lifecycle transition")
	ErrModeMismatch     = errors.New("communication mode does not match entry point")
	ErrResourceNotFound = errors.New("resource not found")
	ErrResourceExists   = errors.New("resource already exists")

	// ErrOutcomeUnknown marks a failed create whose object may still have
	// been persisted by the control plane
	ErrOutcomeUnknown = errors.New("outcome of control-plane call unknown")
)

// Resource is one of the sub-resources a deployment is made of
type Resource string

const (
	ResourceCredentialConfig Resource = "credential-config"
	ResourceWorkload         Resource = "workload"
	ResourceInternalService  Resource = "internal-service"
	ResourceIngressRoute     Resource = "ingress-route"
	ResourceNodePort         Resource = "node-port"
	ResourceNodeService      Resource = "node-service"
)

// StepError is a failed control-plane (or pool) call, tagged with the
// resource the step was creating or deleting.
type StepError struct {
	Op       string
	Resource Resource
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ProvisioningError is returned by every failed deploy. It wraps the first
// failure and describes the compensating rollback that ran.
type ProvisioningError struct {
	Name string
	Mode models.CommMode
	// Cause is the step that failed
	Cause *StepError
	// RolledBack lists the resources torn down, in teardown order
	RolledBack []Resource
	// RollbackFailures lists teardown steps that failed; empty means the
	// rollback fully succeeded
	RollbackFailures []*StepError
}

func (e *ProvisioningError) Error() string {
	msg := fmt.Sprintf("provision %s (%s): %v", e.Name, e.Mode, e.Cause)
	if len(e.RollbackFailures) > 0 {
		parts := make([]string, 0, len(e.RollbackFailures))
		for _, f := range e.RollbackFailures {
			parts = append(parts, f.Error())
		}
		msg += "; rollback incomplete: " + strings.Join(parts, "; ")
	}
	return msg
}

func (e *ProvisioningError) Unwrap() error {
	return e.Cause
}

// RollbackComplete reports whether every created resource was torn down
func (e *ProvisioningError) RollbackComplete() bool {
	return len(e.RollbackFailures) == 0
}

// Warning is a sub-resource teardown failure that did not fail the call
type Warning struct {
	Resource Resource
	Err      error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %v", w.Resource, w.Err)
}

// TerminationError is returned when the workload itself could not be
// deleted. The record must stay active.
type TerminationError struct {
	Name     string
	Cause    *StepError
	Warnings []Warning
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminate %s: %v", e.Name, e.Cause)
}

func (e *TerminationError) Unwrap() error {
	return e.Cause
}

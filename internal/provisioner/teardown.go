package provisioner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"provisioning-api-go/internal/api/middleware"
	"provisioning-api-go/internal/models"
)

// TerminationReport is the outcome of a teardown whose workload deletion
// succeeded
type TerminationReport struct {
	Record   models.WorkloadRecord
	Warnings []Warning
	// HeldPort is a node port that is no longer bound but has not been
	// returned to the pool yet, zero when there is none
	HeldPort int
}

// Terminate tears down an active record and returns its node port to the
// pool right away. Callers that persist the terminated record should use
// Teardown and ReleaseHeld instead, so the port is only reused once the
// record no longer claims it.
func (w *Workflow) Terminate(ctx context.Context, rec models.WorkloadRecord, spec models.WorkloadSpec) (TerminationReport, error) {
	report, err := w.Teardown(ctx, rec, spec)
	if err != nil {
		return report, err
	}
	w.ReleaseHeld(&report)
	return report, nil
}

// Teardown deletes the resources an active record says are present.
// The workload is deleted first; every other sub-resource is attempted
// independently and its failure becomes a warning. If the workload itself
// cannot be deleted a TerminationError is returned and the record must stay
// active. The node port is never released here; see ReleaseHeld.
func (w *Workflow) Teardown(ctx context.Context, rec models.WorkloadRecord, spec models.WorkloadSpec) (TerminationReport, error) {
	if rec.Status != models.StatusActive {
		return TerminationReport{Record: rec}, fmt.Errorf("%w: cannot terminate %s record", ErrInvalidState, rec.Status)
	}
	if spec.Name == "" || spec.Namespace == "" {
		return TerminationReport{Record: rec}, fmt.Errorf("%w: name and namespace are required", ErrInvalidSpec)
	}

	logger := w.logger.With(
		zap.String("workload", spec.Name),
		zap.String("namespace", spec.Namespace))
	name, ns := spec.Name, spec.Namespace

	var warnings []Warning
	warn := func(res Resource, err error) {
		logger.Warn("teardown step failed", zap.String("resource", string(res)), zap.Error(err))
		middleware.TeardownWarningsTotal.WithLabelValues(string(res)).Inc()
		warnings = append(warnings, Warning{Resource: res, Err: err})
	}
	// deleted treats an already-absent resource as deleted
	deleted := func(res Resource, err error) bool {
		if err == nil {
			return true
		}
		if errors.Is(err, ErrResourceNotFound) {
			logger.Info("resource already absent", zap.String("resource", string(res)))
			return true
		}
		warn(res, err)
		return false
	}

	// 1. Workload. Its failure fails the call, but the other
	// sub-resources are still attempted.
	workloadErr := w.capability.DeleteWorkload(ctx, name, ns)
	if errors.Is(workloadErr, ErrResourceNotFound) {
		logger.Warn("workload already absent")
		workloadErr = nil
	}

	// 2. Node-exposed service. The port is handed back once nothing uses it.
	heldPort := 0
	if rec.AllocatedPort != 0 {
		svcErr := w.capability.DeleteService(ctx, models.NodeServiceName(name), ns)
		if deleted(ResourceNodeService, svcErr) && workloadErr == nil {
			heldPort = rec.AllocatedPort
		} else if workloadErr == nil {
			warn(ResourceNodePort, fmt.Errorf("port %d kept: node service may still bind it", rec.AllocatedPort))
		}
	}

	// 3. Internal service and ingress route
	if rec.PublicURL != "" {
		deleted(ResourceInternalService, w.capability.DeleteService(ctx, name, ns))
		deleted(ResourceIngressRoute, w.capability.DeleteIngressRoute(ctx, name, ns))
	}

	// 4. Credential config
	if rec.CredentialConfigPresent {
		deleted(ResourceCredentialConfig, w.capability.DeleteCredentialConfig(ctx, name, ns))
	}

	if workloadErr != nil {
		middleware.TerminationsTotal.WithLabelValues("failed").Inc()
		logger.Error("workload deletion failed, record stays active", zap.Error(workloadErr))
		return TerminationReport{Record: rec, Warnings: warnings}, &TerminationError{
			Name:     name,
			Cause:    &StepError{Op: "delete", Resource: ResourceWorkload, Err: workloadErr},
			Warnings: warnings,
		}
	}

	middleware.TerminationsTotal.WithLabelValues("success").Inc()
	logger.Info("workload terminated", zap.Int("warnings", len(warnings)))

	return TerminationReport{
		Record:   models.WorkloadRecord{Status: models.StatusTerminated},
		Warnings: warnings,
		HeldPort: heldPort,
	}, nil
}

// ReleaseHeld returns the report's held node port to the pool. A release
// failure is added to the report's warnings.
func (w *Workflow) ReleaseHeld(report *TerminationReport) {
	port := report.HeldPort
	if port == 0 {
		return
	}
	report.HeldPort = 0

	if err := w.releasePort(port); err != nil {
		w.logger.Warn("teardown step failed", zap.String("resource", string(ResourceNodePort)), zap.Error(err))
		middleware.TeardownWarningsTotal.WithLabelValues(string(ResourceNodePort)).Inc()
		report.Warnings = append(report.Warnings, Warning{Resource: ResourceNodePort, Err: err})
		return
	}
	w.logger.Info("node port released", zap.Int("node_port", port))
}

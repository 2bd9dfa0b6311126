package provisioner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioning-api-go/internal/models"
	"provisioning-api-go/internal/portpool"
	"provisioning-api-go/internal/provisioner"
	"provisioning-api-go/internal/provisioner/provisionertest"
)

// activate deploys spec and returns the active record
func activate(t *testing.T, w *provisioner.Workflow, spec models.WorkloadSpec) models.WorkloadRecord {
	t.Helper()
	rec, err := w.Activate(context.Background(), models.WorkloadRecord{Status: models.StatusCreated}, spec)
	require.NoError(t, err)
	return rec
}

func TestTerminateDualWithIngressFailure(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32000)
	w := newWorkflow(capability, pool)

	rec := activate(t, w, dualSpec())
	require.Equal(t, 32000, rec.AllocatedPort)
	require.Equal(t, 0, pool.Available())

	capability.FailOn(provisionertest.DeleteIngressRoute, nil)

	report, err := w.Terminate(context.Background(), rec, dualSpec())
	require.NoError(t, err)

	require.Len(t, report.Warnings, 1)
	assert.Equal(t, provisioner.ResourceIngressRoute, report.Warnings[0].Resource)
	assert.Equal(t, models.WorkloadRecord{Status: models.StatusTerminated}, report.Record)
	assert.NoError(t, report.Record.CheckInvariants(models.CommModeDual))

	port, err := pool.Acquire()
	require.NoError(t, err, "port is free again right after terminate")
	assert.Equal(t, 32000, port)
}

func TestTerminateDeletesWorkloadFirst(t *testing.T) {
	capability := provisionertest.NewCapability()
	w := newWorkflow(capability, newPool(t, 32000, 32002))

	spec := dualSpec()
	spec.CredentialIntegration = true
	rec := activate(t, w, spec)
	deployCalls := len(capability.Calls())

	report, err := w.Terminate(context.Background(), rec, spec)
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)

	teardown := capability.Methods()[deployCalls:]
	assert.Equal(t, []string{
		provisionertest.DeleteWorkload,
		provisionertest.DeleteService,
		provisionertest.DeleteService,
		provisionertest.DeleteIngressRoute,
		provisionertest.DeleteCredentialConfig,
	}, teardown)
	assert.Empty(t, capability.Objects())
}

func TestTerminateWorkloadDeletionFails(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	rec := activate(t, w, dualSpec())
	capability.FailOn(provisionertest.DeleteWorkload, errors.New("forbidden"))

	report, err := w.Terminate(context.Background(), rec, dualSpec())
	require.Error(t, err)

	var terr *provisioner.TerminationError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, provisioner.ResourceWorkload, terr.Cause.Resource)
	assert.Equal(t, rec, report.Record, "record stays active")
	assert.Equal(t, 2, pool.Available(), "port stays held while the workload may run")

	// the other sub-resources are still attempted
	assert.Contains(t, capability.Methods(), provisionertest.DeleteIngressRoute)
	assert.Equal(t, []string{"workload/svc1"}, capability.Objects())
}

func TestTerminateNodeServiceFailureKeepsPort(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	rec := activate(t, w, tcpSpec())
	capability.FailOn(provisionertest.DeleteService, nil)

	report, err := w.Terminate(context.Background(), rec, tcpSpec())
	require.NoError(t, err)

	resources := make([]provisioner.Resource, 0, len(report.Warnings))
	for _, warning := range report.Warnings {
		resources = append(resources, warning.Resource)
	}
	assert.Equal(t, []provisioner.Resource{provisioner.ResourceNodeService, provisioner.ResourceNodePort}, resources)
	assert.Equal(t, models.StatusTerminated, report.Record.Status)
	assert.Equal(t, 2, pool.Available())
}

func TestTerminateToleratesMissingResources(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	// nothing exists cluster-side for this record
	rec := models.WorkloadRecord{
		Status:        models.StatusActive,
		AllocatedPort: 32001,
		PublicURL:     "https://abc123.apps.example.org",
	}
	w.SeedPool([]int{32001})

	report, err := w.Terminate(context.Background(), rec, dualSpec())
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, models.StatusTerminated, report.Record.Status)
	assert.Equal(t, 3, pool.Available())
}

func TestTerminateRejectsNonActiveRecord(t *testing.T) {
	for _, status := range []models.Status{models.StatusCreated, models.StatusTerminated} {
		t.Run(string(status), func(t *testing.T) {
			capability := provisionertest.NewCapability()
			w := newWorkflow(capability, newPool(t, 32000, 32002))

			_, err := w.Terminate(context.Background(), models.WorkloadRecord{Status: status}, httpSpec())
			assert.ErrorIs(t, err, provisioner.ErrInvalidState)
			assert.Empty(t, capability.Calls())
		})
	}
}

func TestTerminateReleaseOutOfRangeIsWarning(t *testing.T) {
	capability := provisionertest.NewCapability()
	w := newWorkflow(capability, newPool(t, 32000, 32002))
	capability.Put("workload", "svc1")
	capability.Put("service", "svc1-tcp")

	rec := models.WorkloadRecord{Status: models.StatusActive, AllocatedPort: 31000}

	report, err := w.Terminate(context.Background(), rec, tcpSpec())
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, provisioner.ResourceNodePort, report.Warnings[0].Resource)
	assert.ErrorIs(t, report.Warnings[0].Err, portpool.ErrOutOfRange)
}

func TestTeardownHoldsPortUntilReleased(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	rec := activate(t, w, tcpSpec())
	require.Equal(t, []int{32000}, pool.InUse())

	report, err := w.Teardown(context.Background(), rec, tcpSpec())
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminated, report.Record.Status)
	assert.Equal(t, 32000, report.HeldPort)
	assert.Equal(t, []int{32000}, pool.InUse(), "teardown alone never frees the port")
	assert.Empty(t, capability.Objects())

	w.ReleaseHeld(&report)
	assert.Zero(t, report.HeldPort)
	assert.Empty(t, pool.InUse())
	assert.Empty(t, report.Warnings)

	// releasing twice is a no-op
	w.ReleaseHeld(&report)
	assert.Empty(t, report.Warnings)
}

func TestTeardownWithoutNodeServiceDeletionHoldsNothing(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	rec := activate(t, w, tcpSpec())
	capability.FailOn(provisionertest.DeleteService, nil)

	report, err := w.Teardown(context.Background(), rec, tcpSpec())
	require.NoError(t, err)
	assert.Zero(t, report.HeldPort)

	w.ReleaseHeld(&report)
	assert.Equal(t, []int{32000}, pool.InUse())
}

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

const testToken = "abc123"

func httpSpec() models.WorkloadSpec {
	return models.WorkloadSpec{
		Name:        "svc1",
		Image:       "registry.example.org/svc:1.0",
		Namespace:   "papaya",
		CommMode:    models.CommModeHTTP,
		Ports:       models.Ports{HTTPSource: 8080},
		IngressHost: "apps.example.org",
	}
}

func tcpSpec() models.WorkloadSpec {
	return models.WorkloadSpec{
		Name:      "svc1",
		Image:     "registry.example.org/svc:1.0",
		Namespace: "papaya",
		CommMode:  models.CommModeTCP,
		Ports:     models.Ports{TCPSource: 9000},
	}
}

func dualSpec() models.WorkloadSpec {
	spec := httpSpec()
	spec.CommMode = models.CommModeDual
	spec.Ports.TCPSource = 9000
	return spec
}

func newPool(t *testing.T, start, end int) *portpool.Pool {
	t.Helper()
	pool, err := portpool.New(portpool.Range{Start: start, End: end})
	require.NoError(t, err)
	return pool
}

func newWorkflow(capability provisioner.Capability, pool provisioner.PortPool) *provisioner.Workflow {
	return provisioner.NewWorkflow(capability, pool, nil,
		provisioner.WithTokenFunc(func() string { return testToken }))
}

func requireProvisioningError(t *testing.T, err error) *provisioner.ProvisioningError {
	t.Helper()
	var perr *provisioner.ProvisioningError
	require.True(t, errors.As(err, &perr), "expected ProvisioningError, got %v", err)
	return perr
}

func TestDeployHTTP(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32002)
	w := provisioner.NewWorkflow(capability, pool, nil)

	result, err := w.DeployHTTP(context.Background(), httpSpec())
	require.NoError(t, err)

	assert.Regexp(t, `^https://[0-9a-f]{6}\.apps\.example\.org$`, result.PublicURL)
	assert.Zero(t, result.AllocatedPort)
	assert.Equal(t, []string{
		provisionertest.CreateWorkload,
		provisionertest.CreateInternalService,
		provisionertest.CreateIngressRoute,
	}, capability.Methods())
	assert.Equal(t, 3, pool.Available())

	calls := capability.Calls()
	assert.Equal(t, 8080, calls[1].Port, "internal service targets the container port")

	ingress := capability.Ingresses["svc1"]
	assert.Equal(t, "svc1", ingress.ServiceName)
	assert.Equal(t, 8080, ingress.ServicePort)
	assert.Equal(t, "apps.example.org", ingress.BaseHost)
	assert.Len(t, ingress.SubHost, 6)
}

func TestDeployHTTPWithCredentialIntegration(t *testing.T) {
	capability := provisionertest.NewCapability()
	w := newWorkflow(capability, newPool(t, 32000, 32002))

	spec := httpSpec()
	spec.CredentialIntegration = true

	result, err := w.DeployHTTP(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "https://abc123.apps.example.org", result.PublicURL)

	assert.Equal(t, []string{
		provisionertest.CreateCredentialConfig,
		provisionertest.CreateWorkload,
		provisionertest.CreateInternalService,
		provisionertest.CreateIngressRoute,
	}, capability.Methods())

	calls := capability.Calls()
	assert.Equal(t, 8080, calls[0].Port, "credential config upstream is the app port")
	assert.Equal(t, 3000, calls[2].Port, "internal service targets the sidecar")
	assert.True(t, capability.Workloads["svc1"].WithCredentialSidecar)
	assert.Equal(t, []int{8080}, capability.Workloads["svc1"].ContainerPorts)
}

func TestActivate(t *testing.T) {
	tests := []struct {
		name     string
		spec     models.WorkloadSpec
		wantPort int
		wantURL  string
	}{
		{name: "http", spec: httpSpec(), wantURL: "https://abc123.apps.example.org"},
		{name: "tcp", spec: tcpSpec(), wantPort: 32000},
		{name: "dual", spec: dualSpec(), wantPort: 32000, wantURL: "https://abc123.apps.example.org"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorkflow(provisionertest.NewCapability(), newPool(t, 32000, 32002))

			rec, err := w.Activate(context.Background(), models.WorkloadRecord{Status: models.StatusCreated}, tt.spec)
			require.NoError(t, err)

			assert.Equal(t, models.StatusActive, rec.Status)
			assert.Equal(t, tt.wantPort, rec.AllocatedPort)
			assert.Equal(t, tt.wantURL, rec.PublicURL)
			assert.NoError(t, rec.CheckInvariants(tt.spec.CommMode))
		})
	}
}

func TestActivateRejectsNonCreatedRecord(t *testing.T) {
	for _, status := range []models.Status{models.StatusActive, models.StatusTerminated} {
		t.Run(string(status), func(t *testing.T) {
			capability := provisionertest.NewCapability()
			w := newWorkflow(capability, newPool(t, 32000, 32002))
			rec := models.WorkloadRecord{Status: status}

			got, err := w.Activate(context.Background(), rec, httpSpec())
			assert.ErrorIs(t, err, provisioner.ErrInvalidState)
			assert.Equal(t, rec, got)
			assert.Empty(t, capability.Calls())
		})
	}
}

func TestDeployTCPExhaustedPool(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32000)
	w := newWorkflow(capability, pool)
	w.SeedPool([]int{32000})

	_, err := w.DeployTCP(context.Background(), tcpSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, portpool.ErrExhausted)

	perr := requireProvisioningError(t, err)
	assert.Equal(t, provisioner.ResourceNodePort, perr.Cause.Resource)
	assert.Empty(t, perr.RolledBack)
	assert.True(t, perr.RollbackComplete())
	assert.Empty(t, capability.Calls(), "no control-plane call before the pool is checked")
	assert.Equal(t, 0, pool.Available())
}

func TestDeployTCPOrdering(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	result, err := w.DeployTCP(context.Background(), tcpSpec())
	require.NoError(t, err)
	assert.Equal(t, 32000, result.AllocatedPort)
	assert.Empty(t, result.PublicURL)

	calls := capability.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, provisionertest.CreateWorkload, calls[0].Method)
	assert.Equal(t, provisionertest.CreateNodeExposedService, calls[1].Method)
	assert.Equal(t, "svc1", calls[1].Name)
	assert.Equal(t, 32000, calls[1].Port)
	assert.Equal(t, 2, pool.Available())
}

func TestDeployTCPWorkloadFailure(t *testing.T) {
	capability := provisionertest.NewCapability()
	capability.FailOn(provisionertest.CreateWorkload, nil)
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	_, err := w.DeployTCP(context.Background(), tcpSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, provisionertest.ErrInjected)

	assert.Equal(t, []string{provisionertest.CreateWorkload}, capability.Methods(),
		"node service never created after a failed workload")
	assert.Equal(t, 3, pool.Available())
}

func TestDeployTCPNodeServiceFailure(t *testing.T) {
	capability := provisionertest.NewCapability()
	capability.FailOn(provisionertest.CreateNodeExposedService, nil)
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	_, err := w.DeployTCP(context.Background(), tcpSpec())
	perr := requireProvisioningError(t, err)

	assert.Equal(t, []provisioner.Resource{provisioner.ResourceWorkload, provisioner.ResourceNodePort}, perr.RolledBack)
	assert.Equal(t, 3, pool.Available(), "port released on rollback")
	assert.Empty(t, capability.Objects())
}

func TestDeployTCPRejectsCredentialIntegration(t *testing.T) {
	capability := provisionertest.NewCapability()
	w := newWorkflow(capability, newPool(t, 32000, 32002))

	spec := tcpSpec()
	spec.CredentialIntegration = true

	_, err := w.DeployTCP(context.Background(), spec)
	assert.ErrorIs(t, err, provisioner.ErrInvalidSpec)
	assert.ErrorIs(t, err, models.ErrCredentialRequiresHTTP)
	assert.Empty(t, capability.Calls())
}

func TestDeployModeMismatch(t *testing.T) {
	capability := provisionertest.NewCapability()
	w := newWorkflow(capability, newPool(t, 32000, 32002))

	_, err := w.DeployTCP(context.Background(), httpSpec())
	assert.ErrorIs(t, err, provisioner.ErrModeMismatch)
	assert.Empty(t, capability.Calls())
}

func TestDeployRejectsSidecarPortConflict(t *testing.T) {
	capability := provisionertest.NewCapability()
	w := newWorkflow(capability, newPool(t, 32000, 32002))

	spec := httpSpec()
	spec.CredentialIntegration = true
	spec.Ports.HTTPSource = 3000

	_, err := w.DeployHTTP(context.Background(), spec)
	assert.ErrorIs(t, err, provisioner.ErrInvalidSpec)
	assert.Empty(t, capability.Calls())
}

func TestDeployDualIngressFailure(t *testing.T) {
	capability := provisionertest.NewCapability()
	capability.FailOn(provisionertest.CreateIngressRoute, nil)
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	_, err := w.DeployDual(context.Background(), dualSpec())
	perr := requireProvisioningError(t, err)

	assert.Equal(t, provisioner.ResourceIngressRoute, perr.Cause.Resource)
	assert.ElementsMatch(t,
		[]provisioner.Resource{provisioner.ResourceInternalService, provisioner.ResourceWorkload},
		perr.RolledBack)
	assert.True(t, perr.RollbackComplete())
	assert.Equal(t, 3, pool.Available(), "port never acquired")
	assert.NotContains(t, capability.Methods(), provisionertest.CreateNodeExposedService)
	assert.Empty(t, capability.Objects())
}

// racedPool reports free capacity but loses every Acquire race
type racedPool struct {
	*portpool.Pool
}

func (racedPool) Acquire() (int, error) {
	return 0, portpool.ErrExhausted
}

func TestDeployDualRollbackCompleteness(t *testing.T) {
	tests := []struct {
		name       string
		failOn     string
		raced      bool
		wantCause  provisioner.Resource
		wantRolled []provisioner.Resource
	}{
		{
			name:      "credential config",
			failOn:    provisionertest.CreateCredentialConfig,
			wantCause: provisioner.ResourceCredentialConfig,
		},
		{
			name:       "workload",
			failOn:     provisionertest.CreateWorkload,
			wantCause:  provisioner.ResourceWorkload,
			wantRolled: []provisioner.Resource{provisioner.ResourceCredentialConfig},
		},
		{
			name:      "internal service",
			failOn:    provisionertest.CreateInternalService,
			wantCause: provisioner.ResourceInternalService,
			wantRolled: []provisioner.Resource{
				provisioner.ResourceWorkload,
				provisioner.ResourceCredentialConfig,
			},
		},
		{
			name:      "ingress route",
			failOn:    provisionertest.CreateIngressRoute,
			wantCause: provisioner.ResourceIngressRoute,
			wantRolled: []provisioner.Resource{
				provisioner.ResourceWorkload,
				provisioner.ResourceInternalService,
				provisioner.ResourceCredentialConfig,
			},
		},
		{
			name:      "port acquisition",
			raced:     true,
			wantCause: provisioner.ResourceNodePort,
			wantRolled: []provisioner.Resource{
				provisioner.ResourceWorkload,
				provisioner.ResourceIngressRoute,
				provisioner.ResourceInternalService,
				provisioner.ResourceCredentialConfig,
			},
		},
		{
			name:      "node service",
			failOn:    provisionertest.CreateNodeExposedService,
			wantCause: provisioner.ResourceNodeService,
			wantRolled: []provisioner.Resource{
				provisioner.ResourceWorkload,
				provisioner.ResourceNodePort,
				provisioner.ResourceIngressRoute,
				provisioner.ResourceInternalService,
				provisioner.ResourceCredentialConfig,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capability := provisionertest.NewCapability()
			if tt.failOn != "" {
				capability.FailOn(tt.failOn, nil)
			}
			pool := newPool(t, 32000, 32002)
			var pp provisioner.PortPool = pool
			if tt.raced {
				pp = racedPool{pool}
			}
			w := newWorkflow(capability, pp)

			spec := dualSpec()
			spec.CredentialIntegration = true
			created := models.WorkloadRecord{Status: models.StatusCreated}

			rec, err := w.Activate(context.Background(), created, spec)
			perr := requireProvisioningError(t, err)

			assert.Equal(t, created, rec, "record stays created")
			assert.Equal(t, tt.wantCause, perr.Cause.Resource)
			if tt.wantRolled == nil {
				assert.Empty(t, perr.RolledBack)
			} else {
				assert.Equal(t, tt.wantRolled, perr.RolledBack)
			}
			assert.True(t, perr.RollbackComplete())
			assert.Empty(t, capability.Objects(), "no orphaned resources")
			assert.Equal(t, 3, pool.Available(), "port returned to the pool")
		})
	}
}

func TestDeployRollbackFailureIsReported(t *testing.T) {
	capability := provisionertest.NewCapability()
	capability.FailOn(provisionertest.CreateIngressRoute, nil)
	capability.FailOn(provisionertest.DeleteWorkload, errors.New("apiserver unavailable"))
	w := newWorkflow(capability, newPool(t, 32000, 32002))

	_, err := w.DeployHTTP(context.Background(), httpSpec())
	perr := requireProvisioningError(t, err)

	assert.False(t, perr.RollbackComplete())
	require.Len(t, perr.RollbackFailures, 1)
	assert.Equal(t, provisioner.ResourceWorkload, perr.RollbackFailures[0].Resource)
	assert.Equal(t, []provisioner.Resource{provisioner.ResourceInternalService}, perr.RolledBack)
	assert.Contains(t, perr.Error(), "rollback incomplete")
	assert.Equal(t, []string{"workload/svc1"}, capability.Objects())
}

func TestDeployCancelledMidSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	capability := provisionertest.NewCapability()
	capability.OnCall = func(method string) {
		if method == provisionertest.CreateInternalService {
			cancel()
		}
	}
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	_, err := w.DeployDual(ctx, dualSpec())
	perr := requireProvisioningError(t, err)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []provisioner.Resource{provisioner.ResourceWorkload}, perr.RolledBack)
	assert.Contains(t, capability.Methods(), provisionertest.DeleteWorkload, "rollback runs after cancellation")
	assert.Empty(t, capability.Objects())
	assert.Equal(t, 3, pool.Available())
}

func TestDeployAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	capability := provisionertest.NewCapability()
	w := newWorkflow(capability, newPool(t, 32000, 32002))

	_, err := w.DeployHTTP(ctx, httpSpec())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, capability.Calls())
}

func TestDeployRollbackTreatsMissingResourceAsRemoved(t *testing.T) {
	capability := provisionertest.NewCapability()
	capability.FailOn(provisionertest.CreateIngressRoute, nil)
	capability.FailOn(provisionertest.DeleteService, provisioner.ErrResourceNotFound)
	w := newWorkflow(capability, newPool(t, 32000, 32002))

	_, err := w.DeployHTTP(context.Background(), httpSpec())
	perr := requireProvisioningError(t, err)

	assert.True(t, perr.RollbackComplete())
	assert.Equal(t, []provisioner.Resource{provisioner.ResourceWorkload, provisioner.ResourceInternalService}, perr.RolledBack)
}

func TestConcurrentDeploysGetDistinctPorts(t *testing.T) {
	capability := provisionertest.NewCapability()
	pool := newPool(t, 32000, 32009)
	w := provisioner.NewWorkflow(capability, pool, nil)

	type outcome struct {
		port int
		err  error
	}
	results := make(chan outcome, 10)
	for i := 0; i < 10; i++ {
		spec := tcpSpec()
		spec.Name = "svc" + string(rune('a'+i))
		go func() {
			res, err := w.DeployTCP(context.Background(), spec)
			results <- outcome{port: res.AllocatedPort, err: err}
		}()
	}

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		out := <-results
		require.NoError(t, out.err)
		assert.False(t, seen[out.port], "port %d allocated twice", out.port)
		seen[out.port] = true
	}
	assert.Equal(t, 0, pool.Available())
}

func TestDeployRollsBackResourceWithUnknownOutcome(t *testing.T) {
	capability := provisionertest.NewCapability()
	// the object lands even though the call reports a timeout
	capability.OnCall = func(method string) {
		if method == provisionertest.CreateInternalService {
			capability.Put("service", "svc1")
		}
	}
	capability.FailOn(provisionertest.CreateInternalService, provisioner.ErrOutcomeUnknown)
	w := newWorkflow(capability, newPool(t, 32000, 32002))

	_, err := w.DeployHTTP(context.Background(), httpSpec())
	perr := requireProvisioningError(t, err)

	assert.ErrorIs(t, err, provisioner.ErrOutcomeUnknown)
	assert.True(t, perr.RollbackComplete())
	assert.Equal(t, []provisioner.Resource{provisioner.ResourceWorkload, provisioner.ResourceInternalService}, perr.RolledBack)
	assert.Empty(t, capability.Objects())
}

func TestDeployRollbackKeepsPortWhileNodeServiceRemains(t *testing.T) {
	capability := provisionertest.NewCapability()
	capability.OnCall = func(method string) {
		if method == provisionertest.CreateNodeExposedService {
			capability.Put("service", "svc1-tcp")
		}
	}
	capability.FailOn(provisionertest.CreateNodeExposedService, provisioner.ErrOutcomeUnknown)
	capability.FailOn(provisionertest.DeleteService, errors.New("apiserver unavailable"))
	pool := newPool(t, 32000, 32002)
	w := newWorkflow(capability, pool)

	_, err := w.DeployTCP(context.Background(), tcpSpec())
	perr := requireProvisioningError(t, err)

	assert.False(t, perr.RollbackComplete())
	require.Len(t, perr.RollbackFailures, 2)
	assert.Equal(t, provisioner.ResourceNodeService, perr.RollbackFailures[0].Resource)
	assert.Equal(t, provisioner.ResourceNodePort, perr.RollbackFailures[1].Resource)
	assert.Equal(t, []provisioner.Resource{provisioner.ResourceWorkload}, perr.RolledBack)
	assert.Equal(t, []int{32000}, pool.InUse(), "port stays held while the service may bind it")
}

// Package provisioner deploys and tears down application workloads as one
// logical operation over a control plane without multi-resource transactions.
//
// Every deploy entry point creates its resources in a fixed order and records
// each one as soon as its creation is confirmed. On the first failure
// (including cancellation of the caller's context) the recorded resources are
// torn down, the node port is returned to the pool and a ProvisioningError is
// returned; the caller's record stays "created".
package provisioner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"provisioning-api-go/internal/api/middleware"
	"provisioning-api-go/internal/models"
)

const (
	defaultSidecarPort     = 3000
	defaultRollbackTimeout = 60 * time.Second
	tokenLength            = 6
)

// PortPool is the node port allocator used for tcp exposure
type PortPool interface {
	Acquire() (int, error)
	Release(port int) error
	Seed(usedPorts []int)
	Available() int
}

// DeployResult is what a successful deploy exposes to the caller
type DeployResult struct {
	PublicURL     string `json:"public_url,omitempty"`
	AllocatedPort int    `json:"allocated_port,omitempty"`
}

// Workflow sequences Capability calls for the three deployment modes and
// teardown. It keeps no state between calls besides the shared port pool.
type Workflow struct {
	capability      Capability
	pool            PortPool
	logger          *zap.Logger
	newToken        func() string
	sidecarPort     int
	rollbackTimeout time.Duration
}

// Option configures a Workflow
type Option func(*Workflow)

// WithTokenFunc overrides the generator of ingress sub-host tokens
func WithTokenFunc(fn func() string) Option {
	return func(w *Workflow) { w.newToken = fn }
}

// WithCredentialSidecarPort sets the port the credential sidecar listens on.
// With credential integration the internal service targets this port.
func WithCredentialSidecarPort(port int) Option {
	return func(w *Workflow) { w.sidecarPort = port }
}

// WithRollbackTimeout bounds the compensating teardown after a failed deploy
func WithRollbackTimeout(d time.Duration) Option {
	return func(w *Workflow) { w.rollbackTimeout = d }
}

// NewWorkflow creates a workflow over a single long-lived capability client
func NewWorkflow(capability Capability, pool PortPool, logger *zap.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Workflow{
		capability:      capability,
		pool:            pool,
		logger:          logger,
		newToken:        newToken,
		sidecarPort:     defaultSidecarPort,
		rollbackTimeout: defaultRollbackTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}

	middleware.NodePortsAvailable.Set(float64(pool.Available()))
	return w
}

// newToken returns a short random hex token used as ingress sub-host
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLength]
}

// SeedPool marks the node ports held by non-terminated applications as used.
// Call once at startup before serving traffic.
func (w *Workflow) SeedPool(usedPorts []int) {
	w.pool.Seed(usedPorts)
	middleware.NodePortsAvailable.Set(float64(w.pool.Available()))

	w.logger.Info("node port pool seeded",
		zap.Ints("used_ports", usedPorts),
		zap.Int("available", w.pool.Available()))
}

// Activate provisions the workload for a record in state "created" and
// returns the next record value. A failed deploy returns the record unchanged.
func (w *Workflow) Activate(ctx context.Context, rec models.WorkloadRecord, spec models.WorkloadSpec) (models.WorkloadRecord, error) {
	if rec.Status != models.StatusCreated {
		return rec, fmt.Errorf("%w: cannot activate %s record", ErrInvalidState, rec.Status)
	}

	var (
		result DeployResult
		err    error
	)
	switch spec.CommMode {
	case models.CommModeHTTP:
		result, err = w.DeployHTTP(ctx, spec)
	case models.CommModeTCP:
		result, err = w.DeployTCP(ctx, spec)
	case models.CommModeDual:
		result, err = w.DeployDual(ctx, spec)
	default:
		err = fmt.Errorf("%w: %w: %q", ErrInvalidSpec, models.ErrUnknownCommMode, spec.CommMode)
	}
	if err != nil {
		return rec, err
	}

	return models.WorkloadRecord{
		Status:                  models.StatusActive,
		AllocatedPort:           result.AllocatedPort,
		PublicURL:               result.PublicURL,
		CredentialConfigPresent: spec.CredentialIntegration,
	}, nil
}

// DeployHTTP deploys an http-only workload:
// credential config (optional) -> workload -> internal service -> ingress route.
func (w *Workflow) DeployHTTP(ctx context.Context, spec models.WorkloadSpec) (DeployResult, error) {
	spec, err := w.prepare(spec, models.CommModeHTTP)
	if err != nil {
		return DeployResult{}, err
	}

	r := w.newRun(spec)
	token := w.newToken()
	publicURL := models.PublicURL(token, spec.IngressHost)

	if err := r.createCredentialConfig(ctx, publicURL); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}
	if err := r.createWorkload(ctx); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}
	if err := r.createHTTPExposure(ctx, token); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}

	r.succeed()
	return DeployResult{PublicURL: publicURL}, nil
}

// DeployTCP deploys a tcp-only workload:
// workload -> node port -> node-exposed service.
func (w *Workflow) DeployTCP(ctx context.Context, spec models.WorkloadSpec) (DeployResult, error) {
	spec, err := w.prepare(spec, models.CommModeTCP)
	if err != nil {
		return DeployResult{}, err
	}

	r := w.newRun(spec)

	if err := r.checkCapacity(); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}
	if err := r.createWorkload(ctx); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}
	if err := r.createTCPExposure(ctx); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}

	r.succeed()
	return DeployResult{AllocatedPort: r.nodePort}, nil
}

// DeployDual deploys a workload reachable over both http and tcp:
// credential config (optional) -> workload -> internal service -> ingress
// route -> node port -> node-exposed service.
func (w *Workflow) DeployDual(ctx context.Context, spec models.WorkloadSpec) (DeployResult, error) {
	spec, err := w.prepare(spec, models.CommModeDual)
	if err != nil {
		return DeployResult{}, err
	}

	r := w.newRun(spec)
	token := w.newToken()
	publicURL := models.PublicURL(token, spec.IngressHost)

	if err := r.checkCapacity(); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}
	if err := r.createCredentialConfig(ctx, publicURL); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}
	if err := r.createWorkload(ctx); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}
	if err := r.createHTTPExposure(ctx, token); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}
	if err := r.createTCPExposure(ctx); err != nil {
		return DeployResult{}, r.fail(ctx, err)
	}

	r.succeed()
	return DeployResult{PublicURL: publicURL, AllocatedPort: r.nodePort}, nil
}

// prepare validates the spec once at the boundary and normalizes its ports
func (w *Workflow) prepare(spec models.WorkloadSpec, mode models.CommMode) (models.WorkloadSpec, error) {
	if spec.CommMode != mode {
		return spec, fmt.Errorf("%w: %s spec passed to %s deploy", ErrModeMismatch, spec.CommMode, mode)
	}
	if err := spec.Validate(); err != nil {
		return spec, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	spec.Ports = spec.Ports.Normalize()
	if spec.CredentialIntegration {
		for _, port := range containerPorts(spec) {
			if port == w.sidecarPort {
				return spec, fmt.Errorf("%w: container port %d is reserved for the credential sidecar", ErrInvalidSpec, port)
			}
		}
	}
	return spec, nil
}

// containerPorts lists the ports the application container listens on
func containerPorts(spec models.WorkloadSpec) []int {
	switch spec.CommMode {
	case models.CommModeHTTP:
		return []int{spec.Ports.HTTPTarget}
	case models.CommModeTCP:
		return []int{spec.Ports.TCPTarget}
	default:
		return []int{spec.Ports.HTTPTarget, spec.Ports.TCPTarget}
	}
}

package provisioner

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"provisioning-api-go/internal/api/middleware"
	"provisioning-api-go/internal/models"
	"provisioning-api-go/internal/portpool"
)

// run tracks the resources one deploy invocation has created so far
type run struct {
	w       *Workflow
	spec    models.WorkloadSpec
	created []Resource
	// nodePort is the acquired node port, zero until acquired
	nodePort int
	logger   *zap.Logger
}

func (w *Workflow) newRun(spec models.WorkloadSpec) *run {
	return &run{
		w:    w,
		spec: spec,
		logger: w.logger.With(
			zap.String("workload", spec.Name),
			zap.String("namespace", spec.Namespace),
			zap.String("mode", string(spec.CommMode)),
		),
	}
}

// step runs one creation call and records the resource once it is confirmed.
// A failure with an unknown outcome records the resource as possibly present
// so rollback still deletes it. A cancelled context fails the step before
// the call is made.
func (r *run) step(ctx context.Context, resource Resource, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &StepError{Op: "create", Resource: resource, Err: err}
	}
	if err := fn(ctx); err != nil {
		if errors.Is(err, ErrOutcomeUnknown) {
			r.created = append(r.created, resource)
			r.logger.Warn("resource may exist after failed create", zap.String("resource", string(resource)))
		}
		return &StepError{Op: "create", Resource: resource, Err: err}
	}
	r.created = append(r.created, resource)
	r.logger.Debug("resource created", zap.String("resource", string(resource)))
	return nil
}

// checkCapacity fails fast when the pool has no free port, before any
// control-plane call. Acquire still decides the race between callers.
func (r *run) checkCapacity() error {
	if r.w.pool.Available() == 0 {
		return &StepError{Op: "acquire", Resource: ResourceNodePort, Err: portpool.ErrExhausted}
	}
	return nil
}

func (r *run) createCredentialConfig(ctx context.Context, publicURL string) error {
	if !r.spec.CredentialIntegration {
		return nil
	}
	return r.step(ctx, ResourceCredentialConfig, func(ctx context.Context) error {
		return r.w.capability.CreateCredentialConfig(ctx, r.spec.Name, r.spec.Namespace, r.spec.Ports.HTTPTarget, publicURL)
	})
}

func (r *run) createWorkload(ctx context.Context) error {
	return r.step(ctx, ResourceWorkload, func(ctx context.Context) error {
		return r.w.capability.CreateWorkload(ctx, WorkloadParams{
			Name:                  r.spec.Name,
			Image:                 r.spec.Image,
			Namespace:             r.spec.Namespace,
			ContainerPorts:        containerPorts(r.spec),
			WithCredentialSidecar: r.spec.CredentialIntegration,
		})
	})
}

// createHTTPExposure creates the internal service and then the ingress route
// pointing at it. With credential integration the service targets the sidecar.
func (r *run) createHTTPExposure(ctx context.Context, token string) error {
	targetPort := r.spec.Ports.HTTPTarget
	if r.spec.CredentialIntegration {
		targetPort = r.w.sidecarPort
	}

	err := r.step(ctx, ResourceInternalService, func(ctx context.Context) error {
		return r.w.capability.CreateInternalService(ctx, r.spec.Name, r.spec.Namespace, r.spec.Ports.HTTPSource, targetPort)
	})
	if err != nil {
		return err
	}

	return r.step(ctx, ResourceIngressRoute, func(ctx context.Context) error {
		return r.w.capability.CreateIngressRoute(ctx, IngressParams{
			Name:        r.spec.Name,
			Namespace:   r.spec.Namespace,
			SubHost:     token,
			BaseHost:    r.spec.IngressHost,
			ServiceName: r.spec.Name,
			ServicePort: r.spec.Ports.HTTPSource,
		})
	})
}

// createTCPExposure acquires a node port and then creates the node-exposed
// service on it. The pool lock is never held across the control-plane call.
func (r *run) createTCPExposure(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &StepError{Op: "acquire", Resource: ResourceNodePort, Err: err}
	}
	port, err := r.w.pool.Acquire()
	if err != nil {
		return &StepError{Op: "acquire", Resource: ResourceNodePort, Err: err}
	}
	r.nodePort = port
	r.created = append(r.created, ResourceNodePort)
	middleware.NodePortsAvailable.Set(float64(r.w.pool.Available()))
	r.logger.Info("node port acquired", zap.Int("node_port", r.nodePort))

	return r.step(ctx, ResourceNodeService, func(ctx context.Context) error {
		return r.w.capability.CreateNodeExposedService(ctx, r.spec.Name, r.spec.Namespace,
			r.spec.Ports.TCPSource, r.spec.Ports.TCPTarget, r.nodePort)
	})
}

// fail rolls back what this run created and wraps cause into a
// ProvisioningError. The rollback itself ignores cancellation of ctx.
func (r *run) fail(ctx context.Context, cause error) error {
	var stepErr *StepError
	if !errors.As(cause, &stepErr) {
		stepErr = &StepError{Op: "deploy", Resource: ResourceWorkload, Err: cause}
	}

	r.logger.Error("deploy step failed, rolling back",
		zap.String("op", stepErr.Op),
		zap.String("resource", string(stepErr.Resource)),
		zap.Strings("created", resourceNames(r.created)),
		zap.Error(stepErr.Err))

	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.w.rollbackTimeout)
	defer cancel()

	perr := &ProvisioningError{
		Name:  r.spec.Name,
		Mode:  r.spec.CommMode,
		Cause: stepErr,
	}
	nodeServiceLeft := false
	for _, res := range teardownOrder(r.created) {
		// the port stays held while its node service may still bind it
		if res == ResourceNodePort && nodeServiceLeft {
			err := fmt.Errorf("port %d kept: node service may still bind it", r.nodePort)
			r.logger.Warn("rollback step skipped", zap.String("resource", string(res)), zap.Error(err))
			perr.RollbackFailures = append(perr.RollbackFailures, &StepError{Op: "release", Resource: res, Err: err})
			continue
		}
		if err := r.undo(rollbackCtx, res); err != nil {
			r.logger.Warn("rollback step failed",
				zap.String("resource", string(res)),
				zap.Error(err))
			perr.RollbackFailures = append(perr.RollbackFailures, &StepError{Op: "delete", Resource: res, Err: err})
			if res == ResourceNodeService {
				nodeServiceLeft = true
			}
			continue
		}
		perr.RolledBack = append(perr.RolledBack, res)
	}
	r.created = nil

	middleware.DeploymentsTotal.WithLabelValues(string(r.spec.CommMode), "failed").Inc()
	if len(perr.RolledBack) > 0 || len(perr.RollbackFailures) > 0 {
		middleware.RollbacksTotal.WithLabelValues(string(r.spec.CommMode), strconv.FormatBool(perr.RollbackComplete())).Inc()
	}

	if perr.RollbackComplete() {
		r.logger.Info("rollback complete", zap.Strings("rolled_back", resourceNames(perr.RolledBack)))
	} else {
		r.logger.Error("rollback incomplete, orphaned resources need manual cleanup",
			zap.Strings("rolled_back", resourceNames(perr.RolledBack)),
			zap.Int("failures", len(perr.RollbackFailures)))
	}
	return perr
}

func (r *run) succeed() {
	middleware.DeploymentsTotal.WithLabelValues(string(r.spec.CommMode), "success").Inc()

	fields := []zap.Field{zap.Strings("resources", resourceNames(r.created))}
	if r.nodePort != 0 {
		fields = append(fields, zap.Int("node_port", r.nodePort))
	}
	r.logger.Info("workload deployed", fields...)
}

// undo removes one created resource. A resource that is already gone
// counts as removed.
func (r *run) undo(ctx context.Context, res Resource) error {
	name, ns := r.spec.Name, r.spec.Namespace
	capability := r.w.capability

	var err error
	switch res {
	case ResourceWorkload:
		err = capability.DeleteWorkload(ctx, name, ns)
	case ResourceInternalService:
		err = capability.DeleteService(ctx, name, ns)
	case ResourceIngressRoute:
		err = capability.DeleteIngressRoute(ctx, name, ns)
	case ResourceCredentialConfig:
		err = capability.DeleteCredentialConfig(ctx, name, ns)
	case ResourceNodeService:
		err = capability.DeleteService(ctx, models.NodeServiceName(name), ns)
	case ResourceNodePort:
		err = r.w.releasePort(r.nodePort)
		if err == nil {
			r.nodePort = 0
		}
	default:
		err = fmt.Errorf("unknown resource %q", res)
	}

	if errors.Is(err, ErrResourceNotFound) {
		r.logger.Debug("resource already absent", zap.String("resource", string(res)))
		return nil
	}
	return err
}

// releasePort returns a port to the pool and refreshes the availability gauge
func (w *Workflow) releasePort(port int) error {
	if err := w.pool.Release(port); err != nil {
		return err
	}
	middleware.NodePortsAvailable.Set(float64(w.pool.Available()))
	return nil
}

// teardownOrder deletes the workload first and the rest in reverse creation
// order, so the node port is released after its service is gone.
func teardownOrder(created []Resource) []Resource {
	order := make([]Resource, 0, len(created))
	for _, res := range created {
		if res == ResourceWorkload {
			order = append(order, res)
		}
	}
	for i := len(created) - 1; i >= 0; i-- {
		if created[i] != ResourceWorkload {
			order = append(order, created[i])
		}
	}
	return order
}

func resourceNames(resources []Resource) []string {
	names := make([]string, len(resources))
	for i, res := range resources {
		names[i] = string(res)
	}
	return names
}

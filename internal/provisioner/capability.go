package provisioner

import "context"

// WorkloadParams describes the compute workload of an application
type WorkloadParams struct {
	Name           string
	Image          string
	Namespace      string
	ContainerPorts []int
	// WithCredentialSidecar adds the identity-provider sidecar container,
	// which listens on a fixed port and reads the credential config.
	WithCredentialSidecar bool
}

// IngressParams describes the public route of an application
type IngressParams struct {
	Name      string
	Namespace string
	SubHost   string
	BaseHost  string
	// ServiceName is the base name passed to CreateInternalService
	ServiceName string
	ServicePort int
}

// Capability is the set of control-plane operations the workflow composes.
// Names are application base names; implementations derive the concrete
// object names from them. CreateNodeExposedService takes the workload name
// and creates the service DeleteService knows as models.NodeServiceName(name).
// Implementations should wrap ErrResourceNotFound and ErrResourceExists where
// the control plane reports those conditions.
type Capability interface {
	CreateWorkload(ctx context.Context, params WorkloadParams) error
	DeleteWorkload(ctx context.Context, name, namespace string) error

	CreateInternalService(ctx context.Context, name, namespace string, sourcePort, targetPort int) error
	CreateNodeExposedService(ctx context.Context, name, namespace string, sourcePort, targetPort, nodePort int) error
	DeleteService(ctx context.Context, name, namespace string) error

	CreateIngressRoute(ctx context.Context, params IngressParams) error
	DeleteIngressRoute(ctx context.Context, name, namespace string) error

	CreateCredentialConfig(ctx context.Context, name, namespace string, upstreamPort int, ingressURL string) error
	DeleteCredentialConfig(ctx context.Context, name, namespace string) error
}

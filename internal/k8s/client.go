// Package k8s implements the provisioner's control-plane capability on top
// of client-go. Every application maps to a Deployment, up to two Services,
// an Ingress and an optional ConfigMap, all named after the application.
package k8s

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"provisioning-api-go/internal/config"
	"provisioning-api-go/internal/provisioner"
)

// Labels set on every object the client creates
const (
	AppLabel       = "app"
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "provisioner"
)

// CredentialOptions configures the identity-provider sidecar
type CredentialOptions struct {
	DiscoveryURL  string
	ClientID      string
	ClientSecret  string
	EncryptionKey string
	AdminGroup    string
}

// Options holds cluster-wide settings of the created objects
type Options struct {
	IngressClass string
	TLSSecret    string
	SidecarImage string
	SidecarPort  int
	Credential   CredentialOptions
}

// OptionsFromConfig extracts the adapter options from the service config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		IngressClass: cfg.IngressClass,
		TLSSecret:    cfg.IngressTLSSecret,
		SidecarImage: cfg.CredentialSidecarImage,
		SidecarPort:  cfg.CredentialSidecarPort,
		Credential: CredentialOptions{
			DiscoveryURL:  cfg.IAMURL,
			ClientID:      cfg.IAMClientID,
			ClientSecret:  cfg.IAMClientSecret,
			EncryptionKey: cfg.EncryptionKey,
			AdminGroup:    cfg.IAMAdminGroup,
		},
	}
}

// Client wraps the Kubernetes clientset and implements provisioner.Capability
type Client struct {
	clientset kubernetes.Interface
	namespace string
	opts      Options
	logger    *zap.Logger
}

var _ provisioner.Capability = (*Client)(nil)

// NewClient creates a client from in-cluster config or a kubeconfig file
func NewClient(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	var (
		restConfig *rest.Config
		err        error
	)

	if cfg.K8sInCluster {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to create in-cluster config: %w", err)
		}
	} else {
		kubeConfigPath := cfg.K8sKubeConfigPath
		if kubeConfigPath == "" {
			kubeConfigPath = clientcmd.RecommendedHomeFile
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create K8s clientset: %w", err)
	}

	return NewFromClientset(clientset, cfg.Namespace, OptionsFromConfig(cfg), logger), nil
}

// NewFromClientset wraps an existing clientset, e.g. a fake one in tests
func NewFromClientset(clientset kubernetes.Interface, namespace string, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SidecarPort == 0 {
		opts.SidecarPort = 3000
	}
	return &Client{
		clientset: clientset,
		namespace: namespace,
		opts:      opts,
		logger:    logger.Named("k8s"),
	}
}

// Clientset returns the underlying clientset
func (c *Client) Clientset() kubernetes.Interface {
	return c.clientset
}

// Namespace returns the default namespace
func (c *Client) Namespace() string {
	return c.namespace
}

// Ping checks the API server is reachable
func (c *Client) Ping(_ context.Context) error {
	if _, err := c.clientset.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("k8s api unreachable: %w", err)
	}
	return nil
}

func (c *Client) ns(namespace string) string {
	if namespace == "" {
		return c.namespace
	}
	return namespace
}

func labels(app string) map[string]string {
	return map[string]string{
		AppLabel:       app,
		ManagedByLabel: ManagedByValue,
	}
}

// Object names derived from the application name
func deploymentName(name string) string { return name + "-deployment" }
func serviceName(name string) string    { return name + "-service" }
func ingressName(name string) string    { return name + "-ingress" }
func configMapName(name string) string  { return name + "-configmap" }

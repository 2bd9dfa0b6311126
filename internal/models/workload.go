package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/iancoleman/strcase"
	"k8s.io/apimachinery/pkg/util/validation"
)

// CommMode is how an application is reached from outside the cluster
type CommMode string

const (
	CommModeHTTP CommMode = "http"
	CommModeTCP  CommMode = "tcp"
	CommModeDual CommMode = "dual"
)

// UsesHTTP reports whether the mode exposes an ingress route
func (m CommMode) UsesHTTP() bool {
	return m == CommModeHTTP || m == CommModeDual
}

// UsesTCP reports whether the mode exposes a node port
func (m CommMode) UsesTCP() bool {
	return m == CommModeTCP || m == CommModeDual
}

// Status is the lifecycle state of an application instance
type Status string

const (
	StatusCreated    Status = "created"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Spec validation errors
var (
	ErrUnknownCommMode        = errors.New("unknown communication mode")
	ErrNoPorts                = errors.New("service defines neither an http nor a tcp port")
	ErrCredentialRequiresHTTP = errors.New("credential integration requires an http front end")
)

// ModeForPorts derives the communication mode from the ports a service
// template declares. Zero means "not declared".
func ModeForPorts(httpPort, tcpPort int) (CommMode, error) {
	switch {
	case httpPort != 0 && tcpPort != 0:
		return CommModeDual, nil
	case httpPort != 0:
		return CommModeHTTP, nil
	case tcpPort != 0:
		return CommModeTCP, nil
	default:
		return "", ErrNoPorts
	}
}

// Ports holds the service and container ports of a workload. A zero target
// means "same as source"; Normalize fills it in.
type Ports struct {
	HTTPSource int `json:"http_source,omitempty"`
	HTTPTarget int `json:"http_target,omitempty"`
	TCPSource  int `json:"tcp_source,omitempty"`
	TCPTarget  int `json:"tcp_target,omitempty"`
}

// Normalize returns a copy with unset targets defaulted to their source
func (p Ports) Normalize() Ports {
	if p.HTTPTarget == 0 {
		p.HTTPTarget = p.HTTPSource
	}
	if p.TCPTarget == 0 {
		p.TCPTarget = p.TCPSource
	}
	return p
}

// WorkloadSpec is everything the provisioning workflow needs to deploy one
// application instance. It is immutable for the duration of a call.
type WorkloadSpec struct {
	Name                  string   `json:"name"`
	Image                 string   `json:"image"`
	Namespace             string   `json:"namespace"`
	CommMode              CommMode `json:"comm_mode"`
	Ports                 Ports    `json:"ports"`
	CredentialIntegration bool     `json:"credential_integration"`
	IngressHost           string   `json:"ingress_host"`
}

// Validate checks the spec once at the workflow boundary. Ports are checked
// after normalization.
func (s WorkloadSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	// The longest derived object name must still be a valid service name
	if errs := validation.IsDNS1035Label(NodeServiceName(s.Name) + "-service"); len(errs) > 0 {
		return fmt.Errorf("invalid name %q: %s", s.Name, strings.Join(errs, "; "))
	}
	if s.Image == "" {
		return fmt.Errorf("image is required")
	}
	if s.Namespace == "" {
		return fmt.Errorf("namespace is required")
	}

	ports := s.Ports.Normalize()

	switch s.CommMode {
	case CommModeHTTP, CommModeDual, CommModeTCP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommMode, s.CommMode)
	}

	if s.CommMode.UsesHTTP() {
		if err := validPort("http source", ports.HTTPSource); err != nil {
			return err
		}
		if err := validPort("http target", ports.HTTPTarget); err != nil {
			return err
		}
		if s.IngressHost == "" {
			return fmt.Errorf("ingress host is required for %s mode", s.CommMode)
		}
	}

	if s.CommMode.UsesTCP() {
		if err := validPort("tcp source", ports.TCPSource); err != nil {
			return err
		}
		if err := validPort("tcp target", ports.TCPTarget); err != nil {
			return err
		}
	}

	if s.CommMode == CommModeDual && ports.HTTPTarget == ports.TCPTarget {
		return fmt.Errorf("http and tcp container ports must differ (both %d)", ports.HTTPTarget)
	}

	if s.CredentialIntegration && !s.CommMode.UsesHTTP() {
		return ErrCredentialRequiresHTTP
	}

	return nil
}

func validPort(label string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s port %d out of range (1-65535)", label, port)
	}
	return nil
}

// WorkloadRecord is the mutable lifecycle state of an application instance.
// The persistence layer owns it; the workflow only computes the next value.
type WorkloadRecord struct {
	Status                  Status `json:"status"`
	AllocatedPort           int    `json:"allocated_port,omitempty"`
	PublicURL               string `json:"public_url,omitempty"`
	CredentialConfigPresent bool   `json:"credential_config_present"`
}

// CheckInvariants verifies the record is consistent with its status and mode:
// a port is held iff active with a tcp side, a URL is set iff active with an
// http side.
func (r WorkloadRecord) CheckInvariants(mode CommMode) error {
	active := r.Status == StatusActive

	if (r.AllocatedPort != 0) != (active && mode.UsesTCP()) {
		return fmt.Errorf("allocated port %d inconsistent with status %s and mode %s", r.AllocatedPort, r.Status, mode)
	}
	if (r.PublicURL != "") != (active && mode.UsesHTTP()) {
		return fmt.Errorf("public url %q inconsistent with status %s and mode %s", r.PublicURL, r.Status, mode)
	}
	if r.CredentialConfigPresent && !mode.UsesHTTP() {
		return fmt.Errorf("credential config present for %s mode", mode)
	}
	return nil
}

// DeploymentName builds the cluster-side name of an application owned by
// owner, e.g. ("My App", "Alice") -> "my-app-alice".
func DeploymentName(appName, owner string) string {
	return strcase.ToKebab(strings.ToLower(appName) + " " + strings.ToLower(owner))
}

// NodeServiceName is the base name of the node-exposed service of a
// workload; the internal service uses the workload name itself.
func NodeServiceName(name string) string {
	return name + "-tcp"
}

// PublicURL is the ingress URL for a sub-host token under baseHost
func PublicURL(token, baseHost string) string {
	return "https://" + token + "." + baseHost
}

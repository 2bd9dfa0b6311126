package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Application is the persisted record of one user-owned instance of a
// service template.
type Application struct {
	ID                    int64     `json:"id" db:"id"`
	Name                  string    `json:"name" db:"name"`
	Owner                 string    `json:"owner" db:"owner"`
	Image                 string    `json:"image" db:"image"`
	HTTPPort              int       `json:"http_port,omitempty" db:"http_port"`
	TCPPort               int       `json:"tcp_port,omitempty" db:"tcp_port"`
	CredentialIntegration bool      `json:"credential_integration" db:"credential_integration"`
	Status                Status    `json:"status" db:"status"`
	NodePort              int       `json:"node_port,omitempty" db:"node_port"`
	ServerURL             string    `json:"server_url,omitempty" db:"server_url"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// DeploymentName is the cluster-side name of the application
func (a *Application) DeploymentName() string {
	return DeploymentName(a.Name, a.Owner)
}

// Spec builds the workload spec used to provision the application
func (a *Application) Spec(namespace, ingressHost string) (WorkloadSpec, error) {
	mode, err := ModeForPorts(a.HTTPPort, a.TCPPort)
	if err != nil {
		return WorkloadSpec{}, err
	}

	return WorkloadSpec{
		Name:      a.DeploymentName(),
		Image:     a.Image,
		Namespace: namespace,
		CommMode:  mode,
		Ports: Ports{
			HTTPSource: a.HTTPPort,
			TCPSource:  a.TCPPort,
		}.Normalize(),
		CredentialIntegration: a.CredentialIntegration,
		IngressHost:           ingressHost,
	}, nil
}

// Record returns the lifecycle view of the application
func (a *Application) Record() WorkloadRecord {
	return WorkloadRecord{
		Status:                  a.Status,
		AllocatedPort:           a.NodePort,
		PublicURL:               a.ServerURL,
		CredentialConfigPresent: a.Status == StatusActive && a.CredentialIntegration,
	}
}

// Apply copies a lifecycle record back onto the application
func (a *Application) Apply(rec WorkloadRecord) {
	a.Status = rec.Status
	a.NodePort = rec.AllocatedPort
	a.ServerURL = rec.PublicURL
}

// AgentEnv renders the env list handed to the client-side agent of an active
// application: one KEY=value line per setting followed by a blank line.
func (a *Application) AgentEnv(clusterIP string) string {
	var b strings.Builder

	write := func(key, value string) {
		fmt.Fprintf(&b, "%s=%s\n", strings.ToUpper(key), strings.TrimSpace(value))
	}

	if a.ServerURL != "" {
		write("server_url", a.ServerURL)
	}
	if a.NodePort != 0 {
		write("server_ip", clusterIP)
		write("server_tcp_port", strconv.Itoa(a.NodePort))
	}
	b.WriteString("\n")

	return b.String()
}

// Package provisionertest provides an in-memory Capability for tests
package provisionertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"provisioning-api-go/internal/models"
	"provisioning-api-go/internal/provisioner"
)

// ErrInjected is the default error returned by a failing call
var ErrInjected = errors.New("injected failure")

// Method names as recorded in the call log
const (
	CreateWorkload           = "CreateWorkload"
	DeleteWorkload           = "DeleteWorkload"
	CreateInternalService    = "CreateInternalService"
	CreateNodeExposedService = "CreateNodeExposedService"
	DeleteService            = "DeleteService"
	CreateIngressRoute       = "CreateIngressRoute"
	DeleteIngressRoute       = "DeleteIngressRoute"
	CreateCredentialConfig   = "CreateCredentialConfig"
	DeleteCredentialConfig   = "DeleteCredentialConfig"
)

// Call is one recorded Capability invocation
type Call struct {
	Method string
	Name   string
	// Port is the node port for CreateNodeExposedService, the target port
	// for CreateInternalService and the upstream port for CreateCredentialConfig
	Port int
}

// Capability records calls and keeps the set of objects it has created.
// Failures are injected per method with FailOn.
type Capability struct {
	mu       sync.Mutex
	calls    []Call
	failures map[string]error
	objects  map[string]bool

	// Workloads and Ingresses keep the last params seen per name
	Workloads map[string]provisioner.WorkloadParams
	Ingresses map[string]provisioner.IngressParams

	// OnCall runs before every call, e.g. to cancel a context mid-sequence
	OnCall func(method string)
}

// NewCapability creates an empty fake
func NewCapability() *Capability {
	return &Capability{
		failures:  make(map[string]error),
		objects:   make(map[string]bool),
		Workloads: make(map[string]provisioner.WorkloadParams),
		Ingresses: make(map[string]provisioner.IngressParams),
	}
}

var _ provisioner.Capability = (*Capability)(nil)

// FailOn makes every call to method return err (ErrInjected when nil)
func (c *Capability) FailOn(method string, err error) {
	if err == nil {
		err = ErrInjected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[method] = err
}

// Calls returns a copy of the call log
func (c *Capability) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Methods returns the method names of the call log in order
func (c *Capability) Methods() []string {
	calls := c.Calls()
	methods := make([]string, len(calls))
	for i, call := range calls {
		methods[i] = call.Method
	}
	return methods
}

// Objects returns the keys of the objects that currently exist, sorted.
// Keys look like "workload/svc1" or "service/svc1-tcp".
func (c *Capability) Objects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.objects))
	for k := range c.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Put marks an object as existing without recording a call
func (c *Capability) Put(kind, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[kind+"/"+name] = true
}

func (c *Capability) record(ctx context.Context, method, name string, port int) error {
	if c.OnCall != nil {
		c.OnCall(method)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Method: method, Name: name, Port: port})
	if err := c.failures[method]; err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Capability) create(kind, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := kind + "/" + name
	if c.objects[key] {
		return fmt.Errorf("%s %q: %w", kind, name, provisioner.ErrResourceExists)
	}
	c.objects[key] = true
	return nil
}

func (c *Capability) remove(kind, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := kind + "/" + name
	if !c.objects[key] {
		return fmt.Errorf("%s %q: %w", kind, name, provisioner.ErrResourceNotFound)
	}
	delete(c.objects, key)
	return nil
}

func (c *Capability) CreateWorkload(ctx context.Context, params provisioner.WorkloadParams) error {
	if err := c.record(ctx, CreateWorkload, params.Name, 0); err != nil {
		return err
	}
	c.mu.Lock()
	c.Workloads[params.Name] = params
	c.mu.Unlock()
	return c.create("workload", params.Name)
}

func (c *Capability) DeleteWorkload(ctx context.Context, name, _ string) error {
	if err := c.record(ctx, DeleteWorkload, name, 0); err != nil {
		return err
	}
	return c.remove("workload", name)
}

func (c *Capability) CreateInternalService(ctx context.Context, name, _ string, _, targetPort int) error {
	if err := c.record(ctx, CreateInternalService, name, targetPort); err != nil {
		return err
	}
	return c.create("service", name)
}

func (c *Capability) CreateNodeExposedService(ctx context.Context, name, _ string, _, _, nodePort int) error {
	if err := c.record(ctx, CreateNodeExposedService, name, nodePort); err != nil {
		return err
	}
	return c.create("service", models.NodeServiceName(name))
}

func (c *Capability) DeleteService(ctx context.Context, name, _ string) error {
	if err := c.record(ctx, DeleteService, name, 0); err != nil {
		return err
	}
	return c.remove("service", name)
}

func (c *Capability) CreateIngressRoute(ctx context.Context, params provisioner.IngressParams) error {
	if err := c.record(ctx, CreateIngressRoute, params.Name, params.ServicePort); err != nil {
		return err
	}
	c.mu.Lock()
	c.Ingresses[params.Name] = params
	c.mu.Unlock()
	return c.create("ingress", params.Name)
}

func (c *Capability) DeleteIngressRoute(ctx context.Context, name, _ string) error {
	if err := c.record(ctx, DeleteIngressRoute, name, 0); err != nil {
		return err
	}
	return c.remove("ingress", name)
}

func (c *Capability) CreateCredentialConfig(ctx context.Context, name, _ string, upstreamPort int, _ string) error {
	if err := c.record(ctx, CreateCredentialConfig, name, upstreamPort); err != nil {
		return err
	}
	return c.create("configmap", name)
}

func (c *Capability) DeleteCredentialConfig(ctx context.Context, name, _ string) error {
	if err := c.record(ctx, DeleteCredentialConfig, name, 0); err != nil {
		return err
	}
	return c.remove("configmap", name)
}

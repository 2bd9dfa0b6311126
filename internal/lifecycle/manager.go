// Package lifecycle drives application records through created, active and
// terminated by combining the repository with the provisioning workflow.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"provisioning-api-go/internal/datastore"
	"provisioning-api-go/internal/models"
	"provisioning-api-go/internal/provisioner"
)

// Lifecycle errors
var (
	ErrInvalidRequest = errors.New("invalid application request")
	ErrNotActive      = errors.New("application is not active")
)

// Provisioner is the subset of the workflow the manager drives
type Provisioner interface {
	Activate(ctx context.Context, rec models.WorkloadRecord, spec models.WorkloadSpec) (models.WorkloadRecord, error)
	Teardown(ctx context.Context, rec models.WorkloadRecord, spec models.WorkloadSpec) (provisioner.TerminationReport, error)
	ReleaseHeld(report *provisioner.TerminationReport)
	SeedPool(usedPorts []int)
}

// NodePortLister reports node ports already bound in the cluster
type NodePortLister interface {
	UsedNodePorts(ctx context.Context, namespace string) ([]int, error)
}

// Interface is what the HTTP layer needs from the manager
type Interface interface {
	Register(ctx context.Context, owner string, req models.RegisterRequest) (*models.Application, error)
	Get(ctx context.Context, id int64, owner string) (*models.Application, error)
	List(ctx context.Context, owner string) ([]*models.Application, error)
	Activate(ctx context.Context, id int64, owner string) (*models.ActivateResult, error)
	Terminate(ctx context.Context, id int64, owner string) (*models.TerminateResult, error)
	AgentEnv(ctx context.Context, id int64, owner string) (string, error)
}

// Settings are the cluster-wide values every workload spec shares
type Settings struct {
	Namespace   string
	IngressHost string
	ClusterIP   string
}

// Manager implements Interface
type Manager struct {
	repo     datastore.Repository
	workflow Provisioner
	cluster  NodePortLister
	settings Settings
	logger   *zap.Logger

	// locks serializes lifecycle transitions; an application ID always
	// maps to the same stripe
	locks [lockStripes]sync.Mutex
}

const lockStripes = 64

var _ Interface = (*Manager)(nil)

// Option configures a Manager
type Option func(*Manager)

// WithClusterNodePorts also seeds the pool from node ports bound in the cluster
func WithClusterNodePorts(lister NodePortLister) Option {
	return func(m *Manager) { m.cluster = lister }
}

// NewManager creates a lifecycle manager
func NewManager(repo datastore.Repository, workflow Provisioner, settings Settings, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		repo:     repo,
		workflow: workflow,
		settings: settings,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register stores a new application in state "created"
func (m *Manager) Register(ctx context.Context, owner string, req models.RegisterRequest) (*models.Application, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}

	app := &models.Application{
		Name:                  req.Name,
		Owner:                 owner,
		Image:                 req.Image,
		HTTPPort:              req.HTTPPort,
		TCPPort:               req.TCPPort,
		CredentialIntegration: req.CredentialIntegration,
		Status:                models.StatusCreated,
	}

	// Reject now what activation would reject later
	spec, err := app.Spec(m.settings.Namespace, m.settings.IngressHost)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if err := m.repo.Create(ctx, app); err != nil {
		return nil, err
	}

	m.logger.Info("application registered",
		zap.Int64("id", app.ID),
		zap.String("owner", owner),
		zap.String("name", app.Name),
		zap.String("mode", string(spec.CommMode)))
	return app, nil
}

// Get returns an application of owner
func (m *Manager) Get(ctx context.Context, id int64, owner string) (*models.Application, error) {
	app, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Other owners' applications are invisible
	if app.Owner != owner {
		return nil, fmt.Errorf("%w: id %d", datastore.ErrNotFound, id)
	}
	return app, nil
}

// List returns the applications of owner
func (m *Manager) List(ctx context.Context, owner string) ([]*models.Application, error) {
	return m.repo.ListByOwner(ctx, owner)
}

// Activate deploys a created application and persists the active record.
// A failed deploy leaves the stored record untouched.
func (m *Manager) Activate(ctx context.Context, id int64, owner string) (*models.ActivateResult, error) {
	unlock := m.lock(id)
	defer unlock()

	app, err := m.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	spec, err := app.Spec(m.settings.Namespace, m.settings.IngressHost)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	next, err := m.workflow.Activate(ctx, app.Record(), spec)
	if err != nil {
		return nil, err
	}

	app.Apply(next)
	if err := m.repo.Update(ctx, app); err != nil {
		m.logger.Error("failed to persist active record, tearing down",
			zap.Int64("id", id),
			zap.String("workload", spec.Name),
			zap.Error(err))
		m.undoActivation(ctx, next, spec)
		return nil, fmt.Errorf("persist application %d: %w", id, err)
	}

	return &models.ActivateResult{
		Application: app,
		PublicURL:   next.PublicURL,
		NodePort:    next.AllocatedPort,
	}, nil
}

// undoActivation tears down a deploy whose record could not be stored so
// neither the workload nor its node port leaks
func (m *Manager) undoActivation(ctx context.Context, rec models.WorkloadRecord, spec models.WorkloadSpec) {
	report, err := m.workflow.Teardown(context.WithoutCancel(ctx), rec, spec)
	if err != nil {
		m.logger.Error("teardown after failed persist failed", zap.String("workload", spec.Name), zap.Error(err))
		return
	}
	// the stored record is still "created", nothing claims the port
	m.workflow.ReleaseHeld(&report)
	for _, w := range report.Warnings {
		m.logger.Warn("teardown after failed persist left a resource", zap.String("warning", w.String()))
	}
}

// Terminate tears down an active application. The record becomes
// "terminated" only when the workload itself was deleted.
func (m *Manager) Terminate(ctx context.Context, id int64, owner string) (*models.TerminateResult, error) {
	unlock := m.lock(id)
	defer unlock()

	app, err := m.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	spec, err := app.Spec(m.settings.Namespace, m.settings.IngressHost)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	report, err := m.workflow.Teardown(ctx, app.Record(), spec)
	if err != nil {
		return nil, err
	}

	// The stored record keeps claiming the node port until it is persisted
	// as terminated, so the port goes back to the pool only after that.
	app.Apply(report.Record)
	if err := m.repo.Update(ctx, app); err != nil {
		m.logger.Error("failed to persist terminated record, node port stays held",
			zap.Int64("id", id),
			zap.String("workload", spec.Name),
			zap.Int("node_port", report.HeldPort),
			zap.Error(err))
		return nil, fmt.Errorf("persist application %d: %w", id, err)
	}
	m.workflow.ReleaseHeld(&report)

	warnings := make([]string, 0, len(report.Warnings))
	for _, w := range report.Warnings {
		warnings = append(warnings, w.String())
	}
	return &models.TerminateResult{Application: app, Warnings: warnings}, nil
}

// AgentEnv renders the env file of an active application
func (m *Manager) AgentEnv(ctx context.Context, id int64, owner string) (string, error) {
	app, err := m.Get(ctx, id, owner)
	if err != nil {
		return "", err
	}
	if app.Status != models.StatusActive {
		return "", fmt.Errorf("%w: status is %s", ErrNotActive, app.Status)
	}
	return app.AgentEnv(m.settings.ClusterIP), nil
}

// Seed marks the node ports of stored non-terminated applications as used,
// together with node ports already bound in the cluster when configured.
// Run it once before serving provisioning traffic.
func (m *Manager) Seed(ctx context.Context) error {
	ports, err := m.repo.ActiveNodePorts(ctx)
	if err != nil {
		return fmt.Errorf("load active node ports: %w", err)
	}

	if m.cluster != nil {
		bound, err := m.cluster.UsedNodePorts(ctx, m.settings.Namespace)
		if err != nil {
			return fmt.Errorf("list cluster node ports: %w", err)
		}
		ports = union(ports, bound)
	}

	m.workflow.SeedPool(ports)
	return nil
}

func (m *Manager) lock(id int64) func() {
	mu := &m.locks[uint64(id)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func union(a, b []int) []int {
	seen := make(map[int]bool, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, p := range append(append([]int{}, a...), b...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}

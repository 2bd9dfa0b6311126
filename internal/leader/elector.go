// Package leader runs the optional Lease-based election that decides which
// replica owns the in-memory node port pool.
package leader

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"provisioning-api-go/internal/api/middleware"
	"provisioning-api-go/internal/config"
)

// Seeder rebuilds the port pool from persisted applications
type Seeder interface {
	Seed(ctx context.Context) error
}

// Elector owns the leadership state of this replica
type Elector struct {
	clientset kubernetes.Interface
	seeder    Seeder
	config    *config.Config
	logger    *zap.Logger
	isLeader  atomic.Bool
	// stop is called once leadership is lost or the pool cannot be seeded
	stop func()
}

// Option configures an Elector
type Option func(*Elector)

// WithStopFunc replaces the default stop behaviour (SIGTERM to self)
func WithStopFunc(fn func()) Option {
	return func(e *Elector) { e.stop = fn }
}

// NewElector creates a new elector
func NewElector(clientset kubernetes.Interface, seeder Seeder, cfg *config.Config, logger *zap.Logger, opts ...Option) *Elector {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Elector{
		clientset: clientset,
		seeder:    seeder,
		config:    cfg,
		logger:    logger.Named("leader"),
		stop:      terminateSelf,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsLeader returns true if this instance currently owns the port pool
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// Run seeds the pool once this replica leads. With election disabled the
// replica leads immediately and Run returns after seeding. Otherwise it
// blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) error {
	if !e.config.LeaderElectionEnabled {
		e.logger.Info("Leader election disabled, running as leader directly")
		if err := e.seeder.Seed(ctx); err != nil {
			return err
		}
		e.setLeader(true)
		return nil
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      e.config.LeaderElectionLockName,
			Namespace: e.config.LeaderElectionNamespace,
		},
		Client: e.clientset.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: e.config.PodName,
		},
	}

	e.logger.Info("Starting leader election",
		zap.String("lock_name", e.config.LeaderElectionLockName),
		zap.String("namespace", e.config.LeaderElectionNamespace),
		zap.String("pod_name", e.config.PodName),
	)

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   e.config.LeaderElectionDuration,
		RenewDeadline:   e.config.LeaderElectionRenewDeadline,
		RetryPeriod:     e.config.LeaderElectionRetryPeriod,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: e.onStartedLeading,
			OnStoppedLeading: e.onStoppedLeading,
			OnNewLeader: func(identity string) {
				if identity == e.config.PodName {
					return
				}
				e.logger.Info("Leader elected", zap.String("leader", identity))
			},
		},
	})
	if err != nil {
		return err
	}

	elector.Run(ctx)
	return nil
}

func (e *Elector) onStartedLeading(ctx context.Context) {
	e.logger.Info("Acquired leadership, seeding node port pool")
	if err := e.seeder.Seed(ctx); err != nil {
		e.logger.Error("Failed to seed node port pool, giving up leadership", zap.Error(err))
		e.stop()
		return
	}
	e.setLeader(true)
}

func (e *Elector) onStoppedLeading() {
	wasLeader := e.isLeader.Load()
	e.setLeader(false)
	if !wasLeader {
		return
	}
	e.logger.Info("Lost leadership, shutting down")
	e.stop()
}

func (e *Elector) setLeader(leading bool) {
	e.isLeader.Store(leading)
	if leading {
		middleware.LeaderStatus.Set(1)
	} else {
		middleware.LeaderStatus.Set(0)
	}
}

// terminateSelf sends SIGTERM to this process to trigger graceful shutdown
func terminateSelf() {
	process, _ := os.FindProcess(os.Getpid())
	if process != nil {
		_ = process.Signal(syscall.SIGTERM)
	}
}

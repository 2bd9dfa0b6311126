package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"provisioning-api-go/internal/api"
	"provisioning-api-go/internal/api/handlers"
	"provisioning-api-go/internal/config"
	"provisioning-api-go/internal/datastore"
	"provisioning-api-go/internal/datastore/postgres"
	redisstore "provisioning-api-go/internal/datastore/redis"
	"provisioning-api-go/internal/k8s"
	"provisioning-api-go/internal/leader"
	"provisioning-api-go/internal/lifecycle"
	"provisioning-api-go/internal/portpool"
	"provisioning-api-go/internal/provisioner"
	"provisioning-api-go/internal/redisclient"
)

func main() {
	// Create root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := setupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting Provisioner",
		zap.String("version", cfg.AppVersion),
		zap.String("pod_name", cfg.PodName),
		zap.String("namespace", cfg.Namespace),
	)

	// Create Kubernetes client
	k8sClient, err := k8s.NewClient(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create Kubernetes client", zap.Error(err))
	}
	if err := k8sClient.Ping(ctx); err != nil {
		logger.Fatal("Failed to reach Kubernetes API server", zap.Error(err))
	}
	logger.Info("Kubernetes client created successfully")

	// Create application store
	repo, err := newRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application store", zap.Error(err))
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("Error closing application store", zap.Error(err))
		}
	}()

	// Create node port pool and provisioning workflow
	pool, err := portpool.New(portpool.Range{Start: cfg.NodePortStart, End: cfg.NodePortEnd})
	if err != nil {
		logger.Fatal("Failed to create node port pool", zap.Error(err))
	}
	workflow := provisioner.NewWorkflow(k8sClient, pool, logger,
		provisioner.WithCredentialSidecarPort(cfg.CredentialSidecarPort),
		provisioner.WithRollbackTimeout(cfg.RequestTimeout),
	)

	manager := lifecycle.NewManager(repo, workflow, lifecycle.Settings{
		Namespace:   cfg.Namespace,
		IngressHost: cfg.IngressHost,
		ClusterIP:   cfg.ClusterIP,
	}, logger, lifecycle.WithClusterNodePorts(k8sClient))

	// Seed the pool once this replica leads. Without election this returns
	// after seeding; serving must not start on an unseeded pool.
	elector := leader.NewElector(k8sClient.Clientset(), manager, cfg, logger)
	if !cfg.LeaderElectionEnabled {
		if err := elector.Run(ctx); err != nil {
			logger.Fatal("Failed to seed node port pool", zap.Error(err))
		}
	}

	router := api.NewRouter(manager, pool, elector, map[string]handlers.Pinger{
		"store":      repo,
		"kubernetes": k8sClient,
	}, cfg, logger)

	// Start HTTP server
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start metrics server (if different port) with a separate minimal mux
	var metricsServer *http.Server
	if cfg.MetricsPort != cfg.HTTPPort {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
	} else {
		router.Handle("/metrics", promhttp.Handler())
	}

	// Start health check goroutine
	go runHealthChecks(ctx, repo, logger)

	// Start leader election if enabled
	if cfg.LeaderElectionEnabled {
		go func() {
			logger.Info("Starting leader election for the node port pool")
			if err := elector.Run(ctx); err != nil {
				logger.Error("Leader election stopped with error", zap.Error(err))
			}
		}()
	}

	// Setup graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Start servers in goroutines
	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	if metricsServer != nil {
		go func() {
			logger.Info("Starting metrics server", zap.String("port", cfg.MetricsPort))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Provisioner started successfully",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("metrics_port", cfg.MetricsPort),
		zap.String("store", cfg.StoreBackend),
		zap.Int("node_ports", cfg.NodePortCapacity()),
		zap.Bool("leader_election", cfg.LeaderElectionEnabled),
	)

	// Wait for shutdown signal
	<-quit
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	// Drain in-flight provisioning before releasing the lease
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		logger.Info("HTTP server shut down gracefully")
	}

	// Cancel root context to stop background processes
	cancel()

	// Shutdown metrics server if running
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	logger.Info("Provisioner shutdown complete")
}

func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)

	if cfg.LogFormat == "console" {
		config.Encoding = "console"
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	return config.Build()
}

// newRepository opens the configured application store
func newRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (datastore.Repository, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		client, err := postgres.NewClient(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := client.Migrate(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("migrate postgres schema: %w", err)
		}
		logger.Info("Connected to Postgres")
		return postgres.NewRepository(client, logger), nil

	default:
		client, err := redisclient.NewClient(cfg)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("Connected to Redis")
		return redisstore.NewRepository(client, logger), nil
	}
}

func runHealthChecks(ctx context.Context, repo datastore.Repository, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repo.Ping(ctx); err != nil {
				logger.Warn("Application store health check failed", zap.Error(err))
			}
		}
	}
}

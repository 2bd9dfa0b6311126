package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"provisioning-api-go/internal/api/handlers"
	"provisioning-api-go/internal/api/middleware"
	"provisioning-api-go/internal/config"
	"provisioning-api-go/internal/lifecycle"
	"provisioning-api-go/internal/models"
)

// NewRouter creates a new Chi router with all routes and middleware configured.
// leader may be nil, in which case this instance always provisions.
func NewRouter(
	manager lifecycle.Interface,
	pool handlers.PoolInspector,
	leader handlers.LeaderChecker,
	checks map[string]handlers.Pinger,
	cfg *config.Config,
	logger *zap.Logger,
) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Apply middleware stack
	r.Use(middleware.Recovery(logger))
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)
	if cfg.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	}

	// Initialize handlers
	appsHandler := handlers.NewApplicationsHandler(manager, logger)
	poolHandler := handlers.NewPoolHandler(pool, leader)
	healthHandler := handlers.NewHealthHandler(checks, logger)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health and readiness endpoints
		r.Get("/health", healthHandler.HandleHealth)
		r.Get("/ready", healthHandler.HandleReady)

		// Pool status endpoint
		r.Get("/pool", poolHandler.Handle)

		// Application endpoints
		r.Route("/applications", func(r chi.Router) {
			r.Use(handlers.RequireOwner)

			r.Post("/", appsHandler.Create)
			r.Get("/", appsHandler.List)
			r.Get("/{id}", appsHandler.Get)
			r.Get("/{id}/agent-env", appsHandler.AgentEnv)

			// Provisioning touches the port pool, which only the leader owns
			r.Group(func(r chi.Router) {
				r.Use(requireLeader(leader))
				r.Post("/{id}/activate", appsHandler.Activate)
				r.Post("/{id}/terminate", appsHandler.Terminate)
			})
		})
	})

	return r
}

// requireLeader answers 503 while this instance does not own the port pool
func requireLeader(leader handlers.LeaderChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if leader != nil && !leader.IsLeader() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "not the leader, retry against the leader replica"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

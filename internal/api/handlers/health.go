package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"provisioning-api-go/internal/models"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health and readiness checks
type HealthHandler struct {
	checks map[string]Pinger
	logger *zap.Logger
}

// NewHealthHandler creates a new health handler over the named dependencies
func NewHealthHandler(checks map[string]Pinger, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		checks: checks,
		logger: logger,
	}
}

// HandleHealth handles GET /api/v1/health (liveness probe).
// Liveness never depends on the store or the API server.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, models.HealthResponse{Status: "ok"})
}

// HandleReady handles GET /api/v1/ready (readiness probe)
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var failed []string
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Error("readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		respondWithError(w, http.StatusServiceUnavailable, "service unavailable", failed...)
		return
	}

	respondWithJSON(w, http.StatusOK, models.HealthResponse{Status: "ready"})
}

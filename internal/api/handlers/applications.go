package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"provisioning-api-go/internal/api/middleware"
	"provisioning-api-go/internal/lifecycle"
	"provisioning-api-go/internal/models"
)

// ApplicationsHandler serves the application lifecycle routes
type ApplicationsHandler struct {
	manager lifecycle.Interface
	logger  *zap.Logger
}

// NewApplicationsHandler creates a new applications handler
func NewApplicationsHandler(manager lifecycle.Interface, logger *zap.Logger) *ApplicationsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApplicationsHandler{
		manager: manager,
		logger:  logger,
	}
}

// RequireOwner rejects requests without an owner header
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(middleware.OwnerHeader) == "" {
			respondWithError(w, http.StatusUnauthorized, middleware.OwnerHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Create handles POST /api/v1/applications
func (h *ApplicationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode register request", zap.Error(err))
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	app, err := h.manager.Register(r.Context(), owner(r), req)
	if err != nil {
		h.logger.Warn("register failed", zap.String("owner", owner(r)), zap.Error(err))
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, app)
}

// List handles GET /api/v1/applications?owner=
func (h *ApplicationsHandler) List(w http.ResponseWriter, r *http.Request) {
	who := owner(r)
	if q := r.URL.Query().Get("owner"); q != "" && q != who {
		respondWithError(w, http.StatusForbidden, "cannot list applications of another owner")
		return
	}

	apps, err := h.manager.List(r.Context(), who)
	if err != nil {
		h.logger.Error("list failed", zap.String("owner", who), zap.Error(err))
		respondWithErr(w, err)
		return
	}
	if apps == nil {
		apps = []*models.Application{}
	}
	respondWithJSON(w, http.StatusOK, apps)
}

// Get handles GET /api/v1/applications/{id}
func (h *ApplicationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := applicationID(w, r)
	if !ok {
		return
	}

	app, err := h.manager.Get(r.Context(), id, owner(r))
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, app)
}

// Activate handles POST /api/v1/applications/{id}/activate
func (h *ApplicationsHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, ok := applicationID(w, r)
	if !ok {
		return
	}

	result, err := h.manager.Activate(r.Context(), id, owner(r))
	if err != nil {
		h.logger.Error("activation failed",
			zap.Int64("id", id),
			zap.String("owner", owner(r)),
			zap.Error(err))
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// Terminate handles POST /api/v1/applications/{id}/terminate
func (h *ApplicationsHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	id, ok := applicationID(w, r)
	if !ok {
		return
	}

	result, err := h.manager.Terminate(r.Context(), id, owner(r))
	if err != nil {
		h.logger.Error("termination failed",
			zap.Int64("id", id),
			zap.String("owner", owner(r)),
			zap.Error(err))
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// AgentEnv handles GET /api/v1/applications/{id}/agent-env and returns the
// env list file for the client-side agent
func (h *ApplicationsHandler) AgentEnv(w http.ResponseWriter, r *http.Request) {
	id, ok := applicationID(w, r)
	if !ok {
		return
	}

	env, err := h.manager.AgentEnv(r.Context(), id, owner(r))
	if err != nil {
		respondWithErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="env.list"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(env))
}

func owner(r *http.Request) string {
	return r.Header.Get(middleware.OwnerHeader)
}

func applicationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid application id")
		return 0, false
	}
	return id, true
}

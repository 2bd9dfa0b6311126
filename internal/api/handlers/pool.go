package handlers

import (
	"net/http"

	"provisioning-api-go/internal/models"
	"provisioning-api-go/internal/portpool"
)

// LeaderChecker provides leader election status
type LeaderChecker interface {
	IsLeader() bool
}

// PoolInspector is the read-only view of the node port pool
type PoolInspector interface {
	Range() portpool.Range
	Available() int
	InUse() []int
}

// PoolHandler reports node port pool usage
type PoolHandler struct {
	pool   PoolInspector
	leader LeaderChecker
}

// NewPoolHandler creates a new pool handler
func NewPoolHandler(pool PoolInspector, leader LeaderChecker) *PoolHandler {
	return &PoolHandler{pool: pool, leader: leader}
}

// Handle handles GET /api/v1/pool
func (h *PoolHandler) Handle(w http.ResponseWriter, r *http.Request) {
	rng := h.pool.Range()
	inUse := h.pool.InUse()
	if inUse == nil {
		inUse = []int{}
	}

	respondWithJSON(w, http.StatusOK, models.PoolStatusResponse{
		Start:     rng.Start,
		End:       rng.End,
		Capacity:  rng.Capacity(),
		Available: h.pool.Available(),
		InUse:     inUse,
		IsLeader:  h.leader == nil || h.leader.IsLeader(),
	})
}

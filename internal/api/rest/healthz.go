package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthzHandler handles health check endpoints
type HealthzHandler struct {
	db      Pinger
	cluster Pinger
}

// NewHealthzHandler creates a new healthz handler. cluster may be nil.
func NewHealthzHandler(db, cluster Pinger) *HealthzHandler {
	return &HealthzHandler{db: db, cluster: cluster}
}

func SetupHealthRoutes(router *mux.Router, h *HealthzHandler) {
	router.HandleFunc("/healthz/live", h.Live).Methods("GET")
	router.HandleFunc("/healthz/ready", h.Ready).Methods("GET")
}

// Live handles GET /healthz/live - liveness probe (process is alive)
func (h *HealthzHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /healthz/ready - readiness probe (database and API server reachable)
func (h *HealthzHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"reason": "database_unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	if h.cluster != nil {
		if err := h.cluster.Ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"reason": "cluster_unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

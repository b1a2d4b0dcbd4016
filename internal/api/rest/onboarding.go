package rest

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/logger"
	"github.com/kubilitics/team-onboarding/internal/service"
)

// IdempotencyKeyHeader may carry the idempotency key instead of the body field.
const IdempotencyKeyHeader = "Idempotency-Key"

type submitRequest struct {
	CPUQuota       string `json:"cpuQuota"`
	MemoryQuota    string `json:"memoryQuota"`
	MaxPods        int    `json:"maxPods"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SubmitOnboarding handles POST /teams/{teamId}/onboarding. A new request is answered with
// 202 Accepted; the team's existing request (same idempotency key or still active) with 200.
func (h *Handler) SubmitOnboarding(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decodeBody(r, &body); err != nil {
		respondInvalid(w, r, "invalid request body: "+err.Error())
		return
	}
	if body.MaxPods < 0 {
		respondInvalid(w, r, "maxPods must not be negative")
		return
	}
	key := strings.TrimSpace(body.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	}
	teamID := mux.Vars(r)["teamId"]
	req, created, err := h.svc.Submit(r.Context(), service.SubmitInput{
		TeamID:         teamID,
		Actor:          logger.ActorFromContext(r.Context()),
		IdempotencyKey: key,
		Overrides: models.QuotaOverrides{
			CPUQuota:    body.CPUQuota,
			MemoryQuota: body.MemoryQuota,
			MaxPods:     body.MaxPods,
		},
	})
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/teams/"+teamID+"/onboarding/"+req.ID)
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	respondJSON(w, status, req)
}

func (h *Handler) ListOnboarding(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.svc.ListRequests(r.Context(), mux.Vars(r)["teamId"])
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	if reqs == nil {
		reqs = []*models.OnboardingRequest{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

func (h *Handler) GetOnboarding(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req, err := h.svc.Get(r.Context(), vars["teamId"], vars["requestId"])
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (h *Handler) RetryOnboarding(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req, err := h.svc.Retry(r.Context(), vars["teamId"], vars["requestId"], logger.ActorFromContext(r.Context()))
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, req)
}

// CancelOnboarding handles POST .../cancel. Rollback runs asynchronously; a request that is
// already rolled back is returned with 200.
func (h *Handler) CancelOnboarding(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	req, err := h.svc.Cancel(r.Context(), vars["teamId"], vars["requestId"], logger.ActorFromContext(r.Context()))
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	status := http.StatusAccepted
	if req.Status == models.StatusRolledBack {
		status = http.StatusOK
	}
	respondJSON(w, status, req)
}

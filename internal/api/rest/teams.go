package rest

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/team-onboarding/internal/models"
)

type teamRequest struct {
	DisplayName   string `json:"displayName"`
	OwnerIdentity string `json:"ownerIdentity"`
}

// PutTeam handles PUT /teams/{teamId}: registers the team (201) or updates its display name (200).
func (h *Handler) PutTeam(w http.ResponseWriter, r *http.Request) {
	var body teamRequest
	if err := decodeBody(r, &body); err != nil {
		respondInvalid(w, r, "invalid request body: "+err.Error())
		return
	}
	team, created, err := h.svc.RegisterTeam(r.Context(), models.Team{
		ID:            mux.Vars(r)["teamId"],
		DisplayName:   body.DisplayName,
		OwnerIdentity: body.OwnerIdentity,
	})
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, team)
}

func (h *Handler) GetTeam(w http.ResponseWriter, r *http.Request) {
	team, err := h.svc.GetTeam(r.Context(), mux.Vars(r)["teamId"])
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, team)
}

// ListGrants handles GET /teams/{teamId}/grants, including revoked grants.
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.svc.ListGrants(r.Context(), mux.Vars(r)["teamId"])
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	if grants == nil {
		grants = []*models.PermissionGrant{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}

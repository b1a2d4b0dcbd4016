// Package rest exposes team registration, onboarding workflows, grants and the audit log over HTTP.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubilitics/team-onboarding/internal/audit"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/service"
)

// AuditReader is the query side of the audit log.
type AuditReader interface {
	Page(ctx context.Context, filter models.AuditFilter, afterSeq int64, limit int) ([]*models.AuditEntry, int64, error)
	Verify(ctx context.Context) (audit.VerifyResult, error)
}

type Handler struct {
	svc    service.OnboardingService
	audit  AuditReader
	logger *slog.Logger
}

func NewHandler(svc service.OnboardingService, auditLog AuditReader, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, audit: auditLog, logger: logger}
}

func SetupRoutes(router *mux.Router, h *Handler) {
	router.HandleFunc("/teams/{teamId}", h.PutTeam).Methods("PUT")
	router.HandleFunc("/teams/{teamId}", h.GetTeam).Methods("GET")

	router.HandleFunc("/teams/{teamId}/onboarding", h.SubmitOnboarding).Methods("POST")
	router.HandleFunc("/teams/{teamId}/onboarding", h.ListOnboarding).Methods("GET")
	router.HandleFunc("/teams/{teamId}/onboarding/{requestId}", h.GetOnboarding).Methods("GET")
	router.HandleFunc("/teams/{teamId}/onboarding/{requestId}/retry", h.RetryOnboarding).Methods("POST")
	router.HandleFunc("/teams/{teamId}/onboarding/{requestId}/cancel", h.CancelOnboarding).Methods("POST")

	router.HandleFunc("/teams/{teamId}/grants", h.ListGrants).Methods("GET")
	router.HandleFunc("/teams/{teamId}/audit", h.ListAudit).Methods("GET")
	router.HandleFunc("/audit/verify", h.VerifyAudit).Methods("GET")

	router.HandleFunc("/openapi.json", ServeOpenAPI).Methods("GET")
}

// decodeBody decodes an optional JSON body into dst. An empty body leaves dst unchanged.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

package rest

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kubilitics/team-onboarding/internal/models"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type auditPage struct {
	Entries    []*models.AuditEntry `json:"entries"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListAudit handles GET /teams/{teamId}/audit?since=&until=&limit=&cursor=&format=csv.
// Entries are in sequence order; nextCursor is set when more entries follow.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	teamID := mux.Vars(r)["teamId"]
	q := r.URL.Query()

	since, err := parseTimeParam(r, "since")
	if err != nil {
		respondInvalid(w, r, "since must be an RFC 3339 timestamp")
		return
	}
	until, err := parseTimeParam(r, "until")
	if err != nil {
		respondInvalid(w, r, "until must be an RFC 3339 timestamp")
		return
	}
	if since != nil && until != nil && until.Before(*since) {
		respondInvalid(w, r, "until must not be before since")
		return
	}
	limit := defaultAuditLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			respondInvalid(w, r, "limit must be a positive integer")
			return
		}
		if limit > maxAuditLimit {
			limit = maxAuditLimit
		}
	}
	var cursor int64
	if v := q.Get("cursor"); v != "" {
		if cursor, err = strconv.ParseInt(v, 10, 64); err != nil || cursor < 0 {
			respondInvalid(w, r, "cursor is invalid")
			return
		}
	}
	format := q.Get("format")
	if format != "" && format != "json" && format != "csv" {
		respondInvalid(w, r, "format must be json or csv")
		return
	}

	if _, err := h.svc.GetTeam(r.Context(), teamID); err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	entries, next, err := h.audit.Page(r.Context(), models.AuditFilter{TeamID: teamID, Since: since, Until: until}, cursor, limit)
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	nextCursor := ""
	if next > 0 {
		nextCursor = strconv.FormatInt(next, 10)
	}

	if format == "csv" {
		writeAuditCSV(w, entries, nextCursor)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, auditPage{Entries: entries, NextCursor: nextCursor})
}

func writeAuditCSV(w http.ResponseWriter, entries []*models.AuditEntry, nextCursor string) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	if nextCursor != "" {
		w.Header().Set("X-Next-Cursor", nextCursor)
	}
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"seq", "timestamp", "actor", "action", "team_id", "request_id", "outcome", "details", "hash"})
	for _, e := range entries {
		details, _ := e.Details.Value()
		_ = cw.Write([]string{
			strconv.FormatInt(e.Seq, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.ActorIdentity,
			string(e.Action),
			e.SubjectTeamID,
			e.RequestID,
			string(e.Outcome),
			details.(string),
			e.Hash,
		})
	}
	cw.Flush()
}

// VerifyAudit handles GET /audit/verify. A broken chain is reported with 409.
func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	res, err := h.audit.Verify(r.Context())
	if err != nil {
		respondFault(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	respondJSON(w, status, res)
}

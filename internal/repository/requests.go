package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kubilitics/team-onboarding/internal/models"
)

const requestColumns = `id, idempotency_key, team_id, actor, status, spec, completed_steps, failed_step,
	last_error, last_error_kind, cancel_requested, cancelled_by, attempts, version, created_at, updated_at`

// CreateRequest inserts a new request at version 1. ErrDuplicate means another request
// already holds the team's active slot or the idempotency key.
func (r *SQLRepository) CreateRequest(ctx context.Context, req *models.OnboardingRequest) error {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	req.CreatedAt, req.UpdatedAt = now, now
	req.Version = 1
	if req.CompletedSteps == nil {
		req.CompletedSteps = models.StepList{}
	}
	query := r.rebind(`INSERT INTO onboarding_requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	return instrumentQuery("create_request", func() error {
		_, err := r.db.ExecContext(ctx, query,
			req.ID, req.IdempotencyKey, req.TeamID, req.Actor, req.Status, req.Spec, req.CompletedSteps,
			req.FailedStep, req.LastError, req.LastErrorKind, req.CancelRequested, req.CancelledBy, req.Attempts, req.Version,
			req.CreatedAt, req.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("onboarding request for team %s: %w", req.TeamID, ErrDuplicate)
		}
		return err
	})
}

// activeStatuses is the SQL list of statuses that occupy a team's active slot. The
// values are constants, so they are inlined rather than bound.
var activeStatuses = sqlList(models.NonTerminalStatuses)

func sqlList(statuses []models.RequestStatus) string {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}

func (r *SQLRepository) GetRequest(ctx context.Context, id string) (*models.OnboardingRequest, error) {
	return r.getRequest(ctx, "get_request", `WHERE id = ?`, id)
}

// FindActiveRequest returns the team's non-terminal request, or ErrNotFound.
func (r *SQLRepository) FindActiveRequest(ctx context.Context, teamID string) (*models.OnboardingRequest, error) {
	return r.getRequest(ctx, "find_active_request",
		`WHERE team_id = ? AND status IN (`+activeStatuses+`)`, teamID)
}

func (r *SQLRepository) FindRequestByIdempotencyKey(ctx context.Context, key string) (*models.OnboardingRequest, error) {
	return r.getRequest(ctx, "find_request_by_key", `WHERE idempotency_key = ?`, key)
}

func (r *SQLRepository) getRequest(ctx context.Context, op, where string, arg interface{}) (*models.OnboardingRequest, error) {
	var req models.OnboardingRequest
	query := r.rebind(`SELECT ` + requestColumns + ` FROM onboarding_requests ` + where)
	err := instrumentQuery(op, func() error {
		return r.db.GetContext(ctx, &req, query, arg)
	})
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("onboarding request %v", arg))
	}
	return &req, nil
}

// UpdateRequest writes req if its Version still matches the stored row, then bumps
// req.Version. A mismatch returns ErrStale and leaves req untouched.
func (r *SQLRepository) UpdateRequest(ctx context.Context, req *models.OnboardingRequest) error {
	now := time.Now().UTC()
	query := r.rebind(`
		UPDATE onboarding_requests
		SET status = ?, spec = ?, completed_steps = ?, failed_step = ?, last_error = ?, last_error_kind = ?,
			cancel_requested = ?, cancelled_by = ?, attempts = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`)
	err := instrumentQuery("update_request", func() error {
		res, err := r.db.ExecContext(ctx, query,
			req.Status, req.Spec, req.CompletedSteps, req.FailedStep, req.LastError, req.LastErrorKind,
			req.CancelRequested, req.CancelledBy, req.Attempts, now, req.ID, req.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, getErr := r.GetRequest(ctx, req.ID); getErr != nil {
				return getErr
			}
			return fmt.Errorf("onboarding request %s at version %d: %w", req.ID, req.Version, ErrStale)
		}
		return nil
	})
	if err != nil {
		return err
	}
	req.Version++
	req.UpdatedAt = now
	return nil
}

func (r *SQLRepository) ListRequestsByTeam(ctx context.Context, teamID string) ([]*models.OnboardingRequest, error) {
	var out []*models.OnboardingRequest
	query := r.rebind(`SELECT ` + requestColumns + ` FROM onboarding_requests WHERE team_id = ? ORDER BY created_at DESC`)
	err := instrumentQuery("list_requests", func() error {
		return r.db.SelectContext(ctx, &out, query, teamID)
	})
	return out, err
}

// ListResumableRequests returns requests a drive loop should pick up: in-flight states, and
// failed requests with a pending cancellation whose rollback has not itself failed.
func (r *SQLRepository) ListResumableRequests(ctx context.Context) ([]*models.OnboardingRequest, error) {
	var out []*models.OnboardingRequest
	query := r.rebind(`SELECT ` + requestColumns + ` FROM onboarding_requests
		WHERE status IN ('Pending', 'Provisioning', 'Granting')
		   OR (status = 'Failed' AND cancel_requested = ? AND (failed_step IS NULL OR failed_step <> 'rollback'))
		ORDER BY created_at ASC`)
	err := instrumentQuery("list_resumable_requests", func() error {
		return r.db.SelectContext(ctx, &out, query, true)
	})
	return out, err
}

// CountStaleRequests counts non-terminal requests not updated since updatedBefore.
func (r *SQLRepository) CountStaleRequests(ctx context.Context, updatedBefore time.Time) (int, error) {
	var n int
	query := r.rebind(`SELECT COUNT(*) FROM onboarding_requests
		WHERE status IN (` + activeStatuses + `) AND updated_at < ?`)
	err := instrumentQuery("count_stale_requests", func() error {
		return r.db.GetContext(ctx, &n, query, updatedBefore.UTC())
	})
	return n, err
}

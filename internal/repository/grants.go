package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kubilitics/team-onboarding/internal/models"
)

const grantColumns = `id, request_id, team_id, namespace_name, role_name, cluster_role, binding_name,
	subjects, subjects_key, granted_at, revoked_at`

// CreateGrant records an active grant. ErrDuplicate means an identical active grant exists.
func (r *SQLRepository) CreateGrant(ctx context.Context, g *models.PermissionGrant) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	g.SubjectsKey = g.Subjects.Key()
	query := r.rebind(`INSERT INTO permission_grants (` + grantColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	return instrumentQuery("create_grant", func() error {
		_, err := r.db.ExecContext(ctx, query, g.ID, g.RequestID, g.TeamID, g.NamespaceName, g.RoleName,
			g.ClusterRole, g.BindingName, g.Subjects, g.SubjectsKey, g.GrantedAt, g.RevokedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("grant %s/%s: %w", g.NamespaceName, g.RoleName, ErrDuplicate)
		}
		return err
	})
}

func (r *SQLRepository) GetGrant(ctx context.Context, id string) (*models.PermissionGrant, error) {
	var g models.PermissionGrant
	query := r.rebind(`SELECT ` + grantColumns + ` FROM permission_grants WHERE id = ?`)
	err := instrumentQuery("get_grant", func() error {
		return r.db.GetContext(ctx, &g, query, id)
	})
	if err != nil {
		return nil, notFound(err, "grant "+id)
	}
	return &g, nil
}

func (r *SQLRepository) FindActiveGrant(ctx context.Context, namespace, role, subjectsKey string) (*models.PermissionGrant, error) {
	var g models.PermissionGrant
	query := r.rebind(`SELECT ` + grantColumns + ` FROM permission_grants
		WHERE namespace_name = ? AND role_name = ? AND subjects_key = ? AND revoked_at IS NULL`)
	err := instrumentQuery("find_active_grant", func() error {
		return r.db.GetContext(ctx, &g, query, namespace, role, subjectsKey)
	})
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("active grant %s/%s", namespace, role))
	}
	return &g, nil
}

// RevokeGrant sets revoked_at once. It reports false when the grant was already revoked.
func (r *SQLRepository) RevokeGrant(ctx context.Context, id string, at time.Time) (bool, error) {
	var revoked bool
	query := r.rebind(`UPDATE permission_grants SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`)
	err := instrumentQuery("revoke_grant", func() error {
		res, err := r.db.ExecContext(ctx, query, at.UTC(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		revoked = n > 0
		return err
	})
	return revoked, err
}

func (r *SQLRepository) ListGrantsByTeam(ctx context.Context, teamID string) ([]*models.PermissionGrant, error) {
	var out []*models.PermissionGrant
	query := r.rebind(`SELECT ` + grantColumns + ` FROM permission_grants WHERE team_id = ? ORDER BY granted_at ASC`)
	err := instrumentQuery("list_grants", func() error {
		return r.db.SelectContext(ctx, &out, query, teamID)
	})
	return out, err
}

func (r *SQLRepository) ListActiveGrantsByRequest(ctx context.Context, requestID string) ([]*models.PermissionGrant, error) {
	var out []*models.PermissionGrant
	query := r.rebind(`SELECT ` + grantColumns + ` FROM permission_grants
		WHERE request_id = ? AND revoked_at IS NULL ORDER BY granted_at ASC`)
	err := instrumentQuery("list_request_grants", func() error {
		return r.db.SelectContext(ctx, &out, query, requestID)
	})
	return out, err
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/kubilitics/team-onboarding/internal/models"
)

func (r *SQLRepository) CreateTeam(ctx context.Context, team *models.Team) error {
	now := time.Now().UTC()
	if team.CreatedAt.IsZero() {
		team.CreatedAt = now
	}
	team.UpdatedAt = now
	query := r.rebind(`
		INSERT INTO teams (id, display_name, owner_identity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	return instrumentQuery("create_team", func() error {
		_, err := r.db.ExecContext(ctx, query, team.ID, team.DisplayName, team.OwnerIdentity, team.CreatedAt, team.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("team %s: %w", team.ID, ErrDuplicate)
		}
		return err
	})
}

func (r *SQLRepository) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	var team models.Team
	query := r.rebind(`SELECT id, display_name, owner_identity, created_at, updated_at FROM teams WHERE id = ?`)
	err := instrumentQuery("get_team", func() error {
		return r.db.GetContext(ctx, &team, query, id)
	})
	if err != nil {
		return nil, notFound(err, "team "+id)
	}
	return &team, nil
}

// UpdateTeam changes the mutable fields of a team (display name only).
func (r *SQLRepository) UpdateTeam(ctx context.Context, team *models.Team) error {
	team.UpdatedAt = time.Now().UTC()
	query := r.rebind(`UPDATE teams SET display_name = ?, updated_at = ? WHERE id = ?`)
	return instrumentQuery("update_team", func() error {
		res, err := r.db.ExecContext(ctx, query, team.DisplayName, team.UpdatedAt, team.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("team %s: %w", team.ID, ErrNotFound)
		}
		return nil
	})
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kubilitics/team-onboarding/internal/models"
)

const auditColumns = `id, seq, timestamp, actor_identity, action, subject_team_id, request_id, details,
	outcome, prev_hash, hash`

const maxAppendAttempts = 5

// AppendAudit reads the chain head and inserts the entry produced by seal in one
// transaction. Two writers racing for the same seq collide on its unique index; the
// loser re-reads the head and tries again.
func (r *SQLRepository) AppendAudit(ctx context.Context, seal SealFunc) (*models.AuditEntry, error) {
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		entry, err := r.appendOnce(ctx, seal)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("append audit entry after %d attempts: %w", maxAppendAttempts, lastErr)
}

func (r *SQLRepository) appendOnce(ctx context.Context, seal SealFunc) (*models.AuditEntry, error) {
	var entry *models.AuditEntry
	err := instrumentQuery("append_audit", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var head struct {
			Seq  int64  `db:"seq"`
			Hash string `db:"hash"`
		}
		err = tx.GetContext(ctx, &head, `SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1`)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read audit head: %w", err)
		}

		entry, err = seal(head.Seq+1, head.Hash)
		if err != nil {
			return err
		}
		query := tx.Rebind(`INSERT INTO audit_log (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = tx.ExecContext(ctx, query, entry.ID, entry.Seq, entry.Timestamp, entry.ActorIdentity,
			entry.Action, entry.SubjectTeamID, entry.RequestID, entry.Details, entry.Outcome, entry.PrevHash, entry.Hash)
		if isUniqueViolation(err) {
			return fmt.Errorf("audit seq %d: %w", entry.Seq, ErrDuplicate)
		}
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListAudit returns up to limit entries matching filter with seq > afterSeq, ascending.
func (r *SQLRepository) ListAudit(ctx context.Context, filter models.AuditFilter, afterSeq int64, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	where := []string{"seq > ?"}
	args := []interface{}{afterSeq}
	if filter.TeamID != "" {
		where = append(where, "subject_team_id = ?")
		args = append(args, filter.TeamID)
	}
	if filter.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, filter.RequestID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	if filter.Until != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, filter.Until.UTC())
	}
	args = append(args, limit)
	query := r.rebind(`SELECT ` + auditColumns + ` FROM audit_log WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY seq ASC LIMIT ?`)

	var out []*models.AuditEntry
	err := instrumentQuery("list_audit", func() error {
		return r.db.SelectContext(ctx, &out, query, args...)
	})
	return out, err
}

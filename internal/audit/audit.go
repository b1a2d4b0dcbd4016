// Package audit is the append-only, hash-chained record of every provisioning action.
// Record returns only after the entry is durable; each entry is then mirrored as one
// JSON line on the audit log stream.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	"github.com/kubilitics/team-onboarding/internal/pkg/metrics"
	"github.com/kubilitics/team-onboarding/internal/repository"
)

const queryPageSize = 200

// Log records and reads audit entries.
type Log struct {
	store  repository.AuditRepository
	stream *slog.Logger
	now    func() time.Time
}

// New returns a Log over store. stream receives the JSON mirror of each durable entry;
// nil writes to stderr.
func New(store repository.AuditRepository, stream *slog.Logger) *Log {
	if stream == nil {
		stream = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Log{store: store, stream: stream, now: time.Now}
}

// Record appends entry durably. ID, Seq, Timestamp, PrevHash and Hash are assigned here.
// Any failure is an AuditWriteFailure; nothing is silently dropped.
func (l *Log) Record(ctx context.Context, entry models.AuditEntry) (*models.AuditEntry, error) {
	if entry.ActorIdentity == "" {
		entry.ActorIdentity = "system"
	}
	if entry.Outcome == "" {
		entry.Outcome = models.OutcomeSuccess
	}

	// Stamped inside seal, after the head is read, so a writer that loses the race for
	// seq is re-stamped and timestamps follow seq order.
	stored, err := l.store.AppendAudit(ctx, func(seq int64, prevHash string) (*models.AuditEntry, error) {
		e := entry
		e.ID = uuid.New().String()
		e.Seq = seq
		e.Timestamp = l.now().UTC().Truncate(time.Microsecond)
		e.PrevHash = prevHash
		h, err := Hash(&e)
		if err != nil {
			return nil, err
		}
		e.Hash = h
		return &e, nil
	})
	if err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		return nil, fault.AuditWrite("audit.record", fmt.Errorf("%s for team %s: %w", entry.Action, entry.SubjectTeamID, err))
	}
	l.mirror(stored)
	return stored, nil
}

func (l *Log) mirror(e *models.AuditEntry) {
	l.stream.Info("audit",
		"seq", e.Seq,
		"time", e.Timestamp.Format(time.RFC3339Nano),
		"actor", e.ActorIdentity,
		"action", string(e.Action),
		"team_id", e.SubjectTeamID,
		"request_id", e.RequestID,
		"outcome", string(e.Outcome),
		"details", map[string]string(e.Details),
		"hash", e.Hash,
	)
}

// Hash computes the chain hash of e over its prevHash and content fields.
func Hash(e *models.AuditEntry) (string, error) {
	details := e.Details
	if details == nil {
		details = models.AuditDetails{}
	}
	// json.Marshal sorts map keys, so the encoding is stable across stores.
	detailJSON, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode audit details: %w", err)
	}
	h := sha256.New()
	for _, part := range []string{
		e.PrevHash,
		strconv.FormatInt(e.Seq, 10),
		e.Timestamp.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		e.ActorIdentity,
		string(e.Action),
		e.SubjectTeamID,
		e.RequestID,
		string(detailJSON),
		string(e.Outcome),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Query yields entries for teamID between since and until (either may be nil), in
// ascending order. The sequence can be ranged over more than once; each pass re-reads
// the store page by page.
func (l *Log) Query(ctx context.Context, teamID string, since, until *time.Time) iter.Seq2[models.AuditEntry, error] {
	filter := models.AuditFilter{TeamID: teamID, Since: since, Until: until}
	return l.Entries(ctx, filter)
}

// Entries yields every entry matching filter in ascending seq order.
func (l *Log) Entries(ctx context.Context, filter models.AuditFilter) iter.Seq2[models.AuditEntry, error] {
	return func(yield func(models.AuditEntry, error) bool) {
		var after int64
		for {
			page, err := l.store.ListAudit(ctx, filter, after, queryPageSize)
			if err != nil {
				yield(models.AuditEntry{}, fmt.Errorf("query audit log: %w", err))
				return
			}
			for _, e := range page {
				if !yield(*e, nil) {
					return
				}
				after = e.Seq
			}
			if len(page) < queryPageSize {
				return
			}
		}
	}
}

// Page returns at most limit entries after the cursor afterSeq, and the cursor for the
// next page (0 when there are no more entries).
func (l *Log) Page(ctx context.Context, filter models.AuditFilter, afterSeq int64, limit int) ([]*models.AuditEntry, int64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	// Read one extra row to know whether another page exists.
	entries, err := l.store.ListAudit(ctx, filter, afterSeq, limit+1)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit log: %w", err)
	}
	var next int64
	if len(entries) > limit {
		entries = entries[:limit]
		next = entries[limit-1].Seq
	}
	return entries, next, nil
}

// VerifyResult summarizes a chain verification.
type VerifyResult struct {
	Entries  int64  `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Verify walks the whole chain and reports the first entry whose hash, link or sequence
// does not match.
func (l *Log) Verify(ctx context.Context) (VerifyResult, error) {
	res := VerifyResult{Valid: true}
	var prevHash string
	var prevSeq int64
	for e, err := range l.Entries(ctx, models.AuditFilter{}) {
		if err != nil {
			return res, err
		}
		res.Entries++
		reason := ""
		switch {
		case e.Seq != prevSeq+1:
			reason = fmt.Sprintf("sequence gap: expected %d, found %d", prevSeq+1, e.Seq)
		case e.PrevHash != prevHash:
			reason = "previous hash does not match the preceding entry"
		default:
			want, err := Hash(&e)
			if err != nil {
				return res, err
			}
			if want != e.Hash {
				reason = "entry content does not match its hash"
			}
		}
		if reason != "" {
			res.Valid = false
			res.BrokenAt = e.Seq
			res.Reason = reason
			return res, nil
		}
		prevHash, prevSeq = e.Hash, e.Seq
	}
	return res, nil
}

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	"github.com/kubilitics/team-onboarding/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLog(t *testing.T) (*Log, *repository.SQLRepository, *bytes.Buffer) {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(context.Background(), nil))
	t.Cleanup(func() { repo.Close() })
	var buf bytes.Buffer
	stream := slog.New(slog.NewJSONHandler(&buf, nil))
	return New(repo, stream), repo, &buf
}

func record(t *testing.T, l *Log, team string, action models.AuditAction) *models.AuditEntry {
	t.Helper()
	e, err := l.Record(context.Background(), models.AuditEntry{
		ActorIdentity: "alice",
		Action:        action,
		SubjectTeamID: team,
		RequestID:     "req-" + team,
		Details:       models.AuditDetails{"namespace": team},
	})
	require.NoError(t, err)
	return e
}

func TestRecord_ChainsAndMirrors(t *testing.T) {
	l, _, buf := setupLog(t)

	first := record(t, l, "payments", models.ActionNamespaceCreated)
	second := record(t, l, "payments", models.ActionQuotaApplied)

	assert.Equal(t, int64(1), first.Seq)
	assert.Empty(t, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, models.OutcomeSuccess, second.Outcome)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[1], &line))
	assert.Equal(t, "QuotaApplied", line["action"])
	assert.Equal(t, "payments", line["team_id"])
}

func TestQuery_FiltersAndIsRestartable(t *testing.T) {
	l, _, _ := setupLog(t)
	start := time.Now().Add(-time.Second)
	record(t, l, "payments", models.ActionNamespaceCreated)
	record(t, l, "search", models.ActionNamespaceCreated)
	record(t, l, "payments", models.ActionPermissionGranted)

	seq := l.Query(context.Background(), "payments", &start, nil)
	for pass := 0; pass < 2; pass++ {
		var actions []models.AuditAction
		for e, err := range seq {
			require.NoError(t, err)
			actions = append(actions, e.Action)
		}
		assert.Equal(t, []models.AuditAction{models.ActionNamespaceCreated, models.ActionPermissionGranted}, actions)
	}

	past := start.Add(-time.Hour)
	count := 0
	for _, err := range l.Query(context.Background(), "payments", nil, &past) {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count)
}

func TestPage_Cursor(t *testing.T) {
	l, _, _ := setupLog(t)
	for i := 0; i < 5; i++ {
		record(t, l, "payments", models.ActionQuotaApplied)
	}
	filter := models.AuditFilter{TeamID: "payments"}

	page, next, err := l.Page(context.Background(), filter, 0, 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, int64(2), next)

	page, next, err = l.Page(context.Background(), filter, next, 3)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Zero(t, next, "no further page")
}

func TestVerify_ValidChain(t *testing.T) {
	l, _, _ := setupLog(t)
	for i := 0; i < 3; i++ {
		record(t, l, "payments", models.ActionNamespaceCreated)
	}
	res, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(3), res.Entries)
}

// tamperingStore rewrites one entry on read, as if the row had been edited in place.
type tamperingStore struct {
	repository.AuditRepository
	seq int64
}

func (s tamperingStore) ListAudit(ctx context.Context, f models.AuditFilter, after int64, limit int) ([]*models.AuditEntry, error) {
	out, err := s.AuditRepository.ListAudit(ctx, f, after, limit)
	for _, e := range out {
		if e.Seq == s.seq {
			e.Details["namespace"] = "someone-else"
		}
	}
	return out, err
}

func TestVerify_DetectsTampering(t *testing.T) {
	l, repo, _ := setupLog(t)
	for i := 0; i < 3; i++ {
		record(t, l, "payments", models.ActionNamespaceCreated)
	}
	tampered := New(tamperingStore{AuditRepository: repo, seq: 2}, l.stream)
	res, err := tampered.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, int64(2), res.BrokenAt)
}

type failingStore struct{ repository.AuditRepository }

func (failingStore) AppendAudit(context.Context, repository.SealFunc) (*models.AuditEntry, error) {
	return nil, errors.New("disk I/O error")
}

func TestRecord_FailureIsAuditWriteFailure(t *testing.T) {
	l := New(failingStore{}, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	_, err := l.Record(context.Background(), models.AuditEntry{Action: models.ActionNamespaceCreated, SubjectTeamID: "payments"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindAuditWrite))
}

func TestHash_StableAcrossDetailOrder(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 123456789, time.UTC)
	a := &models.AuditEntry{Seq: 1, Timestamp: ts, Action: models.ActionQuotaApplied,
		Details: models.AuditDetails{"a": "1", "b": "2"}}
	b := &models.AuditEntry{Seq: 1, Timestamp: ts.Truncate(time.Microsecond).In(time.FixedZone("x", 3600)), Action: models.ActionQuotaApplied,
		Details: models.AuditDetails{"b": "2", "a": "1"}}
	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

// collidingStore rejects the first sealed entry as if another writer had taken its seq.
type collidingStore struct {
	repository.AuditRepository
	sealed []*models.AuditEntry
}

func (c *collidingStore) AppendAudit(_ context.Context, seal repository.SealFunc) (*models.AuditEntry, error) {
	for seq := int64(1); seq <= 2; seq++ {
		e, err := seal(seq, "")
		if err != nil {
			return nil, err
		}
		c.sealed = append(c.sealed, e)
	}
	return c.sealed[len(c.sealed)-1], nil
}

func TestRecord_StampsTimestampPerSeal(t *testing.T) {
	store := &collidingStore{}
	l := New(store, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	stored, err := l.Record(context.Background(), models.AuditEntry{Action: models.ActionQuotaApplied, SubjectTeamID: "payments"})
	require.NoError(t, err)
	require.Len(t, store.sealed, 2)
	assert.True(t, store.sealed[1].Timestamp.After(store.sealed[0].Timestamp))
	assert.Equal(t, int64(2), stored.Seq)
	assert.Equal(t, clock, stored.Timestamp)
}

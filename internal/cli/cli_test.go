package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/team-onboarding/internal/audit"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/repository"
)

func writeConfig(t *testing.T, extra string) (path, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "onboarding.db")
	path = filepath.Join(dir, "config.yaml")
	content := "database_path: " + dbPath + "\nlease_backend: memory\nlog_level: error\nnamespace_prefix: team-\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommandWithIO(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRender(t *testing.T) {
	cfgPath, _ := writeConfig(t, "default_cpu_quota: \"2\"\n")

	out, err := run(t, "--config", cfgPath, "render", "payments", "--max-pods", "15")
	require.NoError(t, err)
	docs := strings.Split(out, "---\n")
	require.Len(t, docs, 3)
	assert.Contains(t, docs[0], "name: team-payments")
	assert.Contains(t, docs[1], "pods: \"15\"")
	assert.Contains(t, docs[1], "cpu: \"2\"")
	assert.Contains(t, docs[2], "LimitRange")

	_, err = run(t, "--config", cfgPath, "render", "Not_A_Team")
	assert.Error(t, err)

	_, err = run(t, "--config", cfgPath, "render", "payments", "--memory", "lots")
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	out, err := run(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "00001\tapplied")
}

func TestVerifyAudit(t *testing.T) {
	cfgPath, dbPath := writeConfig(t, "")
	ctx := context.Background()

	repo, err := repository.NewSQLiteRepository(dbPath)
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(ctx, nil))
	log := audit.New(repo, nil)
	for _, action := range []models.AuditAction{models.ActionRequestStarted, models.ActionNamespaceCreated} {
		_, err := log.Record(ctx, models.AuditEntry{ActorIdentity: "alice", Action: action, SubjectTeamID: "payments"})
		require.NoError(t, err)
	}
	require.NoError(t, repo.Close())

	out, err := run(t, "--config", cfgPath, "verify-audit")
	require.NoError(t, err)
	var res audit.VerifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Valid)
	assert.Equal(t, int64(2), res.Entries)
}

func TestInvalidConfig(t *testing.T) {
	cfgPath, _ := writeConfig(t, "lease_backend: zookeeper\n")
	_, err := run(t, "--config", cfgPath, "migrate")
	assert.Error(t, err)
}

package commands

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/datalayer/internal/audit"
	"github.com/conduit-lang/datalayer/internal/orm/revision"
	"github.com/conduit-lang/datalayer/internal/security"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(append(args, "--no-color"))
	err := cmd.Execute()
	return buf.String(), err
}

func sqliteEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datalayer.db")
	t.Setenv("DATALAYER_DATABASE_DRIVER", "sqlite3")
	t.Setenv("DATALAYER_DATABASE_URL", path)
	t.Setenv("DATALAYER_LOG_LEVEL", "error")
	return path
}

func openSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "datalayer", cmd.Use)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	for _, want := range []string{"version", "migrate", "revisions", "logs", "token"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:")
	assert.Contains(t, out, Version)
	assert.Contains(t, out, "Go version:")
}

func TestMigrateLifecycle(t *testing.T) {
	sqliteEnv(t)

	out, err := run(t, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Applied 001_create_revisions")
	assert.Contains(t, out, "✓ Applied 002_create_logs")

	out, err = run(t, "migrate", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending migrations")

	out, err = run(t, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "create_revisions")
	assert.Contains(t, out, "Total: 2 migrations (2 applied, 0 pending)")

	out, err = run(t, "migrate", "down")
	require.NoError(t, err)
	assert.Contains(t, out, "Rolled back 002_create_logs")

	out, err = run(t, "migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 2 migrations (1 applied, 1 pending)")
}

func TestMigrateRequiresURL(t *testing.T) {
	t.Setenv("DATALAYER_DATABASE_DRIVER", "sqlite3")
	t.Setenv("DATALAYER_DATABASE_URL", "")
	_, err := run(t, "migrate", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url is not set")
}

func TestRevisionsCommand(t *testing.T) {
	path := sqliteEnv(t)
	_, err := run(t, "migrate", "up")
	require.NoError(t, err)

	out, err := run(t, "revisions", "project", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "No revisions for project 1")

	old, next := `{"name":"a"}`, `{"name":"b"}`
	user := int64(7)
	require.NoError(t, revision.NewStore(openSQLite(t, path), nil).Record(context.Background(), nil, &revision.Revision{
		OldValue:         &old,
		NewValue:         &next,
		RevisionableType: "project",
		RevisionableID:   1,
		Key:              revision.KeyUpdate,
		UserID:           &user,
		CreatedAt:        time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	}))

	out, err = run(t, "revisions", "project", "1", "--values")
	require.NoError(t, err)
	assert.Contains(t, out, "Revisions of project 1")
	assert.Contains(t, out, "Update Data")
	assert.Contains(t, out, "2024-05-01 09:30:00")
	assert.Contains(t, out, `{"name":"b"}`)

	_, err = run(t, "revisions", "project", "abc")
	assert.Error(t, err)
}

func TestLogsCommandSQL(t *testing.T) {
	path := sqliteEnv(t)
	_, err := run(t, "migrate", "up")
	require.NoError(t, err)

	out, err := run(t, "logs")
	require.NoError(t, err)
	assert.Contains(t, out, "No audit entries")

	sink := audit.NewSQLSink(openSQLite(t, path))
	require.NoError(t, sink.Write(context.Background(), audit.Entry{
		Message:   "project 1 created",
		Severity:  audit.SeverityInfo,
		CreatedAt: time.Now().UTC(),
	}))

	out, err = run(t, "logs", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "project 1 created")
	assert.Contains(t, out, "info")
}

func TestLogsCommandRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("DATALAYER_REDIS_ADDR", mr.Addr())
	t.Setenv("DATALAYER_LOG_LEVEL", "error")

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	user := int64(3)
	require.NoError(t, audit.NewRedisSink(client, "", 0).Write(context.Background(), audit.Entry{
		Message:   "project 2 deleted",
		Severity:  audit.SeverityWarning,
		UserID:    &user,
		CreatedAt: time.Now().UTC(),
	}))

	out, err := run(t, "logs", "--backend", "redis")
	require.NoError(t, err)
	assert.Contains(t, out, "project 2 deleted")
	assert.Contains(t, out, "warning")

	_, err = run(t, "logs", "--backend", "zap")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("DATALAYER_SECURITY_JWT_SECRET", "test-secret")
	t.Setenv("DATALAYER_LOG_LEVEL", "error")

	out, err := run(t, "token", "--user-id", "7", "--email", "ops@example.com", "--timezone", "+02:00", "--permission", "projects.*")
	require.NoError(t, err)

	actor, err := security.NewTokenService("test-secret", time.Hour).ParseToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, int64(7), actor.ID)
	assert.Equal(t, "ops@example.com", actor.Email)
	assert.Equal(t, "+02:00", actor.Timezone)
	assert.True(t, actor.HasAccess("projects.update"))

	_, err = run(t, "token")
	assert.Error(t, err)
}

func TestCategorizeDatabaseError(t *testing.T) {
	err := assert.AnError
	assert.Equal(t, err.Error(), categorizeDatabaseError(err, true))
	assert.Equal(t, "migration failed - use --verbose for details", categorizeDatabaseError(err, false))
}

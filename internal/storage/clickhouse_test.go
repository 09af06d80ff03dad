package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/site-scanner/internal/config"
	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/types"
)

type recordingExecer struct {
	stmts  []string
	failOn int
}

func (r *recordingExecer) Exec(_ context.Context, query string, _ ...interface{}) error {
	r.stmts = append(r.stmts, query)
	if r.failOn > 0 && len(r.stmts) == r.failOn {
		return errors.New("boom")
	}
	return nil
}

func TestSplitSQLStatements(t *testing.T) {
	sql := `-- header comment
CREATE TABLE a (
    x UInt8
) ENGINE = Memory;

-- second
CREATE TABLE b (y UInt8) ENGINE = Memory;
SELECT 1`

	stmts := splitSQLStatements(sql)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.NotContains(t, stmts[0], ";")
	assert.Equal(t, "CREATE TABLE b (y UInt8) ENGINE = Memory", stmts[1])
	assert.Equal(t, "SELECT 1", stmts[2])
}

func TestRunClickHouseMigrations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_b.sql"), []byte("SELECT 2;\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_a.sql"), []byte("SELECT 1;\nSELECT 11;\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o600))

	exec := &recordingExecer{}
	applied, err := RunClickHouseMigrations(context.Background(), exec, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, []string{"SELECT 1", "SELECT 11", "SELECT 2"}, exec.stmts)

	failing := &recordingExecer{failOn: 2}
	applied, err = RunClickHouseMigrations(context.Background(), failing, dir)
	assert.Error(t, err)
	assert.Equal(t, 0, applied)

	_, err = RunClickHouseMigrations(context.Background(), exec, filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestScanEventRepository_Insert(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.ClickHouseConfig{
		Host:     envOr("CLICKHOUSE_HOST", "localhost"),
		Port:     envOr("CLICKHOUSE_PORT", "9000"),
		Database: envOr("CLICKHOUSE_DB", "site_scanner"),
		User:     envOr("CLICKHOUSE_USER", "default"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	}

	ctx := testContext(t)
	db, err := NewClickHouseDB(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	_, err = RunClickHouseMigrations(ctx, db, "../../migrations/clickhouse")
	require.NoError(t, err)

	repo := NewScanEventRepository(db)
	since := time.Now().Add(-time.Minute)
	err = repo.Insert(ctx, models.ScanEvent{
		ScanID:     1,
		UserID:     1,
		SiteID:     1,
		Type:       types.ScanTypePublic,
		Status:     types.ScanStatusDone,
		Pages:      3,
		DurationMs: 1200,
		FinishedAt: time.Now(),
	})
	require.NoError(t, err)

	counts, err := repo.CountByStatus(ctx, since)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[string(types.ScanStatusDone)], uint64(1))
}

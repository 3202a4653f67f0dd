package worker

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/execstatus"
)

func readStatusLog(t *testing.T, path string) []execstatus.ExecStatus {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var out []execstatus.ExecStatus
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		st, err := execstatus.Parse(sc.Bytes())
		require.NoError(t, err)
		out = append(out, st)
	}
	require.NoError(t, sc.Err())
	return out
}

func setupDB(t *testing.T) (dbdriver.Config, *dbdriver.DB) {
	t.Helper()
	cfg := dbdriver.Config{DSN: filepath.Join(t.TempDir(), "app.db")}
	db, err := dbdriver.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, s := range []string{
		`CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)`,
		`INSERT INTO notes (id, body) VALUES (1, 'first'), (2, 'second')`,
	} {
		_, err := db.ExecContext(context.Background(), s)
		require.NoError(t, err)
	}
	return cfg, db
}

func countNotes(t *testing.T, db *dbdriver.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.GetContext(context.Background(), &n, `SELECT COUNT(*) FROM notes`))
	return n
}

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	cfg, db := setupDB(t)
	dir := t.TempDir()
	dest := "file://" + filepath.ToSlash(filepath.Join(dir, "artifacts", "snap.db"))

	backupLog := filepath.Join(dir, "backup.log")
	require.NoError(t, Backup(ctx, Options{Database: cfg, StatusLog: backupLog, TempDir: dir}, dest))

	lines := readStatusLog(t, backupLog)
	require.NotEmpty(t, lines)
	assert.Equal(t, execstatus.KindStart, lines[0].Kind)
	last := lines[len(lines)-1]
	assert.True(t, last.Succeeded())
	assert.True(t, last.Freezed)
	assert.FileExists(t, filepath.Join(dir, "artifacts", "snap.db"))

	_, err := db.ExecContext(ctx, `DELETE FROM notes`)
	require.NoError(t, err)
	require.Zero(t, countNotes(t, db))

	restoreLog := filepath.Join(dir, "restore.log")
	require.NoError(t, Restore(ctx, Options{Database: cfg, StatusLog: restoreLog, TempDir: dir}, dest))
	lines = readStatusLog(t, restoreLog)
	assert.True(t, lines[len(lines)-1].Succeeded())
	assert.Equal(t, 2, countNotes(t, db))

	entries, err := filepath.Glob(filepath.Join(dir, "dbrelay-*.db"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary files are removed")
}

func TestRestore_MissingSourceReportsFailure(t *testing.T) {
	cfg, _ := setupDB(t)
	dir := t.TempDir()
	log := filepath.Join(dir, "status.log")

	err := Restore(context.Background(), Options{Database: cfg, StatusLog: log, TempDir: dir},
		"file://"+filepath.ToSlash(filepath.Join(dir, "missing.db")))
	require.Error(t, err)

	lines := readStatusLog(t, log)
	last := lines[len(lines)-1]
	assert.True(t, last.IsFinish())
	assert.Equal(t, execstatus.StatusFailure, last.Status)
	assert.Equal(t, CodeFailure, last.Code)
	assert.Contains(t, last.Message, "download")
}

func TestBackup_CanceledContext(t *testing.T) {
	cfg, _ := setupDB(t)
	dir := t.TempDir()
	log := filepath.Join(dir, "status.log")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Backup(ctx, Options{Database: cfg, StatusLog: log, TempDir: dir}, "file://"+filepath.ToSlash(filepath.Join(dir, "x.db")))
	require.Error(t, err)

	lines := readStatusLog(t, log)
	last := lines[len(lines)-1]
	assert.Equal(t, execstatus.StatusCanceled, last.Status)
	assert.Equal(t, CodeCanceled, last.Code)
}

func TestBackup_BadStatusLog(t *testing.T) {
	cfg, _ := setupDB(t)
	err := Backup(context.Background(), Options{
		Database:  cfg,
		StatusLog: filepath.Join(t.TempDir(), "missing", "status.log"),
	}, "file:///tmp/x.db")
	assert.Error(t, err)
}

package reliability

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/overrangefutures/engine/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "engine.db"), Profile: database.ProfileStandard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMaintenanceJob_Name(t *testing.T) {
	db := newTestDB(t)
	daily := NewMaintenanceJob(db, t.TempDir(), zerolog.Nop())
	require.Equal(t, "daily_maintenance", daily.Name())

	weekly := NewWeeklyMaintenanceJob(db, t.TempDir(), zerolog.Nop())
	require.Equal(t, "weekly_maintenance", weekly.Name())
}

func TestMaintenanceJob_RunCreatesAndVerifiesBackup(t *testing.T) {
	db := newTestDB(t)
	backupDir := filepath.Join(t.TempDir(), "backups")

	daily := NewMaintenanceJob(db, backupDir, zerolog.Nop())
	require.NoError(t, daily.Run())

	snapshot := filepath.Join(backupDir, time.Now().Format("2006-01-02")+".db")
	require.FileExists(t, snapshot)

	weekly := NewWeeklyMaintenanceJob(db, backupDir, zerolog.Nop())
	require.NoError(t, weekly.Run())
}

func TestMaintenanceJob_RunIsNoopOnBackupWithoutDir(t *testing.T) {
	db := newTestDB(t)
	job := NewMaintenanceJob(db, "", zerolog.Nop())
	require.NoError(t, job.Run())
}

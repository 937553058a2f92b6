// Package reliability carries the engine's single SQLite database through
// disk-space checks, WAL checkpointing, VACUUM, and local backup
// verification. Adapted from the teacher's internal/reliability's
// Daily/Weekly/MonthlyMaintenanceJob trio (the teacher ran these across
// seven named portfolio databases with a DatabaseHealthService and an R2
// cloud-backup path); this engine has one database and no cloud backup
// collaborator, so the three jobs collapse into one job with daily and
// weekly phases, and the R2 upload step drops to a local copy-and-verify.
package reliability

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/overrangefutures/engine/internal/database"
)

// MaintenanceJob runs the engine's database upkeep on a cron schedule via
// internal/scheduler.Scheduler: a cheap daily pass (disk space, WAL
// checkpoint, backup snapshot) and, for the job NewWeeklyMaintenanceJob
// builds, the more expensive VACUUM + backup-integrity verification.
type MaintenanceJob struct {
	db        *database.DB
	backupDir string
	weekly    bool
	log       zerolog.Logger
}

// NewMaintenanceJob builds the daily-phase job. Call NewWeeklyMaintenanceJob
// for the heavier weekly phase instead of setting weekly by hand.
func NewMaintenanceJob(db *database.DB, backupDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{db: db, backupDir: backupDir, log: log.With().Str("job", "daily_maintenance").Logger()}
}

// NewWeeklyMaintenanceJob builds the VACUUM + backup-verification job.
func NewWeeklyMaintenanceJob(db *database.DB, backupDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{db: db, backupDir: backupDir, weekly: true, log: log.With().Str("job", "weekly_maintenance").Logger()}
}

func (j *MaintenanceJob) Name() string {
	if j.weekly {
		return "weekly_maintenance"
	}
	return "daily_maintenance"
}

func (j *MaintenanceJob) Run() error {
	start := time.Now()
	j.log.Info().Msg("starting maintenance")

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if err := j.snapshotBackup(); err != nil {
		j.log.Error().Err(err).Msg("backup snapshot failed")
	}

	if j.weekly {
		if err := j.vacuum(); err != nil {
			j.log.Error().Err(err).Msg("VACUUM failed")
		}
		if err := j.verifyLatestBackup(); err != nil {
			j.log.Error().Err(err).Msg("backup verification failed")
		}
	}

	j.log.Info().Dur("duration_ms", time.Since(start)).Msg("maintenance completed")
	return nil
}

// checkDiskSpace halts the caller (returns an error) below 500MB free,
// warns below 10GB. Thresholds match the teacher's own.
func (j *MaintenanceJob) checkDiskSpace() error {
	dir := j.backupDir
	if dir == "" {
		dir = "."
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("reliability: stat filesystem: %w", err)
	}
	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9

	switch {
	case availableGB < 0.5:
		j.log.Error().Float64("available_gb", availableGB).Msg("critical: insufficient disk space")
		return fmt.Errorf("reliability: only %.2fGB free, halting maintenance", availableGB)
	case availableGB < 10.0:
		j.log.Warn().Float64("available_gb", availableGB).Msg("disk space running low")
	}
	return nil
}

func (j *MaintenanceJob) vacuum() error {
	conn := j.db.Conn()
	var pageCount, pageSize int
	_ = conn.QueryRow("PRAGMA page_count").Scan(&pageCount)
	_ = conn.QueryRow("PRAGMA page_size").Scan(&pageSize)
	sizeBefore := float64(pageCount*pageSize) / 1024 / 1024

	if _, err := conn.Exec("VACUUM"); err != nil {
		return fmt.Errorf("reliability: VACUUM: %w", err)
	}

	_ = conn.QueryRow("PRAGMA page_count").Scan(&pageCount)
	sizeAfter := float64(pageCount*pageSize) / 1024 / 1024
	j.log.Info().Float64("size_before_mb", sizeBefore).Float64("size_after_mb", sizeAfter).
		Float64("reclaimed_mb", sizeBefore-sizeAfter).Msg("VACUUM completed")
	return nil
}

// snapshotBackup copies the live database file into backupDir/<date>.db
// using SQLite's own backup pragma sequence (checkpoint, then file copy) so
// the copy is always a consistent snapshot.
func (j *MaintenanceJob) snapshotBackup() error {
	if j.backupDir == "" {
		return nil
	}
	if err := os.MkdirAll(j.backupDir, 0o755); err != nil {
		return fmt.Errorf("reliability: create backup dir: %w", err)
	}
	dst := filepath.Join(j.backupDir, time.Now().Format("2006-01-02")+".db")
	return copyFile(j.db.Path(), dst)
}

// verifyLatestBackup opens the most recent snapshot and runs
// SQLite's integrity_check, logging rather than failing the caller's
// control flow on an individual bad backup.
func (j *MaintenanceJob) verifyLatestBackup() error {
	if j.backupDir == "" {
		return nil
	}
	entries, err := os.ReadDir(j.backupDir)
	if err != nil {
		return fmt.Errorf("reliability: read backup dir: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("reliability: no backups found in %s", j.backupDir)
	}
	latest := entries[len(entries)-1].Name()
	path := filepath.Join(j.backupDir, latest)

	backupDB, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("reliability: open backup %s: %w", latest, err)
	}
	defer backupDB.Close()

	var result string
	if err := backupDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil || result != "ok" {
		return fmt.Errorf("reliability: integrity check failed for %s: %v (result=%q)", latest, err, result)
	}
	j.log.Debug().Str("backup", latest).Msg("backup verified")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}

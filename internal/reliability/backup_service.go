// Package reliability owns the durability tooling: verified local
// database backups with rotation, and off-site archive uploads to
// S3-compatible storage.
package reliability

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/taovault/taovault/internal/metrics"
)

// localRetentionDays bounds the on-disk daily backup history. Off-site
// retention is governed separately by r2_backup_retention_days.
const localRetentionDays = 30

// BackupService produces point-in-time copies of the SQLite databases
// using VACUUM INTO, verifies each copy, and rotates the local history.
type BackupService struct {
	databases map[string]*sql.DB
	backupDir string
	log       zerolog.Logger
}

// NewBackupService creates the backup service. The map holds every
// database eligible for backup, keyed by its short name.
func NewBackupService(databases map[string]*sql.DB, backupDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases: databases,
		backupDir: backupDir,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// DatabaseNames returns the backup set in stable order. The cache is
// disposable TTL data and is excluded unless asked for.
func (s *BackupService) DatabaseNames(includeCache bool) []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		if !includeCache && name == "cache" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunDailyBackup copies every database except the cache into a dated
// directory, verifies each copy, and rotates old directories. One bad
// database does not stop the others; the error reports the tally.
func (s *BackupService) RunDailyBackup() error {
	started := time.Now()
	dailyDir := filepath.Join(s.backupDir, "daily", started.Format("2006-01-02"))
	if err := os.MkdirAll(dailyDir, 0755); err != nil {
		metrics.BackupRun("failed")
		return fmt.Errorf("failed to create daily backup directory: %w", err)
	}

	names := s.DatabaseNames(false)
	failed := 0
	for _, name := range names {
		backupPath := filepath.Join(dailyDir, name+".db")
		if err := s.BackupDatabase(name, backupPath); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("failed to back up database")
			failed++
			continue
		}
		if err := s.VerifyBackup(backupPath); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("backup verification failed")
			os.Remove(backupPath)
			failed++
		}
	}

	if err := s.rotateDaily(); err != nil {
		// Don't fail the backup over rotation trouble.
		s.log.Warn().Err(err).Msg("failed to rotate daily backups")
	}

	if failed > 0 {
		metrics.BackupRun("failed")
		return fmt.Errorf("%d of %d databases failed to back up", failed, len(names))
	}
	metrics.BackupRun("ok")
	s.log.Info().
		Dur("duration", time.Since(started)).
		Str("backup_dir", dailyDir).
		Int("databases", len(names)).
		Msg("daily backup completed")
	return nil
}

// BackedUpToday reports whether today's daily backup directory exists.
func (s *BackupService) BackedUpToday() bool {
	date := time.Now().Format("2006-01-02")
	info, err := os.Stat(filepath.Join(s.backupDir, "daily", date))
	return err == nil && info.IsDir()
}

// BackupDatabase writes one database to destPath via VACUUM INTO,
// producing a compact copy with no WAL sidecar.
func (s *BackupService) BackupDatabase(name, destPath string) error {
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("database %s not found", name)
	}

	// VACUUM INTO refuses to overwrite an existing file.
	if _, err := os.Stat(destPath); err == nil {
		if err := os.Remove(destPath); err != nil {
			return fmt.Errorf("failed to clear stale backup %s: %w", destPath, err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("VACUUM INTO failed for %s: %w", name, err)
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return fmt.Errorf("failed to stat backup: %w", err)
	}
	s.log.Debug().
		Str("database", name).
		Float64("size_mb", float64(info.Size())/1024/1024).
		Msg("backup created")
	return nil
}

// VerifyBackup opens the copy and runs an integrity check.
func (s *BackupService) VerifyBackup(path string) error {
	backupDB, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer backupDB.Close()

	var result string
	if err := backupDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// rotateDaily deletes dated backup directories past the local
// retention window.
func (s *BackupService) rotateDaily() error {
	dailyDir := filepath.Join(s.backupDir, "daily")
	cutoff := time.Now().AddDate(0, 0, -localRetentionDays)

	entries, err := os.ReadDir(dailyDir)
	if err != nil {
		return fmt.Errorf("failed to read daily backup directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirDate, err := time.Parse("2006-01-02", entry.Name())
		if err != nil {
			s.log.Warn().Str("dir", entry.Name()).Msg("unrecognized backup directory name")
			continue
		}
		if dirDate.Before(cutoff) {
			path := filepath.Join(dailyDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("failed to delete old backup")
			} else {
				s.log.Debug().Str("path", path).Msg("deleted old backup")
			}
		}
	}
	return nil
}

package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/taovault/taovault/internal/modules/settings"
	"github.com/taovault/taovault/internal/version"
)

const (
	archivePrefix  = "taovault-backup-"
	archiveTimeFmt = "2006-01-02-150405"

	// minBackupsKept archives survive rotation regardless of age.
	minBackupsKept = 3
)

// R2BackupService archives the databases and ships them to
// S3-compatible storage. Credentials and the enablement flag live in
// settings, so operators can turn the feature on without a restart.
type R2BackupService struct {
	backups  *BackupService
	settings *settings.Repository
	dataDir  string
	log      zerolog.Logger
}

// BackupMetadata describes the contents of an uploaded archive.
type BackupMetadata struct {
	Timestamp      time.Time          `json:"timestamp"`
	ServiceVersion string             `json:"service_version"`
	Databases      []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database inside an archive.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one archive stored in the bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewR2BackupService creates the cloud backup service.
func NewR2BackupService(backups *BackupService, settingsRepo *settings.Repository, dataDir string, log zerolog.Logger) *R2BackupService {
	return &R2BackupService{
		backups:  backups,
		settings: settingsRepo,
		dataDir:  dataDir,
		log:      log.With().Str("service", "r2_backup").Logger(),
	}
}

// Enabled reports whether cloud backups are switched on and fully
// configured.
func (s *R2BackupService) Enabled() bool {
	enabled, err := s.settings.GetFloat("r2_backup_enabled", 0)
	if err != nil || enabled == 0 {
		return false
	}
	return s.config().Complete()
}

// UploadBackup stages a fresh copy of every database except the cache,
// wraps them with a checksum manifest into a tar.gz archive, and
// uploads it.
func (s *R2BackupService) UploadBackup(ctx context.Context) error {
	started := time.Now()

	client, err := s.newClient(ctx)
	if err != nil {
		return err
	}

	stagingDir := filepath.Join(s.dataDir, "r2-staging")
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	names := s.backups.DatabaseNames(false)
	metadata := BackupMetadata{
		Timestamp:      started.UTC(),
		ServiceVersion: version.Version,
		Databases:      make([]DatabaseMetadata, 0, len(names)),
	}

	archiveFiles := make([]string, 0, len(names)+1)
	for _, name := range names {
		filename := name + ".db"
		dbPath := filepath.Join(stagingDir, filename)

		if err := s.backups.BackupDatabase(name, dbPath); err != nil {
			return fmt.Errorf("failed to stage %s: %w", name, err)
		}
		info, err := os.Stat(dbPath)
		if err != nil {
			return fmt.Errorf("failed to stat staged %s: %w", name, err)
		}
		checksum, err := fileChecksum(dbPath)
		if err != nil {
			return fmt.Errorf("failed to checksum %s: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		archiveFiles = append(archiveFiles, filename)
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("failed to write backup metadata: %w", err)
	}
	archiveFiles = append(archiveFiles, "backup-metadata.json")

	name := archiveName(started)
	archivePath := filepath.Join(stagingDir, name)
	if err := createArchive(archivePath, stagingDir, archiveFiles); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := client.Upload(ctx, name, archiveFile, archiveInfo.Size()); err != nil {
		return err
	}

	s.log.Info().
		Dur("duration", time.Since(started)).
		Str("archive", name).
		Int64("size_mb", archiveInfo.Size()/1024/1024).
		Msg("cloud backup uploaded")
	return nil
}

// ListBackups lists the archives in the bucket, newest first.
func (s *R2BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	client, err := s.newClient(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := client.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list cloud backups: %w", err)
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		ts, ok := parseArchiveTime(*obj.Key)
		if !ok {
			s.log.Warn().Str("key", *obj.Key).Msg("unrecognized archive name in bucket")
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Filename:  *obj.Key,
			Timestamp: ts,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateBackups prunes archives past the retention window, always
// keeping the newest few.
func (s *R2BackupService) RotateBackups(ctx context.Context) error {
	retentionDays, err := s.settings.GetInt("r2_backup_retention_days", 90)
	if err != nil || retentionDays < 0 {
		retentionDays = 90
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}

	stale := rotatable(backups, retentionDays, time.Now())
	if len(stale) == 0 {
		s.log.Debug().Int("count", len(backups)).Msg("no cloud backups to rotate")
		return nil
	}

	client, err := s.newClient(ctx)
	if err != nil {
		return err
	}
	deleted := 0
	for _, backup := range stale {
		if err := client.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("failed to delete old cloud backup")
			continue
		}
		deleted++
	}
	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Int("retention_days", retentionDays).
		Msg("cloud backup rotation finished")
	return nil
}

func (s *R2BackupService) newClient(ctx context.Context) (*R2Client, error) {
	return NewR2Client(ctx, s.config(), s.log)
}

func (s *R2BackupService) config() R2Config {
	get := func(key string) string {
		v, err := s.settings.Get(key)
		if err != nil || v == nil {
			return ""
		}
		return *v
	}
	return R2Config{
		AccountID:       get("r2_account_id"),
		AccessKeyID:     get("r2_access_key_id"),
		SecretAccessKey: get("r2_secret_access_key"),
		Bucket:          get("r2_bucket_name"),
	}
}

// rotatable picks the archives eligible for deletion: everything past
// the retention cutoff, excluding the newest minBackupsKept. Zero
// retention keeps archives forever. Input must be sorted newest first.
func rotatable(backups []BackupInfo, retentionDays int, now time.Time) []BackupInfo {
	if retentionDays == 0 || len(backups) <= minBackupsKept {
		return nil
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	var stale []BackupInfo
	for i, backup := range backups {
		if i < minBackupsKept {
			continue
		}
		if backup.Timestamp.Before(cutoff) {
			stale = append(stale, backup)
		}
	}
	return stale
}

// archiveName builds the bucket key for an archive created at ts.
func archiveName(ts time.Time) string {
	return archivePrefix + ts.Format(archiveTimeFmt) + ".tar.gz"
}

// parseArchiveTime recovers the creation time from a bucket key.
func parseArchiveTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, ".tar.gz") {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), ".tar.gz")
	ts, err := time.Parse(archiveTimeFmt, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// fileChecksum returns the sha256 of a file, prefixed with the scheme.
func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive bundles the named files from sourceDir into a tar.gz
// at archivePath.
func createArchive(archivePath, sourceDir string, filenames []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tarWriter, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}
	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}
	return nil
}

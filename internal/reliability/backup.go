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

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/database"
)

const (
	backupPrefix     = "vigil-backup-"
	backupTimeFormat = "2006-01-02-150405"
	// minBackupsToKeep backups survive rotation regardless of age.
	minBackupsToKeep = 3
	// backupFormatVersion is written into the archive metadata.
	backupFormatVersion = "1"
)

// databaseFiles are the sqlite files snapshotted from the data directory.
// Missing files are skipped, so a fresh deployment still backs up.
var databaseFiles = []string{"state.db", "tasks.db", "prices.db"}

// ObjectStore is the storage surface the backup service requires.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]s3types.Object, error)
	Delete(ctx context.Context, key string) error
}

// Metadata describes the contents of one backup archive.
type Metadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata describes a single file inside a backup archive.
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Info summarizes one backup stored in the bucket.
type Info struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// Service stages the databases and task records, archives them and ships the
// archive to object storage.
type Service struct {
	store         ObjectStore
	dataDir       string
	retentionDays int
	databases     []*database.DB
	log           zerolog.Logger
}

// NewService creates a backup service. The database handles are checkpointed
// before their files are copied, so the snapshots carry the latest writes.
func NewService(store ObjectStore, dataDir string, retentionDays int, databases []*database.DB, log zerolog.Logger) *Service {
	return &Service{
		store:         store,
		dataDir:       dataDir,
		retentionDays: retentionDays,
		databases:     databases,
		log:           log.With().Str("component", "backup_service").Logger(),
	}
}

// CreateAndUploadBackup snapshots the state into a tar.gz archive, uploads it
// and returns the object key.
func (s *Service) CreateAndUploadBackup(ctx context.Context) (string, error) {
	start := time.Now()
	s.log.Info().Msg("Starting backup")

	staging, err := os.MkdirTemp(s.dataDir, "backup-staging-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	for _, db := range s.databases {
		if err := db.WALCheckpoint("FULL"); err != nil {
			s.log.Warn().Err(err).Str("database", db.Name()).Msg("Checkpoint before backup failed")
		}
	}

	meta := Metadata{
		Timestamp: time.Now().UTC(),
		Version:   backupFormatVersion,
		Files:     make([]FileMetadata, 0, len(databaseFiles)),
	}

	for _, name := range databaseFiles {
		src := filepath.Join(s.dataDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}

		dst := filepath.Join(staging, name)
		if err := copyFile(src, dst); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", name, err)
		}

		size, checksum, err := checksumFile(dst)
		if err != nil {
			return "", fmt.Errorf("failed to checksum %s: %w", name, err)
		}
		meta.Files = append(meta.Files, FileMetadata{Name: name, SizeBytes: size, Checksum: checksum})
	}

	if err := s.stageTaskRecords(staging); err != nil {
		return "", err
	}

	if err := writeMetadata(filepath.Join(staging, "backup-metadata.json"), meta); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	key := backupPrefix + time.Now().UTC().Format(backupTimeFormat) + ".tar.gz"
	archivePath := filepath.Join(s.dataDir, key)
	defer os.Remove(archivePath)

	if err := createArchive(archivePath, staging); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	info, err := archive.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := s.store.Upload(ctx, key, archive); err != nil {
		return "", fmt.Errorf("failed to upload backup: %w", err)
	}

	s.log.Info().
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Dur("duration", time.Since(start)).
		Msg("Backup uploaded")
	return key, nil
}

// stageTaskRecords copies the durable task files into a tasks/ subdirectory
// of the staging area.
func (s *Service) stageTaskRecords(staging string) error {
	records, err := filepath.Glob(filepath.Join(s.dataDir, "tasks", "*.task"))
	if err != nil {
		return fmt.Errorf("failed to glob task records: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	dstDir := filepath.Join(staging, "tasks")
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("failed to create staging tasks dir: %w", err)
	}

	for _, src := range records {
		if err := copyFile(src, filepath.Join(dstDir, filepath.Base(src))); err != nil {
			return fmt.Errorf("failed to stage task record %s: %w", filepath.Base(src), err)
		}
	}
	return nil
}

// ListBackups returns the backups in the bucket, newest first. Objects whose
// names do not parse as backups are skipped.
func (s *Service) ListBackups(ctx context.Context) ([]Info, error) {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	backups := make([]Info, 0, len(objects))
	now := time.Now()
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		key := *obj.Key
		if !strings.HasPrefix(key, backupPrefix) || !strings.HasSuffix(key, ".tar.gz") {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(key, backupPrefix), ".tar.gz")
		timestamp, err := time.Parse(backupTimeFormat, stamp)
		if err != nil {
			s.log.Warn().Str("key", key).Msg("Unparseable backup name, skipping")
			continue
		}

		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}

		backups = append(backups, Info{
			Key:       key,
			Timestamp: timestamp,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes backups older than the retention period, always
// keeping the newest minBackupsToKeep. Retention of zero keeps everything.
// Returns the number of backups deleted.
func (s *Service) RotateOldBackups(ctx context.Context) (int, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}

	if len(backups) <= minBackupsToKeep || s.retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep {
			continue
		}
		if !backup.Timestamp.Before(cutoff) {
			continue
		}

		if err := s.store.Delete(ctx, backup.Key); err != nil {
			s.log.Error().Err(err).Str("key", backup.Key).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("key", backup.Key).Time("timestamp", backup.Timestamp).Msg("Deleted old backup")
		deleted++
	}

	return deleted, nil
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

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func checksumFile(path string) (int64, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return 0, "", err
	}

	return size, fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, meta Metadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(meta)
}

// createArchive packs the staging directory into a tar.gz archive, preserving
// paths relative to the staging root.
func createArchive(archivePath, sourceDir string) error {
	archive, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archive.Close()

	gzw := gzip.NewWriter(archive)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		return addFileToArchive(tw, path, filepath.ToSlash(rel), info)
	})
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string, info os.FileInfo) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

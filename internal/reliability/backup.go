// Package reliability implements the audit/backup export half of the
// operational surface: a consistent snapshot of the three sqlite
// databases, archived and optionally shipped to S3-compatible object
// storage.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Snapshotter is the narrow surface BackupService needs from each
// database handle: a consistent point-in-time copy to a file path.
type Snapshotter interface {
	Name() string
	Conn() *sql.DB
}

// DatabaseMetadata describes one archived database file.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// Metadata is the manifest written alongside the three database files in
// every archive.
type Metadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// BackupService snapshots every wired database into a single tar.gz
// archive under dataDir, using sqlite's VACUUM INTO for a consistent
// point-in-time copy without holding a long-lived lock.
type BackupService struct {
	databases []Snapshotter
	dataDir   string
	log       zerolog.Logger
}

// NewBackupService wires a BackupService over every database to archive.
func NewBackupService(databases []Snapshotter, dataDir string, log zerolog.Logger) *BackupService {
	return &BackupService{databases: databases, dataDir: dataDir, log: log.With().Str("service", "backup").Logger()}
}

// CreateArchive snapshots every database, writes a manifest, and tars +
// gzips the result, returning the archive's path.
func (s *BackupService) CreateArchive(ctx context.Context) (string, error) {
	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	meta := Metadata{Timestamp: time.Now().UTC()}
	for _, db := range s.databases {
		dest := filepath.Join(stagingDir, db.Name()+".db")
		if _, err := db.Conn().ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
			return "", fmt.Errorf("snapshot %s: %w", db.Name(), err)
		}
		info, err := os.Stat(dest)
		if err != nil {
			return "", fmt.Errorf("stat %s snapshot: %w", db.Name(), err)
		}
		checksum, err := checksumFile(dest)
		if err != nil {
			return "", fmt.Errorf("checksum %s snapshot: %w", db.Name(), err)
		}
		meta.Databases = append(meta.Databases, DatabaseMetadata{
			Name: db.Name(), Filename: db.Name() + ".db", SizeBytes: info.Size(), Checksum: checksum,
		})
	}

	metaPath := filepath.Join(stagingDir, "manifest.json")
	if err := writeManifest(metaPath, meta); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	archivePath := filepath.Join(s.dataDir, fmt.Sprintf("sentinel-backup-%s.tar.gz", time.Now().Format("20060102-150405")))
	if err := archiveDirectory(archivePath, stagingDir); err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	s.log.Info().Str("path", archivePath).Int("databases", len(meta.Databases)).Msg("backup archive created")
	return archivePath, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeManifest(path string, meta Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func archiveDirectory(archivePath, sourceDir string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer archiveFile.Close()

	gz := gzip.NewWriter(archiveFile)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := addFileToArchive(tw, filepath.Join(sourceDir, entry.Name()), entry.Name()); err != nil {
			return fmt.Errorf("add %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{Name: nameInArchive, Size: info.Size(), Mode: int64(info.Mode()), ModTime: info.ModTime()}); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// Exporter uploads completed archives to an S3-compatible bucket
// (Cloudflare R2, MinIO, or AWS S3 itself — anything reachable with a
// custom endpoint override).
type Exporter struct {
	uploader *manager.Uploader
	client   *s3.Client
	bucket   string
	log      zerolog.Logger
}

// NewExporter builds an Exporter from the given bucket/endpoint/region.
// An empty endpoint uses the default AWS resolver; a non-empty one
// targets an S3-compatible provider such as R2.
func NewExporter(ctx context.Context, bucket, endpoint, region, accessKey, secretKey string, log zerolog.Logger) (*Exporter, error) {
	var optFns []func(*config.LoadOptions) error
	optFns = append(optFns, config.WithRegion(region))
	if accessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &Exporter{
		uploader: manager.NewUploader(client),
		client:   client,
		bucket:   bucket,
		log:      log.With().Str("component", "backup_exporter").Logger(),
	}, nil
}

// Upload streams archivePath's contents to the configured bucket under
// its own basename.
func (e *Exporter) Upload(ctx context.Context, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	key := filepath.Base(archivePath)
	_, err = e.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	e.log.Info().Str("key", key).Str("bucket", e.bucket).Msg("backup uploaded")
	return nil
}

// RotateOlderThan deletes archives in the bucket under prefix older than
// cutoff, keeping at least minKeep regardless of age.
func (e *Exporter) RotateOlderThan(ctx context.Context, prefix string, cutoff time.Time, minKeep int) error {
	out, err := e.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(e.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}

	type candidate struct {
		key      string
		modified time.Time
	}
	var candidates []candidate
	for _, obj := range out.Contents {
		if obj.Key == nil || obj.LastModified == nil {
			continue
		}
		candidates = append(candidates, candidate{key: *obj.Key, modified: *obj.LastModified})
	}
	if len(candidates) <= minKeep {
		return nil
	}

	// newest first, so the minKeep most recent survive regardless of age
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].modified.After(candidates[i].modified) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}

	deleted := 0
	for i, c := range candidates {
		if i < minKeep || !c.modified.Before(cutoff) {
			continue
		}
		if _, err := e.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(e.bucket), Key: aws.String(c.key)}); err != nil {
			e.log.Error().Err(err).Str("key", c.key).Msg("failed to delete old backup")
			continue
		}
		deleted++
	}
	e.log.Info().Int("deleted", deleted).Int("remaining", len(candidates)-deleted).Msg("backup rotation complete")
	return nil
}

// Package snapshot ships backend database snapshots to S3-compatible storage.
// Without a bucket the NoopUploader is used and snapshots stay on local disk.
package snapshot

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/outpost/internal/config"
)

// Uploader stores a snapshot file under a name.
type Uploader interface {
	Upload(ctx context.Context, name string, filePath string) error
}

// s3Client is the subset of *minio.Client the uploader needs.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// S3Uploader uploads snapshots to a bucket.
type S3Uploader struct {
	client s3Client
	bucket string
}

// Upload puts filePath at the object key for name, replacing the previous
// snapshot.
func (u *S3Uploader) Upload(ctx context.Context, name string, filePath string) error {
	_, err := u.client.FPutObject(ctx, u.bucket, ObjectKey(name), filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	if err != nil {
		return fmt.Errorf("upload snapshot to S3: %w", err)
	}
	return nil
}

// NoopUploader is used when no bucket is configured.
type NoopUploader struct{}

// Upload does nothing.
func (u *NoopUploader) Upload(ctx context.Context, name string, filePath string) error {
	return nil
}

// NewUploader returns a NoopUploader when cfg has no bucket and an
// S3Uploader otherwise. UseSSL defaults to true.
func NewUploader(cfg config.SnapshotConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

// ObjectKey is where a named snapshot lives in the bucket:
// {name}/snapshot/current.db
func ObjectKey(name string) string {
	return name + "/snapshot/current.db"
}

// stripScheme removes an http:// or https:// prefix from endpoint, which
// minio does not accept, and lets the scheme decide useSSL.
func stripScheme(endpoint string, useSSL *bool) string {
	if rest, ok := strings.CutPrefix(endpoint, "https://"); ok {
		*useSSL = true
		return rest
	}
	if rest, ok := strings.CutPrefix(endpoint, "http://"); ok {
		*useSSL = false
		return rest
	}
	return endpoint
}

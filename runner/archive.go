package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cliu238/vacalibration/id"
)

// Archiver stores the documents of a finished run for later inspection.
// files maps object names to local paths; missing files are skipped.
type Archiver interface {
	Archive(ctx context.Context, jobID id.JobID, files map[string]string) error
}

// MinIOConfig describes an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOArchiver uploads run documents to an S3-compatible bucket under
// "<job id>/<name>".
type MinIOArchiver struct {
	client *minio.Client
	bucket string
}

// NewMinIOArchiver connects to the bucket, creating it if needed.
func NewMinIOArchiver(ctx context.Context, cfg MinIOConfig) (*MinIOArchiver, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("runner: minio endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("runner: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("runner: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinIOArchiver{client: client, bucket: cfg.Bucket}, nil
}

// Archive implements Archiver.
func (a *MinIOArchiver) Archive(ctx context.Context, jobID id.JobID, files map[string]string) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		local := files[name]
		if _, err := os.Stat(local); err != nil {
			continue
		}
		object := path.Join(jobID.String(), name)
		_, err := a.client.FPutObject(ctx, a.bucket, object, local, minio.PutObjectOptions{ContentType: "application/json"})
		if err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", object, err))
		}
	}
	return errors.Join(errs...)
}

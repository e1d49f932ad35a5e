package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jmylchreest/chunkrec/internal/config"
)

// ObjectStore puts local files under object keys.
type ObjectStore interface {
	PutFile(ctx context.Context, key, path, contentType string) (int64, error)
}

// S3Store uploads to an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
}

const bucketCheckTimeout = 30 * time.Second

// NewS3Store connects to the endpoint and creates the bucket when it does
// not exist.
func NewS3Store(ctx context.Context, cfg config.UploadConfig, logger *slog.Logger) (*S3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("endpoint", cfg.Endpoint),
		slog.String("bucket", cfg.Bucket),
		slog.String("region", cfg.Region),
	)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Region: cfg.Region,
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to s3 endpoint %s: %w", cfg.Endpoint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, bucketCheckTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("accessing bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("bucket created")
	} else {
		logger.Debug("bucket exists")
	}

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// PutFile uploads the file at path and returns the number of bytes stored.
func (s *S3Store) PutFile(ctx context.Context, key, path, contentType string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, f, st.Size(), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, fmt.Errorf("putting %s: %w", key, err)
	}
	return info.Size, nil
}

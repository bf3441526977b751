package storage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// Config holds the object storage connection settings.
type Config struct {
	Endpoint        string // host:port or URL
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	UseSSL          bool
}

// NewMinioClient creates an S3 client. An https:// endpoint implies SSL.
func NewMinioClient(cfg Config) (*minio.Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("storage credentials are required")
	}

	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL
	if u, err := url.Parse(cfg.Endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		if u.Scheme == "https" {
			useSSL = true
		}
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

// BucketManager is the subset of *minio.Client used to provision buckets.
type BucketManager interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

// EnsureBuckets creates the given buckets when they do not exist yet.
func EnsureBuckets(ctx context.Context, mgr BucketManager, region string, logger zerolog.Logger, buckets ...string) error {
	for _, bucket := range buckets {
		if bucket == "" {
			return fmt.Errorf("bucket name is required")
		}
		exists, err := mgr.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := mgr.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
		logger.Info().Str("bucket", bucket).Msg("Created bucket")
	}
	return nil
}

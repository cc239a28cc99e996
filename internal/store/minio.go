package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLExpiry time.Duration // validity of returned pre-signed URLs
}

// MinioStore stores extraction results as plain-text objects and hands out
// time-bounded pre-signed URLs as result references.
type MinioStore struct {
	client *minio.Client
	cfg    Config
	logger *slog.Logger
}

// NewMinioStore connects to MinIO and ensures the result bucket exists.
func NewMinioStore(ctx context.Context, cfg Config, logger *slog.Logger) (*MinioStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URLExpiry <= 0 {
		cfg.URLExpiry = 7 * 24 * time.Hour
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		logger.Info("result bucket created", "bucket", cfg.Bucket)
	}

	logger.Info("object store ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return &MinioStore{client: client, cfg: cfg, logger: logger}, nil
}

// PutText uploads the text as a plain-text object and returns a pre-signed
// GET URL valid for the configured expiry.
func (s *MinioStore) PutText(ctx context.Context, objectName, text string) (string, error) {
	reader := strings.NewReader(text)
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, objectName, reader, int64(len(text)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("put object %q: %w", objectName, err)
	}

	url, err := s.client.PresignedGetObject(ctx, s.cfg.Bucket, objectName, s.cfg.URLExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign object %q: %w", objectName, err)
	}

	s.logger.Info("result stored", "object", objectName, "bytes", len(text))
	return url.String(), nil
}

package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/pipeflow-io/pipeflow/internal/config"
)

// Store persists step output blobs. Keys returned by Put are opaque
// references recorded on the execution.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ObjectKey builds the canonical object name for a step artifact.
func ObjectKey(tenantID, executionID, stepName, name string) string {
	return path.Join(tenantID, executionID, stepName, name)
}

// New returns a MinIO-backed store, or a no-op store when no endpoint
// is configured.
func New(ctx context.Context, cfg config.ArtifactsConfig, logger *slog.Logger) (Store, error) {
	if cfg.Endpoint == "" {
		logger.Info("artifact store disabled, no endpoint configured")
		return &noopStore{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", cfg.Bucket, err)
		}
	}

	logger.Info("artifact store ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return &minioStore{client: client, bucket: cfg.Bucket}, nil
}

type minioStore struct {
	client *minio.Client
	bucket string
}

func (s *minioStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("uploading artifact %q: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *minioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching artifact %q: %w", key, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("reading artifact %q: %w", key, err)
	}
	return buf.Bytes(), nil
}

// noopStore discards artifacts. Used when object storage is not
// configured; step results and metrics are still persisted in Postgres.
type noopStore struct{}

func (*noopStore) Put(context.Context, string, []byte) (string, error) { return "", nil }

func (*noopStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("artifact store disabled")
}

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioClient interface {
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

// MinIO is a Store backed by an S3 compatible object store.
type MinIO struct {
	client minioClient
	bucket string

	// get opens an object for reading.
	get func(ctx context.Context, bucket, name string) (io.ReadCloser, error)

	ensureMu sync.Mutex
	ensured  bool
}

type minioOptions struct {
	client minioClient
}

// MinIOOption overrides MinIO default values.
type MinIOOption func(*minioOptions)

// NewMinIO creates a Store for the configured S3 endpoint and bucket.
func NewMinIO(cfg Config, args ...MinIOOption) (*MinIO, error) {
	var opts minioOptions
	for _, opt := range args {
		opt(&opts)
	}

	if opts.client == nil {
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("s3 endpoint is required")
		}
		c, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseTLS,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %v", err)
		}
		opts.client = c
	}

	m := &MinIO{client: opts.client, bucket: cfg.Container}
	m.get = func(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
		return m.client.GetObject(ctx, bucket, name, minio.GetObjectOptions{})
	}
	return m, nil
}

// Fetch downloads the whole content of the named object.
func (m *MinIO) Fetch(ctx context.Context, name string) ([]byte, error) {
	obj, err := m.get(ctx, m.bucket, name)
	if err != nil {
		return nil, fetchError(name, isNoSuchKey(err), err)
	}
	defer obj.Close()

	// Errors from the server are only reported when reading.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fetchError(name, isNoSuchKey(err), err)
	}

	slog.Debug("Fetched object", "bucket", m.bucket, "object", name, "bytes", len(data))
	return data, nil
}

// Upload stores data under name, creating the bucket on first use.
func (m *MinIO) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	if err := m.ensureBucket(ctx); err != nil {
		return err
	}

	if contentType == "" {
		contentType = DefaultContentType
	}
	_, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %q: %v", name, err)
	}
	return nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()

	if m.ensured {
		return nil
	}

	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %q: %v", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %v", m.bucket, err)
		}
	}
	m.ensured = true
	return nil
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

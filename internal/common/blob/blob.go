// Package blob reads and writes uploaded files in an object store.
//
// Two backends are supported: Azure Blob Storage (or Azurite) and any S3 compatible
// store such as MinIO. Both address objects by name inside a single container.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gymetrics/metrics-platform/internal/common/constants"
)

var (
	// ErrBlobFetch is returned when a blob could not be downloaded.
	ErrBlobFetch = errors.New("failed to fetch blob")
	// ErrBlobNotFound is returned, along with ErrBlobFetch, when the blob does not exist.
	ErrBlobNotFound = errors.New("blob not found")
)

const (
	// BackendAzure selects Azure Blob Storage.
	BackendAzure = "azure"
	// BackendMinIO selects an S3 compatible store.
	BackendMinIO = "minio"

	// DefaultContentType is used for uploads which do not declare one.
	DefaultContentType = "text/csv"
)

// Config holds the object store configuration.
type Config struct {
	Backend   string
	Container string

	// Azure
	ConnectionString string

	// MinIO / S3
	Endpoint  string
	AccessKey string
	SecretKey string
	UseTLS    bool
}

// Fetcher downloads blobs.
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// Uploader stores blobs.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) error
}

// Store can both download and store blobs.
type Store interface {
	Fetcher
	Uploader
}

// New returns the Store for the configured backend.
func New(cfg Config) (Store, error) {
	if cfg.Container == "" {
		cfg.Container = constants.DefaultContainerName
	}

	switch strings.ToLower(cfg.Backend) {
	case BackendAzure, "":
		return NewAzure(cfg)
	case BackendMinIO, "s3":
		return NewMinIO(cfg)
	default:
		return nil, fmt.Errorf("unknown blob backend %q, expected %q or %q", cfg.Backend, BackendAzure, BackendMinIO)
	}
}

func fetchError(name string, notFound bool, err error) error {
	if notFound {
		return fmt.Errorf("%w: %w: %q", ErrBlobFetch, ErrBlobNotFound, name)
	}
	return fmt.Errorf("%w %q: %v", ErrBlobFetch, name, err)
}

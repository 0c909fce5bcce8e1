package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

type azureClient interface {
	Download(ctx context.Context, container, name string) (io.ReadCloser, error)
	Upload(ctx context.Context, container, name string, data []byte, contentType string) error
	CreateContainer(ctx context.Context, container string) error
}

// Azure is a Store backed by Azure Blob Storage.
type Azure struct {
	client    azureClient
	container string

	ensureMu sync.Mutex
	ensured  bool
}

type azureOptions struct {
	newClient func(connectionString string) (azureClient, error)
}

// AzureOption overrides Azure default values.
type AzureOption func(*azureOptions)

// NewAzure creates a Store from an Azure storage connection string.
func NewAzure(cfg Config, args ...AzureOption) (*Azure, error) {
	opts := azureOptions{
		newClient: func(connectionString string) (azureClient, error) {
			c, err := azblob.NewClientFromConnectionString(connectionString, nil)
			if err != nil {
				return nil, err
			}
			return azureSDK{c}, nil
		},
	}
	for _, opt := range args {
		opt(&opts)
	}

	if cfg.ConnectionString == "" {
		return nil, errors.New("azure storage connection string is required")
	}

	c, err := opts.newClient(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure blob client: %v", err)
	}

	return &Azure{client: c, container: cfg.Container}, nil
}

// Fetch downloads the whole content of the named blob.
func (a *Azure) Fetch(ctx context.Context, name string) ([]byte, error) {
	body, err := a.client.Download(ctx, a.container, name)
	if err != nil {
		return nil, fetchError(name, bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound), err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fetchError(name, false, err)
	}

	slog.Debug("Fetched blob", "container", a.container, "blob", name, "bytes", len(data))
	return data, nil
}

// Upload stores data under name, creating the container on first use.
func (a *Azure) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	if err := a.ensureContainer(ctx); err != nil {
		return err
	}

	if contentType == "" {
		contentType = DefaultContentType
	}
	if err := a.client.Upload(ctx, a.container, name, data, contentType); err != nil {
		return fmt.Errorf("failed to upload blob %q: %v", name, err)
	}
	return nil
}

func (a *Azure) ensureContainer(ctx context.Context) error {
	a.ensureMu.Lock()
	defer a.ensureMu.Unlock()

	if a.ensured {
		return nil
	}

	err := a.client.CreateContainer(ctx, a.container)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to create container %q: %v", a.container, err)
	}
	a.ensured = true
	return nil
}

// azureSDK adapts the SDK client to azureClient.
type azureSDK struct {
	c *azblob.Client
}

func (s azureSDK) Download(ctx context.Context, container, name string) (io.ReadCloser, error) {
	resp, err := s.c.DownloadStream(ctx, container, name, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s azureSDK) Upload(ctx context.Context, container, name string, data []byte, contentType string) error {
	_, err := s.c.UploadBuffer(ctx, container, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	return err
}

func (s azureSDK) CreateContainer(ctx context.Context, container string) error {
	_, err := s.c.CreateContainer(ctx, container, nil)
	return err
}

package blob

import (
	"context"
	"io"
)

// AzureClient is the exported interface of the client used by Azure.
type AzureClient = azureClient

// WithAzureClient overrides the Azure SDK client.
func WithAzureClient(c AzureClient) AzureOption {
	return func(o *azureOptions) {
		o.newClient = func(string) (azureClient, error) { return c, nil }
	}
}

// MinIOClient is the exported interface of the client used by MinIO.
type MinIOClient = minioClient

// WithMinIOClient overrides the S3 SDK client.
func WithMinIOClient(c MinIOClient) MinIOOption {
	return func(o *minioOptions) {
		o.client = c
	}
}

// SetObjectReader overrides how objects are opened.
func (m *MinIO) SetObjectReader(get func(ctx context.Context, bucket, name string) (io.ReadCloser, error)) {
	m.get = get
}

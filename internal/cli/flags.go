package cli

import (
	"github.com/gymetrics/metrics-platform/internal/common/blob"
	"github.com/gymetrics/metrics-platform/internal/common/constants"
	"github.com/gymetrics/metrics-platform/internal/ingest/database"
	"github.com/spf13/pflag"
)

// AddBlobFlags installs the blob store flags, writing into config.
func AddBlobFlags(flags *pflag.FlagSet, config *blob.Config) {
	flags.StringVar(&config.Backend, "blob-backend", blob.BackendAzure, "blob store backend: azure or minio")
	flags.StringVar(&config.Container, "blob-container", constants.DefaultContainerName, "container (or bucket) holding the uploaded files")
	flags.StringVar(&config.ConnectionString, "blob-connection-string", "", "Azure storage connection string")
	flags.StringVar(&config.Endpoint, "blob-endpoint", "", "S3 endpoint, as host:port")
	flags.StringVar(&config.AccessKey, "blob-access-key", "", "S3 access key")
	flags.StringVar(&config.SecretKey, "blob-secret-key", "", "S3 secret key")
	flags.BoolVar(&config.UseTLS, "blob-tls", false, "use TLS to reach the S3 endpoint")
}

// AddDBFlags installs the database connection flags, writing into config.
func AddDBFlags(flags *pflag.FlagSet, config *database.Config) {
	flags.StringVar(&config.Host, "db-host", constants.DefaultDBHost, "database host")
	flags.IntVarP(&config.Port, "db-port", "p", constants.DefaultDBPort, "database port")
	flags.StringVarP(&config.User, "db-user", "u", "", "database user")
	flags.StringVarP(&config.Password, "db-password", "P", "", "database password")
	flags.StringVarP(&config.DBName, "db-name", "n", "", "database name")
	flags.StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

// Package constants is responsible for defining the constants shared by the gymetrics services.
package constants

import "log/slog"

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// WebServiceCmdName is the name of the web service command.
	WebServiceCmdName = "gymetrics-web-service"

	// IngestServiceCmdName is the name of the ingest service command.
	IngestServiceCmdName = "gymetrics-ingest-service"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

// Defaults shared by the producer (web service) and the consumer (ingest service).
const (
	// DefaultBrokerURL is the default AMQP broker URL.
	DefaultBrokerURL = "amqp://localhost"

	// DefaultQueueName is the default durable queue carrying upload notifications.
	DefaultQueueName = "file-uploads"

	// DefaultContainerName is the default blob container (or bucket) holding uploaded files.
	DefaultContainerName = "uploads"

	// DefaultDBHost is the default PostgreSQL host.
	DefaultDBHost = "localhost"

	// DefaultDBPort is the default PostgreSQL port.
	DefaultDBPort = 5432
)

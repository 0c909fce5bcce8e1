// Package daemon provides the ingest service daemon of the gymetrics platform.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gymetrics/metrics-platform/internal/cli"
	"github.com/gymetrics/metrics-platform/internal/common/blob"
	"github.com/gymetrics/metrics-platform/internal/common/broker"
	"github.com/gymetrics/metrics-platform/internal/common/constants"
	"github.com/gymetrics/metrics-platform/internal/common/metrics"
	"github.com/gymetrics/metrics-platform/internal/ingest"
	"github.com/gymetrics/metrics-platform/internal/ingest/database"
	"github.com/gymetrics/metrics-platform/internal/ingest/processor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ubuntu/decorate"
)

const healthCheckTimeout = 2 * time.Second

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *ingest.Service

	// startCtx bounds connecting to the database and the broker. Quit cancels it.
	startCtx    context.Context
	cancelStart context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	MetricsConfig  metrics.Config
	DBconfig       database.Config
	BrokerConfig   broker.Config
	BlobConfig     blob.Config
	MessageTimeout time.Duration
	MigrationsDir  string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}
	a.startCtx, a.cancelStart = context.WithCancel(context.Background())

	a.cmd = &cobra.Command{
		Use:   constants.IngestServiceCmdName,
		Short: "gymetrics ingest service",
		Long:  `gymetrics ingest service consumes file upload notifications from the message broker,
fetches the uploaded CSV files from the blob store and inserts their metric rows into PostgreSQL.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(constants.IngestServiceCmdName, a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.IngestServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Debug("Got app config", "queue", a.config.BrokerConfig.Queue, "blob backend", a.config.BlobConfig.Backend,
				"db host", a.config.DBconfig.Host, "metrics port", a.config.MetricsConfig.Port)

			cli.SetSlog(constants.IngestServiceCmdName, a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cli.AddLoggingFlags(cmd.PersistentFlags(), &app.config.Verbosity, &app.config.JSONLogs)

	// Broker flags
	cmd.Flags().StringVar(&app.config.BrokerConfig.URL, "broker-url", constants.DefaultBrokerURL, "AMQP URL of the message broker")
	cmd.Flags().StringVar(&app.config.BrokerConfig.Queue, "queue", constants.DefaultQueueName, "name of the queue carrying upload notifications")
	cmd.Flags().DurationVar(&app.config.MessageTimeout, "message-timeout", processor.DefaultMessageTimeout, "maximum time spent on a single message before rejecting it")

	// Metrics server flags
	cmd.Flags().DurationVar(&app.config.MetricsConfig.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.MetricsConfig.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2113, "port for the metrics endpoint")

	cli.AddBlobFlags(cmd.Flags(), &app.config.BlobConfig)
	// Shared with the migrate command.
	cli.AddDBFlags(cmd.PersistentFlags(), &app.config.DBconfig)
}

// Run executes the command and associated process, returning an error if any.
func (a *App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
// If the daemon is still connecting to its dependencies, the startup is aborted.
func (a *App) Quit() {
	a.cancelStart()
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready, or to have failed starting.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) setReady() {
	a.readyOnce.Do(func() { close(a.ready) })
}

func (a *App) run() (err error) {
	defer a.setReady()

	store, err := blob.New(a.config.BlobConfig)
	if err != nil {
		return fmt.Errorf("failed to create blob store client: %v", err)
	}

	db, err := database.Connect(a.startCtx, a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer func() {
		if cErr := db.Close(); cErr != nil {
			slog.Warn("Failed to close database", "err", cErr)
		}
	}()

	registry := prometheus.NewRegistry()
	proc, err := processor.New(store, db, registry, processor.WithMessageTimeout(a.config.MessageTimeout))
	if err != nil {
		return fmt.Errorf("failed to create message processor: %v", err)
	}

	consumer, err := broker.NewConsumer(a.startCtx, a.config.BrokerConfig, proc.Handle, registry)
	if err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	defer func() {
		if cErr := consumer.Close(); cErr != nil {
			slog.Warn("Failed to close queue consumer", "err", cErr)
		}
	}()

	metricsServer := metrics.New(a.config.MetricsConfig, registry, metrics.WithHealthCheck(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		return errors.Join(consumer.Healthy(), db.Ping(ctx))
	}))

	a.daemon = ingest.New(context.Background(), consumer, metricsServer)
	a.setReady()

	defer decorate.OnError(&err, "ingest service stopped")
	return a.daemon.Run()
}

// Package daemon provides the web service daemon of the gymetrics platform.
package daemon

import (
	"context"
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
	"github.com/gymetrics/metrics-platform/internal/ingest/database"
	"github.com/gymetrics/metrics-platform/internal/webservice"
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

	daemon *webservice.Server

	// startCtx bounds connecting to the database. Quit cancels it.
	startCtx    context.Context
	cancelStart context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	Daemon        webservice.StaticConfig
	MetricsConfig metrics.Config
	DBconfig      database.Config
	BrokerConfig  broker.Config
	BlobConfig    blob.Config
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}
	a.startCtx, a.cancelStart = context.WithCancel(context.Background())

	a.cmd = &cobra.Command{
		Use:   constants.WebServiceCmdName,
		Short: "gymetrics web service",
		Long: `gymetrics web service accepts CSV metric files, stores them in the blob store and queues them
for ingestion. It also answers aggregation queries and spreadsheet reports over the ingested readings.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(constants.WebServiceCmdName, a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.WebServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Debug("Got app config", "listen port", a.config.Daemon.ListenPort, "queue", a.config.BrokerConfig.Queue,
				"blob backend", a.config.BlobConfig.Backend, "db host", a.config.DBconfig.Host)

			cli.SetSlog(constants.WebServiceCmdName, a.config.Verbosity, a.config.JSONLogs)
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
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	defaultConf := webservice.StaticConfig{
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   30 * time.Second,
		RequestTimeout: 20 * time.Second,
		MaxHeaderBytes: 1 << 13, // 8 KB
		MaxUploadBytes: 1 << 26, // 64 MB

		RateLimitPS: 1,
		BurstLimit:  10,

		ListenPort: 3000,
	}

	cli.AddLoggingFlags(cmd.PersistentFlags(), &app.config.Verbosity, &app.config.JSONLogs)

	// Daemon flags
	cmd.Flags().DurationVar(&app.config.Daemon.ReadTimeout, "read-timeout", defaultConf.ReadTimeout, "read timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.WriteTimeout, "write-timeout", defaultConf.WriteTimeout, "write timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.RequestTimeout, "request-timeout", defaultConf.RequestTimeout, "request timeout for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxHeaderBytes, "max-header-bytes", defaultConf.MaxHeaderBytes, "maximum header bytes for HTTP server")
	cmd.Flags().Int64Var(&app.config.Daemon.MaxUploadBytes, "max-upload-bytes", defaultConf.MaxUploadBytes, "maximum size of an uploaded file request")
	cmd.Flags().Float64Var(&app.config.Daemon.RateLimitPS, "rate-limit-ps", defaultConf.RateLimitPS, "uploads allowed per second and client IP, 0 to disable")
	cmd.Flags().IntVar(&app.config.Daemon.BurstLimit, "burst-limit", defaultConf.BurstLimit, "burst of uploads allowed per client IP")
	cmd.Flags().StringVar(&app.config.Daemon.ListenHost, "listen-host", defaultConf.ListenHost, "host to listen on")
	cmd.Flags().IntVar(&app.config.Daemon.ListenPort, "listen-port", defaultConf.ListenPort, "port to listen on")

	// Metrics server flags
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2112, "port for the metrics endpoint")

	// Broker flags
	cmd.Flags().StringVar(&app.config.BrokerConfig.URL, "broker-url", constants.DefaultBrokerURL, "AMQP URL of the message broker")
	cmd.Flags().StringVar(&app.config.BrokerConfig.Queue, "queue", constants.DefaultQueueName, "name of the queue carrying upload notifications")

	cli.AddBlobFlags(cmd.Flags(), &app.config.BlobConfig)
	cli.AddDBFlags(cmd.Flags(), &app.config.DBconfig)
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

	publisher, err := broker.NewPublisher(a.config.BrokerConfig)
	if err != nil {
		return fmt.Errorf("failed to create queue publisher: %v", err)
	}
	defer func() {
		if cErr := publisher.Close(); cErr != nil {
			slog.Warn("Failed to close queue publisher", "err", cErr)
		}
	}()

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
	metricsServer := metrics.New(a.config.MetricsConfig, registry, metrics.WithHealthCheck(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		return db.Ping(ctx)
	}))

	backends := webservice.Backends{
		Blobs:        store,
		Queue:        publisher,
		Aggregations: db,
	}
	s, err := webservice.New(context.Background(), a.config.Daemon, backends, metricsServer, registry)
	if err != nil {
		return fmt.Errorf("failed to create web service: %v", err)
	}
	a.daemon = s
	a.setReady()

	defer decorate.OnError(&err, "web service stopped")
	return a.daemon.Run()
}

// Package webservice provides the HTTP API storing uploaded metric files and querying ingested readings.
package webservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gymetrics/metrics-platform/internal/webservice/handlers"
	"github.com/gymetrics/metrics-platform/internal/webservice/metrics"
	"github.com/gymetrics/metrics-platform/internal/webservice/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Server is a struct that holds the HTTP servers and their configuration.
type Server struct {
	httpServer    *http.Server
	metricsServer MetricsServer

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context lets in-flight requests complete before stopping.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	mu      sync.RWMutex
	addr    net.Addr
	running chan struct{} // closed when Run is not running
}

// StaticConfig holds the static configuration for the server.
type StaticConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxHeaderBytes int
	MaxUploadBytes int64

	// RateLimitPS is the upload rate allowed per client IP, in requests per second. 0 disables the limit.
	RateLimitPS float64
	BurstLimit  int

	ListenHost string
	ListenPort int
}

// Backends are the services the handlers rely on.
type Backends struct {
	Blobs        handlers.BlobUploader
	Queue        handlers.Publisher
	Aggregations handlers.AggregationStore
}

// MetricsServer serves the Prometheus metrics.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

// New creates a new Server. Request metrics are registered to reg and expected to be served by metricsServer.
func New(ctx context.Context, sc StaticConfig, b Backends, metricsServer MetricsServer, reg prometheus.Registerer) (*Server, error) {
	if b.Blobs == nil || b.Queue == nil || b.Aggregations == nil {
		return nil, errors.New("blob store, queue and aggregation store are required")
	}
	if metricsServer == nil {
		return nil, errors.New("metrics server is required")
	}
	if sc.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("max upload size must be positive, got %d", sc.MaxUploadBytes)
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	running := make(chan struct{})
	close(running)

	s := Server{
		metricsServer: metricsServer,

		ctx:    ctx,
		cancel: cancel,

		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		running: running,
	}

	var upload http.Handler = handlers.NewUpload(b.Blobs, b.Queue, sc.MaxUploadBytes)
	if sc.RateLimitPS > 0 {
		upload = middleware.NewIPLimiter(rate.Limit(sc.RateLimitPS), max(sc.BurstLimit, 1)).RateLimit(upload)
	}

	mw := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("POST /upload", mw.Wrap("upload", upload))
	mux.Handle("GET /metrics/aggregations", mw.Wrap("aggregations", handlers.NewAggregations(b.Aggregations)))
	mux.Handle("POST /metrics/report", mw.Wrap("report", handlers.NewReport(b.Aggregations)))
	mux.Handle("GET /version", mw.Wrap("version", http.HandlerFunc(handlers.VersionHandler)))

	var handler http.Handler = mux
	if sc.RequestTimeout > 0 {
		handler = http.TimeoutHandler(mux, sc.RequestTimeout, "")
	}

	s.httpServer = &http.Server{
		Addr:           net.JoinHostPort(sc.ListenHost, strconv.Itoa(sc.ListenPort)),
		ReadTimeout:    sc.ReadTimeout,
		WriteTimeout:   sc.WriteTimeout,
		Handler:        handler,
		MaxHeaderBytes: sc.MaxHeaderBytes,
	}

	return &s, nil
}

// Run starts the HTTP servers and listens for incoming requests.
func (s *Server) Run() error {
	// already asked to quit?
	select {
	case <-s.gracefulCtx.Done():
		return errors.New("server is already shutting down")
	default:
	}

	s.mu.Lock()
	s.running = make(chan struct{})
	running := s.running
	s.mu.Unlock()
	defer close(running)
	defer s.cancel()

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	slog.Info("Starting server", "addr", listener.Addr())

	serverErr := serve(func() error { return s.httpServer.Serve(listener) })
	metricsErr := serve(s.metricsServer.ListenAndServe)

	select {
	case <-s.gracefulCtx.Done():
	case err := <-serverErr:
		slog.Error("Server encountered error", "err", err)
		return errors.Join(err, s.closeAll())
	case err := <-metricsErr:
		slog.Error("Metrics server encountered error", "err", err)
		return errors.Join(err, s.closeAll())
	}

	if s.ctx.Err() == nil {
		slog.Info("Graceful shutdown initiated")
		// Shutdown uses the parent ctx so that a forced Quit unblocks it immediately.
		err := errors.Join(s.httpServer.Shutdown(s.ctx), s.metricsServer.Shutdown(s.ctx))
		if err == nil {
			slog.Info("Server shut down gracefully")
			return nil
		}
		if s.ctx.Err() == nil {
			slog.Error("Graceful shutdown failed", "err", err)
			return err
		}
	}

	slog.Info("Closing servers", "reason", s.ctx.Err())
	if err := s.closeAll(); err != nil {
		slog.Debug("Failed to close servers", "err", err)
	}
	return nil
}

// serve runs fn in the background. The returned channel gets its error, unless fn
// returned because the server was stopped.
func serve(fn func() error) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

func (s *Server) closeAll() error {
	return errors.Join(s.httpServer.Close(), s.metricsServer.Close())
}

// Quit shuts down the servers and waits for Run to return.
//
// A graceful Quit lets in-flight requests complete first.
func (s *Server) Quit(force bool) {
	if force {
		s.cancel()
		if err := s.closeAll(); err != nil {
			slog.Debug("Failed to close servers", "err", err)
		}
	} else {
		s.gracefulCancel()
	}

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	<-running
	slog.Info("Server quit")
}

// Addr returns the address the API server is listening on, once Run has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

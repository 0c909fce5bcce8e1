// Package ingest runs the ingestion worker: the queue consumer and the metrics endpoint, until
// either stops or the service is asked to quit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gymetrics/metrics-platform/internal/common/broker"
)

// Service is the ingestion worker.
type Service struct {
	consumer      Consumer
	metricsServer MetricsServer

	// ctx interrupts everything, including the metrics server. It is the parent of stopCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// stopCtx stops consuming once the in-flight message is settled.
	stopCtx    context.Context
	stopCancel context.CancelFunc

	maxDegradedDuration time.Duration

	mu      sync.Mutex
	running chan struct{} // closed when Run is not running
}

// Consumer receives queue messages until its context is cancelled.
type Consumer interface {
	Run(ctx context.Context) error
}

// MetricsServer serves the Prometheus metrics.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

type options struct {
	maxDegradedDuration time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

var (
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when a sub-service did not stop within the degraded duration
	// after the other one stopped. A force Quit may be required to cleanup the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// New creates the ingestion service.
func New(ctx context.Context, consumer Consumer, metricsServer MetricsServer, args ...Option) *Service {
	opts := options{
		maxDegradedDuration: 2 * time.Minute,
	}
	for _, arg := range args {
		arg(&opts)
	}

	ctx, cancel := context.WithCancel(ctx)
	stopCtx, stopCancel := context.WithCancel(ctx)

	running := make(chan struct{})
	close(running)

	return &Service{
		consumer:      consumer,
		metricsServer: metricsServer,

		ctx:        ctx,
		cancel:     cancel,
		stopCtx:    stopCtx,
		stopCancel: stopCancel,

		maxDegradedDuration: opts.maxDegradedDuration,

		running: running,
	}
}

// Run starts consuming and serving metrics.
//
// It returns once both have stopped, or once one has stopped and the other did not follow
// within the max degraded duration. A lost broker connection makes Run return an error,
// the worker is expected to be restarted by its supervisor.
func (s *Service) Run() error {
	select {
	case <-s.stopCtx.Done():
		return errServiceClosed
	default:
	}
	slog.Info("Ingest service started")

	s.mu.Lock()
	s.running = make(chan struct{})
	running := s.running
	s.mu.Unlock()
	defer close(running)
	defer s.cancel()

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, run := range []func() error{s.runConsumer, s.runMetrics} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- run()
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	err := <-results
	slog.Info("Waiting for ingest service to stop")

	select {
	case other := <-results:
		err = errors.Join(err, other)
	case <-time.After(s.maxDegradedDuration):
		slog.Warn("Ingest service teardown timed out", "after", s.maxDegradedDuration)
		err = errors.Join(err, ErrTeardownTimeout)
	}

	return err
}

func (s *Service) runConsumer() error {
	defer s.stopCancel()

	err := s.consumer.Run(s.stopCtx)
	switch {
	case err == nil, errors.Is(err, s.stopCtx.Err()):
		slog.Info("Queue consumer stopped")
		return nil
	case errors.Is(err, broker.ErrConnectionLost):
		slog.Error("Lost connection to the message broker, stopping", "err", err)
	default:
		slog.Error("Queue consumer failed", "err", err)
	}
	return fmt.Errorf("queue consumer: %w", err)
}

func (s *Service) runMetrics() error {
	defer s.stopCancel()

	serveErr := make(chan error, 1)
	go func() {
		defer close(serveErr)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err, ok := <-serveErr:
		if !ok {
			return nil
		}
		slog.Error("Metrics server failed", "err", err)
		return fmt.Errorf("metrics server: %v", err)
	case <-s.stopCtx.Done():
	}

	if s.ctx.Err() == nil {
		err := s.metricsServer.Shutdown(s.ctx)
		if err == nil {
			slog.Info("Metrics server stopped")
			return nil
		}
		if s.ctx.Err() == nil {
			slog.Error("Metrics server shutdown failed", "err", err)
			return fmt.Errorf("metrics server shutdown: %v", err)
		}
	}

	// Forced stop.
	slog.Info("Closing metrics server", "reason", s.ctx.Err())
	if err := s.metricsServer.Close(); err != nil {
		slog.Warn("Failed to close metrics server", "err", err)
	}
	return nil
}

// Quit stops the service and waits for Run to return.
//
// A graceful Quit lets the message being processed be settled first.
// A forced Quit also closes the metrics server right away.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping ingest service", "force", force)

	if force {
		s.cancel()
		if err := s.metricsServer.Close(); err != nil {
			slog.Warn("Failed to close metrics server", "err", err)
		}
	} else {
		s.stopCancel()
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	<-running
}

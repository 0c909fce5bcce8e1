// Package processor runs the ingestion pipeline of a single queue message:
// decode the notification, fetch the uploaded file, parse it and persist its rows.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gymetrics/metrics-platform/internal/ingest/models"
	"github.com/gymetrics/metrics-platform/internal/ingest/parser"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMessageTimeout bounds the processing of a single message.
const DefaultMessageTimeout = 5 * time.Minute

// ErrMessageDecode is returned when the message body is not a valid ingestion message.
var ErrMessageDecode = models.ErrMessageDecode

// Stage is a step of the pipeline.
type Stage string

// Pipeline stages, in order.
const (
	StageDecoding   Stage = "decoding"
	StageFetching   Stage = "fetching"
	StageParsing    Stage = "parsing"
	StagePersisting Stage = "persisting"
)

// StageError is returned by Handle when the message is rejected.
type StageError struct {
	Stage Stage
	Blob  string
	Err   error
}

func (e *StageError) Error() string {
	if e.Blob == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Stage, e.Blob, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Message results, as reported by the ingest_messages_total metric.
const (
	resultIngested  = "ingested"
	resultEmpty     = "empty"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
)

type blobFetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

type metricStore interface {
	IsIngested(ctx context.Context, blobName string) (bool, error)
	InsertMetrics(ctx context.Context, rows []models.MetricRow) (int, error)
	MarkIngested(ctx context.Context, blobName string, rowCount int) error
}

// Processor handles ingestion messages.
type Processor struct {
	fetcher blobFetcher
	store   metricStore
	timeout time.Duration

	messages        *prometheus.CounterVec
	rowsPersisted   prometheus.Counter
	messageDuration prometheus.Histogram
}

type options struct {
	timeout time.Duration
}

// Options represents an optional function to override Processor default values.
type Options func(*options)

// WithMessageTimeout sets how long a single message may be processed before being rejected.
func WithMessageTimeout(d time.Duration) Options {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates a Processor reading files from fetcher and writing rows to store.
// Its metrics are registered to reg.
func New(fetcher blobFetcher, store metricStore, reg prometheus.Registerer, args ...Options) (*Processor, error) {
	opts := options{timeout: DefaultMessageTimeout}
	for _, opt := range args {
		opt(&opts)
	}
	if opts.timeout <= 0 {
		return nil, fmt.Errorf("message timeout must be positive, got %s", opts.timeout)
	}

	p := &Processor{
		fetcher: fetcher,
		store:   store,
		timeout: opts.timeout,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Number of queue messages handled, by result.",
		}, []string{"result"}),
		rowsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_rows_persisted_total",
			Help: "Number of metric rows written to the database.",
		}),
		messageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_message_duration_seconds",
			Help:    "Time taken to handle a queue message.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}

	for _, c := range []prometheus.Collector{p.messages, p.rowsPersisted, p.messageDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register processor metrics: %v", err)
		}
	}

	return p, nil
}

// Handle runs the pipeline on one message body.
//
// It returns nil when the message must be acknowledged: its rows were persisted,
// the file had no valid rows, or the file was already ingested.
// Otherwise it returns a *StageError and the message must be rejected without requeue.
func (p *Processor) Handle(ctx context.Context, body []byte) (err error) {
	start := time.Now()
	result := resultIngested
	defer func() {
		if err != nil {
			result = resultRejected
		}
		p.messages.WithLabelValues(result).Inc()
		p.messageDuration.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := models.DecodeMessage(body)
	if err != nil {
		return &StageError{Stage: StageDecoding, Err: err}
	}
	log := slog.With("blob", msg.BlobName)
	log.Debug("Received ingestion message")

	done, err := p.store.IsIngested(ctx, msg.BlobName)
	if err != nil {
		// The insert will fail too if the database is down.
		log.Warn("Could not check whether the file was already ingested", "err", err)
	}
	if done {
		log.Info("File already ingested, skipping")
		result = resultDuplicate
		return nil
	}

	raw, err := p.fetcher.Fetch(ctx, msg.BlobName)
	if err != nil {
		return &StageError{Stage: StageFetching, Blob: msg.BlobName, Err: err}
	}

	parsed, err := parser.Parse(raw)
	if err != nil {
		return &StageError{Stage: StageParsing, Blob: msg.BlobName, Err: err}
	}
	log.Debug("Parsed file", "bytes", len(raw), "rows", len(parsed.Rows), "skipped", parsed.Skipped())

	if len(parsed.Rows) == 0 {
		log.Info("File has no valid rows, nothing to insert", "skipped", parsed.Skipped())
		result = resultEmpty
		return nil
	}

	n, err := p.store.InsertMetrics(ctx, parsed.Rows)
	p.rowsPersisted.Add(float64(n))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Error("Message processing timed out", "timeout", p.timeout, "committed", n)
		}
		return &StageError{Stage: StagePersisting, Blob: msg.BlobName, Err: err}
	}

	// Rows are committed, a ledger failure only means a redelivery would duplicate them.
	if err := p.store.MarkIngested(ctx, msg.BlobName, n); err != nil {
		log.Warn("Failed to record ingested file", "err", err)
	}

	log.Info("File ingested", "rows", n, "skipped", parsed.Skipped(), "duration", time.Since(start))
	return nil
}

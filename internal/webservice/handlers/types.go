package handlers

import (
	"context"
	"time"

	"github.com/gymetrics/metrics-platform/internal/ingest/models"
)

// BlobUploader stores uploaded files.
type BlobUploader interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) error
}

// Publisher notifies the ingestion queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// AggregationStore computes metric aggregations.
type AggregationStore interface {
	Aggregate(ctx context.Context, metricID int64, unit models.AggregationUnit, from, to time.Time) ([]models.MetricAggregation, error)
}

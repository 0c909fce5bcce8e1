// Package metrics provides middleware for collecting metrics in the web service, to be interpreted by Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type label string

// LabelPath is the label used for the route in metrics.
const LabelPath label = "path"

// Middleware collects HTTP request metrics per handler.
type Middleware struct {
	buckets  []float64
	registry prometheus.Registerer
}

// New creates a new Middleware registering its collectors to registry.
func New(registry prometheus.Registerer) *Middleware {
	return &Middleware{
		// Spreadsheet exports take longer than JSON answers. Max of 20.48s.
		buckets:  prometheus.ExponentialBuckets(0.005, 2, 13),
		registry: registry,
	}
}

// Wrap wraps handler to collect the request count, duration and size, labelled with handlerName.
// It must be called once per handler name.
func (m *Middleware) Wrap(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, m.registry)
	labels := []string{"method", "code", string(LabelPath)}

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Tracks the number of HTTP requests.",
		}, labels,
	)
	requestDuration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Tracks the latencies for HTTP requests.",
			Buckets: m.buckets,
		},
		labels,
	)
	requestSize := promauto.With(reg).NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "http_request_size_bytes",
			Help: "Tracks the size of HTTP requests.",
		},
		labels,
	)

	pathLabel := promhttp.WithLabelFromCtx(string(LabelPath), pathLabelFromCtx)
	base := promhttp.InstrumentHandlerCounter(
		requestsTotal,
		promhttp.InstrumentHandlerDuration(
			requestDuration,
			promhttp.InstrumentHandlerRequestSize(
				requestSize,
				handler,
				pathLabel,
			),
			pathLabel,
		),
		pathLabel,
	)

	return func(w http.ResponseWriter, r *http.Request) {
		ApplyLabels(r)
		base.ServeHTTP(w, r)
	}
}

func pathLabelFromCtx(ctx context.Context) string {
	if path, ok := ctx.Value(LabelPath).(string); ok && path != "" {
		return path
	}
	return "unknown"
}

// ApplyLabels applies the path label to the request context.
//
// The label is the route pattern matched by the mux rather than the raw URL path,
// so that its cardinality stays bounded.
func ApplyLabels(r *http.Request) {
	ctx := context.WithValue(r.Context(), LabelPath, r.Pattern)
	*r = *r.WithContext(ctx)
}

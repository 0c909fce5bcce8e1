package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gymetrics/metrics-platform/internal/ingest/models"
)

// Aggregations answers metric aggregation queries.
type Aggregations struct {
	store AggregationStore
}

type aggregationsResponse struct {
	MetricID    int64                  `json:"metricId"`
	Type        models.AggregationUnit `json:"type"`
	DateInitial string                 `json:"dateInitial"`
	FinalDate   string                 `json:"finalDate"`
	Data        []aggregationPoint     `json:"data"`
}

type aggregationPoint struct {
	Period string  `json:"period"`
	Total  float64 `json:"total"`
	Avg    float64 `json:"avg"`
	Count  int64   `json:"count"`
}

// NewAggregations creates a new Aggregations handler.
func NewAggregations(store AggregationStore) *Aggregations {
	return &Aggregations{store: store}
}

// ServeHTTP handles GET requests with metricId, type, dateInitial and finalDate query parameters.
func (h *Aggregations) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	metricID, err := parseMetricID(q.Get("metricId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := parseDateRange(q.Get("dateInitial"), q.Get("finalDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	unit, err := models.ParseAggregationUnit(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "type must be DAY, MONTH or YEAR")
		return
	}

	aggs, err := h.store.Aggregate(r.Context(), metricID, unit, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query aggregations")
		slog.Error("Failed to query aggregations", "metric_id", metricID, "type", unit, "err", err)
		return
	}

	resp := aggregationsResponse{
		MetricID:    metricID,
		Type:        unit,
		DateInitial: from.Format(models.DateLayout),
		FinalDate:   to.Format(models.DateLayout),
		Data:        make([]aggregationPoint, 0, len(aggs)),
	}
	for _, a := range aggs {
		resp.Data = append(resp.Data, aggregationPoint{
			Period: a.Period.Format(models.DateLayout),
			Total:  a.Total,
			Avg:    a.Avg,
			Count:  a.Count,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func parseMetricID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequestError("metricId must be a positive integer")
	}
	return id, nil
}

func parseDateRange(initial, final string) (from, to time.Time, err error) {
	if initial == "" || final == "" {
		return from, to, badRequestError("dateInitial and finalDate are required")
	}
	if from, err = time.Parse(models.DateLayout, initial); err != nil {
		return from, to, badRequestError("dateInitial must be formatted as YYYY-MM-DD")
	}
	if to, err = time.Parse(models.DateLayout, final); err != nil {
		return from, to, badRequestError("finalDate must be formatted as YYYY-MM-DD")
	}
	return from, to, nil
}

package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gymetrics/metrics-platform/internal/webservice/report"
)

// maxReportRequestBytes bounds the JSON body of a report request.
const maxReportRequestBytes = 4 << 10

// Report exports metric aggregations as a spreadsheet.
type Report struct {
	store AggregationStore
}

type reportRequest struct {
	MetricID    json.Number `json:"metricId"`
	DateInitial string      `json:"dateInitial"`
	FinalDate   string      `json:"finalDate"`
}

// NewReport creates a new Report handler.
func NewReport(store AggregationStore) *Report {
	return &Report{store: store}
}

// ServeHTTP handles POST requests with a JSON body holding metricId, dateInitial and finalDate.
func (h *Report) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxReportRequestBytes)

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	metricID, err := parseMetricID(req.MetricID.String())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := parseDateRange(req.DateInitial, req.FinalDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := report.Build(r.Context(), h.store, metricID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build report")
		slog.Error("Failed to build report", "metric_id", metricID, "err", err)
		return
	}

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename(metricID, from, to)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Failed to write report", "metric_id", metricID, "err", err)
	}
}

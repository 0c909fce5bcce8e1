package models

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the layout of calendar dates stored in metric_date and used by the query API.
const DateLayout = "2006-01-02"

// MetricRow is a single reading parsed from an uploaded CSV file.
//
// DateTime is a wall-clock reading without timezone semantics. It is kept in UTC
// so that the stored timestamp matches what was written in the file.
type MetricRow struct {
	MetricID int64
	DateTime time.Time
	Value    float64
}

// Date returns the calendar date of the reading, as stored in metric_date.
//
// It is always derived from DateTime.
func (r MetricRow) Date() time.Time {
	y, m, d := r.DateTime.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateString returns Date formatted as YYYY-MM-DD.
func (r MetricRow) DateString() string {
	return r.DateTime.Format(DateLayout)
}

// AggregationUnit is the calendar period readings are grouped by.
type AggregationUnit string

// Supported aggregation units.
const (
	Day   AggregationUnit = "DAY"
	Month AggregationUnit = "MONTH"
	Year  AggregationUnit = "YEAR"
)

// ParseAggregationUnit returns the unit named s, case-insensitively.
func ParseAggregationUnit(s string) (AggregationUnit, error) {
	switch u := AggregationUnit(strings.ToUpper(strings.TrimSpace(s))); u {
	case Day, Month, Year:
		return u, nil
	default:
		return "", fmt.Errorf("aggregation type must be DAY, MONTH or YEAR, got %q", s)
	}
}

// Trunc returns the PostgreSQL DATE_TRUNC field name for u.
func (u AggregationUnit) Trunc() string {
	return strings.ToLower(string(u))
}

// Key returns the period key of t for u: YYYY-MM-DD, YYYY-MM or YYYY.
func (u AggregationUnit) Key(t time.Time) string {
	switch u {
	case Month:
		return t.Format("2006-01")
	case Year:
		return t.Format("2006")
	default:
		return t.Format(DateLayout)
	}
}

// MetricAggregation is one truncation bucket of readings for a metric.
type MetricAggregation struct {
	Period time.Time `json:"period"`
	Total  float64   `json:"total"`
	Avg    float64   `json:"avg"`
	Count  int64     `json:"count"`
}

// Package parser turns the raw content of an uploaded metrics CSV file into metric rows.
//
// The expected format is semicolon-delimited, with a header line
// "metricId;<timestamp column>;value" (case-insensitive) followed by data lines
// "<metricId>;<DD/MM/YYYY HH:mm>;<value>".
package parser

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gymetrics/metrics-platform/internal/ingest/models"
)

// ErrMalformedHeader is returned when the first non-empty line is not a valid header.
// The whole file is rejected in that case.
var ErrMalformedHeader = errors.New("malformed CSV header")

const (
	separator = ";"
	utf8BOM   = "\uFEFF"

	headerMetricID = "metricid"
	headerValue    = "value"
)

// Result is the outcome of parsing a file with a valid header.
type Result struct {
	// Rows holds the valid data rows, in file order.
	Rows []models.MetricRow
	// DataLines is the number of non-empty lines after the header.
	DataLines int
}

// Skipped returns how many data lines were dropped because they could not be parsed.
func (r Result) Skipped() int {
	return r.DataLines - len(r.Rows)
}

// Parse parses raw CSV content.
//
// Lines are split on LF or CRLF, trimmed, and empty lines are ignored. The first
// remaining line must be the header, otherwise ErrMalformedHeader is returned and no
// rows are. Data lines which do not have exactly 3 non-empty fields, or whose fields
// do not parse, are skipped without error.
//
// A valid header without any valid data line returns an empty Result and no error.
func Parse(raw []byte) (Result, error) {
	content := strings.TrimPrefix(string(raw), utf8BOM)

	var (
		res       Result
		hasHeader bool
	)
	for line := range strings.SplitSeq(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !hasHeader {
			if err := checkHeader(line); err != nil {
				return Result{}, err
			}
			hasHeader = true
			continue
		}

		res.DataLines++
		row, ok := parseRow(line)
		if !ok {
			continue
		}
		res.Rows = append(res.Rows, row)
	}

	if !hasHeader {
		return Result{}, fmt.Errorf("%w: file has no header line", ErrMalformedHeader)
	}
	return res, nil
}

// checkHeader validates the metricId and value columns. The timestamp column name is free.
func checkHeader(line string) error {
	cols := strings.Split(line, separator)
	if len(cols) != 3 {
		return fmt.Errorf("%w: expected 3 columns, got %d in %q", ErrMalformedHeader, len(cols), line)
	}

	if strings.ToLower(strings.TrimSpace(cols[0])) != headerMetricID ||
		strings.ToLower(strings.TrimSpace(cols[2])) != headerValue {
		return fmt.Errorf("%w: unexpected header %q", ErrMalformedHeader, line)
	}
	return nil
}

func parseRow(line string) (models.MetricRow, bool) {
	fields := strings.Split(line, separator)
	if len(fields) != 3 {
		return models.MetricRow{}, false
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
		if fields[i] == "" {
			return models.MetricRow{}, false
		}
	}

	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return models.MetricRow{}, false
	}

	ts, ok := parseTimestamp(fields[1])
	if !ok {
		return models.MetricRow{}, false
	}

	value, err := strconv.ParseFloat(fields[2], 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return models.MetricRow{}, false
	}

	return models.MetricRow{MetricID: id, DateTime: ts, Value: value}, true
}

// parseTimestamp parses "DD/MM/YYYY HH:mm", with or without zero padding.
// Dates which do not exist in the calendar are rejected.
func parseTimestamp(s string) (time.Time, bool) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return time.Time{}, false
	}

	date := strings.Split(parts[0], "/")
	clock := strings.Split(parts[1], ":")
	if len(date) != 3 || len(clock) != 2 {
		return time.Time{}, false
	}

	day, okD := atoiRange(date[0], 1, 31)
	month, okM := atoiRange(date[1], 1, 12)
	year, okY := atoiRange(date[2], 1, 9999)
	hour, okH := atoiRange(clock[0], 0, 23)
	minute, okMin := atoiRange(clock[1], 0, 59)
	if !okD || !okM || !okY || !okH || !okMin {
		return time.Time{}, false
	}

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
	// time.Date normalizes overflowing days, e.g. 31/02 becomes 03/03.
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}, false
	}
	return t, true
}

// atoiRange parses an unsigned decimal number and checks it is within [lo, hi].
func atoiRange(s string, lo, hi int) (int, bool) {
	if s == "" || strings.ContainsAny(s, "+-") {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

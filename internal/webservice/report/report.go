// Package report builds spreadsheet exports of metric aggregations.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/gymetrics/metrics-platform/internal/ingest/models"
	"github.com/ubuntu/decorate"
	"github.com/xuri/excelize/v2"
)

const (
	// SheetName is the name of the single sheet of a report.
	SheetName = "Report"

	// ContentType is the media type of a report.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	header = []any{"MetricId", "DateTime", "AggDay", "AggMonth", "AggYear"}
	widths = []float64{12, 14, 10, 10, 10}
)

// AggregationStore computes metric aggregations.
type AggregationStore interface {
	Aggregate(ctx context.Context, metricID int64, unit models.AggregationUnit, from, to time.Time) ([]models.MetricAggregation, error)
}

// Build returns an xlsx document with one row per day holding readings of metricID between from and to.
// Each row carries the day total along with the totals of its month and year over the same range.
func Build(ctx context.Context, store AggregationStore, metricID int64, from, to time.Time) (data []byte, err error) {
	defer decorate.OnError(&err, "failed to build report for metric %d", metricID)

	days, err := store.Aggregate(ctx, metricID, models.Day, from, to)
	if err != nil {
		return nil, err
	}
	months, err := store.Aggregate(ctx, metricID, models.Month, from, to)
	if err != nil {
		return nil, err
	}
	years, err := store.Aggregate(ctx, metricID, models.Year, from, to)
	if err != nil {
		return nil, err
	}
	monthTotals := totals(months, models.Month)
	yearTotals := totals(years, models.Year)

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return nil, err
	}
	if err := writeHeader(f); err != nil {
		return nil, err
	}

	for i, d := range days {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []any{
			metricID,
			models.Day.Key(d.Period),
			d.Total,
			monthTotals[models.Month.Key(d.Period)],
			yearTotals[models.Year.Key(d.Period)],
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeHeader(f *excelize.File) error {
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	last, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetName, "A1", last+"1", bold); err != nil {
		return err
	}

	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(SheetName, col, col, w); err != nil {
			return err
		}
	}
	return nil
}

// totals maps period keys of unit to their total.
func totals(aggs []models.MetricAggregation, unit models.AggregationUnit) map[string]float64 {
	m := make(map[string]float64, len(aggs))
	for _, a := range aggs {
		m[unit.Key(a.Period)] = a.Total
	}
	return m
}

// Filename returns the attachment name of the report of metricID between from and to.
func Filename(metricID int64, from, to time.Time) string {
	return fmt.Sprintf("report_metric_%d_%s_to_%s.xlsx", metricID, from.Format(models.DateLayout), to.Format(models.DateLayout))
}

package processor_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gymetrics/metrics-platform/internal/common/blob"
	"github.com/gymetrics/metrics-platform/internal/ingest/database"
	"github.com/gymetrics/metrics-platform/internal/ingest/models"
	"github.com/gymetrics/metrics-platform/internal/ingest/parser"
	"github.com/gymetrics/metrics-platform/internal/ingest/processor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const validFile = "metricId;dateTime;value\n" +
	"218219;15/11/2023 08:30;42.5\n" +
	"218219;15/11/2023 08:45;not a number\n" +
	"218220;16/11/2023 00:00;1\n"

func TestNew(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		timeout                 time.Duration
		preRegisteredCollectors []prometheus.Collector

		wantErr bool
	}{
		"Default options": {},
		"Custom timeout":  {timeout: time.Minute},
		"Non-empty registry": {
			preRegisteredCollectors: []prometheus.Collector{
				prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter"}),
			},
		},

		// Error cases
		"Negative timeout": {timeout: -time.Second, wantErr: true},
		"ingest_messages_total already registered": {
			preRegisteredCollectors: []prometheus.Collector{
				prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ingest_messages_total"}, []string{"result"}),
			},
			wantErr: true,
		},
		"ingest_rows_persisted_total already registered": {
			preRegisteredCollectors: []prometheus.Collector{
				prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rows_persisted_total"}),
			},
			wantErr: true,
		},
		"ingest_message_duration_seconds already registered": {
			preRegisteredCollectors: []prometheus.Collector{
				prometheus.NewHistogram(prometheus.HistogramOpts{Name: "ingest_message_duration_seconds"}),
			},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			registry := prometheus.NewRegistry()
			for _, collector := range tc.preRegisteredCollectors {
				require.NoError(t, registry.Register(collector), "Setup: Failed to register pre-existing collector")
			}

			var opts []processor.Options
			if tc.timeout != 0 {
				opts = append(opts, processor.WithMessageTimeout(tc.timeout))
			}

			p, err := processor.New(&mockFetcher{}, &mockStore{}, registry, opts...)
			if tc.wantErr {
				require.Error(t, err, "New should fail")
				return
			}
			require.NoError(t, err, "New should not fail")
			require.NotNil(t, p, "Processor should not be nil")
		})
	}
}

func TestHandle(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		body    string
		fetcher mockFetcher
		store   mockStore

		wantRows      int
		wantFetched   bool
		wantMarked    bool
		wantResult    string
		wantPersisted float64

		wantStage processor.Stage
		wantErr   error
	}{
		"Valid file is ingested": {
			body:          `{"blobName":"0b1c-readings.csv"}`,
			fetcher:       mockFetcher{content: validFile},
			wantRows:      2,
			wantFetched:   true,
			wantMarked:    true,
			wantResult:    "ingested",
			wantPersisted: 2,
		},
		"Unknown message fields are ignored": {
			body:          `{"blobName":"0b1c-readings.csv","uploadedBy":"someone"}`,
			fetcher:       mockFetcher{content: validFile},
			wantRows:      2,
			wantFetched:   true,
			wantMarked:    true,
			wantResult:    "ingested",
			wantPersisted: 2,
		},
		"File without valid rows is acknowledged without writes": {
			body:        `{"blobName":"0b1c-readings.csv"}`,
			fetcher:     mockFetcher{content: "metricId;dateTime;value\nfoo;bar;baz\n"},
			wantFetched: true,
			wantResult:  "empty",
		},
		"Already ingested file is acknowledged without writes": {
			body:       `{"blobName":"0b1c-readings.csv"}`,
			fetcher:    mockFetcher{content: validFile},
			store:      mockStore{ingested: map[string]bool{"0b1c-readings.csv": true}},
			wantResult: "duplicate",
		},
		"Ledger lookup failure does not prevent ingestion": {
			body:          `{"blobName":"0b1c-readings.csv"}`,
			fetcher:       mockFetcher{content: validFile},
			store:         mockStore{isIngestedErr: errors.New("error requested by test")},
			wantRows:      2,
			wantFetched:   true,
			wantMarked:    true,
			wantResult:    "ingested",
			wantPersisted: 2,
		},
		"Ledger write failure still acknowledges": {
			body:          `{"blobName":"0b1c-readings.csv"}`,
			fetcher:       mockFetcher{content: validFile},
			store:         mockStore{markErr: errors.New("error requested by test")},
			wantRows:      2,
			wantFetched:   true,
			wantResult:    "ingested",
			wantPersisted: 2,
		},

		// Error cases
		"Invalid JSON is rejected": {
			body:       `{"blobName":`,
			wantResult: "rejected",
			wantStage:  processor.StageDecoding,
			wantErr:    processor.ErrMessageDecode,
		},
		"Missing blob name is rejected": {
			body:       `{"file":"0b1c-readings.csv"}`,
			wantResult: "rejected",
			wantStage:  processor.StageDecoding,
			wantErr:    processor.ErrMessageDecode,
		},
		"Blob fetch failure is rejected without writes": {
			body:        `{"blobName":"0b1c-readings.csv"}`,
			fetcher:     mockFetcher{err: fmt.Errorf("%w: %w", blob.ErrBlobFetch, blob.ErrBlobNotFound)},
			wantFetched: true,
			wantResult:  "rejected",
			wantStage:   processor.StageFetching,
			wantErr:     blob.ErrBlobFetch,
		},
		"Malformed header is rejected without writes": {
			body:        `{"blobName":"0b1c-readings.csv"}`,
			fetcher:     mockFetcher{content: "id;time;val\n1;01/01/2024 00:00;1\n"},
			wantFetched: true,
			wantResult:  "rejected",
			wantStage:   processor.StageParsing,
			wantErr:     parser.ErrMalformedHeader,
		},
		"Persistence failure is rejected": {
			body:          `{"blobName":"0b1c-readings.csv"}`,
			fetcher:       mockFetcher{content: validFile},
			store:         mockStore{insertErr: fmt.Errorf("%w: requested by test", database.ErrPersistence), committed: 1},
			wantRows:      2,
			wantFetched:   true,
			wantResult:    "rejected",
			wantPersisted: 1,
			wantStage:     processor.StagePersisting,
			wantErr:       database.ErrPersistence,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			registry := prometheus.NewRegistry()
			p, err := processor.New(&tc.fetcher, &tc.store, registry)
			require.NoError(t, err, "Setup: failed to create processor")

			err = p.Handle(t.Context(), []byte(tc.body))
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr, "Handle should fail with the expected error")
				var stageErr *processor.StageError
				require.ErrorAs(t, err, &stageErr, "Handle should return a stage error")
				require.Equal(t, tc.wantStage, stageErr.Stage, "Unexpected failing stage")
			} else {
				require.NoError(t, err, "Handle should not fail")
			}

			require.Equal(t, tc.wantFetched, tc.fetcher.fetched != "", "Unexpected fetch")
			if tc.wantFetched {
				require.Equal(t, "0b1c-readings.csv", tc.fetcher.fetched, "Unexpected fetched blob")
			}
			require.Len(t, tc.store.inserted, tc.wantRows, "Unexpected rows sent to the database")
			require.Equal(t, tc.wantMarked, tc.store.marked["0b1c-readings.csv"] == tc.wantRows && tc.wantRows > 0,
				"Unexpected ledger write")

			require.InDelta(t, 1, counterValue(t, registry, "ingest_messages_total", tc.wantResult), 0,
				"Message should be counted once with its result")
			require.Equal(t, 1, testutil.CollectAndCount(registry, "ingest_messages_total"), "Only one result should be counted")
			require.InDelta(t, tc.wantPersisted, counterValue(t, registry, "ingest_rows_persisted_total", ""), 0,
				"Unexpected number of persisted rows")
			require.Equal(t, 1, testutil.CollectAndCount(registry, "ingest_message_duration_seconds"), "Duration should be observed")
		})
	}
}

func TestHandleParsedRows(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	p, err := processor.New(&mockFetcher{content: validFile}, store, prometheus.NewRegistry())
	require.NoError(t, err, "Setup: failed to create processor")

	require.NoError(t, p.Handle(t.Context(), []byte(`{"blobName":"0b1c-readings.csv"}`)), "Handle should not fail")

	want := []models.MetricRow{
		{MetricID: 218219, DateTime: time.Date(2023, 11, 15, 8, 30, 0, 0, time.UTC), Value: 42.5},
		{MetricID: 218220, DateTime: time.Date(2023, 11, 16, 0, 0, 0, 0, time.UTC), Value: 1},
	}
	require.Equal(t, want, store.inserted, "Rows should be persisted in file order")
}

func TestHandleLargeFile(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("metricId;dateTime;value\n")
	for i := range 2500 {
		fmt.Fprintf(&b, "%d;01/01/2024 %02d:%02d;%d\n", i, i/60%24, i%60, i)
	}

	store := &mockStore{}
	p, err := processor.New(&mockFetcher{content: b.String()}, store, prometheus.NewRegistry())
	require.NoError(t, err, "Setup: failed to create processor")

	require.NoError(t, p.Handle(t.Context(), []byte(`{"blobName":"big.csv"}`)), "Handle should not fail")
	require.Len(t, store.inserted, 2500, "Every row should be persisted")
	require.Equal(t, 2500, store.marked["big.csv"], "Ledger should record the number of rows")
}

func TestHandleTimeout(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	fetcher := &mockFetcher{block: true}
	p, err := processor.New(fetcher, store, prometheus.NewRegistry(), processor.WithMessageTimeout(50*time.Millisecond))
	require.NoError(t, err, "Setup: failed to create processor")

	done := make(chan error, 1)
	go func() { done <- p.Handle(t.Context(), []byte(`{"blobName":"0b1c-readings.csv"}`)) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.DeadlineExceeded, "Handle should fail once the timeout expired")
		var stageErr *processor.StageError
		require.ErrorAs(t, err, &stageErr, "Handle should return a stage error")
		require.Equal(t, processor.StageFetching, stageErr.Stage, "Timeout should be reported on the blocked stage")
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after the message timeout")
	}
	require.Empty(t, store.inserted, "Nothing should be persisted")
}

func TestStageErrorMessage(t *testing.T) {
	t.Parallel()

	err := &processor.StageError{Stage: processor.StageFetching, Blob: "a.csv", Err: errors.New("boom")}
	require.Equal(t, `fetching "a.csv": boom`, err.Error())

	err = &processor.StageError{Stage: processor.StageDecoding, Err: errors.New("boom")}
	require.Equal(t, "decoding: boom", err.Error())
}

// counterValue returns the value of the counter name, restricted to the series with the given result label if not empty.
func counterValue(t *testing.T, registry *prometheus.Registry, name, result string) float64 {
	t.Helper()

	mfs, err := registry.Gather()
	require.NoError(t, err, "Setup: failed to gather metrics")
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if result == "" {
				return m.GetCounter().GetValue()
			}
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

type mockFetcher struct {
	content string
	err     error
	block   bool

	fetched string
}

func (f *mockFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	f.fetched = name
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", blob.ErrBlobFetch, ctx.Err())
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.content), nil
}

type mockStore struct {
	ingested      map[string]bool
	isIngestedErr error
	insertErr     error
	committed     int
	markErr       error

	inserted []models.MetricRow
	marked   map[string]int
}

func (s *mockStore) IsIngested(_ context.Context, blobName string) (bool, error) {
	if s.isIngestedErr != nil {
		return false, s.isIngestedErr
	}
	return s.ingested[blobName], nil
}

func (s *mockStore) InsertMetrics(_ context.Context, rows []models.MetricRow) (int, error) {
	s.inserted = append(s.inserted, rows...)
	if s.insertErr != nil {
		return s.committed, s.insertErr
	}
	return len(rows), nil
}

func (s *mockStore) MarkIngested(_ context.Context, blobName string, rowCount int) error {
	if s.markErr != nil {
		return s.markErr
	}
	if s.marked == nil {
		s.marked = make(map[string]int)
	}
	s.marked[blobName] = rowCount
	return nil
}

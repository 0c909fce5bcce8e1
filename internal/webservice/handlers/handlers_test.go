package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/gymetrics/metrics-platform/internal/ingest/models"
	"github.com/stretchr/testify/require"
)

type uploaded struct {
	name        string
	data        string
	contentType string
}

type mockUploader struct {
	err error

	mu    sync.Mutex
	blobs []uploaded
}

func (m *mockUploader) Upload(_ context.Context, name string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.blobs = append(m.blobs, uploaded{name: name, data: string(data), contentType: contentType})
	return nil
}

type mockPublisher struct {
	err error

	mu     sync.Mutex
	bodies []string
}

func (m *mockPublisher) Publish(_ context.Context, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.bodies = append(m.bodies, string(body))
	return nil
}

type aggregateCall struct {
	metricID int64
	unit     models.AggregationUnit
	from, to string
}

type mockAggregationStore struct {
	aggs map[models.AggregationUnit][]models.MetricAggregation
	err  error

	mu    sync.Mutex
	calls []aggregateCall
}

func (m *mockAggregationStore) Aggregate(_ context.Context, metricID int64, unit models.AggregationUnit, from, to time.Time) ([]models.MetricAggregation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, aggregateCall{
		metricID: metricID,
		unit:     unit,
		from:     from.Format(models.DateLayout),
		to:       to.Format(models.DateLayout),
	})
	if m.err != nil {
		return nil, m.err
	}
	return m.aggs[unit], nil
}

func multipartRequest(t *testing.T, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := w.CreatePart(h)
	require.NoError(t, err, "Setup: failed to create form part")
	_, err = part.Write(data)
	require.NoError(t, err, "Setup: failed to write form part")
	require.NoError(t, w.Close(), "Setup: failed to close multipart writer")

	req := httptest.NewRequest(http.MethodPost, "/upload", &b)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func missingFileRequest(t *testing.T) *http.Request {
	t.Helper()

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	require.NoError(t, w.WriteField("not_a_file", "oops"), "Setup: failed to write field")
	require.NoError(t, w.Close(), "Setup: failed to close multipart writer")

	req := httptest.NewRequest(http.MethodPost, "/upload", &b)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

// decodeError returns the status code and message of a JSON error answer.
func decodeError(t *testing.T, rr *httptest.ResponseRecorder) (int, string) {
	t.Helper()

	var body struct {
		StatusCode int    `json:"statusCode"`
		Message    string `json:"message"`
		Error      string `json:"error"`
	}
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"), "Errors should be answered as JSON")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), "Error body should be valid JSON")
	require.Equal(t, http.StatusText(body.StatusCode), body.Error, "Error field should match the status code")
	return body.StatusCode, body.Message
}

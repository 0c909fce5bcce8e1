// Package handlers provides HTTP handlers for the web service.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gymetrics/metrics-platform/internal/common/blob"
	"github.com/gymetrics/metrics-platform/internal/common/broker"
	"github.com/gymetrics/metrics-platform/internal/ingest/models"
)

// UploadField is the multipart form field carrying the uploaded file.
const UploadField = "file"

// Upload stores CSV files and queues them for ingestion.
type Upload struct {
	store         BlobUploader
	publisher     Publisher
	maxUploadSize int64
}

type uploadResponse struct {
	Message  string `json:"message"`
	BlobName string `json:"blobName"`
}

// NewUpload creates a new Upload handler.
func NewUpload(store BlobUploader, publisher Publisher, maxUploadSize int64) *Upload {
	return &Upload{
		store:         store,
		publisher:     publisher,
		maxUploadSize: maxUploadSize,
	}
}

// ServeHTTP handles multipart file uploads.
func (h *Upload) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	slog.Info("Request recv'd", "req_id", reqID)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	file, header, err := r.FormFile(UploadField)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File exceeds the maximum size of %d bytes", maxErr.Limit))
		case errors.Is(err, http.ErrMissingFile):
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Send a file in the %q field", UploadField))
		default:
			writeError(w, http.StatusBadRequest, "Invalid multipart form")
		}
		slog.Error("Failed to read uploaded file", "req_id", reqID, "err", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		slog.Error("Failed to read uploaded file", "req_id", reqID, "err", err)
		return
	}

	name := blobName(header.Filename)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = blob.DefaultContentType
	}

	if err := h.store.Upload(r.Context(), name, data, contentType); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store file")
		slog.Error("Failed to store file", "req_id", reqID, "blob", name, "err", err)
		return
	}

	msg, err := models.IngestionMessage{BlobName: name}.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to queue file")
		slog.Error("Failed to encode ingestion message", "req_id", reqID, "blob", name, "err", err)
		return
	}
	if err := h.publisher.Publish(r.Context(), msg); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, broker.ErrBrokerUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "Failed to queue file for ingestion")
		slog.Error("Failed to queue file", "req_id", reqID, "blob", name, "err", err)
		return
	}

	slog.Info("File successfully uploaded", "req_id", reqID, "blob", name, "bytes", len(data))
	writeJSON(w, http.StatusCreated, uploadResponse{Message: "Upload OK", BlobName: name})
}

// blobName returns a unique object name keeping the base name of the client file.
func blobName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, `\`, "/"))
	if base == "." || base == "/" || base == "" {
		base = "upload.csv"
	}
	return uuid.New().String() + "-" + base
}

// Package models provides the data structures flowing through the ingest service:
// the queue notification, the parsed metric rows and the aggregation results.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ErrMessageDecode is returned when a queue message body is not a valid IngestionMessage.
var ErrMessageDecode = errors.New("invalid ingestion message")

// IngestionMessage is the notification published once an upload has been stored in the blob store.
//
// Other attributes may be present in the body; they are ignored.
type IngestionMessage struct {
	BlobName string `json:"blobName" mapstructure:"blobName"`
}

// DecodeMessage decodes a JSON queue message body into an IngestionMessage.
//
// The body must be a JSON object with a non-empty string "blobName". Keys are case sensitive.
func DecodeMessage(body []byte) (IngestionMessage, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return IngestionMessage{}, fmt.Errorf("%w: body is not a JSON object: %v", ErrMessageDecode, err)
	}

	var msg IngestionMessage
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:    &msg,
		MatchName: func(mapKey, fieldName string) bool { return mapKey == fieldName },
	})
	if err != nil {
		return IngestionMessage{}, fmt.Errorf("failed to create decoder: %v", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return IngestionMessage{}, fmt.Errorf("%w: %v", ErrMessageDecode, err)
	}

	if strings.TrimSpace(msg.BlobName) == "" {
		return IngestionMessage{}, fmt.Errorf("%w: missing blobName", ErrMessageDecode)
	}
	return msg, nil
}

// Encode returns the JSON body published on the queue for m.
func (m IngestionMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

package models

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Payload encodings carried by an Envelope.
const (
	EncodingBase64 = "base64"
	EncodingText   = "text"
	EncodingJSON   = "json"
)

// ErrPayloadNotJSON is returned when an inner payload decodes to bytes that are not JSON.
var ErrPayloadNotJSON = errors.New("inner payload is not valid JSON")

// Envelope is the transport-native wrapper of one captured event. Data holds
// the inner payload as raw JSON: a JSON string while it is still in its wire
// encoding, or the structured document once decoded.
type Envelope struct {
	SourceID         string          `json:"source_id"`
	EventID          string          `json:"event_id"`
	PartitionKey     string          `json:"partition_key,omitempty"`
	SequenceNumber   string          `json:"sequence_number,omitempty"`
	ArrivalTimestamp int64           `json:"arrival_timestamp"`
	Encoding         string          `json:"encoding"`
	Data             json.RawMessage `json:"data"`
}

// NewBase64Envelope wraps raw bytes the way a stream transport delivers them.
func NewBase64Envelope(sourceID, eventID, partitionKey, sequence string, arrival int64, raw []byte) Envelope {
	data, _ := json.Marshal(base64.StdEncoding.EncodeToString(raw))
	return Envelope{
		SourceID:         sourceID,
		EventID:          eventID,
		PartitionKey:     partitionKey,
		SequenceNumber:   sequence,
		ArrivalTimestamp: arrival,
		Encoding:         EncodingBase64,
		Data:             data,
	}
}

// Decoded returns a copy of e whose inner payload is decoded from its wire
// encoding into structured JSON. On failure e is returned unchanged together
// with the error; callers treat that as non-fatal.
func (e Envelope) Decoded() (Envelope, error) {
	if e.Encoding == EncodingJSON {
		return e, nil
	}

	var encoded string
	if err := json.Unmarshal(e.Data, &encoded); err != nil {
		return e, fmt.Errorf("inner payload is not an encoded string: %w", err)
	}

	var raw []byte
	switch e.Encoding {
	case EncodingText:
		raw = []byte(encoded)
	case EncodingBase64, "":
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return e, fmt.Errorf("decode base64 payload: %w", err)
		}
		raw = b
	default:
		return e, fmt.Errorf("unknown payload encoding %q", e.Encoding)
	}

	if !json.Valid(raw) {
		return e, ErrPayloadNotJSON
	}

	out := e
	out.Encoding = EncodingJSON
	out.Data = json.RawMessage(raw)
	return out, nil
}

// Package models defines the records that move through the capture,
// reconcile, link and replay stages.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// StreamRecord is one raw record delivered by the input stream.
type StreamRecord struct {
	SourceID         string
	RecordID         string
	PartitionKey     string
	SequenceNumber   string
	ArrivalTimestamp int64 // epoch milliseconds
	Data             []byte
}

// BufferRecord is a captured event waiting to be reconciled into the event store.
type BufferRecord struct {
	PartitionKey     string   `json:"partition_key"`
	EventID          string   `json:"event_id"`
	ArrivalTimestamp int64    `json:"arrival_timestamp"`
	RawPayload       Envelope `json:"raw_payload"`
}

// EventRecord is a durable, time-addressable event.
type EventRecord struct {
	Slot  time.Time `json:"event_time_slot"`
	Stamp time.Time `json:"event_time_stamp"`

	// Key is the partition key of the buffer record this event came from.
	// Together with Slot and Stamp it makes reconciliation writes idempotent.
	Key string `json:"record_key"`

	Payload  Envelope   `json:"record_payload"`
	NextSlot *time.Time `json:"next_slot,omitempty"`
}

// OutRecord is one event as submitted to the output transport.
type OutRecord struct {
	Key          string
	PartitionKey string
	Slot         time.Time
	Stamp        time.Time
	Data         []byte
}

// PartitionKey derives the buffer key of an upstream record: the hex SHA-256
// of the source identifier followed by the record identifier.
func PartitionKey(sourceID, recordID string) string {
	sum := sha256.Sum256([]byte(sourceID + recordID))
	return hex.EncodeToString(sum[:])
}

// NewBufferRecord builds the buffer entry for a stream record.
func NewBufferRecord(rec StreamRecord) BufferRecord {
	return BufferRecord{
		PartitionKey:     PartitionKey(rec.SourceID, rec.RecordID),
		EventID:          rec.RecordID,
		ArrivalTimestamp: rec.ArrivalTimestamp,
		RawPayload: NewBase64Envelope(
			rec.SourceID, rec.RecordID, rec.PartitionKey, rec.SequenceNumber,
			rec.ArrivalTimestamp, rec.Data,
		),
	}
}

// ToEventRecord time-buckets a buffer record into its slot. payload is the
// (possibly decoded) envelope to store.
func (b BufferRecord) ToEventRecord(payload Envelope, unit time.Duration) EventRecord {
	return EventRecord{
		Slot:    SlotOfMillis(b.ArrivalTimestamp, unit),
		Stamp:   time.UnixMilli(b.ArrivalTimestamp).UTC(),
		Key:     b.PartitionKey,
		Payload: payload,
	}
}

// ToOutRecord returns what the replayer publishes for e: the inner payload,
// keyed by the original transport partition key.
func (e EventRecord) ToOutRecord() OutRecord {
	pk := e.Payload.PartitionKey
	if pk == "" {
		pk = e.Key
	}
	return OutRecord{
		Key:          e.Key,
		PartitionKey: pk,
		Slot:         e.Slot,
		Stamp:        e.Stamp,
		Data:         []byte(e.Payload.Data),
	}
}

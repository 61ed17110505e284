package logging

import (
	"log/slog"
	"time"
)

// Field names shared by every pipeline component.
const (
	FieldService      = "service"
	FieldComponent    = "component"
	FieldInvocationID = "invocation_id"
	FieldRequestID    = "request_id"
	FieldSlot         = "slot"
	FieldPartitionKey = "partition_key"
	FieldCursor       = "cursor"
	FieldSequence     = "sequence"
	FieldCount        = "count"
	FieldDuration     = "duration_ms"
	FieldError        = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Component returns a slog attribute naming the pipeline component.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// InvocationID returns a slog attribute for an invocation ID.
func InvocationID(id string) slog.Attr {
	return slog.String(FieldInvocationID, id)
}

// Slot renders a time slot as ISO-8601 with millisecond precision.
func Slot(t time.Time) slog.Attr {
	return slog.String(FieldSlot, t.UTC().Format("2006-01-02T15:04:05.000Z"))
}

func PartitionKey(key string) slog.Attr {
	return slog.String(FieldPartitionKey, key)
}

func Cursor(cursor string) slog.Attr {
	return slog.String(FieldCursor, cursor)
}

// Sequence returns a slog attribute for an output transport sequence number.
func Sequence(seq string) slog.Attr {
	return slog.String(FieldSequence, seq)
}

func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Duration returns a slog attribute for an elapsed duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

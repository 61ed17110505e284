package models

import (
	"fmt"
	"time"
)

// TimestampLayout renders timestamps as ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// SlotOf truncates t down to the nearest multiple of unit since the Unix epoch.
// Unlike time.Truncate it floors negative instants too, so slots stay aligned.
func SlotOf(t time.Time, unit time.Duration) time.Time {
	ms := unit.Milliseconds()
	if ms <= 0 {
		return t.UTC()
	}
	return time.UnixMilli(FloorMillis(t.UnixMilli(), ms)).UTC()
}

// SlotOfMillis returns the slot of an arrival timestamp expressed in epoch milliseconds.
func SlotOfMillis(arrival int64, unit time.Duration) time.Time {
	return SlotOf(time.UnixMilli(arrival), unit)
}

// FloorMillis computes floor(ms / unit) * unit for both signs of ms.
func FloorMillis(ms, unit int64) int64 {
	q := ms / unit
	if ms%unit != 0 && ms < 0 {
		q--
	}
	return q * unit
}

// FormatTimestamp renders t with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts any RFC 3339 timestamp, with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

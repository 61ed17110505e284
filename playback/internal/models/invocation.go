package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Invocation is the payload of one component run. A scheduled run carries
// Continue=false; a self-dispatched resumption carries Continue=true and
// everything needed to pick up where the previous run stopped.
type Invocation struct {
	ID               string     `json:"id"`
	Start            *time.Time `json:"start,omitempty"`
	End              *time.Time `json:"end,omitempty"`
	PaginationCursor string     `json:"pagination_cursor,omitempty"`
	Continue         bool       `json:"continue"`

	// PendingSlot is the last populated slot a linker run saw before it stopped.
	PendingSlot *time.Time `json:"pending_slot,omitempty"`

	// PrevSequence is the sequence number of the last record a sequenced
	// replay published before it stopped.
	PrevSequence string `json:"prev_sequence,omitempty"`
}

// DecodeInvocation parses an invocation payload. An empty body is a fresh run.
func DecodeInvocation(data []byte) (Invocation, error) {
	var inv Invocation
	if len(data) == 0 {
		return inv, nil
	}
	if err := json.Unmarshal(data, &inv); err != nil {
		return inv, fmt.Errorf("decode invocation: %w", err)
	}
	if inv.Start != nil && inv.End != nil && inv.End.Before(*inv.Start) {
		return inv, fmt.Errorf("invocation window end %s precedes start %s",
			FormatTimestamp(*inv.End), FormatTimestamp(*inv.Start))
	}
	return inv, nil
}

// Encode serializes the invocation for dispatch.
func (i Invocation) Encode() ([]byte, error) {
	return json.Marshal(i)
}

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

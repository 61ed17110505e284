// Package messaging provides broker-neutral message types shared by the
// capture, invocation and replay streams.
package messaging

import (
	"context"
	"time"
)

// Header names carried on pipeline messages.
const (
	HeaderPartitionKey = "Playback-Partition-Key"
	HeaderSlot         = "Playback-Slot"
	HeaderPrevSequence = "Playback-Prev-Sequence"
	HeaderInvocationID = "Playback-Invocation-Id"
)

// Message is a message received from a durable stream.
type Message struct {
	// Subject is the subject the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata holds message headers.
	Metadata map[string]string

	// Stream and Sequence identify the message inside its stream.
	Stream   string
	Sequence uint64

	// Timestamp is the broker-assigned arrival time.
	Timestamp time.Time

	// Deliveries counts how many times the broker delivered this message.
	Deliveries uint64
}

// MessageHandler processes a received message. A non-nil error asks the broker
// to redeliver it later.
type MessageHandler func(ctx context.Context, msg *Message) error

// Connectivity reports broker connection state for readiness probes.
type Connectivity interface {
	IsConnected() bool
}

// Ready returns nil when every dependency reports a live connection.
func Ready(deps ...Connectivity) error {
	for _, d := range deps {
		if d == nil || !d.IsConnected() {
			return ErrNotConnected
		}
	}
	return nil
}

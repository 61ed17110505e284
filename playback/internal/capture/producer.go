package capture

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-playback/common/messaging/nats"
)

// StreamProducer appends raw events to the capture stream.
type StreamProducer struct {
	js      *natsclient.JetStreamClient
	subject string
}

func NewStreamProducer(js *natsclient.JetStreamClient) *StreamProducer {
	return &StreamProducer{js: js, subject: messaging.SubjectCaptureEvents}
}

// Publish appends data under partitionKey and returns the stream sequence
// number the transport assigned to it.
func (p *StreamProducer) Publish(ctx context.Context, partitionKey string, data []byte) (string, error) {
	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(messaging.HeaderPartitionKey, partitionKey)

	ack, err := p.js.PublishMsgSync(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish to capture stream: %w", err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

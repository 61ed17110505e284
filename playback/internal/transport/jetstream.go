package transport

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// StreamPublisher is the part of the shared JetStream client the transport uses.
type StreamPublisher interface {
	PublishMsgSync(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	PublishMsgAsync(msg *nats.Msg, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error)
}

// JetStream publishes records to a subject of the replay stream.
type JetStream struct {
	js      StreamPublisher
	subject string
}

func NewJetStream(js StreamPublisher, subject string) *JetStream {
	if subject == "" {
		subject = messaging.SubjectReplayEvents
	}
	return &JetStream{js: js, subject: subject}
}

func (t *JetStream) PutRecord(ctx context.Context, rec models.OutRecord, prevSeq string) (string, error) {
	ack, err := t.js.PublishMsgSync(ctx, buildMsg(t.subject, rec, prevSeq))
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", rec.Key, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// PutRecords publishes asynchronously and collects each record's ack.
func (t *JetStream) PutRecords(ctx context.Context, recs []models.OutRecord) ([]PutResult, error) {
	results := make([]PutResult, len(recs))
	futures := make([]jetstream.PubAckFuture, len(recs))

	for i, rec := range recs {
		f, err := t.js.PublishMsgAsync(buildMsg(t.subject, rec, ""))
		if err != nil {
			results[i].Err = fmt.Errorf("publish %s: %w", rec.Key, err)
			continue
		}
		futures[i] = f
	}

	for i, f := range futures {
		if f == nil {
			continue
		}
		select {
		case ack := <-f.Ok():
			results[i].Sequence = strconv.FormatUint(ack.Sequence, 10)
		case err := <-f.Err():
			results[i].Err = fmt.Errorf("publish %s: %w", recs[i].Key, err)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// Close is a no-op; the connection is owned by the caller.
func (t *JetStream) Close() error {
	return nil
}

func buildMsg(subject string, rec models.OutRecord, prevSeq string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = rec.Data
	msg.Header.Set(messaging.HeaderPartitionKey, rec.PartitionKey)
	msg.Header.Set(messaging.HeaderSlot, models.FormatTimestamp(rec.Slot))
	if prevSeq != "" {
		msg.Header.Set(messaging.HeaderPrevSequence, prevSeq)
	}
	return msg
}

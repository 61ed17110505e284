package capture

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-playback/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// Fetcher pulls a batch of messages from a durable JetStream consumer.
type Fetcher interface {
	Fetch(ctx context.Context, stream, consumer string, batch int, maxWait time.Duration) ([]jetstream.Msg, error)
}

// ConsumerConfig selects the durable consumer and its batch shape.
type ConsumerConfig struct {
	Stream    string
	Consumer  string
	BatchSize int
	FetchWait time.Duration
}

// Consumer feeds batches from the capture stream into a Writer. A batch is
// acknowledged only after every record in it is buffered; otherwise all of
// its messages are NAK'd and redelivered together.
type Consumer struct {
	fetcher Fetcher
	writer  *Writer
	cfg     ConsumerConfig
	logger  *logging.Logger
}

func NewConsumer(fetcher Fetcher, writer *Writer, cfg ConsumerConfig, logger *logging.Logger) *Consumer {
	return &Consumer{fetcher: fetcher, writer: writer, cfg: cfg, logger: logger}
}

// Run fetches and writes batches until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "Capture consumer started",
		logging.Component(messaging.ComponentCapture),
		"stream", c.cfg.Stream,
		"consumer", c.cfg.Consumer,
	)

	for {
		if ctx.Err() != nil {
			c.logger.InfoContext(ctx, "Capture consumer stopped")
			return nil
		}

		msgs, err := c.fetcher.Fetch(ctx, c.cfg.Stream, c.cfg.Consumer, c.cfg.BatchSize, c.cfg.FetchWait)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.WarnContext(ctx, "Capture fetch failed", logging.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if len(msgs) == 0 {
			continue
		}

		c.handleBatch(ctx, msgs)
	}
}

func (c *Consumer) handleBatch(ctx context.Context, msgs []jetstream.Msg) {
	records := make([]models.StreamRecord, 0, len(msgs))
	for _, msg := range msgs {
		records = append(records, RecordFromMessage(natsclient.ToMessage(msg)))
	}

	if err := c.writer.Write(ctx, records); err != nil {
		c.logger.WarnContext(ctx, "Capture batch failed, requesting redelivery",
			logging.Count(len(msgs)),
			logging.Error(err),
		)
		for _, msg := range msgs {
			if err := msg.NakWithDelay(natsclient.RedeliveryDelay); err != nil {
				// Unacked messages are redelivered after AckWait anyway.
				c.logger.WarnContext(ctx, "Failed to nak captured message", logging.Error(err))
			}
		}
		return
	}

	for _, msg := range msgs {
		if err := msg.Ack(); err != nil {
			// The record is buffered; a redelivery only overwrites it.
			c.logger.WarnContext(ctx, "Failed to ack captured message", logging.Error(err))
		}
	}
}

// RecordFromMessage maps a stream message onto a StreamRecord. The stream
// name and stream sequence identify the record upstream.
func RecordFromMessage(msg *messaging.Message) models.StreamRecord {
	seq := strconv.FormatUint(msg.Sequence, 10)
	return models.StreamRecord{
		SourceID:         msg.Stream,
		RecordID:         seq,
		PartitionKey:     msg.Metadata[messaging.HeaderPartitionKey],
		SequenceNumber:   seq,
		ArrivalTimestamp: ArrivalMillis(msg.Timestamp),
		Data:             msg.Data,
	}
}

// ArrivalMillis converts a transport timestamp to epoch milliseconds, rounding up.
func ArrivalMillis(t time.Time) int64 {
	ns := t.UnixNano()
	ms := ns / int64(time.Millisecond)
	if ns%int64(time.Millisecond) > 0 {
		ms++
	}
	return ms
}

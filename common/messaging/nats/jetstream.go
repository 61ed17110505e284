package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telhawk-playback/common/messaging"
)

// RedeliveryDelay is how long a NAK'd message waits before redelivery.
var RedeliveryDelay = 5 * time.Second

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// ConsumerConfig defines a durable pull consumer.
type ConsumerConfig struct {
	Name          string
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts. -1 means unlimited.
	MaxDeliver int

	MaxAckPending int
}

// DefaultConsumerConfig returns sensible defaults for a consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    -1,
		MaxAckPending: 1000,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{Client: client, js: js}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		MaxAge:    cfg.MaxAge,
		MaxBytes:  cfg.MaxBytes,
		MaxMsgs:   cfg.MaxMsgs,
		Retention: cfg.Retention,
		Storage:   cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable pull consumer.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}
	return consumer, nil
}

// PublishMsgSync publishes a message with headers and waits for the stream acknowledgment.
func (c *JetStreamClient) PublishMsgSync(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	return c.js.PublishMsg(ctx, msg, opts...)
}

// PublishMsgAsync publishes a message without waiting; the returned future
// resolves to the acknowledgment or the error for this message alone.
func (c *JetStreamClient) PublishMsgAsync(msg *nats.Msg, opts ...jetstream.PublishOpt) (jetstream.PubAckFuture, error) {
	return c.js.PublishMsgAsync(msg, opts...)
}

// Fetch pulls up to batch messages from a durable consumer, waiting at most maxWait.
// The caller owns acknowledgment of every returned message.
func (c *JetStreamClient) Fetch(ctx context.Context, streamName, consumerName string, batch int, maxWait time.Duration) ([]jetstream.Msg, error) {
	consumer, err := c.js.Consumer(ctx, streamName, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumerName, err)
	}

	msgs, err := consumer.Fetch(batch, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var out []jetstream.Msg
	for msg := range msgs.Messages() {
		out = append(out, msg)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch completed with error: %w", err)
	}
	return out, nil
}

// ConsumeMessages runs handler for every message of a durable consumer.
// Successful messages are acked, failed ones NAK'd with RedeliveryDelay.
// The returned function stops consumption.
func (c *JetStreamClient) ConsumeMessages(ctx context.Context, streamName, consumerName string, handler messaging.MessageHandler) (func(), error) {
	consumer, err := c.js.Consumer(ctx, streamName, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumerName, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(consumeCtx, ToMessage(msg)); err != nil {
			_ = msg.NakWithDelay(RedeliveryDelay)
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}

// ToMessage converts a JetStream message, including its stream metadata.
func ToMessage(msg jetstream.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject: msg.Subject(),
		Data:    msg.Data(),
	}

	if md, err := msg.Metadata(); err == nil && md != nil {
		m.Stream = md.Stream
		m.Sequence = md.Sequence.Stream
		m.Timestamp = md.Timestamp
		m.Deliveries = md.NumDelivered
	} else {
		m.Timestamp = time.Now()
	}

	if headers := msg.Headers(); len(headers) > 0 {
		m.Metadata = make(map[string]string, len(headers))
		for k := range headers {
			m.Metadata[k] = headers.Get(k)
		}
	}

	return m
}

// Pipeline streams.
var (
	// CaptureStream buffers raw ingress events until the capture writer consumes them.
	CaptureStream = StreamConfig{
		Name:      "PLAYBACK_CAPTURE",
		Subjects:  []string{"playback.capture.>"},
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   10_000_000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}

	// InvocationStream carries scheduled and self-dispatched component invocations.
	InvocationStream = StreamConfig{
		Name:      "PLAYBACK_INVOCATIONS",
		Subjects:  []string{messaging.SubjectInvokePrefix + ".>"},
		MaxAge:    24 * time.Hour,
		MaxBytes:  64 * 1024 * 1024,
		MaxMsgs:   100_000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}

	// ReplayStream is the output stream the replayer republishes into.
	ReplayStream = StreamConfig{
		Name:      "PLAYBACK_REPLAY",
		Subjects:  []string{"playback.replay.>"},
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  4 * 1024 * 1024 * 1024,
		MaxMsgs:   -1,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
)

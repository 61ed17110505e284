package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-playback/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/bufferstore"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
)

// flakyStore fails Put for one record ID.
type flakyStore struct {
	*bufferstore.MemoryStore
	failKey string
	puts    atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, rec models.BufferRecord) error {
	s.puts.Add(1)
	if rec.EventID == s.failKey {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Put(ctx, rec)
}

func batch(n int) []models.StreamRecord {
	records := make([]models.StreamRecord, n)
	for i := range records {
		records[i] = models.StreamRecord{
			SourceID:         "PLAYBACK_CAPTURE",
			RecordID:         fmt.Sprint(i + 1),
			ArrivalTimestamp: int64(1000 + i),
			Data:             []byte(`{"n":1}`),
		}
	}
	return records
}

func TestWriter_Write(t *testing.T) {
	store := bufferstore.NewMemoryStore()
	w := NewWriter(store, 4, logging.Nop())

	require.NoError(t, w.Write(context.Background(), batch(10)))
	assert.Equal(t, 10, store.Len())

	rec, err := store.Get(context.Background(), models.PartitionKey("PLAYBACK_CAPTURE", "3"))
	require.NoError(t, err)
	assert.Equal(t, "3", rec.EventID)
	assert.Equal(t, int64(1002), rec.ArrivalTimestamp)
}

func TestWriter_DuplicateDelivery(t *testing.T) {
	store := bufferstore.NewMemoryStore()
	w := NewWriter(store, 2, logging.Nop())

	records := batch(3)
	require.NoError(t, w.Write(context.Background(), records))
	require.NoError(t, w.Write(context.Background(), records))

	assert.Equal(t, 3, store.Len())
}

func TestWriter_AnyFailureFailsBatch(t *testing.T) {
	store := &flakyStore{MemoryStore: bufferstore.NewMemoryStore(), failKey: "2"}
	w := NewWriter(store, 1, logging.Nop())

	err := w.Write(context.Background(), batch(3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestWriter_EmptyBatch(t *testing.T) {
	w := NewWriter(bufferstore.NewMemoryStore(), 0, logging.Nop())
	assert.NoError(t, w.Write(context.Background(), nil))
}

func TestRecordFromMessage(t *testing.T) {
	ts := time.Unix(1_700_000_000, 123_400_000)
	msg := &messaging.Message{
		Subject:   messaging.SubjectCaptureEvents,
		Data:      []byte(`{"id":"x"}`),
		Metadata:  map[string]string{messaging.HeaderPartitionKey: "pk-1"},
		Stream:    "PLAYBACK_CAPTURE",
		Sequence:  42,
		Timestamp: ts,
	}

	rec := RecordFromMessage(msg)
	assert.Equal(t, "PLAYBACK_CAPTURE", rec.SourceID)
	assert.Equal(t, "42", rec.RecordID)
	assert.Equal(t, "42", rec.SequenceNumber)
	assert.Equal(t, "pk-1", rec.PartitionKey)
	assert.Equal(t, int64(1_700_000_000_124), rec.ArrivalTimestamp)
	assert.Equal(t, msg.Data, rec.Data)
}

func TestArrivalMillis(t *testing.T) {
	tests := []struct {
		name string
		ts   time.Time
		want int64
	}{
		{"exact millisecond", time.UnixMilli(1500), 1500},
		{"rounds up", time.Unix(1, 500_000_001), 1501},
		{"sub-millisecond", time.Unix(0, 1), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ArrivalMillis(tt.ts))
		})
	}
}

// stubMsg is a fetched capture message that records how it was settled.
type stubMsg struct {
	jetstream.Msg
	seq    uint64
	data   []byte
	nakErr error

	acks     int
	naks     int
	nakDelay time.Duration
}

func (m *stubMsg) Subject() string { return messaging.SubjectCaptureEvents }

func (m *stubMsg) Data() []byte { return m.data }

func (m *stubMsg) Headers() nats.Header { return nats.Header{} }

func (m *stubMsg) Ack() error {
	m.acks++
	return nil
}

func (m *stubMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{
		Stream:       natsclient.CaptureStream.Name,
		Sequence:     jetstream.SequencePair{Stream: m.seq, Consumer: m.seq},
		NumDelivered: 1,
		Timestamp:    time.UnixMilli(1_700_000_000_000 + int64(m.seq)),
	}, nil
}

func (m *stubMsg) NakWithDelay(delay time.Duration) error {
	m.naks++
	m.nakDelay = delay
	return m.nakErr
}

// stubFetcher hands out queued batches, then cancels the run.
type stubFetcher struct {
	batches [][]jetstream.Msg
	cancel  context.CancelFunc
}

func (f *stubFetcher) Fetch(ctx context.Context, stream, consumer string, batch int, maxWait time.Duration) ([]jetstream.Msg, error) {
	if len(f.batches) == 0 {
		f.cancel()
		return nil, context.Canceled
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func stubBatch(n int) ([]jetstream.Msg, []*stubMsg) {
	msgs := make([]jetstream.Msg, n)
	stubs := make([]*stubMsg, n)
	for i := range stubs {
		stubs[i] = &stubMsg{seq: uint64(i + 1), data: []byte(`{"n":1}`)}
		msgs[i] = stubs[i]
	}
	return msgs, stubs
}

func runConsumer(t *testing.T, store bufferstore.Store, batches ...[]jetstream.Msg) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewConsumer(&stubFetcher{batches: batches, cancel: cancel}, NewWriter(store, 2, logging.Nop()), ConsumerConfig{
		Stream:    natsclient.CaptureStream.Name,
		Consumer:  "test",
		BatchSize: 10,
	}, logging.Nop())
	require.NoError(t, c.Run(ctx))
}

func TestConsumer_AcksBufferedBatch(t *testing.T) {
	store := bufferstore.NewMemoryStore()
	msgs, stubs := stubBatch(3)

	runConsumer(t, store, msgs)

	assert.Equal(t, 3, store.Len())
	for i, m := range stubs {
		assert.Equal(t, 1, m.acks, "message %d", i)
		assert.Zero(t, m.naks, "message %d", i)
	}

	rec, err := store.Get(context.Background(), models.PartitionKey(natsclient.CaptureStream.Name, "2"))
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_002), rec.ArrivalTimestamp)
}

func TestConsumer_NaksWholeBatchOnWriteFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: bufferstore.NewMemoryStore(), failKey: "2"}
	msgs, stubs := stubBatch(3)
	stubs[0].nakErr = errors.New("connection closed")

	runConsumer(t, store, msgs)

	for i, m := range stubs {
		assert.Zero(t, m.acks, "message %d", i)
		assert.Equal(t, 1, m.naks, "message %d", i)
		assert.Equal(t, natsclient.RedeliveryDelay, m.nakDelay)
	}
}

func TestConsumer_BatchesSettleIndependently(t *testing.T) {
	store := &flakyStore{MemoryStore: bufferstore.NewMemoryStore(), failKey: "5"}
	first, okStubs := stubBatch(2)

	second := make([]jetstream.Msg, 2)
	failStubs := []*stubMsg{
		{seq: 5, data: []byte(`{}`)},
		{seq: 6, data: []byte(`{}`)},
	}
	for i, m := range failStubs {
		second[i] = m
	}

	runConsumer(t, store, first, second)

	for _, m := range okStubs {
		assert.Equal(t, 1, m.acks)
		assert.Zero(t, m.naks)
	}
	for _, m := range failStubs {
		assert.Zero(t, m.acks)
		assert.Equal(t, 1, m.naks)
	}
}

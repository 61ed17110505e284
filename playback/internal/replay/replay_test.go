package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-playback/common/logging"
	"github.com/telhawk-systems/telhawk-playback/common/messaging"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/config"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/eventstore"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/invoke"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/models"
	"github.com/telhawk-systems/telhawk-playback/playback/internal/transport"
)

const unit = time.Second

var (
	t0        = time.UnixMilli(1_700_000_000_000).UTC()
	fastRetry = Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond}
)

// fakeTransport records every submission. Keys listed in failures fail that
// many times before succeeding.
type fakeTransport struct {
	mu        sync.Mutex
	seq       int
	failures  map[string]int
	callErrs  int
	published []string
	batches   [][]string
	prevSeqs  []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{failures: make(map[string]int)}
}

func (f *fakeTransport) fail(key string) bool {
	if f.failures[key] > 0 {
		f.failures[key]--
		return true
	}
	return false
}

func (f *fakeTransport) PutRecord(ctx context.Context, rec models.OutRecord, prevSeq string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prevSeqs = append(f.prevSeqs, prevSeq)
	if f.fail(rec.Key) {
		return "", errors.New("throttled")
	}
	f.seq++
	f.published = append(f.published, rec.Key)
	return strconv.Itoa(f.seq), nil
}

func (f *fakeTransport) PutRecords(ctx context.Context, recs []models.OutRecord) ([]transport.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key
	}
	f.batches = append(f.batches, keys)

	if f.callErrs > 0 {
		f.callErrs--
		return nil, errors.New("service unavailable")
	}

	results := make([]transport.PutResult, len(recs))
	for i, rec := range recs {
		if f.fail(rec.Key) {
			results[i].Err = errors.New("throttled")
			continue
		}
		f.seq++
		f.published = append(f.published, rec.Key)
		results[i].Sequence = strconv.Itoa(f.seq)
	}
	return results, nil
}

func (f *fakeTransport) Close() error {
	return nil
}

// countingStore counts slot queries.
type countingStore struct {
	*eventstore.MemoryStore
	queried []time.Time
}

func (s *countingStore) QuerySlot(ctx context.Context, slot time.Time, cursor string, limit int) (eventstore.Page, error) {
	if cursor == "" {
		s.queried = append(s.queried, slot)
	}
	return s.MemoryStore.QuerySlot(ctx, slot, cursor, limit)
}

func put(t *testing.T, store eventstore.Store, key string, offset time.Duration) {
	t.Helper()
	ts := t0.Add(offset)
	require.NoError(t, store.Put(context.Background(), models.EventRecord{
		Slot:  models.SlotOf(ts, unit),
		Stamp: ts,
		Key:   key,
		Payload: models.Envelope{
			PartitionKey: "pk-" + key,
			Encoding:     models.EncodingJSON,
			Data:         []byte(`{"key":"` + key + `"}`),
		},
	}))
}

func link(t *testing.T, store eventstore.Store, from, to time.Duration) {
	t.Helper()
	first, err := store.First(context.Background(), t0.Add(from))
	require.NoError(t, err)
	first.NextSlot = models.TimePtr(t0.Add(to))
	require.NoError(t, store.Put(context.Background(), *first))
}

func out(keys ...string) []models.OutRecord {
	recs := make([]models.OutRecord, len(keys))
	for i, k := range keys {
		recs[i] = models.OutRecord{Key: k, PartitionKey: "pk-" + k, Slot: t0, Stamp: t0, Data: []byte(`{}`)}
	}
	return recs
}

func window(start, end time.Time) models.Invocation {
	return models.Invocation{Start: models.TimePtr(start), End: models.TimePtr(end)}
}

func TestReplayer_PublishesSlotsInOrder(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "c", 3700*time.Millisecond)
	put(t, store, "a2", 900*time.Millisecond)
	put(t, store, "b", 1200*time.Millisecond)
	put(t, store, "a1", 100*time.Millisecond)
	put(t, store, "a3", 900*time.Millisecond)

	for _, strategy := range []string{config.StrategyBatch, config.StrategySequenced} {
		t.Run(strategy, func(t *testing.T) {
			tr := newFakeTransport()
			r := New(store, tr, invoke.NewLocalDispatcher(), Config{
				TimeUnit: unit,
				PageSize: 2,
				Strategy: strategy,
				Walk:     config.WalkStride,
				Backoff:  fastRetry,
			}, logging.Nop())

			require.NoError(t, r.Run(context.Background(), window(t0, t0.Add(5*unit))))
			assert.Equal(t, []string{"a1", "a2", "a3", "b", "c"}, tr.published)
		})
	}
}

func TestReplayer_WindowIsHalfOpen(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "before", -500*time.Millisecond)
	put(t, store, "inside", 500*time.Millisecond)
	put(t, store, "at-end", 2*unit)

	tr := newFakeTransport()
	r := New(store, tr, invoke.NewLocalDispatcher(), Config{TimeUnit: unit, PageSize: 10, Strategy: config.StrategyBatch, Walk: config.WalkStride}, logging.Nop())

	require.NoError(t, r.Run(context.Background(), window(t0, t0.Add(2*unit))))
	assert.Equal(t, []string{"inside"}, tr.published)
}

func TestReplayer_StartIsFlooredToSlot(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "early-in-slot", 100*time.Millisecond)

	tr := newFakeTransport()
	r := New(store, tr, invoke.NewLocalDispatcher(), Config{TimeUnit: unit, PageSize: 10, Strategy: config.StrategyBatch, Walk: config.WalkStride}, logging.Nop())

	require.NoError(t, r.Run(context.Background(), window(t0.Add(600*time.Millisecond), t0.Add(unit))))
	assert.Equal(t, []string{"early-in-slot"}, tr.published)
}

func TestReplayer_EndDefaultsToNow(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "a", 0)
	put(t, store, "future", 10*unit)

	tr := newFakeTransport()
	r := New(store, tr, invoke.NewLocalDispatcher(), Config{TimeUnit: unit, PageSize: 10, Strategy: config.StrategyBatch, Walk: config.WalkStride}, logging.Nop())
	r.now = func() time.Time { return t0.Add(3 * unit) }

	require.NoError(t, r.Run(context.Background(), models.Invocation{Start: models.TimePtr(t0)}))
	assert.Equal(t, []string{"a"}, tr.published)
}

func TestReplayer_DefaultWindow(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "too-old", -unit)
	put(t, store, "a", 0)
	put(t, store, "b", 2*unit+300*time.Millisecond)

	tr := newFakeTransport()
	r := New(store, tr, invoke.NewLocalDispatcher(), Config{
		TimeUnit:      unit,
		PageSize:      10,
		Strategy:      config.StrategyBatch,
		Walk:          config.WalkStride,
		LookbackUnits: 3,
	}, logging.Nop())
	r.now = func() time.Time { return t0.Add(3 * unit) }

	require.NoError(t, r.Run(context.Background(), models.Invocation{}))
	assert.Equal(t, []string{"a", "b"}, tr.published)
}

func TestReplayer_ChainWalkFollowsLinks(t *testing.T) {
	store := &countingStore{MemoryStore: eventstore.NewMemoryStore()}
	put(t, store, "a", 0)
	put(t, store, "b", 2*unit)
	put(t, store, "c", 5*unit)
	link(t, store, 0, 2*unit)
	// b has no successor yet, so the walk strides from b to find c.

	tr := newFakeTransport()
	r := New(store, tr, invoke.NewLocalDispatcher(), Config{TimeUnit: unit, PageSize: 10, Strategy: config.StrategyBatch, Walk: config.WalkChain}, logging.Nop())

	require.NoError(t, r.Run(context.Background(), window(t0, t0.Add(8*unit))))
	assert.Equal(t, []string{"a", "b", "c"}, tr.published)
	require.Len(t, store.queried, 3, "empty slots are never queried")
	for i, off := range []time.Duration{0, 2 * unit, 5 * unit} {
		assert.True(t, store.queried[i].Equal(t0.Add(off)), "slot %d", i)
	}
}

func TestReplayer_ChainWalkStopsAtEnd(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "a", unit)
	put(t, store, "b", 4*unit)
	link(t, store, unit, 4*unit)

	tr := newFakeTransport()
	r := New(store, tr, invoke.NewLocalDispatcher(), Config{TimeUnit: unit, PageSize: 10, Strategy: config.StrategyBatch, Walk: config.WalkChain}, logging.Nop())

	require.NoError(t, r.Run(context.Background(), window(t0, t0.Add(4*unit))))
	assert.Equal(t, []string{"a"}, tr.published)
}

func TestReplayer_StrideQueriesEverySlot(t *testing.T) {
	store := &countingStore{MemoryStore: eventstore.NewMemoryStore()}
	put(t, store, "a", 0)
	put(t, store, "b", 3*unit)

	tr := newFakeTransport()
	r := New(store, tr, invoke.NewLocalDispatcher(), Config{TimeUnit: unit, PageSize: 10, Strategy: config.StrategyBatch, Walk: config.WalkStride}, logging.Nop())

	require.NoError(t, r.Run(context.Background(), window(t0, t0.Add(4*unit))))
	assert.Equal(t, []string{"a", "b"}, tr.published)
	assert.Len(t, store.queried, 4)
}

func TestBatchPublisher_ResubmitsOnlyFailedRecords(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["r2"] = 1

	p := NewBatchPublisher(tr, fastRetry, logging.Nop())
	stats, err := p.Publish(context.Background(), out("r1", "r2", "r3"))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"r1", "r2", "r3"}, {"r2"}}, tr.batches)
	assert.Equal(t, Stats{Published: 3, Attempts: 2, Retried: 1, Outstanding: 0}, stats)
}

func TestBatchPublisher_PreservesOrderOfFailedSubset(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["r1"] = 2
	tr.failures["r3"] = 1
	tr.failures["r4"] = 2

	p := NewBatchPublisher(tr, fastRetry, logging.Nop())
	stats, err := p.Publish(context.Background(), out("r1", "r2", "r3", "r4"))
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"r1", "r2", "r3", "r4"},
		{"r1", "r3", "r4"},
		{"r1", "r4"},
	}, tr.batches)
	assert.Equal(t, 4, stats.Published)
	assert.Equal(t, 0, stats.Outstanding)
}

func TestBatchPublisher_WholeCallFailureRetriesEverything(t *testing.T) {
	tr := newFakeTransport()
	tr.callErrs = 1

	p := NewBatchPublisher(tr, fastRetry, logging.Nop())
	stats, err := p.Publish(context.Background(), out("r1", "r2"))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"r1", "r2"}, {"r1", "r2"}}, tr.batches)
	assert.Equal(t, 2, stats.Published)
}

func TestBatchPublisher_StopsWhenContextEnds(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["r1"] = 1 << 30

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := NewBatchPublisher(tr, fastRetry, logging.Nop())
	stats, err := p.Publish(ctx, out("r1", "r2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, stats.Outstanding)
	assert.Equal(t, []string{"r2"}, tr.published)
}

func TestSequencedPublisher_ChainsAcrossPages(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["r2"] = 1

	p := NewSequencedPublisher(tr, fastRetry, logging.Nop())

	stats, err := p.Publish(context.Background(), out("r1", "r2"))
	require.NoError(t, err)
	assert.Equal(t, Stats{Published: 2, Attempts: 3, Retried: 1}, stats)

	_, err = p.Publish(context.Background(), out("r3"))
	require.NoError(t, err)

	// The failed attempt for r2 and its retry both chain to r1.
	assert.Equal(t, []string{"", "1", "1", "2"}, tr.prevSeqs)
	assert.Equal(t, []string{"r1", "r2", "r3"}, tr.published)
	assert.Equal(t, "3", p.LastSequence())
}

func TestSequencedPublisher_StopsWhenContextEnds(t *testing.T) {
	tr := newFakeTransport()
	tr.failures["r2"] = 1 << 30

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := NewSequencedPublisher(tr, fastRetry, logging.Nop())
	stats, err := p.Publish(ctx, out("r1", "r2", "r3"))
	require.Error(t, err)
	assert.Equal(t, 2, stats.Outstanding)
	assert.Equal(t, []string{"r1"}, tr.published)
}

func TestReplayer_SequencedChainSpansSlots(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "a", 0)
	put(t, store, "b", unit)
	put(t, store, "c", unit+time.Millisecond)

	tr := newFakeTransport()
	r := New(store, tr, invoke.NewLocalDispatcher(), Config{TimeUnit: unit, PageSize: 1, Strategy: config.StrategySequenced, Walk: config.WalkStride}, logging.Nop())

	require.NoError(t, r.Run(context.Background(), window(t0, t0.Add(2*unit))))
	assert.Equal(t, []string{"", "1", "2"}, tr.prevSeqs)

	// A second run starts a fresh chain.
	require.NoError(t, r.Run(context.Background(), window(t0, t0.Add(unit))))
	assert.Equal(t, "", tr.prevSeqs[3])
}

// drain runs a fresh replay of inv through a worker whose one second budget
// is below the five unit safety margin, so every run stops after one slot.
func drain(t *testing.T, store eventstore.Store, tr *fakeTransport, cfg Config, inv models.Invocation) []invoke.Dispatched {
	t.Helper()

	d := invoke.NewLocalDispatcher()
	cfg.SafetyMarginUnits = 5
	w := invoke.NewWorker(time.Second, logging.Nop())
	w.Register(messaging.ComponentReplay, New(store, tr, d, cfg, logging.Nop()))

	_, err := d.Dispatch(context.Background(), messaging.ComponentReplay, inv)
	require.NoError(t, err)
	_, err = d.Drain(context.Background(), w)
	require.NoError(t, err)

	history := d.History()
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1].Invocation, history[i].Invocation
		require.True(t, cur.Continue)
		require.True(t, cur.Start.After(*prev.Start), "continuation %d does not advance", i)
		require.True(t, cur.End.Equal(*inv.End))
	}
	return history
}

func TestReplayer_ContinuesWhenBudgetRunsLow(t *testing.T) {
	store := eventstore.NewMemoryStore()
	var want []string
	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("k%02d", i)
		put(t, store, key, time.Duration(i)*unit)
		want = append(want, key)
	}

	tr := newFakeTransport()
	history := drain(t, store, tr, Config{
		TimeUnit: unit,
		PageSize: 10,
		Strategy: config.StrategyBatch,
		Walk:     config.WalkStride,
		Backoff:  fastRetry,
	}, window(t0, t0.Add(40*unit)))

	assert.Len(t, history, 40)
	assert.Equal(t, want, tr.published, "every record exactly once, in order")
}

func TestReplayer_ChainWalkContinues(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "a", 0)
	put(t, store, "b", 3*unit)
	put(t, store, "c", 7*unit)
	link(t, store, 0, 3*unit)

	tr := newFakeTransport()
	history := drain(t, store, tr, Config{
		TimeUnit: unit,
		PageSize: 10,
		Strategy: config.StrategyBatch,
		Walk:     config.WalkChain,
		Backoff:  fastRetry,
	}, window(t0, t0.Add(9*unit)))

	assert.Equal(t, []string{"a", "b", "c"}, tr.published)
	assert.True(t, history[1].Invocation.Start.Equal(t0.Add(3*unit)), "resume at the linked slot")
}

func TestReplayer_SequencedChainSpansContinuations(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "a", 0)
	put(t, store, "b", unit)
	put(t, store, "c", 2*unit)

	tr := newFakeTransport()
	history := drain(t, store, tr, Config{
		TimeUnit: unit,
		PageSize: 10,
		Strategy: config.StrategySequenced,
		Walk:     config.WalkStride,
		Backoff:  fastRetry,
	}, window(t0, t0.Add(3*unit)))

	require.Len(t, history, 3)
	assert.Equal(t, "1", history[1].Invocation.PrevSequence)
	assert.Equal(t, "2", history[2].Invocation.PrevSequence)
	assert.Equal(t, []string{"", "1", "2"}, tr.prevSeqs)
	assert.Equal(t, []string{"a", "b", "c"}, tr.published)
}

func TestReplayer_NoDeadlineNeverContinues(t *testing.T) {
	store := eventstore.NewMemoryStore()
	put(t, store, "a", 0)
	put(t, store, "b", unit)

	d := invoke.NewLocalDispatcher()
	tr := newFakeTransport()
	r := New(store, tr, d, Config{
		TimeUnit:          unit,
		PageSize:          10,
		Strategy:          config.StrategyBatch,
		Walk:              config.WalkStride,
		SafetyMarginUnits: 5,
	}, logging.Nop())

	require.NoError(t, r.Run(context.Background(), window(t0, t0.Add(2*unit))))
	assert.Empty(t, d.History())
	assert.Equal(t, []string{"a", "b"}, tr.published)
}

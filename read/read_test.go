package read

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/streamkv/kcvlog/backendop"
	"github.com/streamkv/kcvlog/codec"
	"github.com/streamkv/kcvlog/send"
	"github.com/streamkv/kcvlog/settings"
	"github.com/streamkv/kcvlog/store"
	"github.com/streamkv/kcvlog/store/memstore"
)

// recordingReader collects every message it is handed, safe for concurrent
// dispatch from multiple puller/worker goroutines.
type recordingReader struct {
	mu   sync.Mutex
	msgs []codec.Message
}

func (r *recordingReader) Process(msg codec.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingReader) snapshot() []codec.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]codec.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func newTestPool(t *testing.T, st *memstore.Store, cfg Config, clock Clock) (*Pool, *settings.Store, *backendop.Harness) {
	t.Helper()
	harness := backendop.New(st, store.TxConfig{}, nil)
	sett := settings.New(st, harness, backendop.DefaultConfig(), backendop.DefaultConfig())

	if cfg.ReadThreads == 0 {
		cfg.ReadThreads = 2
	}
	if cfg.ReadBatchSize == 0 {
		cfg.ReadBatchSize = 100
	}
	if cfg.ReadInterval == 0 {
		cfg.ReadInterval = 10 * time.Millisecond
	}
	if cfg.MaxReadTime == 0 {
		cfg.MaxReadTime = time.Second
	}
	if cfg.MaxWriteTime == 0 {
		cfg.MaxWriteTime = time.Second
	}

	p := New(cfg, st, harness, backendop.DefaultConfig(), sett, log.NewNopLogger(), clock)
	t.Cleanup(p.Close)
	return p, sett, harness
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

// TestSingleProduceConsume is scenario S1: a reader registered at
// startTimeMicros=0 receives a single produced message.
func TestSingleProduceConsume(t *testing.T) {
	st := memstore.New("test")
	// kept well inside timeslice 0 ([0, TimesliceInterval)) so the puller's
	// initial cursor (0) and the produced message land on the same row.
	now := int64(50_000_000)
	clock := func() int64 { return now }

	sendCfg := send.Config{
		SenderID: "s1", PartitionBitWidth: 8, NumBuckets: 1,
		SendBatchSize: 4, MaxSendDelay: 0, MaxWriteTime: time.Second,
	}
	harness := backendop.New(st, store.TxConfig{}, nil)
	sett := settings.New(st, harness, backendop.DefaultConfig(), backendop.DefaultConfig())
	producer, err := send.New(context.Background(), sendCfg, st, harness, backendop.DefaultConfig(), sett, log.NewNopLogger(), clock)
	require.NoError(t, err)
	defer producer.Close()

	readCfg := Config{
		PartitionBitWidth: 8, NumBuckets: 1, ReadPartitionIDs: []uint32{0},
		ReadLagTime: 0, MaxSendDelay: 0,
	}
	pool, _, _ := newTestPool(t, st, readCfg, clock)

	reader := &recordingReader{}
	require.NoError(t, pool.RegisterReaders(context.Background(), Marker{StartTimeMicros: 0}, reader))

	// produce at the fixed clock value, then advance the clock so the
	// lag-bounded (exclusive) maxTime covers the produced message.
	future, err := producer.Produce(context.Background(), []byte{0xDE, 0xAD}, 0)
	require.NoError(t, err)
	require.NoError(t, future.Err())

	now += int64(time.Second / time.Microsecond)

	waitFor(t, 2*time.Second, func() bool { return len(reader.snapshot()) == 1 })
	msgs := reader.snapshot()
	require.Equal(t, []byte{0xDE, 0xAD}, msgs[0].Payload)
	require.Equal(t, "s1", msgs[0].SenderID)
}

// TestRestartResumesCursor is scenario S4: re-opening a puller pool with
// the same marker identifier resumes from the persisted cursor instead of
// redelivering already-seen messages.
func TestRestartResumesCursor(t *testing.T) {
	st := memstore.New("test")
	// all timestamps below stay inside timeslice 0 (< TimesliceInterval).
	now := int64(50_000_000)
	clock := func() int64 { return now }

	sendCfg := send.Config{SenderID: "s1", PartitionBitWidth: 8, NumBuckets: 1, SendBatchSize: 4, MaxSendDelay: 0, MaxWriteTime: time.Second}
	harness := backendop.New(st, store.TxConfig{}, nil)
	sett := settings.New(st, harness, backendop.DefaultConfig(), backendop.DefaultConfig())
	producer, err := send.New(context.Background(), sendCfg, st, harness, backendop.DefaultConfig(), sett, log.NewNopLogger(), clock)
	require.NoError(t, err)
	defer producer.Close()

	future1, err := producer.Produce(context.Background(), []byte{0x01}, 0)
	require.NoError(t, err)
	require.NoError(t, future1.Err())
	now += 1_000_000 // uncover msg1 for the first poll (maxTime must exceed its timestamp)

	readCfg := Config{PartitionBitWidth: 8, NumBuckets: 1, ReadPartitionIDs: []uint32{0}, ReadLagTime: 0, MaxSendDelay: 0}

	marker := Marker{Identifier: "consumer-a", StartTimeMicros: 0}
	pool1, _, _ := newTestPool(t, st, readCfg, clock)
	reader1 := &recordingReader{}
	require.NoError(t, pool1.RegisterReaders(context.Background(), marker, reader1))

	waitFor(t, 2*time.Second, func() bool { return len(reader1.snapshot()) == 1 })
	pool1.Close()

	future2, err := producer.Produce(context.Background(), []byte{0x02}, 0)
	require.NoError(t, err)
	require.NoError(t, future2.Err())
	now += 1_000_000 // uncover msg2 for pool2's first poll

	pool2, _, _ := newTestPool(t, st, readCfg, clock)
	reader2 := &recordingReader{}
	require.NoError(t, pool2.RegisterReaders(context.Background(), marker, reader2))

	waitFor(t, 2*time.Second, func() bool { return len(reader2.snapshot()) == 1 })
	pool2.Close()

	msgs := reader2.snapshot()
	require.Len(t, msgs, 1)
	require.Equal(t, []byte{0x02}, msgs[0].Payload)
}

// TestLimitSaturationDispatchesAllInOrder is scenario S5: with
// read-batch-size=2 and five entries sharing one (partition,bucket,timeslice)
// row, all five are dispatched in column order. Each saturated tick's
// follow-up query reaches up to the last returned timestamp + 2 µs, so the
// first tick dispatches 100–102 and the next tick 103–104.
func TestLimitSaturationDispatchesAllInOrder(t *testing.T) {
	st := memstore.New("test")
	const baseTS = int64(100)
	now := baseTS + 1_000_000 // far enough past the entries for the lag bound to clear them

	for i, ts := range []int64{100, 101, 102, 103, 104} {
		entry := codec.EncodeMessage(ts, "s1", int64(i), []byte{byte(i)})
		require.NoError(t, st.Mutate(context.Background(), mustKey(t), []codec.Entry{entry}, nil, nil))
	}

	readCfg := Config{
		PartitionBitWidth: 8, NumBuckets: 1, ReadPartitionIDs: []uint32{0},
		ReadBatchSize: 2, ReadLagTime: 0, MaxSendDelay: 0,
	}
	clock := func() int64 { return now }
	pool, _, _ := newTestPool(t, st, readCfg, clock)

	reader := &recordingReader{}
	require.NoError(t, pool.RegisterReaders(context.Background(), Marker{StartTimeMicros: 0}, reader))

	waitFor(t, 2*time.Second, func() bool { return len(reader.snapshot()) == 5 })
	msgs := reader.snapshot()
	for i, msg := range msgs {
		require.EqualValues(t, 100+i, msg.TimestampMicros)
		require.Equal(t, []byte{byte(i)}, msg.Payload)
	}
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	timeslice, err := codec.Timeslice(100)
	require.NoError(t, err)
	key, err := codec.LogKey(0, 8, 0, 1, timeslice)
	require.NoError(t, err)
	return key
}

func TestIncrementColumnCarries(t *testing.T) {
	require.Equal(t, []byte{0x01, 0x00}, incrementColumn([]byte{0x00, 0xFF}))
	require.Equal(t, []byte{0x01, 0x00, 0x00}, incrementColumn([]byte{0xFF, 0xFF}))
	require.Equal(t, []byte{0x01, 0x01}, incrementColumn([]byte{0x01, 0x00}))
}

package kcvlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/streamkv/kcvlog/codec"
	"github.com/streamkv/kcvlog/store"
	"github.com/streamkv/kcvlog/store/memstore"
)

// fakeManager is the minimal Manager a test log needs: a single sender,
// a single default/read partition, and a shared memstore.
type fakeManager struct {
	st                  *memstore.Store
	senderID            string
	partitionBitWidth   int
	defaultPartitionID  uint32
	readPartitionIDs    []uint32

	mu     sync.Mutex
	closed []string
}

func (m *fakeManager) SenderID() string { return m.senderID }
func (m *fakeManager) PartitionBitWidth() int { return m.partitionBitWidth }
func (m *fakeManager) DefaultPartitionID() uint32 { return m.defaultPartitionID }
func (m *fakeManager) ReadPartitionIDs() []uint32 { return m.readPartitionIDs }
func (m *fakeManager) Store() store.Store { return m.st }
func (m *fakeManager) Provider() store.Provider { return m.st }
func (m *fakeManager) ClosedLog(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, name)
}

type collectingReader struct {
	mu   sync.Mutex
	msgs []codec.Message
}

func (r *collectingReader) Process(msg codec.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *collectingReader) snapshot() []codec.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]codec.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
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

// TestSingleProduceConsumeEndToEnd is scenario S1, driven through the
// public Log surface instead of the send/read packages directly.
func TestSingleProduceConsumeEndToEnd(t *testing.T) {
	mgr := &fakeManager{
		st:                 memstore.New("test"),
		senderID:           "s1",
		partitionBitWidth:  8,
		defaultPartitionID: 0,
		readPartitionIDs:   []uint32{0},
	}
	cfg := Config{
		MaxWriteTime: time.Second, MaxReadTime: time.Second, ReadLagTime: 0,
		NumBuckets: 1, SendBatchSize: 4, SendDelay: 0,
		ReadThreads: 2, ReadBatchSize: 100, ReadInterval: 10 * time.Millisecond,
	}

	l, err := Open(context.Background(), "test-log", mgr, cfg, log.NewNopLogger())
	require.NoError(t, err)
	defer l.Close(context.Background())

	// a puller advances at most one timeslice per poll, so with the wall
	// clock the marker starts at the current time rather than at 0.
	reader := &collectingReader{}
	require.NoError(t, l.RegisterReader(context.Background(), ReadMarker{StartTimeMicros: time.Now().UnixMicro()}, reader))

	future, err := l.Produce(context.Background(), []byte{0xDE, 0xAD})
	require.NoError(t, err)
	require.NoError(t, future.Err())

	waitForCondition(t, 2*time.Second, func() bool { return len(reader.snapshot()) == 1 })
	msgs := reader.snapshot()
	require.Equal(t, []byte{0xDE, 0xAD}, msgs[0].Payload)
}

// TestBatchingCoalescesIntoOneMutation is scenario S2.
func TestBatchingCoalescesIntoOneMutation(t *testing.T) {
	mgr := &fakeManager{
		st:                 memstore.New("test"),
		senderID:           "s1",
		partitionBitWidth:  8,
		defaultPartitionID: 0,
		readPartitionIDs:   []uint32{0},
	}
	cfg := Config{
		MaxWriteTime: time.Second, MaxReadTime: time.Second, ReadLagTime: 0,
		NumBuckets: 1, SendBatchSize: 4, SendDelay: 50 * time.Millisecond,
		ReadThreads: 2, ReadBatchSize: 100, ReadInterval: 10 * time.Millisecond,
	}

	var mu sync.Mutex
	mutateManyCalls := 0
	mgr.st.Stall = func(op string) error {
		if op == "mutateMany" {
			mu.Lock()
			mutateManyCalls++
			mu.Unlock()
		}
		return nil
	}

	l, err := Open(context.Background(), "test-log", mgr, cfg, log.NewNopLogger())
	require.NoError(t, err)
	defer l.Close(context.Background())

	var futures []*DeliveryFuture
	for i := 0; i < 4; i++ {
		f, err := l.Produce(context.Background(), []byte{byte(i)})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, f := range futures {
		require.NoError(t, f.Wait(ctx))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, mutateManyCalls)
}

// TestPartitionRoutingEndToEnd is scenario S6: producing with a routing key
// under partitionBitWidth=4 routes to partition 0xA for routingKey=[0xA0,...].
func TestPartitionRoutingEndToEnd(t *testing.T) {
	mgr := &fakeManager{
		st:                 memstore.New("test"),
		senderID:           "s1",
		partitionBitWidth:  4,
		defaultPartitionID: 0,
		readPartitionIDs:   []uint32{0xA},
	}
	cfg := Config{
		MaxWriteTime: time.Second, MaxReadTime: time.Second, ReadLagTime: 0,
		NumBuckets: 1, SendBatchSize: 4, SendDelay: 0,
		ReadThreads: 2, ReadBatchSize: 100, ReadInterval: 10 * time.Millisecond,
	}

	l, err := Open(context.Background(), "test-log", mgr, cfg, log.NewNopLogger())
	require.NoError(t, err)
	defer l.Close(context.Background())

	reader := &collectingReader{}
	require.NoError(t, l.RegisterReader(context.Background(), ReadMarker{StartTimeMicros: time.Now().UnixMicro()}, reader))

	future, err := l.ProduceRoutingKey(context.Background(), []byte{0x01}, []byte{0xA0, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, future.Err())

	waitForCondition(t, 2*time.Second, func() bool { return len(reader.snapshot()) == 1 })
}

// TestCloseRejectsFurtherProduce covers invariant 6: after Close returns, no
// further store operations are issued on behalf of this log.
func TestCloseRejectsFurtherProduce(t *testing.T) {
	mgr := &fakeManager{
		st:                 memstore.New("test"),
		senderID:           "s1",
		partitionBitWidth:  8,
		defaultPartitionID: 0,
		readPartitionIDs:   []uint32{0},
	}
	cfg := Config{
		MaxWriteTime: time.Second, MaxReadTime: time.Second,
		NumBuckets: 1, SendBatchSize: 4, SendDelay: 0,
		ReadThreads: 2, ReadBatchSize: 100, ReadInterval: 10 * time.Millisecond,
	}

	l, err := Open(context.Background(), "test-log", mgr, cfg, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, l.Close(context.Background()))

	_, err = l.Produce(context.Background(), []byte{0x01})
	require.ErrorIs(t, err, ErrClosed)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	require.Equal(t, []string{"test-log"}, mgr.closed)
}

// Package read implements the polling read path: a fixed pool of pullers,
// one per (read-partition, bucket), each advancing a persisted timestamp
// cursor and dispatching decoded messages to registered readers. See
// spec.md §4.E.
package read

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/streamkv/kcvlog/backendop"
	"github.com/streamkv/kcvlog/codec"
	"github.com/streamkv/kcvlog/settings"
	"github.com/streamkv/kcvlog/store"
	"github.com/streamkv/kcvlog/workerpool"
)

// InitialReaderDelay is how long the pool waits after a puller is created
// before its first poll tick.
const InitialReaderDelay = 100 * time.Millisecond

// PullerCloseWait bounds how long Close waits for pullers to finish their
// in-flight poll before the pool tears down the dispatch workers too.
const PullerCloseWait = time.Second

var (
	metricLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kcvlog", Name: "puller_lag_seconds",
		Help: "Age of a puller's cursor relative to wall clock, by partition and bucket.",
	}, []string{"partition", "bucket"})
	metricDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kcvlog", Name: "puller_dispatched_messages_total",
		Help: "Total number of messages dispatched to readers, by partition and bucket.",
	}, []string{"partition", "bucket"})
)

// Reader is the interface implemented by anything that wants to consume
// decoded messages off the log.
type Reader interface {
	Process(msg codec.Message) error
}

// Marker identifies a read cursor. Identifier-less markers (the zero
// value's Identifier == "") never persist their cursor: every puller
// re-starts at StartTimeMicros on every open.
type Marker struct {
	Identifier      string
	StartTimeMicros int64
}

func (m Marker) persists() bool { return m.Identifier != "" }

// Config carries the read-path tunables, drawn from spec.md §6.
type Config struct {
	PartitionBitWidth int
	NumBuckets        uint32
	ReadPartitionIDs  []uint32

	ReadThreads   int
	ReadBatchSize int
	ReadInterval  time.Duration
	ReadLagTime   time.Duration
	MaxSendDelay  time.Duration
	MaxReadTime   time.Duration
	MaxWriteTime  time.Duration
	KeyConsistent bool
}

// effectiveLag is the configured lag plus the send-side batching delay, so
// polls never race writers that are still batching a flush.
func (c Config) effectiveLag() time.Duration {
	return c.ReadLagTime + c.MaxSendDelay
}

// Clock yields the current time as microseconds since epoch; overridable
// in tests.
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMicro() }

// Pool is the reader pool: the set of currently-registered readers plus,
// once the first reader registers, one Puller per (partitionID, bucketID)
// and the dispatch workers they submit jobs to.
type Pool struct {
	cfg     Config
	backend store.Store
	harness *backendop.Harness
	readCfg backendop.Config
	sett    *settings.Store
	logger  log.Logger
	clock   Clock

	mu       sync.Mutex
	readers  []Reader
	pullers  []*puller
	workers  *workerpool.Pool
	closed   bool
}

// New constructs an idle reader pool. Pullers are not created until the
// first successful RegisterReaders call.
func New(cfg Config, backend store.Store, harness *backendop.Harness, readCfg backendop.Config, sett *settings.Store, logger log.Logger, clock Clock) *Pool {
	if clock == nil {
		clock = defaultClock
	}
	return &Pool{
		cfg:     cfg,
		backend: backend,
		harness: harness,
		readCfg: readCfg,
		sett:    sett,
		logger:  logger,
		clock:   clock,
	}
}

// RegisterReaders adds the given readers to the pool's reader list. If this
// is the first successful registration since the pool was created, it sizes
// the dispatch worker pool at
// cfg.ReadThreads and starts one Puller per (partitionID in
// cfg.ReadPartitionIDs, bucketID in [0, cfg.NumBuckets)), each on its own
// fixed-delay schedule seeded from marker.
func (p *Pool) RegisterReaders(ctx context.Context, marker Marker, readers ...Reader) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("read pool is closed")
	}

	firstRegistration := p.workers == nil
	for _, r := range readers {
		if !p.containsLocked(r) {
			p.readers = append(p.readers, r)
		}
	}

	if firstRegistration && len(p.readers) > 0 {
		p.workers = workerpool.New("kcvlog-read", p.cfg.ReadThreads, p.cfg.ReadThreads*4)
		for _, partitionID := range p.cfg.ReadPartitionIDs {
			for bucketID := uint32(0); bucketID < p.cfg.NumBuckets; bucketID++ {
				pl, err := newPuller(ctx, p, marker, partitionID, bucketID)
				if err != nil {
					return err
				}
				p.pullers = append(p.pullers, pl)
				pl.start()
			}
		}
	}

	return nil
}

func (p *Pool) containsLocked(r Reader) bool {
	for _, existing := range p.readers {
		if existing == r {
			return true
		}
	}
	return false
}

// UnregisterReader removes r from the reader list; running pullers
// continue unaffected. It reports whether r was found.
func (p *Pool) UnregisterReader(r Reader) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, existing := range p.readers {
		if existing == r {
			p.readers = append(p.readers[:i], p.readers[i+1:]...)
			return true
		}
	}
	return false
}

// snapshotReaders returns the current reader list under the pool lock, so
// pullers never range over a slice concurrently mutated by (Un)Register.
func (p *Pool) snapshotReaders() []Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Reader, len(p.readers))
	copy(out, p.readers)
	return out
}

// Close stops every puller (each persists its cursor one last time), then
// shuts down the dispatch worker pool.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pullers := p.pullers
	workers := p.workers
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, pl := range pullers {
		wg.Add(1)
		go func(pl *puller) {
			defer wg.Done()
			pl.stop()
		}(pl)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(PullerCloseWait):
		level.Warn(p.logger).Log("msg", "read pool pullers did not stop within the close wait, forcing shutdown")
	}

	if workers != nil {
		workers.Shutdown()
	}
}

// puller owns one (partitionID, bucketID) row's cursor and poll loop.
type puller struct {
	pool        *Pool
	partitionID uint32
	bucketID    uint32
	marker      Marker

	nextTimestamp atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

func newPuller(ctx context.Context, pool *Pool, marker Marker, partitionID, bucketID uint32) (*puller, error) {
	pl := &puller{
		pool:        pool,
		partitionID: partitionID,
		bucketID:    bucketID,
		marker:      marker,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	start := marker.StartTimeMicros
	if marker.persists() {
		seeded, err := pool.sett.ReadSetting(ctx, marker.Identifier, codec.MarkerColumn(partitionID, bucketID), marker.StartTimeMicros, pool.cfg.MaxReadTime)
		if err != nil {
			return nil, fmt.Errorf("seeding puller cursor for partition %d bucket %d: %w", partitionID, bucketID, err)
		}
		start = seeded
	}
	pl.nextTimestamp.Store(start)

	return pl, nil
}

func (pl *puller) start() {
	go pl.run()
}

func (pl *puller) run() {
	defer close(pl.doneCh)

	timer := time.NewTimer(InitialReaderDelay)
	defer timer.Stop()

	for {
		select {
		case <-pl.stopCh:
			pl.persistCursor(context.Background())
			return
		case <-timer.C:
			pl.poll(context.Background())
			timer.Reset(pl.pool.cfg.ReadInterval)
		}
	}
}

func (pl *puller) stop() {
	close(pl.stopCh)
	<-pl.doneCh
}

// poll runs one scheduled tick: persist the cursor as a recovery write,
// compute the bounded column range for the puller's current timeslice, read
// and dispatch, handle limit saturation, and advance the cursor. Storage
// errors are logged and swallowed so the next tick retries; the cursor only
// advances on a fully successful tick.
func (pl *puller) poll(ctx context.Context) {
	pl.persistCursor(ctx)

	next := pl.nextTimestamp.Load()
	timeslice, err := codec.Timeslice(next)
	if err != nil {
		level.Error(pl.pool.logger).Log("msg", "puller cursor yields invalid timeslice", "partition", pl.partitionID, "bucket", pl.bucketID, "err", err)
		return
	}

	now := pl.pool.clock()
	liveBound := now - pl.pool.cfg.effectiveLag().Microseconds()
	timesliceBound := (int64(timeslice) + 1) * codec.TimesliceInterval
	maxTime := liveBound
	if timesliceBound < maxTime {
		maxTime = timesliceBound
	}
	if maxTime <= next {
		return
	}

	key, err := codec.LogKey(pl.partitionID, pl.pool.cfg.PartitionBitWidth, pl.bucketID, pl.pool.cfg.NumBuckets, timeslice)
	if err != nil {
		level.Error(pl.pool.logger).Log("msg", "puller failed to build row key", "partition", pl.partitionID, "bucket", pl.bucketID, "err", err)
		return
	}

	entries, err := pl.getSlice(ctx, key, encodeBound(next), encodeBound(maxTime), pl.pool.cfg.ReadBatchSize)
	if err != nil {
		level.Error(pl.pool.logger).Log("msg", "puller poll failed", "partition", pl.partitionID, "bucket", pl.bucketID, "err", err)
		return
	}

	pl.dispatch(entries)

	advanced := maxTime
	if pl.pool.cfg.ReadBatchSize > 0 && len(entries) == pl.pool.cfg.ReadBatchSize {
		last := entries[len(entries)-1]
		lastMsg, err := codec.DecodeMessage(last)
		if err != nil {
			level.Error(pl.pool.logger).Log("msg", "puller failed to decode saturation boundary", "partition", pl.partitionID, "bucket", pl.bucketID, "err", err)
			return
		}

		followUpEnd := lastMsg.TimestampMicros + 2
		followUp, err := pl.getSlice(ctx, key, incrementColumn(last.Column), encodeBound(followUpEnd), 0)
		if err != nil {
			level.Error(pl.pool.logger).Log("msg", "puller limit-saturation follow-up failed", "partition", pl.partitionID, "bucket", pl.bucketID, "err", err)
			return
		}
		pl.dispatch(followUp)
		advanced = followUpEnd
	}

	pl.nextTimestamp.Store(advanced)
	lag := time.Duration(now-advanced) * time.Microsecond
	metricLag.WithLabelValues(partitionLabel(pl.partitionID), bucketLabel(pl.bucketID)).Set(lag.Seconds())
}

func (pl *puller) getSlice(ctx context.Context, key, columnStart, columnEnd []byte, limit int) ([]codec.Entry, error) {
	return backendop.Execute(ctx, pl.pool.harness, backendop.KindRead, pl.pool.readCfg, pl.pool.cfg.MaxReadTime,
		func(ctx context.Context, tx store.Tx) ([]codec.Entry, error) {
			return pl.pool.backend.GetSlice(ctx, store.KeySliceQuery{
				Key:         key,
				ColumnStart: columnStart,
				ColumnEnd:   columnEnd,
				Limit:       limit,
			}, tx)
		})
}

// dispatch decodes every entry and, for each currently-registered reader,
// submits a processing job to the dispatch pool; a rejected submission
// (pool shutting down) runs inline instead of being dropped.
func (pl *puller) dispatch(entries []codec.Entry) {
	if len(entries) == 0 {
		return
	}
	readers := pl.pool.snapshotReaders()
	if len(readers) == 0 {
		return
	}

	for _, e := range entries {
		msg, err := codec.DecodeMessage(e)
		if err != nil {
			level.Error(pl.pool.logger).Log("msg", "puller failed to decode message", "partition", pl.partitionID, "bucket", pl.bucketID, "err", err)
			continue
		}
		metricDispatched.WithLabelValues(partitionLabel(pl.partitionID), bucketLabel(pl.bucketID)).Inc()

		for _, r := range readers {
			job := func(r Reader, msg codec.Message) func() {
				return func() {
					if err := r.Process(msg); err != nil {
						level.Error(pl.pool.logger).Log("msg", "reader failed to process message", "partition", pl.partitionID, "bucket", pl.bucketID, "err", err)
					}
				}
			}(r, msg)

			if pl.pool.workers == nil {
				job()
				continue
			}
			if err := pl.pool.workers.Submit(job); err != nil {
				job()
			}
		}
	}
}

// persistCursor writes the current cursor as a recovery checkpoint; a
// failure is logged but never stops the puller (spec.md §7).
func (pl *puller) persistCursor(ctx context.Context) {
	if !pl.marker.persists() {
		return
	}
	value := pl.nextTimestamp.Load()
	if err := pl.pool.sett.WriteSetting(ctx, pl.marker.Identifier, codec.MarkerColumn(pl.partitionID, pl.bucketID), value, pl.pool.cfg.MaxWriteTime); err != nil {
		level.Warn(pl.pool.logger).Log("msg", "puller failed to persist cursor", "partition", pl.partitionID, "bucket", pl.bucketID, "err", err)
	}
}

// encodeBound renders a microsecond timestamp as the 8-byte big-endian
// column-range bound that compares correctly against the (timestamp ||
// senderID || sequence) message column: the shared 8-byte timestamp prefix
// dominates lexicographic column order.
func encodeBound(timestampMicros int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(timestampMicros))
	return buf
}

// incrementColumn returns col treated as a big-endian integer, plus one;
// the limit-saturation follow-up query uses it as its inclusive ColumnStart,
// so that query starts after the last returned column.
func incrementColumn(col []byte) []byte {
	out := make([]byte, len(col))
	copy(out, col)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out
		}
	}
	// every byte overflowed: the column was all 0xFF: grow by one byte.
	return append([]byte{0x01}, out...)
}

func partitionLabel(id uint32) string { return fmt.Sprintf("%d", id) }
func bucketLabel(id uint32) string    { return fmt.Sprintf("%d", id) }

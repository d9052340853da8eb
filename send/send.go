// Package send implements the producer-facing half of the log: a bounded
// queue, a background batcher that coalesces messages into multi-key
// mutations under latency/size deadlines, and per-message delivery
// futures. See spec.md §4.D.
package send

import (
	"context"
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
	"github.com/streamkv/kcvlog/kcverrors"
	"github.com/streamkv/kcvlog/settings"
	"github.com/streamkv/kcvlog/store"
)

// MinDeliveryDelay is the maxSendDelay threshold below which batching is
// disabled and every Produce flushes synchronously.
const MinDeliveryDelay = 10 * time.Millisecond

// BatchSizeMultiplier sizes the outgoing queue as sendBatchSize × this.
const BatchSizeMultiplier = 10

// CloseDrainTimeout bounds how long Close waits for the batcher to drain
// its pending batch and queued envelopes.
const CloseDrainTimeout = 10 * time.Second

var (
	metricProduced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kcvlog", Name: "messages_produced_total",
		Help: "Total number of messages accepted by Produce.",
	})
	metricDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kcvlog", Name: "messages_delivered_total",
		Help: "Total number of messages whose delivery future completed successfully.",
	})
	metricFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kcvlog", Name: "messages_failed_total",
		Help: "Total number of messages whose delivery future failed.",
	})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "kcvlog", Name: "send_queue_depth",
		Help: "Current number of envelopes waiting in the outgoing queue.",
	})
	metricFlushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kcvlog", Name: "flush_batch_size",
		Help:    "Number of envelopes in each flush.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	metricFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kcvlog", Name: "flush_duration_seconds",
		Help:    "Time taken to flush one batch to the store.",
		Buckets: prometheus.DefBuckets,
	})
)

// DeliveryFuture is a single-shot completion cell reporting a produced
// message's send outcome. The first complete call (nil for delivered, an
// error for failed) transitions it; later calls are no-ops.
type DeliveryFuture struct {
	done sync.Once
	ch   chan struct{}
	err  error
}

func newDeliveryFuture() *DeliveryFuture {
	return &DeliveryFuture{ch: make(chan struct{})}
}

func (f *DeliveryFuture) complete(err error) {
	f.done.Do(func() {
		f.err = err
		close(f.ch)
	})
}

// Wait blocks until the future completes, or ctx is done.
func (f *DeliveryFuture) Wait(ctx context.Context) error {
	select {
	case <-f.ch:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the future has already completed; Err then returns
// its outcome (nil means delivered).
func (f *DeliveryFuture) Done() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

func (f *DeliveryFuture) Err() error {
	<-f.ch
	return f.err
}

type envelope struct {
	future   *DeliveryFuture
	key      []byte
	entry    codec.Entry
	queuedAt time.Time
}

// Config carries the producer's tunables, drawn from spec.md §6.
type Config struct {
	SenderID          string
	PartitionBitWidth int
	DefaultPartition  uint32
	NumBuckets        uint32

	SendBatchSize int
	MaxSendDelay  time.Duration
	MaxWriteTime  time.Duration
	KeyConsistent bool
}

// Clock yields the current time as microseconds since epoch; overridable
// in tests.
type Clock func() int64

func defaultClock() int64 { return time.Now().UnixMicro() }

// Producer is the send-path half of a log: Produce accepts messages,
// batches them, and flushes them to the store.
type Producer struct {
	cfg     Config
	backend store.Store
	harness *backendop.Harness
	writeOp backendop.Config
	sett    *settings.Store
	logger  log.Logger
	clock   Clock

	nextBucket atomic.Uint32
	sequence   atomic.Int64

	queue chan envelope

	closed atomic.Bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Producer. It seeds the sequence counter from
// ReadSetting(senderID, messageCounterColumn, 0) and, if batching is
// enabled, starts the batcher goroutine. Pass a nil clock to use wall time.
func New(ctx context.Context, cfg Config, backend store.Store, harness *backendop.Harness, writeOp backendop.Config, sett *settings.Store, logger log.Logger, clock Clock) (*Producer, error) {
	if clock == nil {
		clock = defaultClock
	}
	seq, err := sett.ReadSetting(ctx, cfg.SenderID, codec.MessageCounterColumn(), 0, cfg.MaxWriteTime)
	if err != nil {
		return nil, fmt.Errorf("seeding sequence counter: %w", err)
	}

	p := &Producer{
		cfg:     cfg,
		backend: backend,
		harness: harness,
		writeOp: writeOp,
		sett:    sett,
		logger:  logger,
		clock:   clock,
		stopCh:  make(chan struct{}),
	}
	p.sequence.Store(seq)

	if p.batchingEnabled() {
		p.queue = make(chan envelope, cfg.SendBatchSize*BatchSizeMultiplier)
		p.wg.Add(1)
		go p.runBatcher()
	}

	return p, nil
}

func (p *Producer) batchingEnabled() bool {
	return p.cfg.MaxSendDelay >= MinDeliveryDelay
}

// Produce accepts payload for partitionID, which is always used as given
// (Log.Produce passes the manager's default partition), returning a
// DeliveryFuture that completes once the message has been flushed or has
// failed to flush.
func (p *Producer) Produce(ctx context.Context, payload []byte, partitionID uint32) (*DeliveryFuture, error) {
	if p.closed.Load() {
		return nil, kcverrors.ErrClosed
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: payload must not be empty", kcverrors.ErrInvalidArgument)
	}

	ts := p.clock()
	timeslice, err := codec.Timeslice(ts)
	if err != nil {
		return nil, err
	}

	bucket := p.nextBucket.Add(1) % p.cfg.NumBuckets
	key, err := codec.LogKey(partitionID, p.cfg.PartitionBitWidth, bucket, p.cfg.NumBuckets, timeslice)
	if err != nil {
		return nil, err
	}

	seq := p.sequence.Add(1)
	entry := codec.EncodeMessage(ts, p.cfg.SenderID, seq, payload)

	future := newDeliveryFuture()
	env := envelope{future: future, key: key, entry: entry, queuedAt: time.Now()}
	metricProduced.Inc()

	if !p.batchingEnabled() {
		p.flush(ctx, []envelope{env})
		return future, nil
	}

	select {
	case p.queue <- env:
		metricQueueDepth.Set(float64(len(p.queue)))
		return future, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", kcverrors.ErrInterrupted, ctx.Err())
	}
}

// ProduceRoutingKey derives a partition id from the first up-to-4 bytes of
// routingKey, right-shifted by (32 - partitionBitWidth), and delegates to
// Produce.
func (p *Producer) ProduceRoutingKey(ctx context.Context, payload []byte, routingKey []byte) (*DeliveryFuture, error) {
	partitionID := derivePartition(routingKey, p.cfg.PartitionBitWidth)
	return p.Produce(ctx, payload, partitionID)
}

func derivePartition(routingKey []byte, partitionBitWidth int) uint32 {
	var buf [4]byte
	n := len(routingKey)
	if n > 4 {
		n = 4
	}
	copy(buf[:n], routingKey[:n])
	var v uint32
	for _, b := range buf {
		v = v<<8 | uint32(b)
	}
	if partitionBitWidth >= 32 {
		return v
	}
	return v >> uint(32-partitionBitWidth)
}

func (p *Producer) runBatcher() {
	defer p.wg.Done()

	var batch []envelope
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if len(batch) == 0 {
			// block indefinitely until a message arrives or we're closed.
		} else {
			remaining := p.cfg.MaxSendDelay - time.Since(batch[0].queuedAt)
			if remaining < 0 {
				remaining = 0
			}
			timer.Reset(remaining)
		}

		select {
		case <-p.stopCh:
			p.drainAndFlushOnClose(batch)
			return

		case env := <-p.queue:
			if len(batch) > 0 && !timer.Stop() {
				<-timer.C
			}
			batch = append(batch, env)
			batch = p.drainMore(batch)
			batch = p.maybeFlush(batch)

		case <-timer.C:
			batch = p.maybeFlush(batch)
		}
	}
}

// drainMore non-blockingly pulls additional queued envelopes while the
// batch is still under sendBatchSize.
func (p *Producer) drainMore(batch []envelope) []envelope {
	for len(batch) < p.cfg.SendBatchSize {
		select {
		case env := <-p.queue:
			batch = append(batch, env)
		default:
			return batch
		}
	}
	return batch
}

func (p *Producer) maybeFlush(batch []envelope) []envelope {
	if len(batch) == 0 {
		return batch
	}
	age := time.Since(batch[0].queuedAt)
	if age >= p.cfg.MaxSendDelay || len(batch) >= p.cfg.SendBatchSize {
		p.flush(context.Background(), batch)
		return nil
	}
	return batch
}

// drainAndFlushOnClose drains any remaining queued envelopes plus the
// pending batch and flushes them in sendBatchSize-sized chunks.
func (p *Producer) drainAndFlushOnClose(batch []envelope) {
	for {
		select {
		case env := <-p.queue:
			batch = append(batch, env)
		default:
			goto flushAll
		}
	}
flushAll:
	for len(batch) > 0 {
		n := p.cfg.SendBatchSize
		if n <= 0 || n > len(batch) {
			n = len(batch)
		}
		p.flush(context.Background(), batch[:n])
		batch = batch[n:]
	}
}

// flush groups envelopes by key preserving insertion order, and issues one
// multi-key mutation (if the store supports it) or one mutation per key in
// a single transaction. On success every future is completed delivered; on
// failure flush logs the error and fails every future with it, and the
// batcher continues with the next batch.
func (p *Producer) flush(ctx context.Context, envelopes []envelope) {
	start := time.Now()
	defer func() {
		metricFlushDuration.Observe(time.Since(start).Seconds())
		metricFlushBatchSize.Observe(float64(len(envelopes)))
	}()

	grouped, order := groupByKey(envelopes)

	_, err := backendop.Execute(ctx, p.harness, backendop.KindWrite, p.writeOp, p.cfg.MaxWriteTime,
		func(ctx context.Context, tx store.Tx) (struct{}, error) {
			if p.backend.Features().BatchMutation {
				mutations := make([]store.Mutation, 0, len(order))
				for _, key := range order {
					entries := make([]codec.Entry, 0, len(grouped[string(key)]))
					for _, env := range grouped[string(key)] {
						entries = append(entries, env.entry)
					}
					mutations = append(mutations, store.Mutation{Key: key, Additions: entries})
				}
				return struct{}{}, p.backend.MutateMany(ctx, mutations, tx)
			}

			for _, key := range order {
				entries := make([]codec.Entry, 0, len(grouped[string(key)]))
				for _, env := range grouped[string(key)] {
					entries = append(entries, env.entry)
				}
				if err := p.backend.Mutate(ctx, key, entries, nil, tx); err != nil {
					return struct{}{}, err
				}
			}
			return struct{}{}, nil
		})

	if err != nil {
		level.Error(p.logger).Log("msg", "flush failed, envelopes dropped", "count", len(envelopes), "err", err)
		for _, env := range envelopes {
			env.future.complete(err)
		}
		metricFailed.Add(float64(len(envelopes)))
		return
	}

	for _, env := range envelopes {
		env.future.complete(nil)
	}
	metricDelivered.Add(float64(len(envelopes)))
}

func groupByKey(envelopes []envelope) (map[string][]envelope, [][]byte) {
	grouped := make(map[string][]envelope, len(envelopes))
	var order [][]byte
	for _, env := range envelopes {
		k := string(env.key)
		if _, ok := grouped[k]; !ok {
			order = append(order, env.key)
		}
		grouped[k] = append(grouped[k], env)
	}
	return grouped, order
}

// SequenceCounter returns the current sender-wide sequence counter value,
// for persistence on log close.
func (p *Producer) SequenceCounter() int64 {
	return p.sequence.Load()
}

// Close stops accepting new messages, flushes any pending batch (bounded by
// CloseDrainTimeout) and shuts down the batcher goroutine.
func (p *Producer) Close() {
	p.closed.Store(true)
	if !p.batchingEnabled() {
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(CloseDrainTimeout):
		level.Warn(p.logger).Log("msg", "batcher did not drain within close timeout")
	}
}

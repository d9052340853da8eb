// Package kcvlog is a partitioned, append-only message log over a
// Key-Column-Value store: producers append messages under a derived
// partition/bucket/timeslice row key, and a pool of pullers polls those
// rows to dispatch decoded messages to registered readers. See spec.md.
package kcvlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/streamkv/kcvlog/backendop"
	"github.com/streamkv/kcvlog/codec"
	"github.com/streamkv/kcvlog/kcverrors"
	"github.com/streamkv/kcvlog/read"
	"github.com/streamkv/kcvlog/send"
	"github.com/streamkv/kcvlog/settings"
	"github.com/streamkv/kcvlog/store"
)

// DeliveryFuture reports a produced message's send outcome; see
// send.DeliveryFuture.
type DeliveryFuture = send.DeliveryFuture

// MessageReader is implemented by anything registered to consume messages
// off a Log; see read.Reader.
type MessageReader = read.Reader

// ReadMarker identifies a reader's persisted cursor; see read.Marker.
type ReadMarker = read.Marker

// Log is the public surface of one partitioned message log: produce
// messages, register readers to consume them, and close to release
// resources and persist cross-restart state.
type Log struct {
	name    string
	manager Manager
	cfg     Config
	logger  log.Logger
	id      uuid.UUID

	harness  *backendop.Harness
	sett     *settings.Store
	producer *send.Producer
	readPool *read.Pool

	mu   sync.Mutex
	open bool
}

// Open constructs a Log named name, backed by manager's store and
// capabilities. It validates cfg, seeds the send-side sequence counter, and
// starts the batcher iff batching is enabled; pullers are not created until
// the first reader registration, per spec.md §4.F.
func Open(ctx context.Context, name string, manager Manager, cfg Config, logger log.Logger) (*Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	readBackendCfg := backendop.DefaultConfig()
	writeBackendCfg := backendop.DefaultConfig()

	harness := backendop.New(manager.Provider(), store.TxConfig{KeyConsistent: cfg.KeyConsistent}, map[backendop.Kind]backendop.Config{
		backendop.KindRead:  readBackendCfg,
		backendop.KindWrite: writeBackendCfg,
	})
	sett := settings.New(manager.Store(), harness, readBackendCfg, writeBackendCfg)

	sendCfg := send.Config{
		SenderID:          manager.SenderID(),
		PartitionBitWidth: manager.PartitionBitWidth(),
		DefaultPartition:  manager.DefaultPartitionID(),
		NumBuckets:        cfg.NumBuckets,
		SendBatchSize:     cfg.SendBatchSize,
		MaxSendDelay:      cfg.SendDelay,
		MaxWriteTime:      cfg.MaxWriteTime,
		KeyConsistent:     cfg.KeyConsistent,
	}
	producer, err := send.New(ctx, sendCfg, manager.Store(), harness, writeBackendCfg, sett, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("opening log %q: %w", name, err)
	}

	readCfg := read.Config{
		PartitionBitWidth: manager.PartitionBitWidth(),
		NumBuckets:        cfg.NumBuckets,
		ReadPartitionIDs:  manager.ReadPartitionIDs(),
		ReadThreads:       cfg.ReadThreads,
		ReadBatchSize:     cfg.ReadBatchSize,
		ReadInterval:      cfg.ReadInterval,
		ReadLagTime:       cfg.ReadLagTime,
		MaxSendDelay:      cfg.SendDelay,
		MaxReadTime:       cfg.MaxReadTime,
		MaxWriteTime:      cfg.MaxWriteTime,
		KeyConsistent:     cfg.KeyConsistent,
	}
	readPool := read.New(readCfg, manager.Store(), harness, readBackendCfg, sett, logger, nil)

	l := &Log{
		name:     name,
		manager:  manager,
		cfg:      cfg,
		logger:   log.With(logger, "log", name),
		id:       uuid.New(),
		harness:  harness,
		sett:     sett,
		producer: producer,
		readPool: readPool,
		open:     true,
	}
	if effective, err := cfg.YAML(); err != nil {
		level.Warn(l.logger).Log("msg", "failed to render effective config for logging", "err", err)
	} else {
		level.Info(l.logger).Log("msg", "log opened", "id", l.id, "config", effective)
	}
	return l, nil
}

// Name returns the log's name.
func (l *Log) Name() string { return l.name }

// Produce appends payload under the manager's default partition.
func (l *Log) Produce(ctx context.Context, payload []byte) (*DeliveryFuture, error) {
	if !l.isOpen() {
		return nil, kcverrors.ErrClosed
	}
	return l.producer.Produce(ctx, payload, l.manager.DefaultPartitionID())
}

// ProduceRoutingKey appends payload, deriving its partition from routingKey.
func (l *Log) ProduceRoutingKey(ctx context.Context, payload []byte, routingKey []byte) (*DeliveryFuture, error) {
	if !l.isOpen() {
		return nil, kcverrors.ErrClosed
	}
	return l.producer.ProduceRoutingKey(ctx, payload, routingKey)
}

// RegisterReader adds one or more readers under marker, creating the reader
// pool and its pullers on the first successful registration.
func (l *Log) RegisterReader(ctx context.Context, marker ReadMarker, readers ...MessageReader) error {
	if !l.isOpen() {
		return kcverrors.ErrClosed
	}
	return l.readPool.RegisterReaders(ctx, marker, readers...)
}

// RegisterReaders adds every reader in readers under marker; see
// RegisterReader.
func (l *Log) RegisterReaders(ctx context.Context, marker ReadMarker, readers []MessageReader) error {
	return l.RegisterReader(ctx, marker, readers...)
}

// UnregisterReader removes r from the reader list; running pullers continue
// and may still be mid-dispatch to r when this returns (spec.md §9's
// unregister/in-flight race, carried forward unresolved).
func (l *Log) UnregisterReader(r MessageReader) bool {
	return l.readPool.UnregisterReader(r)
}

func (l *Log) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Close stops accepting new messages and registrations, shuts down the
// reader pool (bounded by read.PullerCloseWait) and the batcher (bounded by
// send.CloseDrainTimeout), persists the sequence counter, closes the store,
// and notifies the manager. After Close returns, no further reader
// callbacks are invoked and no further store operations are issued.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return nil
	}
	l.open = false
	l.mu.Unlock()

	l.readPool.Close()
	l.producer.Close()

	if err := l.sett.WriteSetting(ctx, l.manager.SenderID(), codec.MessageCounterColumn(), l.producer.SequenceCounter(), l.cfg.MaxWriteTime); err != nil {
		level.Warn(l.logger).Log("msg", "failed to persist sequence counter on close", "err", err)
	}

	if err := l.manager.Store().Close(); err != nil {
		level.Warn(l.logger).Log("msg", "failed to close store", "err", err)
	}

	l.manager.ClosedLog(l.name)
	level.Info(l.logger).Log("msg", "log closed")
	return nil
}

// Package settings implements the 8-byte counters persisted into the
// reserved system partition: the send-side message-counter and per-reader
// read cursors. See spec.md §4.C.
package settings

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/streamkv/kcvlog/backendop"
	"github.com/streamkv/kcvlog/codec"
	"github.com/streamkv/kcvlog/kcverrors"
	"github.com/streamkv/kcvlog/store"
)

// Store reads and writes setting values through a backend operation
// harness, so every call is subject to the same retry-with-deadline policy
// as the rest of the log.
type Store struct {
	backend  store.Store
	harness  *backendop.Harness
	readCfg  backendop.Config
	writeCfg backendop.Config
}

func New(backend store.Store, harness *backendop.Harness, readCfg, writeCfg backendop.Config) *Store {
	return &Store{backend: backend, harness: harness, readCfg: readCfg, writeCfg: writeCfg}
}

// ReadSetting fetches the 8-byte big-endian value at (settingKey(identifier), column),
// returning def if the column is absent. A present value of any length
// other than 8 bytes is a fatal ErrInvalidArgument, never retried.
func (s *Store) ReadSetting(ctx context.Context, identifier string, column []byte, def int64, deadline time.Duration) (int64, error) {
	key := codec.SettingKey(identifier)

	entries, err := backendop.Execute(ctx, s.harness, backendop.KindRead, s.readCfg, deadline,
		func(ctx context.Context, tx store.Tx) ([]codec.Entry, error) {
			return s.backend.GetSlice(ctx, store.KeySliceQuery{
				Key:         key,
				ColumnStart: column,
				ColumnEnd:   nextColumn(column),
				Limit:       1,
			}, tx)
		})
	if err != nil {
		return 0, err
	}

	if len(entries) == 0 {
		return def, nil
	}
	if len(entries[0].Value) != 8 {
		return 0, fmt.Errorf("%w: setting value has %d bytes, want 8", kcverrors.ErrInvalidArgument, len(entries[0].Value))
	}

	return int64(binary.BigEndian.Uint64(entries[0].Value)), nil
}

// WriteSetting upserts an 8-byte big-endian encoding of value at
// (settingKey(identifier), column).
func (s *Store) WriteSetting(ctx context.Context, identifier string, column []byte, value int64, deadline time.Duration) error {
	key := codec.SettingKey(identifier)
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(value))

	_, err := backendop.Execute(ctx, s.harness, backendop.KindWrite, s.writeCfg, deadline,
		func(ctx context.Context, tx store.Tx) (struct{}, error) {
			return struct{}{}, s.backend.Mutate(ctx, key, []codec.Entry{{Column: column, Value: val}}, nil, tx)
		})
	return err
}

// nextColumn returns the exclusive upper bound immediately following
// column, i.e. column with one more zero byte appended — `column` itself
// sorts before it and every column with `column` as a strict prefix sorts
// at or after it, so under the store's inclusive-start/exclusive-end range
// semantics [column, nextColumn(column)) matches exactly one column.
func nextColumn(column []byte) []byte {
	next := make([]byte, len(column)+1)
	copy(next, column)
	return next
}

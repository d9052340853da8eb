// Package memstore is a minimal in-memory Store, used by kcvlog's own
// tests and by embedders exercising the log without a real KCV backend. It
// plays the same role friggdb/backend/local played for friggdb: the
// simplest concrete backend behind the store contract.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/streamkv/kcvlog/codec"
	"github.com/streamkv/kcvlog/store"
)

// Store is a goroutine-safe, in-memory KCV engine keyed by row key, with
// columns kept sorted for range scans.
type Store struct {
	name string

	mu   sync.Mutex
	rows map[string]*row

	// Stall, when non-nil, is invoked before every mutate/getSlice call and
	// can block or return an error, used by tests to exercise backpressure
	// and backend-unavailable paths (spec.md §8 scenario S3).
	Stall func(op string) error
}

type row struct {
	columns [][]byte
	values  [][]byte
}

// New constructs an empty in-memory store named name.
func New(name string) *Store {
	return &Store{
		name: name,
		rows: make(map[string]*row),
	}
}

func (s *Store) Name() string { return s.name }

func (s *Store) Features() store.Features {
	return store.Features{BatchMutation: true}
}

func (s *Store) Close() error { return nil }

// tx is the in-process transaction handle memstore hands out; since
// memstore applies mutations immediately under its own mutex, Commit is a
// no-op.
type tx struct{}

func (tx) Commit(context.Context) error { return nil }

// BeginTransaction implements store.Provider.
func (s *Store) BeginTransaction(context.Context, store.TxConfig) (store.Tx, error) {
	return tx{}, nil
}

func (s *Store) Mutate(_ context.Context, key []byte, additions []codec.Entry, deletions [][]byte, _ store.Tx) error {
	if s.Stall != nil {
		if err := s.Stall("mutate"); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(key, additions, deletions)
	return nil
}

func (s *Store) MutateMany(_ context.Context, mutations []store.Mutation, _ store.Tx) error {
	if s.Stall != nil {
		if err := s.Stall("mutateMany"); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mutations {
		s.applyLocked(m.Key, m.Additions, m.Deletions)
	}
	return nil
}

func (s *Store) applyLocked(key []byte, additions []codec.Entry, deletions [][]byte) {
	r, ok := s.rows[string(key)]
	if !ok {
		r = &row{}
		s.rows[string(key)] = r
	}
	for _, d := range deletions {
		r.remove(d)
	}
	for _, a := range additions {
		r.put(a.Column, a.Value)
	}
}

func (r *row) remove(column []byte) {
	i := sort.Search(len(r.columns), func(i int) bool {
		return bytes.Compare(r.columns[i], column) >= 0
	})
	if i < len(r.columns) && bytes.Equal(r.columns[i], column) {
		r.columns = append(r.columns[:i], r.columns[i+1:]...)
		r.values = append(r.values[:i], r.values[i+1:]...)
	}
}

func (r *row) put(column, value []byte) {
	i := sort.Search(len(r.columns), func(i int) bool {
		return bytes.Compare(r.columns[i], column) >= 0
	})
	if i < len(r.columns) && bytes.Equal(r.columns[i], column) {
		r.values[i] = value
		return
	}
	r.columns = append(r.columns, nil)
	r.values = append(r.values, nil)
	copy(r.columns[i+1:], r.columns[i:])
	copy(r.values[i+1:], r.values[i:])
	r.columns[i] = column
	r.values[i] = value
}

func (s *Store) GetSlice(_ context.Context, q store.KeySliceQuery, _ store.Tx) ([]codec.Entry, error) {
	if s.Stall != nil {
		if err := s.Stall("getSlice"); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[string(q.Key)]
	if !ok {
		return nil, nil
	}

	start := sort.Search(len(r.columns), func(i int) bool {
		return bytes.Compare(r.columns[i], q.ColumnStart) >= 0
	})

	var result []codec.Entry
	for i := start; i < len(r.columns); i++ {
		if q.ColumnEnd != nil && bytes.Compare(r.columns[i], q.ColumnEnd) >= 0 {
			break
		}
		result = append(result, codec.Entry{Column: cloneBytes(r.columns[i]), Value: cloneBytes(r.values[i])})
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// DumpRow is a test helper returning the raw (column, value) pairs stored
// for key, for asserting on what a mutation wrote.
func (s *Store) DumpRow(key []byte) ([][]byte, [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[string(key)]
	if !ok {
		return nil, nil
	}
	return append([][]byte(nil), r.columns...), append([][]byte(nil), r.values...)
}

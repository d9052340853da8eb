// Package store declares the minimal contract kcvlog needs from the
// underlying Key-Column-Value engine. The engine itself — and the
// transactional provider that opens transactions against it — are external
// collaborators; kcvlog only ever reaches them through these interfaces.
package store

import (
	"context"

	"github.com/streamkv/kcvlog/codec"
)

// Tx is an opaque handle to a store transaction, supplied by a Provider and
// passed back into Store calls that must run within it.
type Tx interface {
	// Commit finalizes the transaction. A failure here is treated the same
	// as a failure from Mutate/MutateMany/GetSlice by the backend operation
	// harness: it is retried until the operation's deadline expires.
	Commit(ctx context.Context) error
}

// TxConfig selects between the store's default and key-consistent
// transaction modes, per spec.md §5 ("If keyConsistentOperations is true,
// the transaction uses the store's key-consistent config; else default.").
type TxConfig struct {
	KeyConsistent bool
}

// Provider opens fresh transactions on demand. kcvlog's log manager
// implements this (spec.md §6); the backend operation harness asks it for a
// new transaction on every retry attempt.
type Provider interface {
	BeginTransaction(ctx context.Context, cfg TxConfig) (Tx, error)
}

// KeySliceQuery describes a bounded column-range scan over a single row
// key, with inclusive-start/exclusive-end column semantics and an optional
// result limit (0 means unlimited).
type KeySliceQuery struct {
	Key         []byte
	ColumnStart []byte
	ColumnEnd   []byte
	Limit       int
}

// SetLimit returns a copy of the query with Limit set to n, mirroring the
// store's fluent KeySliceQuery.setLimit(n) builder from spec.md §6.
func (q KeySliceQuery) SetLimit(n int) KeySliceQuery {
	q.Limit = n
	return q
}

// Features advertises optional store capabilities. BatchMutation, when
// true, lets the send path issue one multi-key mutation per flush instead
// of one mutation per key.
type Features struct {
	BatchMutation bool
}

// Mutation is a single row's worth of column additions/deletions, keyed by
// row key, as accepted by MutateMany.
type Mutation struct {
	Key       []byte
	Additions []codec.Entry
	Deletions [][]byte
}

// Store is the KCV engine surface kcvlog depends on (spec.md §6).
type Store interface {
	Name() string

	Mutate(ctx context.Context, key []byte, additions []codec.Entry, deletions [][]byte, tx Tx) error
	MutateMany(ctx context.Context, mutations []Mutation, tx Tx) error
	GetSlice(ctx context.Context, query KeySliceQuery, tx Tx) ([]codec.Entry, error)

	Features() Features
	Close() error
}

package kcvlog

import "github.com/streamkv/kcvlog/store"

// Manager is the small, non-owning capability set a Log needs from its
// owning log manager (spec.md §6's "consumed from the manager" list). The
// manager owns logs by name; a Log only ever reaches back into it through
// this interface, never by holding a concrete manager type, to keep the
// log/manager reference cycle modeled as arena + handle (spec.md §9).
type Manager interface {
	// SenderID identifies this log's producer for sequence-counter and
	// message-counter-column bookkeeping.
	SenderID() string
	// PartitionBitWidth is the number of high bits of a row key's partition
	// field that are significant, in [0, 32].
	PartitionBitWidth() int
	// DefaultPartitionID is used by Produce when no partition is given.
	DefaultPartitionID() uint32
	// ReadPartitionIDs lists the partitions this log's puller pool covers.
	ReadPartitionIDs() []uint32

	// Store is the KCV engine this log reads and writes through.
	Store() store.Store
	// Provider opens transactions against Store for the backend operation
	// harness.
	Provider() store.Provider

	// ClosedLog notifies the manager that a log has finished closing, so it
	// can drop the log from its handle table.
	ClosedLog(name string)
}

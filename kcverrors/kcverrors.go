// Package kcverrors holds the sentinel error kinds shared by every layer of
// the log, so callers can use errors.Is regardless of which package raised
// the failure. See spec.md §7.
package kcverrors

import "errors"

var (
	// ErrClosed is returned by Produce/RegisterReaders/RegisterReader once
	// the log has been closed.
	ErrClosed = errors.New("kcvlog: log is closed")

	// ErrInvalidArgument marks a fatal, never-retried caller error: empty
	// payload, out-of-range partition, timestamp/timeslice overflow, or a
	// mis-sized setting value.
	ErrInvalidArgument = errors.New("kcvlog: invalid argument")

	// ErrBackendUnavailable is returned when a backend operation harness
	// exhausts its deadline (or its circuit breaker is open) without a
	// successful commit.
	ErrBackendUnavailable = errors.New("kcvlog: backend unavailable")

	// ErrInterrupted marks a producer interrupted while blocked on the
	// outgoing queue.
	ErrInterrupted = errors.New("kcvlog: interrupted while enqueuing")
)

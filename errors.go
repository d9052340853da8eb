package kcvlog

import "github.com/streamkv/kcvlog/kcverrors"

// Re-exported sentinel errors, so callers never need to import kcverrors
// directly; see spec.md §7.
var (
	ErrClosed             = kcverrors.ErrClosed
	ErrInvalidArgument    = kcverrors.ErrInvalidArgument
	ErrBackendUnavailable = kcverrors.ErrBackendUnavailable
	ErrInterrupted        = kcverrors.ErrInterrupted
)

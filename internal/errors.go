package internal

import "errors"

var (
	ErrIndexNotBuilt     = errors.New("index was never built for field")
	ErrIndexNotReady     = errors.New("index not built")
	ErrReadOnly          = errors.New("datastore is read-only")
	ErrDimensionMismatch = errors.New("dimension mismatch")
	ErrNoCombiner        = errors.New("no combiner checkpoint")
	ErrUnknownField      = errors.New("unknown datastore field")
	ErrUnknownStrategy   = errors.New("unknown distillation strategy")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

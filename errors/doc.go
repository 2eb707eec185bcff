// Package errors provides structured error types for the relay.
//
// Errors are categorized by Phase (which component failed) and Kind (error category).
// The Error type carries the guest module, a path, the offending value and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseEngine, errors.KindSignatureMismatch).
//		Module("main").
//		Path("start").
//		Detail("want (i32, i32) -> i64").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.MissingExport("main", "allocate_memory")
//	err := errors.OutOfBounds(errors.PhaseBridge, "main", addr, n, size)
//
// Matching with errors.Is compares Phase and Kind, so the package sentinels
// (ErrFunctionNotFound, ErrCommunication, ErrRetriesExhausted, ErrMissingExport,
// ErrStopped) match any error of the same category regardless of detail.
package errors

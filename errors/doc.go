// Package errors provides structured error types for the executor.
//
// Errors are categorized by Class (what failed) and Kind (how it failed).
// Callers branch on Class to tell a crashed guest (ClassTrap) from one that ran
// too long (ClassResource), a broken backend (ClassStore) or bytecode that could
// not be compiled (ClassCompile).
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.ClassTrap, errors.KindAbort).
//		Package("counter").
//		Detail("guest aborted: %s", msg).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(ptr, length, memSize)
//	err := errors.ResourceExceeded(errors.KindFuel, "fuel budget exhausted")
//
// All errors implement the standard error interface and support errors.Is/As.
// The class sentinels match any error of their class:
//
//	if errors.Is(err, errors.ErrResource) { ... }
package errors

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Class is the top-level classification callers branch on.
type Class string

const (
	ClassCompile  Class = "compile"           // malformed or unsupported bytecode
	ClassTrap     Class = "trap"              // guest fault
	ClassResource Class = "resource_exceeded" // fuel, memory or time budget
	ClassIO       Class = "io"                // agent network failure
	ClassStore    Class = "store"             // backend unavailable
	ClassInvalid  Class = "invalid_input"     // caller error
	ClassNotFound Class = "not_found"         // unknown package or task
)

// Kind refines a Class.
type Kind string

const (
	KindMalformed       Kind = "malformed"
	KindUnsupported     Kind = "unsupported"
	KindHashMismatch    Kind = "hash_mismatch"
	KindMissingExport   Kind = "missing_export"
	KindForbiddenImport Kind = "forbidden_import"
	KindUnknownImport   Kind = "unknown_import"
	KindOutOfBounds     Kind = "out_of_bounds"
	KindUnreachable     Kind = "unreachable"
	KindFault           Kind = "fault"
	KindAbort           Kind = "abort"
	KindProtocol        Kind = "protocol"
	KindFuel            Kind = "fuel"
	KindMemory          Kind = "memory"
	KindTimeout         Kind = "timeout"
	KindCanceled        Kind = "canceled"
	KindNetwork         Kind = "network"
	KindQueueFull       Kind = "queue_full"
	KindUnknownConn     Kind = "unknown_conn"
	KindBusy            Kind = "busy"
	KindClosed          Kind = "closed"
	KindBackend         Kind = "backend"
	KindInstantiation   Kind = "instantiation"
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindClosedRuntime   Kind = "closed_runtime"
)

// Error is the structured error type used throughout the runtime.
type Error struct {
	Value   any
	Cause   error
	Class   Class
	Kind    Kind
	Package string
	Detail  string
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Class))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Package != "" {
		b.WriteString(" in ")
		b.WriteString(e.Package)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error. A target without a Kind
// matches every error of the same Class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Class != e.Class {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// Sentinels for errors.Is checks by class.
var (
	ErrCompile  = &Error{Class: ClassCompile}
	ErrTrap     = &Error{Class: ClassTrap}
	ErrResource = &Error{Class: ClassResource}
	ErrIO       = &Error{Class: ClassIO}
	ErrStore    = &Error{Class: ClassStore}
	ErrInvalid  = &Error{Class: ClassInvalid}
	ErrNotFound = &Error{Class: ClassNotFound}
)

// Builder assembles an Error field by field.
type Builder struct {
	err Error
}

// New starts a Builder for class and kind.
func New(class Class, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Class: class,
			Kind:  kind,
		},
	}
}

func (b *Builder) Package(id string) *Builder {
	b.err.Package = id
	return b
}

func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail formats the message shown after the kind.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

func (b *Builder) Build() *Error {
	return &b.err
}

// Shorthands used across the runtime.

// Compile creates a compile error. Compile errors are never cached or retried.
func Compile(kind Kind, detail string, cause error) *Error {
	return &Error{
		Class:  ClassCompile,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Trap creates a guest fault error.
func Trap(kind Kind, detail string, cause error) *Error {
	return &Error{
		Class:  ClassTrap,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// OutOfBounds creates the trap raised by an invalid guest pointer.
func OutOfBounds(ptr, length, size uint32) *Error {
	return &Error{
		Class:  ClassTrap,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("access [%d, %d+%d) exceeds memory size %d", ptr, ptr, length, size),
		Value:  ptr,
	}
}

// ResourceExceeded creates a budget violation error.
func ResourceExceeded(kind Kind, detail string) *Error {
	return &Error{
		Class:  ClassResource,
		Kind:   kind,
		Detail: detail,
	}
}

// IO creates an agent network error.
func IO(kind Kind, detail string, cause error) *Error {
	return &Error{
		Class:  ClassIO,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Store wraps a backend failure.
func Store(detail string, cause error) *Error {
	return &Error{
		Class:  ClassStore,
		Kind:   KindBackend,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound reports a missing package, agent or key.
func NotFound(what, name string) *Error {
	return &Error{
		Class:  ClassNotFound,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput rejects a malformed request before any guest code runs.
func InvalidInput(detail string) *Error {
	return &Error{
		Class:  ClassInvalid,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// WithPackage returns a copy of err tagged with a package id. Non *Error
// values are returned unchanged.
func WithPackage(err error, id string) error {
	var e *Error
	if !stderrors.As(err, &e) || e.Package != "" {
		return err
	}
	cp := *e
	cp.Package = id
	return &cp
}

// ClassOf returns the class of the first *Error in err's chain, or "" if
// there is none.
func ClassOf(err error) Class {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Class
	}
	return ""
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsEngineFailure reports whether err aborts an invocation: trap, resource
// exhaustion or store failure.
func IsEngineFailure(err error) bool {
	switch ClassOf(err) {
	case ClassTrap, ClassResource, ClassStore:
		return true
	}
	return false
}

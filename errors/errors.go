package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfig    Phase = "config"    // configuration loading
	PhaseDiscover  Phase = "discover"  // bundle scan and route resolution
	PhaseTransport Phase = "transport" // socket and network hops
	PhaseBridge    Phase = "bridge"    // guest-callable host function
	PhaseTransfer  Phase = "transfer"  // intra-engine copy
	PhaseInvoke    Phase = "invoke"    // invocation server
	PhaseEngine    Phase = "engine"    // module loading and export calls
	PhaseLifecycle Phase = "lifecycle" // start/kill/delete/wait
	PhaseLoad      Phase = "load"      // manifest and module file loading
)

// Kind categorizes the error
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindUnavailable       Kind = "unavailable"
	KindRetriesExhausted  Kind = "retries_exhausted"
	KindMissingExport     Kind = "missing_export"
	KindSignatureMismatch Kind = "signature_mismatch"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindCallFailed        Kind = "call_failed"
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidData       Kind = "invalid_data"
	KindNotInitialized    Kind = "not_initialized"
	KindUnsupportedSignal Kind = "unsupported_signal"
	KindStopped           Kind = "stopped"
	KindIO                Kind = "io"
)

// Sentinels for errors.Is matching. Matching compares Phase and Kind only.
var (
	ErrFunctionNotFound = &Error{Phase: PhaseBridge, Kind: KindNotFound, Detail: "function not found"}
	ErrCommunication    = &Error{Phase: PhaseBridge, Kind: KindUnavailable, Detail: "communication failure"}
	ErrRetriesExhausted = &Error{Phase: PhaseTransport, Kind: KindRetriesExhausted}
	ErrMissingExport    = &Error{Phase: PhaseEngine, Kind: KindMissingExport}
	ErrStopped          = &Error{Phase: PhaseInvoke, Kind: KindStopped}
)

// Error is the structured error type used throughout the relay
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "/"))
	}

	if e.Module != "" {
		b.WriteString(" in module ")
		b.WriteString(e.Module)
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

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the filesystem or export path involved
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Module sets the guest module name
func (b *Builder) Module(name string) *Builder {
	b.err.Module = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// NotInitialized creates a not-initialized error for a missing module or instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// OutOfBounds creates an out of bounds error for a guest memory range
func OutOfBounds(phase Phase, module string, offset, length uint32, size uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Module: module,
		Detail: fmt.Sprintf("range [%d, %d) outside memory of %d bytes", offset, uint64(offset)+uint64(length), size),
		Value:  offset,
	}
}

// MissingExport creates an error for a guest export the host requires
func MissingExport(module, export string) *Error {
	return &Error{
		Phase:  PhaseEngine,
		Kind:   KindMissingExport,
		Module: module,
		Detail: fmt.Sprintf("export %q not found", export),
	}
}

// CallFailed wraps a failed guest export invocation
func CallFailed(phase Phase, module, export string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindCallFailed,
		Module: module,
		Detail: fmt.Sprintf("call %s", export),
		Cause:  cause,
	}
}

// Unavailable creates an error for an unreachable peer
func Unavailable(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnavailable,
		Detail: detail,
		Cause:  cause,
	}
}

// IO wraps a read or write failure on a transport session
func IO(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates a manifest or module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Is forwards to the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As forwards to the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

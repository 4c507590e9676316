// Package errors provides the internal structured error type components
// use to pass typed failures up to the Manager, which collapses them into
// a forensics.Cause exactly once at the capture site.
package errors

import "fmt"

// Phase identifies which stage of an invocation's lifecycle produced an
// error.
type Phase string

const (
	PhaseValidate    Phase = "validate"
	PhaseCompile     Phase = "compile"
	PhaseLink        Phase = "link"
	PhaseInstantiate Phase = "instantiate"
	PhaseCall        Phase = "call"
	PhaseCapture     Phase = "capture"
	PhaseConfig      Phase = "config"
)

// Kind classifies the error within its phase.
type Kind string

const (
	KindUnknownCapability Kind = "unknown_capability"
	KindInvalidModule     Kind = "invalid_module"
	KindMissingImport     Kind = "missing_import"
	KindInstantiationTrap Kind = "instantiation_trap"
	KindFuelExhausted     Kind = "fuel_exhausted"
	KindTrap              Kind = "trap"
	KindTimeout           Kind = "timeout"
	KindHostPanic         Kind = "host_panic"
	KindCaptureDegraded   Kind = "capture_degraded"
	KindDumpFormat        Kind = "dump_format"
	KindInvalidConfig     Kind = "invalid_config"
)

// Error is the structured phase/kind error type Munition components below
// the Manager's fire() boundary use; the runtime contract's own errors are
// separate types defined in package runtime.
type Error struct {
	Phase   Phase
	Kind    Kind
	Detail  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s/%s", e.Phase, e.Kind)
	}
	return fmt.Sprintf("%s/%s: %s", e.Phase, e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

// Builder constructs an Error fluently, mirroring the style of errors that
// carry several optional fields.
type Builder struct{ e Error }

func New(phase Phase, kind Kind) *Builder {
	return &Builder{e: Error{Phase: phase, Kind: kind}}
}

func (b *Builder) Detail(format string, args ...interface{}) *Builder {
	b.e.Detail = fmt.Sprintf(format, args...)
	return b
}

func (b *Builder) Cause(err error) *Builder {
	b.e.Cause = err
	return b
}

func (b *Builder) Build() *Error {
	e := b.e
	return &e
}

// Convenience constructors for the failure paths the Manager's lifecycle
// names explicitly (spec.md-equivalent vocabulary: unknown_capability,
// invalid_module, host_denied via missing_import, fuel_exhausted, trap,
// timeout, host_panic).

func UnknownCapability(name string) *Error {
	return New(PhaseValidate, KindUnknownCapability).Detail("capability %q", name).Build()
}

func InvalidModule(cause error) *Error {
	return New(PhaseCompile, KindInvalidModule).Cause(cause).Build()
}

func MissingImport(namespace, name string) *Error {
	return New(PhaseLink, KindMissingImport).Detail("%s::%s", namespace, name).Build()
}

func InstantiationTrap(cause error) *Error {
	return New(PhaseInstantiate, KindInstantiationTrap).Cause(cause).Build()
}

func FuelExhausted() *Error {
	return New(PhaseCall, KindFuelExhausted).Build()
}

func Trap(kind, msg string) *Error {
	return New(PhaseCall, KindTrap).Detail("%s: %s", kind, msg).Build()
}

func Timeout() *Error {
	return New(PhaseCall, KindTimeout).Build()
}

func HostPanic(recovered interface{}) *Error {
	return New(PhaseCall, KindHostPanic).Detail("%v", recovered).Build()
}

func CaptureDegraded(cause error) *Error {
	return New(PhaseCapture, KindCaptureDegraded).Cause(cause).Build()
}

func DumpFormat(detail string) *Error {
	return New(PhaseCapture, KindDumpFormat).Detail(detail).Build()
}

func InvalidConfig(detail string) *Error {
	return New(PhaseConfig, KindInvalidConfig).Detail(detail).Build()
}

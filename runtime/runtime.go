// Package runtime defines the Runtime Contract: the capability set of
// operations any WASM engine backend must provide for Munition to drive it.
// The contract is deliberately engine-agnostic; see runtime/wasmtime for the
// default backend.
package runtime

import (
	"context"
	"fmt"
)

// ValueKind identifies the concrete type carried by a Value.
type ValueKind uint8

const (
	KindI32 ValueKind = iota
	KindI64
	KindF32
	KindF64
)

// Value is a tagged WASM value. Reference types (externref, funcref) are not
// representable — calling an export whose signature uses one fails with
// ErrUnsupportedValueKind rather than silently truncating the value.
type Value struct {
	Kind ValueKind
	I32  int32
	I64  int64
	F32  float32
	F64  float64
}

func I32(v int32) Value { return Value{Kind: KindI32, I32: v} }
func I64(v int64) Value { return Value{Kind: KindI64, I64: v} }
func F32(v float32) Value { return Value{Kind: KindF32, F32: v} }
func F64(v float64) Value { return Value{Kind: KindF64, F64: v} }

var ErrUnsupportedValueKind = fmt.Errorf("runtime: value kind not supported")

// TrapKind is the closed set of trap classifications the contract
// recognizes. Backends that cannot distinguish a trap map it to
// TrapUnknown rather than inventing a new constant.
type TrapKind string

const (
	TrapUnreachable              TrapKind = "unreachable"
	TrapIntegerDivideByZero      TrapKind = "integer_divide_by_zero"
	TrapIntegerOverflow          TrapKind = "integer_overflow"
	TrapOutOfBoundsMemoryAccess  TrapKind = "out_of_bounds_memory_access"
	TrapIndirectCallTypeMismatch TrapKind = "indirect_call_type_mismatch"
	TrapStackOverflow            TrapKind = "stack_overflow"
	TrapUndefinedElement         TrapKind = "undefined_element"
	TrapHostPanic                TrapKind = "host_panic"
	TrapUnknown                  TrapKind = "unknown"
)

// InvalidModuleError is returned by Engine.Compile when the bytes do not
// parse or validate as a WASM module.
type InvalidModuleError struct{ Msg string }

func (e *InvalidModuleError) Error() string { return "runtime: invalid module: " + e.Msg }

// LinkError is returned by Engine.Instantiate when an import required by
// the module has no matching binding.
type LinkError struct{ MissingImport string }

func (e *LinkError) Error() string { return "runtime: missing import: " + e.MissingImport }

// InstantiationTrapError is returned by Engine.Instantiate when a module's
// start function traps during instantiation.
type InstantiationTrapError struct{ Msg string }

func (e *InstantiationTrapError) Error() string { return "runtime: instantiation trap: " + e.Msg }

// FuelExhaustedError is returned by Instance.Call when the store's fuel
// reaches zero mid-call.
type FuelExhaustedError struct{}

func (e *FuelExhaustedError) Error() string { return "runtime: fuel exhausted" }

// TrapError is returned by Instance.Call on any trap other than fuel
// exhaustion or the epoch-interruption timeout signal.
type TrapError struct {
	Kind TrapKind
	Msg  string
}

func (e *TrapError) Error() string { return "runtime: trap(" + string(e.Kind) + "): " + e.Msg }

// InterruptedError is returned by Instance.Call when the engine was
// interrupted via epoch bump before the call returned on its own, i.e. a
// timeout.
type InterruptedError struct{}

func (e *InterruptedError) Error() string { return "runtime: interrupted" }

// OutOfBoundsError is returned by Instance.ReadMemory for an offset/len
// pair that exceeds the store's linear memory.
type OutOfBoundsError struct {
	Offset, Len uint32
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("runtime: read out of bounds at offset=%d len=%d", e.Offset, e.Len)
}

// HostFunc is the uniform native implementation signature every host
// import binding carries, independent of backend. ctx carries the
// invocation-scoped values a host function may need (guest memory accessor,
// virtual filesystem, http client, logger).
type HostFunc func(ctx context.Context, args []Value) ([]Value, error)

// ImportBinding pairs one host import slot with its native implementation.
// The Engine wires only the bindings the Manager builds for the effective
// capability set — omission, not a runtime
// check, is the enforcement mechanism.
type ImportBinding struct {
	Namespace string
	Name      string
	Params    []ValueKind
	Results   []ValueKind
	Func      HostFunc
}

// Module is an engine-owned compiled artifact. Opaque outside the backend.
type Module interface {
	// Close releases engine resources held by the compiled module.
	Close() error
}

// Instance is an engine-owned instantiated module together with its store.
// ReadMemory and ReadGlobals must remain valid after a trap and before
// Cleanup — this is what makes forensic capture possible.
type Instance interface {
	// Call invokes an exported function by name with the given arguments.
	// On success it returns the function's results and nil. When the
	// function runs and fails it returns one of *FuelExhaustedError,
	// *TrapError, or *InterruptedError; a missing or non-function export, or
	// a signature using a kind Value cannot carry, fails with another error.
	Call(ctx context.Context, function string, args []Value) ([]Value, error)

	ReadMemory(offset, length uint32) ([]byte, error)
	ReadGlobals() ([]Value, error)
	FuelConsumed() uint64

	// Interrupt requests that an in-flight Call stop at the engine's next
	// interruption checkpoint. Safe to call from another goroutine.
	Interrupt()

	// Cleanup releases engine resources. Infallible by contract; backends
	// that hit an internal error while releasing resources log it rather
	// than returning it, since cleanup must run on every path including
	// from a deferred call after a panic.
	Cleanup()
}

// Engine compiles and instantiates modules for one backend (e.g.
// wasmtime). An Engine is safe for concurrent use: Munition creates no
// more than one per process but may call Compile/Instantiate from many
// goroutines at once, one per concurrent invocation.
type Engine interface {
	// Compile parses and validates wasm bytes into a Module. Returns
	// *InvalidModuleError on failure.
	Compile(ctx context.Context, wasm []byte) (Module, error)

	// Instantiate links imports and creates a fresh Instance with the
	// given initial fuel budget. Returns *LinkError or
	// *InstantiationTrapError on failure.
	Instantiate(ctx context.Context, mod Module, imports []ImportBinding, initialFuel uint64) (Instance, error)
}

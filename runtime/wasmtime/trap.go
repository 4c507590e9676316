package wasmtime

import (
	"strings"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v4"

	"github.com/munitionsys/munition/runtime"
)

// classifyTrap maps a wasmtime-go Trap into the contract's closed
// TrapKind set. wasmtime-go's TrapCode enum does not cover every
// kind the design names, so unmatched codes fall back to a best-effort
// substring match on the trap message, and anything still unmatched
// becomes TrapUnknown rather than a new, undocumented kind.
func classifyTrap(trap *wasmtime.Trap) error {
	msg := trap.Message()

	if code := trap.Code(); code != nil {
		if kind, ok := trapCodeKind[*code]; ok {
			return &runtime.TrapError{Kind: kind, Msg: msg}
		}
	}

	return classifyTrapMessage(msg)
}

// classifyTrapMessage does the substring fallback match shared by
// classifyTrap and by errors from host-callback-constructed traps, which
// this version of wasmtime-go surfaces as *wasmtime.Error rather than
// *wasmtime.Trap, losing the Trap.Code() accessor.
func classifyTrapMessage(msg string) error {
	lower := strings.ToLower(msg)
	for _, m := range trapMessageMatchers {
		if strings.Contains(lower, m.substr) {
			return &runtime.TrapError{Kind: m.kind, Msg: msg}
		}
	}

	return &runtime.TrapError{Kind: runtime.TrapUnknown, Msg: msg}
}

var trapCodeKind = map[wasmtime.TrapCode]runtime.TrapKind{
	wasmtime.UnreachableCodeReached:  runtime.TrapUnreachable,
	wasmtime.IntegerDivisionByZero:   runtime.TrapIntegerDivideByZero,
	wasmtime.IntegerOverflow:         runtime.TrapIntegerOverflow,
	wasmtime.MemoryOutOfBounds:       runtime.TrapOutOfBoundsMemoryAccess,
	wasmtime.IndirectCallToNull:      runtime.TrapUndefinedElement,
	wasmtime.BadSignature:            runtime.TrapIndirectCallTypeMismatch,
	wasmtime.StackOverflow:           runtime.TrapStackOverflow,
	wasmtime.TableOutOfBounds:        runtime.TrapOutOfBoundsMemoryAccess,
}

var trapMessageMatchers = []struct {
	substr string
	kind   runtime.TrapKind
}{
	{"host_panic", runtime.TrapHostPanic},
	{"unreachable", runtime.TrapUnreachable},
	{"divide by zero", runtime.TrapIntegerDivideByZero},
	{"integer overflow", runtime.TrapIntegerOverflow},
	{"out of bounds", runtime.TrapOutOfBoundsMemoryAccess},
	{"indirect call", runtime.TrapIndirectCallTypeMismatch},
	{"stack overflow", runtime.TrapStackOverflow},
	{"undefined element", runtime.TrapUndefinedElement},
}

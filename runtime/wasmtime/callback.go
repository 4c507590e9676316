package wasmtime

import (
	wasmtime "github.com/bytecodealliance/wasmtime-go/v4"

	"github.com/munitionsys/munition/hostfn"
	"github.com/munitionsys/munition/runtime"
)

// newHostCallback adapts one runtime.HostFunc into the
// func(*Caller, []Val) ([]Val, *Trap) shape wasmtime-go's Linker.FuncNew
// wants. It attaches a MemoryAccessor bound to inst to the call's context
// so the native implementation can read/write guest memory without seeing
// the engine, then recovers any panic from the native side and turns it
// into a host_panic trap — the panic-to-trap translation for
// native host-function callbacks.
func newHostCallback(inst *Instance, imp runtime.ImportBinding) func(*wasmtime.Caller, []wasmtime.Val) ([]wasmtime.Val, *wasmtime.Trap) {
	return func(caller *wasmtime.Caller, wasmArgs []wasmtime.Val) (result []wasmtime.Val, trap *wasmtime.Trap) {
		defer func() {
			if r := recover(); r != nil {
				trap = wasmtime.NewTrap("host_panic: " + panicMessage(r))
			}
		}()

		inst.mu.Lock()
		ctx := inst.callCtx
		inst.mu.Unlock()
		if ctx == nil {
			return nil, wasmtime.NewTrap("host_panic: native function invoked outside an active call")
		}
		ctx = hostfn.WithMemory(ctx, inst.ReadMemoryAccessor())

		args := make([]runtime.Value, 0, len(wasmArgs))
		for _, a := range wasmArgs {
			args = append(args, fromWasmtimeVal(a))
		}

		results, err := imp.Func(ctx, args)
		if err != nil {
			return nil, wasmtime.NewTrap(err.Error())
		}

		out := make([]wasmtime.Val, 0, len(results))
		for _, r := range results {
			out = append(out, toWasmtimeVal(r))
		}
		return out, nil
	}
}

func toWasmtimeVal(v runtime.Value) wasmtime.Val {
	switch v.Kind {
	case runtime.KindI32:
		return wasmtime.ValI32(v.I32)
	case runtime.KindI64:
		return wasmtime.ValI64(v.I64)
	case runtime.KindF32:
		return wasmtime.ValF32(v.F32)
	case runtime.KindF64:
		return wasmtime.ValF64(v.F64)
	default:
		return wasmtime.ValI32(0)
	}
}

func panicMessage(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "unknown panic"
}

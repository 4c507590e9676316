package wasmtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v4"

	"github.com/munitionsys/munition/errors"
	"github.com/munitionsys/munition/hostfn"
	"github.com/munitionsys/munition/runtime"
)

// Instance wraps one wasmtime Store/Instance/Linker triple. It is created
// fresh per invocation and never reused — see module.go's Instantiate.
// Not safe for concurrent use; the Manager never calls Call from more than
// one goroutine per Instance (the timeout watcher only calls Interrupt,
// which is safe).
type Instance struct {
	mu sync.Mutex

	store    *wasmtime.Store
	linker   *wasmtime.Linker
	instance *wasmtime.Instance
	memory   *wasmtime.Memory
	engine   *wasmtime.Engine

	// callCtx is read by host-function callbacks for the duration of one
	// Call. It is set immediately before invoking the entrypoint and
	// cleared after, mirroring the "current call" field pattern used to
	// give host closures access to per-call state.
	callCtx context.Context
}

func (i *Instance) Call(ctx context.Context, function string, args []runtime.Value) ([]runtime.Value, error) {
	export := i.instance.GetExport(i.store, function)
	if export == nil {
		return nil, &errors.Error{Phase: errors.PhaseCall, Kind: errors.KindTrap, Detail: fmt.Sprintf("no such export %q", function)}
	}
	fn := export.Func()
	if fn == nil {
		return nil, &errors.Error{Phase: errors.PhaseCall, Kind: errors.KindTrap, Detail: fmt.Sprintf("export %q is not a function", function)}
	}
	ty := fn.Type(i.store)
	for _, vts := range [][]*wasmtime.ValType{ty.Params(), ty.Results()} {
		for _, vt := range vts {
			switch vt.Kind() {
			case wasmtime.KindI32, wasmtime.KindI64, wasmtime.KindF32, wasmtime.KindF64:
			default:
				return nil, runtime.ErrUnsupportedValueKind
			}
		}
	}

	i.mu.Lock()
	i.callCtx = ctx
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.callCtx = nil
		i.mu.Unlock()
	}()

	wasmArgs := make([]interface{}, 0, len(args))
	for _, a := range args {
		v, err := toWasmtimeArg(a)
		if err != nil {
			return nil, err
		}
		wasmArgs = append(wasmArgs, v)
	}

	result, err := fn.Call(i.store, wasmArgs...)
	if err != nil {
		return nil, classifyCallError(err)
	}

	return fromWasmtimeResult(result, ty), nil
}

func toWasmtimeArg(v runtime.Value) (interface{}, error) {
	switch v.Kind {
	case runtime.KindI32:
		return v.I32, nil
	case runtime.KindI64:
		return v.I64, nil
	case runtime.KindF32:
		return v.F32, nil
	case runtime.KindF64:
		return v.F64, nil
	default:
		return nil, runtime.ErrUnsupportedValueKind
	}
}

// fromWasmtimeResult normalizes wasmtime-go's Call return (nil, a single
// value, or a []wasmtime.Val for multi-result functions) into []Value
// using the export's declared result types.
func fromWasmtimeResult(result interface{}, ty *wasmtime.FuncType) []runtime.Value {
	resultTypes := ty.Results()
	if len(resultTypes) == 0 || result == nil {
		return nil
	}
	if vals, ok := result.([]wasmtime.Val); ok {
		out := make([]runtime.Value, 0, len(vals))
		for _, v := range vals {
			out = append(out, fromWasmtimeVal(v))
		}
		return out
	}
	return []runtime.Value{fromScalar(result, resultTypes[0].Kind())}
}

func fromScalar(v interface{}, kind wasmtime.ValKind) runtime.Value {
	switch kind {
	case wasmtime.KindI32:
		return runtime.I32(v.(int32))
	case wasmtime.KindI64:
		return runtime.I64(v.(int64))
	case wasmtime.KindF32:
		return runtime.F32(v.(float32))
	case wasmtime.KindF64:
		return runtime.F64(v.(float64))
	default:
		return runtime.Value{}
	}
}

func fromWasmtimeVal(v wasmtime.Val) runtime.Value {
	switch v.Kind() {
	case wasmtime.KindI32:
		return runtime.I32(v.I32())
	case wasmtime.KindI64:
		return runtime.I64(v.I64())
	case wasmtime.KindF32:
		return runtime.F32(v.F32())
	case wasmtime.KindF64:
		return runtime.F64(v.F64())
	default:
		return runtime.Value{}
	}
}

func (i *Instance) ReadMemory(offset, length uint32) ([]byte, error) {
	if i.memory == nil {
		return nil, &runtime.OutOfBoundsError{Offset: offset, Len: length}
	}
	data := i.memory.UnsafeData(i.store)
	end := uint64(offset) + uint64(length)
	if end > uint64(len(data)) {
		return nil, &runtime.OutOfBoundsError{Offset: offset, Len: length}
	}
	out := make([]byte, length)
	copy(out, data[offset:end])
	return out, nil
}

func (i *Instance) writeMemory(offset uint32, payload []byte) error {
	if i.memory == nil {
		return &runtime.OutOfBoundsError{Offset: offset, Len: uint32(len(payload))}
	}
	data := i.memory.UnsafeData(i.store)
	end := uint64(offset) + uint64(len(payload))
	if end > uint64(len(data)) {
		return &runtime.OutOfBoundsError{Offset: offset, Len: uint32(len(payload))}
	}
	copy(data[offset:end], payload)
	return nil
}

// ReadMemory/writeMemory satisfy hostfn.MemoryAccessor so host callbacks
// can touch guest memory without reaching into the engine directly.
func (i *Instance) ReadMemoryAccessor() hostfn.MemoryAccessor { return memoryAccessor{i} }

type memoryAccessor struct{ i *Instance }

func (m memoryAccessor) ReadMemory(offset, length uint32) ([]byte, error) {
	return m.i.ReadMemory(offset, length)
}

func (m memoryAccessor) WriteMemory(offset uint32, data []byte) error {
	return m.i.writeMemory(offset, data)
}

// ReadGlobals enumerates the module's exported globals, in export order.
// wasmtime-go exposes no generic handle for an instance's internal
// (non-exported) globals, so this reports exactly the globals the module
// chose to make observable — a narrowing the design's "ordered, typed
// values" wording leaves room for.
func (i *Instance) ReadGlobals() ([]runtime.Value, error) {
	if i.instance == nil {
		return nil, nil
	}
	var out []runtime.Value
	for _, export := range i.instance.Exports(i.store) {
		g := export.Global()
		if g == nil {
			continue
		}
		out = append(out, fromWasmtimeVal(g.Get(i.store)))
	}
	return out, nil
}

func (i *Instance) FuelConsumed() uint64 {
	consumed, ok := i.store.FuelConsumed()
	if !ok {
		return 0
	}
	return consumed
}

// Interrupt bumps this invocation's own Engine epoch. Safe to call from
// another goroutine while Call is in flight; it is how the Manager
// implements timeout interruption. Each Instance owns a dedicated Engine
// (see module.go's Compile), so this can never trip a deadline belonging
// to a different, concurrently running invocation.
func (i *Instance) Interrupt() {
	i.engine.IncrementEpoch()
}

// Cleanup is a no-op: this wasmtime-go version releases the store's and
// linker's underlying C memory via runtime finalizers rather than an
// explicit free.
func (i *Instance) Cleanup() {}

func classifyCallError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "epoch deadline") || strings.Contains(msg, "interrupt") {
		return &runtime.InterruptedError{}
	}
	if strings.Contains(msg, "all fuel consumed") || strings.Contains(msg, "fuel") {
		return &runtime.FuelExhaustedError{}
	}
	if trap, ok := err.(*wasmtime.Trap); ok {
		return classifyTrap(trap)
	}
	// Traps constructed by a host callback (via wasmtime.NewTrap) surface
	// here as *wasmtime.Error rather than *wasmtime.Trap, so fall back to
	// the same message-based classification.
	return classifyTrapMessage(msg)
}

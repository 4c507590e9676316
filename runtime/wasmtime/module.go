// Package wasmtime implements the Runtime Contract (C6) against
// github.com/bytecodealliance/wasmtime-go/v4. Fuel metering and epoch
// interruption are configured per invocation: every Compile gets its own
// Engine, carried forward through Instantiate, so that one invocation's
// timeout can never trip another invocation's store. wasmtime's epoch
// counter is engine-global, not store-global, so sharing one Engine
// process-wide (as an earlier revision did) would let any timed-out
// invocation spuriously interrupt every other invocation in flight —
// invocations are independent and must stay that way.
package wasmtime

import (
	"context"
	"fmt"
	"strings"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v4"

	"github.com/munitionsys/munition/runtime"
)

// Backend is the default, Wasmtime-backed runtime.Engine. It holds no
// wasmtime state of its own — each compiled Module carries the Engine it
// was compiled against, so Backend itself is safe to share process-wide.
type Backend struct{}

// NewBackend creates a Backend. One Backend is typically shared
// process-wide; it holds no per-invocation state.
func NewBackend() *Backend {
	return &Backend{}
}

// newEngine builds a fresh Engine with fuel consumption and epoch
// interruption enabled. wasmtime-go consumes its Config when building an
// Engine from it, so every Engine needs its own freshly built Config.
func newEngine() *wasmtime.Engine {
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	cfg.SetEpochInterruption(true)
	return wasmtime.NewEngineWithConfig(cfg)
}

type Module struct {
	module *wasmtime.Module
	engine *wasmtime.Engine
}

func (m *Module) Close() error {
	return nil
}

func (b *Backend) Compile(ctx context.Context, wasm []byte) (runtime.Module, error) {
	engine := newEngine()
	mod, err := wasmtime.NewModule(engine, wasm)
	if err != nil {
		return nil, &runtime.InvalidModuleError{Msg: err.Error()}
	}
	return &Module{module: mod, engine: engine}, nil
}

func (b *Backend) Instantiate(ctx context.Context, mod runtime.Module, imports []runtime.ImportBinding, initialFuel uint64) (runtime.Instance, error) {
	m, ok := mod.(*Module)
	if !ok {
		return nil, fmt.Errorf("wasmtime: Instantiate called with a Module from a different backend")
	}

	realStore := wasmtime.NewStore(m.engine)
	realStore.SetEpochDeadline(1)

	linker := wasmtime.NewLinker(m.engine)

	inst := &Instance{
		store:  realStore,
		linker: linker,
		engine: m.engine,
	}

	// freeInstance released the store/linker on every error return below in
	// earlier wasmtime-go versions; this version manages their C memory via
	// runtime finalizers instead, so there is nothing left to do here. On
	// success ownership passes to the returned Instance, whose own Cleanup
	// takes over. Instantiation traps still return inst (with its store
	// left allocated) so the Manager can run forensic capture against it
	// before calling Cleanup itself.
	freeInstance := func() {}

	if err := realStore.AddFuel(initialFuel); err != nil {
		freeInstance()
		return nil, fmt.Errorf("wasmtime: seeding fuel: %w", err)
	}

	for _, imp := range imports {
		imp := imp
		ft := wasmtime.NewFuncType(valTypes(imp.Params), valTypes(imp.Results))
		callback := newHostCallback(inst, imp)
		if err := linker.FuncNew(imp.Namespace, imp.Name, ft, callback); err != nil {
			freeInstance()
			return nil, fmt.Errorf("wasmtime: defining import %s::%s: %w", imp.Namespace, imp.Name, err)
		}
	}

	wasmInstance, err := linker.Instantiate(realStore, m.module)
	if err != nil {
		if missing, ok := missingImportName(err); ok {
			freeInstance()
			return nil, &runtime.LinkError{MissingImport: missing}
		}
		// Instantiation itself trapped (e.g. a start function trapped).
		// The store is still valid for forensic capture; return inst
		// alongside the error so the Manager can capture before Cleanup.
		return inst, &runtime.InstantiationTrapError{Msg: err.Error()}
	}

	inst.instance = wasmInstance
	if memExport := wasmInstance.GetExport(realStore, "memory"); memExport != nil {
		inst.memory = memExport.Memory()
	}

	return inst, nil
}

func valTypes(kinds []runtime.ValueKind) []*wasmtime.ValType {
	out := make([]*wasmtime.ValType, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, toWasmtimeKind(k))
	}
	return out
}

func toWasmtimeKind(k runtime.ValueKind) *wasmtime.ValType {
	switch k {
	case runtime.KindI32:
		return wasmtime.NewValType(wasmtime.KindI32)
	case runtime.KindI64:
		return wasmtime.NewValType(wasmtime.KindI64)
	case runtime.KindF32:
		return wasmtime.NewValType(wasmtime.KindF32)
	case runtime.KindF64:
		return wasmtime.NewValType(wasmtime.KindF64)
	default:
		return wasmtime.NewValType(wasmtime.KindI32)
	}
}

// missingImportName does a best-effort string match on wasmtime-go's link
// error text, since v4 does not expose a typed accessor for the missing
// import name. The engine reports this as:
//
//	unknown import: `namespace::name` has not been defined
func missingImportName(err error) (string, bool) {
	const marker = "unknown import: `"
	msg := err.Error()
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return "", false
	}
	rest := msg[idx+len(marker):]
	end := strings.IndexByte(rest, '`')
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

package wasmtime

import (
	"context"
	"testing"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munitionsys/munition/runtime"
)

func compile(t *testing.T, b *Backend, wat string) runtime.Module {
	t.Helper()
	wasm, err := wasmtime.Wat2Wasm(wat)
	require.NoError(t, err)
	mod, err := b.Compile(context.Background(), wasm)
	require.NoError(t, err)
	return mod
}

const memWat = `
(module
  (memory (export "memory") 1)
  (global (export "counter") (mut i32) (i32.const 7))
  (func (export "write_byte") (param i32 i32)
    local.get 0
    local.get 1
    i32.store8))
`

func TestInstanceReadMemoryAfterStore(t *testing.T) {
	b := NewBackend()
	mod := compile(t, b, memWat)

	instance, err := b.Instantiate(context.Background(), mod, nil, 100_000)
	require.NoError(t, err)
	defer instance.Cleanup()

	_, err = instance.Call(context.Background(), "write_byte", []runtime.Value{runtime.I32(0), runtime.I32(42)})
	require.NoError(t, err)

	data, err := instance.ReadMemory(0, 4)
	require.NoError(t, err)
	assert.Equal(t, byte(42), data[0])
}

func TestInstanceReadMemoryOutOfBounds(t *testing.T) {
	b := NewBackend()
	mod := compile(t, b, memWat)

	instance, err := b.Instantiate(context.Background(), mod, nil, 100_000)
	require.NoError(t, err)
	defer instance.Cleanup()

	_, err = instance.ReadMemory(65536*2, 16)
	require.Error(t, err)
	var oob *runtime.OutOfBoundsError
	assert.ErrorAs(t, err, &oob)
}

func TestInstanceReadGlobalsReportsExportedGlobal(t *testing.T) {
	b := NewBackend()
	mod := compile(t, b, memWat)

	instance, err := b.Instantiate(context.Background(), mod, nil, 100_000)
	require.NoError(t, err)
	defer instance.Cleanup()

	globals, err := instance.ReadGlobals()
	require.NoError(t, err)
	require.Len(t, globals, 1)
	assert.Equal(t, int32(7), globals[0].I32)
}

func TestInstanceNoMemoryExportReadsFail(t *testing.T) {
	b := NewBackend()
	mod := compile(t, b, `(module (func (export "noop")))`)

	instance, err := b.Instantiate(context.Background(), mod, nil, 100_000)
	require.NoError(t, err)
	defer instance.Cleanup()

	_, err = instance.ReadMemory(0, 1)
	require.Error(t, err)
}

func TestInstanceFuelConsumedIncreasesAfterCall(t *testing.T) {
	b := NewBackend()
	mod := compile(t, b, `
(module
  (func (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add))
`)

	instance, err := b.Instantiate(context.Background(), mod, nil, 100_000)
	require.NoError(t, err)
	defer instance.Cleanup()

	before := instance.FuelConsumed()
	_, err = instance.Call(context.Background(), "add", []runtime.Value{runtime.I32(1), runtime.I32(1)})
	require.NoError(t, err)
	assert.Greater(t, instance.FuelConsumed(), before)
}

func TestInstantiateMissingImportReturnsLinkError(t *testing.T) {
	b := NewBackend()
	mod := compile(t, b, `
(module
  (import "env" "does_not_exist" (func (result i32))))
`)

	instance, err := b.Instantiate(context.Background(), mod, nil, 100_000)
	require.Error(t, err)
	var linkErr *runtime.LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Contains(t, linkErr.MissingImport, "does_not_exist")
	assert.Nil(t, instance, "a LinkError means nothing was ever instantiated, so there is nothing to capture")
}

// TestInstantiateStartFunctionTrapReturnsUsableInstance backs the
// requirement that an instantiation-time trap still leaves a valid store
// behind for forensic capture: the store/linker must not be freed until
// after the Manager has had a chance to inspect it. Wasmtime itself gives
// no export access once a start function traps mid-instantiation — the
// returned Instance cannot enumerate globals or memory — but it still
// reports fuel consumed while the start function ran, which is the
// concrete field a freed-on-failure store could never report.
func TestInstantiateStartFunctionTrapReturnsUsableInstance(t *testing.T) {
	b := NewBackend()
	mod := compile(t, b, `
(module
  (global (export "g") (mut i32) (i32.const 3))
  (func $crash unreachable)
  (start $crash))
`)

	instance, err := b.Instantiate(context.Background(), mod, nil, 100_000)
	require.Error(t, err)
	var trapErr *runtime.InstantiationTrapError
	require.ErrorAs(t, err, &trapErr)
	require.NotNil(t, instance, "an instantiation trap must still return a usable Instance for capture")
	defer instance.Cleanup()

	assert.Greater(t, instance.FuelConsumed(), uint64(0), "fuel spent running the start function before it trapped must still be visible")

	globals, err := instance.ReadGlobals()
	assert.NoError(t, err)
	assert.Empty(t, globals, "wasmtime gives no export access once a start function traps, so globals degrade to empty rather than erroring")
}

func TestCompileInvalidBytesReturnsInvalidModuleError(t *testing.T) {
	b := NewBackend()
	_, err := b.Compile(context.Background(), []byte("not wasm"))
	require.Error(t, err)
	var invalidErr *runtime.InvalidModuleError
	require.ErrorAs(t, err, &invalidErr)
}

package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	wasmtime "github.com/bytecodealliance/wasmtime-go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munitionsys/munition/capability"
	"github.com/munitionsys/munition/config"
	"github.com/munitionsys/munition/forensics"
	"github.com/munitionsys/munition/hostfn"
	"github.com/munitionsys/munition/runtime"
	wasmtimebackend "github.com/munitionsys/munition/runtime/wasmtime"
)

func wat(t *testing.T, src string) []byte {
	t.Helper()
	wasm, err := wasmtime.Wat2Wasm(src)
	require.NoError(t, err)
	return wasm
}

func newTestManager() *Manager {
	return New(wasmtimebackend.NewBackend(), hostfn.Default(), config.Testing())
}

const addWat = `
(module
  (func (export "add") (param i32 i32) (result i32)
    local.get 0
    local.get 1
    i32.add))
`

const spinWat = `
(module
  (func (export "spin")
    (loop $l
      br $l)))
`

const unreachableWat = `
(module
  (func (export "boom")
    unreachable))
`

const divZeroWat = `
(module
  (func (export "div") (result i32)
    i32.const 1
    i32.const 0
    i32.div_s))
`

const startTrapWat = `
(module
  (func $crash unreachable)
  (start $crash))
`

const netFetchImportWat = `
(module
  (import "env" "net_fetch" (func $net_fetch (param i32 i32 i32 i32) (result i32)))
  (func (export "run") (result i32)
    i32.const 0))
`

func TestFireAddSucceeds(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, addWat)

	result := mgr.Fire(context.Background(), wasm, "add", []runtime.Value{runtime.I32(2), runtime.I32(3)}, Options{})

	require.False(t, result.Crashed())
	require.Len(t, result.Values, 1)
	assert.Equal(t, int32(5), result.Values[0].I32)
	assert.Less(t, result.FuelRemaining, config.Testing().DefaultFuel)
}

func TestFireInfiniteLoopExhaustsFuel(t *testing.T) {
	// 0 and 1 are the boundary cases: 0 must crash before a single
	// instruction runs, and 1 is too little fuel for even one loop back-edge.
	tests := []struct {
		name string
		fuel uint64
	}{
		{name: "boundary zero fuel", fuel: 0},
		{name: "boundary one fuel", fuel: 1},
		{name: "small fuel budget", fuel: 500},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			mgr := newTestManager()
			wasm := wat(t, spinWat)

			fuel := test.fuel
			result := mgr.Fire(context.Background(), wasm, "spin", nil, Options{Fuel: &fuel})

			require.True(t, result.Crashed())
			assert.Equal(t, forensics.CauseFuelExhausted, result.Dump.Cause.Kind)
			assert.Equal(t, uint64(0), result.Dump.FuelRemaining, "a fuel_exhausted crash must report no fuel left")
		})
	}
}

func TestFireUnreachableTraps(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, unreachableWat)

	result := mgr.Fire(context.Background(), wasm, "boom", nil, Options{})

	require.True(t, result.Crashed())
	assert.Equal(t, forensics.CauseTrap, result.Dump.Cause.Kind)
	assert.Equal(t, runtime.TrapUnreachable, result.Dump.Cause.TrapKind)
	assert.Less(t, result.Dump.FuelConsumed, config.Testing().DefaultFuel)
	assert.Equal(t, config.Testing().DefaultFuel-result.Dump.FuelConsumed, result.Dump.FuelRemaining,
		"fuel_remaining must reflect the budget actually left, not just 0")
}

func TestFireDivideByZeroTraps(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, divZeroWat)

	result := mgr.Fire(context.Background(), wasm, "div", nil, Options{})

	require.True(t, result.Crashed())
	assert.Equal(t, forensics.CauseTrap, result.Dump.Cause.Kind)
	assert.Equal(t, runtime.TrapIntegerDivideByZero, result.Dump.Cause.TrapKind)
}

func TestFireDeniedCapabilityFailsToLink(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, netFetchImportWat)

	result := mgr.Fire(context.Background(), wasm, "run", nil, Options{Capabilities: capability.NewSet(capability.Time)})

	require.True(t, result.Crashed())
	assert.Equal(t, forensics.CauseHostDenied, result.Dump.Cause.Kind)
	assert.Equal(t, string(capability.Network), result.Dump.Cause.DeniedCapability)
}

func TestFireGrantedCapabilityLinksSuccessfully(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, netFetchImportWat)

	result := mgr.Fire(context.Background(), wasm, "run", nil, Options{Capabilities: capability.NewSet(capability.Network)})

	require.False(t, result.Crashed())
	require.Len(t, result.Values, 1)
	assert.Equal(t, int32(0), result.Values[0].I32)
}

func TestFireTimesOutOnLongRunningCall(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, spinWat)

	fuel := uint64(1) << 40
	timeoutMS := uint32(50)
	start := time.Now()
	result := mgr.Fire(context.Background(), wasm, "spin", nil, Options{Fuel: &fuel, TimeoutMS: &timeoutMS})
	elapsed := time.Since(start)

	require.True(t, result.Crashed())
	assert.Equal(t, forensics.CauseTimeout, result.Dump.Cause.Kind)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestFireUnknownCapabilityCrashesBeforeCompile(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, addWat)

	result := mgr.Fire(context.Background(), wasm, "add", []runtime.Value{runtime.I32(1), runtime.I32(1)}, Options{
		Capabilities: capability.NewSet(capability.Capability("not_a_real_capability")),
	})

	require.True(t, result.Crashed())
	assert.Equal(t, forensics.CauseInstantiationFailed, result.Dump.Cause.Kind)
	assert.Equal(t, "unknown_capability", result.Dump.Cause.Reason)
}

// TestFireStartFunctionTrapCapturesFuelConsumed backs the requirement
// that an instantiation-time trap still produces a dump with real fuel
// accounting, not the all-zero placeholder a freed-before-capture store
// would leave behind.
func TestFireStartFunctionTrapCapturesFuelConsumed(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, startTrapWat)

	result := mgr.Fire(context.Background(), wasm, "unused", nil, Options{})

	require.True(t, result.Crashed())
	assert.Equal(t, forensics.CauseInstantiationFailed, result.Dump.Cause.Kind)
	assert.Equal(t, "trap", result.Dump.Cause.Reason)
	assert.Greater(t, result.Dump.FuelConsumed, uint64(0), "fuel spent running the start function must still be captured")
	assert.Equal(t, config.Testing().DefaultFuel-result.Dump.FuelConsumed, result.Dump.FuelRemaining)
}

func TestFireInvalidModuleBytesCrashes(t *testing.T) {
	mgr := newTestManager()

	result := mgr.Fire(context.Background(), []byte("not a wasm module"), "whatever", nil, Options{})

	require.True(t, result.Crashed())
	assert.Equal(t, forensics.CauseInvalidModule, result.Dump.Cause.Kind)
}

func TestValidateAcceptsWellFormedModule(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, addWat)

	require.NoError(t, mgr.Validate(context.Background(), wasm))
}

func TestValidateRejectsGarbageBytes(t *testing.T) {
	mgr := newTestManager()

	require.Error(t, mgr.Validate(context.Background(), []byte("definitely not wasm")))
}

const bumpGlobalThenTrapWat = `
(module
  (global (export "g") (mut i32) (i32.const 0))
  (func (export "bump_then_trap")
    global.get 0
    i32.const 1
    i32.add
    global.set 0
    unreachable))
`

// TestFireIsolatesStateAcrossRepeatedCalls backs Testable Property 1
// (isolation): every Fire call gets a fresh Instance, so a module's globals
// always start from their initial value, never from whatever a prior call
// left them at. If Fire pooled or reused stores, the captured global would
// climb (1, 2, 3, ...) across iterations instead of always reading 1.
func TestFireIsolatesStateAcrossRepeatedCalls(t *testing.T) {
	mgr := newTestManager()
	wasm := wat(t, bumpGlobalThenTrapWat)

	for i := 0; i < 5; i++ {
		result := mgr.Fire(context.Background(), wasm, "bump_then_trap", nil, Options{})

		require.True(t, result.Crashed())
		require.Len(t, result.Dump.Globals, 1)
		assert.Equal(t, int32(1), result.Dump.Globals[0].I32, "global must start fresh on every call, iteration %d", i)
	}
}

// TestFireConcurrentTimeoutDoesNotInterruptOtherInvocations backs the
// independence guarantee between invocations: one call timing out must
// never trip another call's deadline. Before each invocation got its own
// dedicated wasmtime Engine, every Store shared one Engine's epoch
// counter, so a timeout anywhere in the process could spuriously
// interrupt every other invocation in flight. This test runs a
// deliberately timing-out call alongside a fast call many times over and
// asserts the fast call never reports cause=timeout.
func TestFireConcurrentTimeoutDoesNotInterruptOtherInvocations(t *testing.T) {
	mgr := newTestManager()
	spinWasm := wat(t, spinWat)
	addWasm := wat(t, addWat)

	const rounds = 20
	var wg sync.WaitGroup
	fastResults := make([]Result, rounds)

	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			fuel := uint64(1) << 40
			timeoutMS := uint32(20)
			mgr.Fire(context.Background(), spinWasm, "spin", nil, Options{Fuel: &fuel, TimeoutMS: &timeoutMS})
		}()
		go func(i int) {
			defer wg.Done()
			fastResults[i] = mgr.Fire(context.Background(), addWasm, "add", []runtime.Value{runtime.I32(1), runtime.I32(2)}, Options{})
		}(i)
	}
	wg.Wait()

	for i, result := range fastResults {
		require.False(t, result.Crashed(), "a fast, non-timing-out call must never crash because a concurrent call timed out, round %d", i)
	}
}

// TestFireRepeatedFailuresDoNotExhaustEngineResources backs Testable
// Property 5 (cleanup totality): many back-to-back host_denied link
// failures and call-time traps must each still produce a complete crash
// dump, with no invocation's engine resources getting in the way of the
// next one.
func TestFireRepeatedFailuresDoNotExhaustEngineResources(t *testing.T) {
	mgr := newTestManager()
	deniedWasm := wat(t, netFetchImportWat)
	trapWasm := wat(t, unreachableWat)

	for i := 0; i < 50; i++ {
		result := mgr.Fire(context.Background(), deniedWasm, "run", nil, Options{Capabilities: capability.NewSet(capability.Time)})
		require.True(t, result.Crashed())
		require.Equal(t, forensics.CauseHostDenied, result.Dump.Cause.Kind)

		result = mgr.Fire(context.Background(), trapWasm, "boom", nil, Options{})
		require.True(t, result.Crashed())
		require.Equal(t, forensics.CauseTrap, result.Dump.Cause.Kind)
	}
}

// Package manager implements the Instance Manager (C8): the orchestrator
// that drives compile → instantiate → invoke → capture → cleanup, wiring
// the Capability Registry, Host Function Table, Fuel Policy, Runtime
// Contract, and Forensic Capture together for one invocation at a time.
package manager

import (
	"context"
	"net/http"
	"time"

	"github.com/munitionsys/munition/capability"
	"github.com/munitionsys/munition/capture"
	"github.com/munitionsys/munition/config"
	"github.com/munitionsys/munition/forensics"
	"github.com/munitionsys/munition/hostfn"
	"github.com/munitionsys/munition/runtime"
)

// Manager owns the lifecycle of every invocation. It holds no per-call
// state: the Engine, Host Function Table, and Defaults it wraps are all
// read-only after construction and safe to call Fire on concurrently.
type Manager struct {
	engine   runtime.Engine
	hostfns  hostfn.Table
	defaults config.Defaults
}

// New builds a Manager around the given Runtime backend and host function
// table. Pass hostfn.Default() for the table this repository ships, or a
// caller-assembled one to add or remove host functions.
func New(engine runtime.Engine, table hostfn.Table, defaults config.Defaults) *Manager {
	return &Manager{engine: engine, hostfns: table, defaults: defaults}
}

// Result is the Go realization of InvocationResult: exactly one of Dump
// (on Crash) or Values+metadata (on Ok) is populated. Crashed reports
// which.
type Result struct {
	Values       []runtime.Value
	FuelRemaining uint64
	WallTimeNs   uint64

	Dump *forensics.Dump
}

func (r Result) Crashed() bool { return r.Dump != nil }

// Validate compiles wasm and discards the module without instantiating
// it. It can detect InvalidModule but not LinkError, since it never links
// imports — matching the design's description of validate as
// compile-only.
func (m *Manager) Validate(ctx context.Context, wasm []byte) error {
	mod, err := m.engine.Compile(ctx, wasm)
	if err != nil {
		return err
	}
	return mod.Close()
}

// Fire drives one complete invocation lifecycle. It always
// returns a Result; Result.Crashed() tells the caller which of the two
// InvocationResult variants they got.
func (m *Manager) Fire(ctx context.Context, wasm []byte, function string, args []runtime.Value, opts Options) Result {
	resolved := opts.resolve(m.defaults)
	startedAt := time.Now()

	inv := capture.Invocation{
		Function:             function,
		Args:                 args,
		MaxMemoryPagesInDump: resolved.MaxMemoryPagesInDump,
		InitialFuel:          resolved.Fuel,
	}

	// Step 1: validate capabilities.
	granted, err := capability.Validate(resolved.Capabilities)
	if err != nil {
		inv.RequestedCapabilities = resolved.Capabilities
		return m.crash(inv, forensics.Cause{
			Kind:   forensics.CauseInstantiationFailed,
			Reason: "unknown_capability",
			Detail: err.Error(),
		}, nil, startedAt)
	}
	effective := capability.Effective(granted)
	inv.RequestedCapabilities = resolved.Capabilities
	inv.GrantedCapabilities = effective

	// Step 2: compile.
	mod, err := m.engine.Compile(ctx, wasm)
	if err != nil {
		return m.crash(inv, forensics.Cause{Kind: forensics.CauseInvalidModule, Detail: err.Error()}, nil, startedAt)
	}
	defer mod.Close()

	// Step 3: build imports — the sole capability enforcement point.
	imports := hostfn.ImportBindings(m.hostfns, effective)

	// Step 4: instantiate.
	instance, err := m.engine.Instantiate(ctx, mod, imports, resolved.Fuel)
	if err != nil {
		return m.handleInstantiateError(err, instance, inv, startedAt)
	}
	defer instance.Cleanup()

	invocation := &hostfn.Invocation{
		VFS:        hostfn.NewVirtualFS(nil),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Logger:     zlog,
	}
	callCtx := hostfn.WithInvocation(ctx, invocation)

	// Step 5: execute under timeout, on a worker so Fire never blocks
	// indefinitely.
	return m.executeUnderTimeout(callCtx, instance, inv, resolved, function, args, startedAt)
}

func (m *Manager) handleInstantiateError(err error, instance runtime.Instance, inv capture.Invocation, startedAt time.Time) Result {
	switch e := err.(type) {
	case *runtime.LinkError:
		deniedCap := deniedCapability(m.hostfns, e.MissingImport)
		return m.crash(inv, forensics.Cause{
			Kind:             forensics.CauseHostDenied,
			DeniedCapability: deniedCap,
			Detail:           e.MissingImport,
		}, instance, startedAt)
	case *runtime.InstantiationTrapError:
		// Instantiate left the store allocated specifically so capture can
		// still read the fuel consumed from it (the engine exposes no
		// exports after a start-function trap, so memory and globals come
		// back empty); Cleanup runs only now, after capture has had its chance.
		d := capture.Capture(instance, forensics.Cause{Kind: forensics.CauseInstantiationFailed, Reason: "trap", Detail: e.Msg}, inv)
		if instance != nil {
			instance.Cleanup()
		}
		return Result{Dump: d}
	default:
		return m.crash(inv, forensics.Cause{Kind: forensics.CauseInstantiationFailed, Reason: "unknown", Detail: err.Error()}, instance, startedAt)
	}
}

// deniedCapability maps "namespace::name" back to the capability that
// gated it, for the host_denied{capability} cause.
func deniedCapability(table hostfn.Table, missingImport string) string {
	namespace, name := splitImport(missingImport)
	gatingCap, ok := hostfn.RequiredCapability(table, namespace, name)
	if !ok {
		return ""
	}
	return string(gatingCap)
}

func splitImport(s string) (namespace, name string) {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == ':' && s[i+1] == ':' {
			return s[:i], s[i+2:]
		}
	}
	return "", s
}

// executeUnderTimeout spawns Call on a worker goroutine and rendezvous
// with either its completion or the timeout, whichever comes first. The
// caller's goroutine suspends at exactly this one point.
func (m *Manager) executeUnderTimeout(ctx context.Context, instance runtime.Instance, inv capture.Invocation, resolved resolvedOptions, function string, args []runtime.Value, startedAt time.Time) Result {
	type callOutcome struct {
		values []runtime.Value
		err    error
	}
	done := make(chan callOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callOutcome{err: &runtime.TrapError{Kind: runtime.TrapHostPanic, Msg: panicString(r)}}
			}
		}()
		values, err := instance.Call(ctx, function, args)
		done <- callOutcome{values: values, err: err}
	}()

	timer := time.NewTimer(time.Duration(resolved.TimeoutMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case outcome := <-done:
		inv.WallTimeNs = uint64(time.Since(startedAt).Nanoseconds())
		if outcome.err == nil {
			return Result{
				Values:        outcome.values,
				FuelRemaining: resolved.Fuel - instance.FuelConsumed(),
				WallTimeNs:    inv.WallTimeNs,
			}
		}
		return m.captureCallError(outcome.err, instance, inv)

	case <-timer.C:
		instance.Interrupt()
		outcome := <-done // Call observes the interruption and returns.
		inv.WallTimeNs = uint64(time.Since(startedAt).Nanoseconds())
		_ = outcome
		d := capture.Capture(instance, forensics.Cause{Kind: forensics.CauseTimeout}, inv)
		return Result{Dump: d}
	}
}

func (m *Manager) captureCallError(err error, instance runtime.Instance, inv capture.Invocation) Result {
	var cause forensics.Cause
	switch e := err.(type) {
	case *runtime.FuelExhaustedError:
		cause = forensics.Cause{Kind: forensics.CauseFuelExhausted}
	case *runtime.InterruptedError:
		cause = forensics.Cause{Kind: forensics.CauseTimeout}
	case *runtime.TrapError:
		cause = forensics.Cause{Kind: forensics.CauseTrap, TrapKind: e.Kind, TrapMessage: e.Msg}
	default:
		cause = forensics.Cause{Kind: forensics.CauseTrap, TrapKind: runtime.TrapUnknown, TrapMessage: err.Error()}
	}
	d := capture.Capture(instance, cause, inv)
	return Result{Dump: d}
}

// crash produces a Crash Result directly, for failure paths before an
// Instance exists (or where one exists but capture still applies).
func (m *Manager) crash(inv capture.Invocation, cause forensics.Cause, instance runtime.Instance, startedAt time.Time) Result {
	inv.WallTimeNs = uint64(time.Since(startedAt).Nanoseconds())
	d := capture.Capture(instance, cause, inv)
	return Result{Dump: d}
}

func panicString(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return "unknown panic"
}

// Package hostfn implements the Host Function Table (C2): a static,
// process-wide, read-only-after-init map from (namespace, import name) to
// the capability it requires and its native implementation. Native
// implementations never re-check capabilities — enforcement happens once,
// at link time, when the Manager decides which bindings to hand the
// Runtime (see runtime package and manager package).
package hostfn

import (
	"github.com/munitionsys/munition/capability"
	"github.com/munitionsys/munition/runtime"
)

// Binding is one entry of the table: the capability gating it, its WASM
// import signature, and its native implementation.
type Binding struct {
	Capability capability.Capability
	Params     []runtime.ValueKind
	Results    []runtime.ValueKind
	Func       runtime.HostFunc
}

// Table is keyed by namespace, then by import name.
type Table map[string]map[string]Binding

// Default returns the table this repository ships: one host function per
// capability that plausibly needs a concrete implementation to exercise
// it end to end.
func Default() Table {
	i32 := runtime.KindI32
	return Table{
		"env": {
			"clock_now_ns": Binding{
				Capability: capability.Time,
				Results:    []runtime.ValueKind{runtime.KindI64},
				Func:       clockNowNs,
			},
			"random_bytes": Binding{
				Capability: capability.Random,
				Params:     []runtime.ValueKind{i32, i32},
				Results:    []runtime.ValueKind{i32},
				Func:       randomBytes,
			},
			"fs_read": Binding{
				Capability: capability.FilesystemRead,
				Params:     []runtime.ValueKind{i32, i32, i32, i32, i32},
				Results:    []runtime.ValueKind{i32},
				Func:       fsRead,
			},
			"fs_write": Binding{
				Capability: capability.FilesystemWrite,
				Params:     []runtime.ValueKind{i32, i32, i32, i32},
				Results:    []runtime.ValueKind{i32},
				Func:       fsWrite,
			},
			"net_fetch": Binding{
				Capability: capability.Network,
				Params:     []runtime.ValueKind{i32, i32, i32, i32},
				Results:    []runtime.ValueKind{i32},
				Func:       netFetch,
			},
			"host_log": Binding{
				Capability: capability.HostCall,
				Params:     []runtime.ValueKind{i32, i32},
				Func:       hostLog,
			},
		},
	}
}

// ImportBindings walks table and returns one runtime.ImportBinding per
// entry whose gating capability is present in granted. This is the sole
// enforcement point: omitted entries are simply absent from the resulting
// slice, so a module importing one fails to link, never executes it.
func ImportBindings(table Table, granted capability.Set) []runtime.ImportBinding {
	var out []runtime.ImportBinding
	for namespace, fns := range table {
		for name, binding := range fns {
			if !granted.Has(binding.Capability) {
				continue
			}
			out = append(out, runtime.ImportBinding{
				Namespace: namespace,
				Name:      name,
				Params:    binding.Params,
				Results:   binding.Results,
				Func:      binding.Func,
			})
		}
	}
	return out
}

// RequiredCapability looks up which capability, if any, gates
// (namespace, name). Used by the Manager to report host_denied{capability}
// when instantiation fails on a missing import.
func RequiredCapability(table Table, namespace, name string) (capability.Capability, bool) {
	fns, ok := table[namespace]
	if !ok {
		return "", false
	}
	b, ok := fns[name]
	if !ok {
		return "", false
	}
	return b.Capability, true
}

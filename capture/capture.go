// Package capture implements Forensic Capture (C7): given a store that is
// still valid (live or freshly trapped) and the invocation context that
// produced it, build an immutable forensics.Dump. Capture never mutates
// the store and runs to completion before any cleanup — see manager.Fire
// step 6.
package capture

import (
	"github.com/munitionsys/munition/capability"
	"github.com/munitionsys/munition/forensics"
	"github.com/munitionsys/munition/runtime"
)

// Invocation is the subset of invocation-scoped data Capture needs to
// stamp into the dump. It mirrors the Invocation record in the data model
// function, args, requested/granted capabilities, wall time.
type Invocation struct {
	Function              string
	Args                  []runtime.Value
	RequestedCapabilities capability.Set
	GrantedCapabilities   capability.Set
	WallTimeNs            uint64
	MaxMemoryPagesInDump  uint32 // 0 = unbounded
	InitialFuel           uint64 // the budget fire() seeded the store with
}

// nowNs is overridden in tests so captured_at_ns is deterministic without
// touching the wall clock during assertions.
var nowNs = defaultNowNs

const wasmPageSize = 65536

// Capture runs a fixed sequence of steps in order: it does not
// mutate store, reads fuel and globals, reads memory up to
// inv.MaxMemoryPagesInDump pages (0 meaning unbounded) into the dump
// uncompressed (forensics.Encode compresses it), stamps
// captured_at_ns, and returns the finished dump. If instance is nil (the
// module never got as far as instantiation), the dump is produced with no
// memory and no globals — this is the invalid_module / unknown_capability
// path.
func Capture(instance runtime.Instance, cause forensics.Cause, inv Invocation) *forensics.Dump {
	d := &forensics.Dump{
		Cause:                 cause,
		WallTimeNs:            inv.WallTimeNs,
		Function:              inv.Function,
		Args:                  inv.Args,
		RequestedCapabilities: capabilityNames(inv.RequestedCapabilities),
		GrantedCapabilities:   capabilityNames(inv.GrantedCapabilities),
	}

	if instance == nil {
		// Never instantiated: no fuel was ever consumed, so the full
		// budget is still remaining.
		d.FuelRemaining = inv.InitialFuel
		d.CapturedAtNs = nowNs()
		return d
	}

	d.FuelConsumed = instance.FuelConsumed()
	if d.FuelConsumed < inv.InitialFuel {
		d.FuelRemaining = inv.InitialFuel - d.FuelConsumed
	}

	globals, err := instance.ReadGlobals()
	if err != nil {
		d.Cause.Detail = appendDetail(d.Cause.Detail, "globals unreadable: "+err.Error())
	} else {
		d.Globals = globals
	}

	memory, truncated, err := readMemory(instance, inv.MaxMemoryPagesInDump)
	if err != nil {
		d.Cause.Detail = appendDetail(d.Cause.Detail, "memory unreadable: "+err.Error())
		d.MemoryPages = nil
	} else {
		d.MemoryPages = memory
		d.MemoryTruncated = truncated
	}

	d.CapturedAtNs = nowNs()
	return d
}

// readMemory pages through the store's linear memory in wasmPageSize
// chunks until a read fails (past the end of memory), clamping to maxPages
// when non-zero.
func readMemory(instance runtime.Instance, maxPages uint32) ([]byte, bool, error) {
	var out []byte
	var page uint32
	for {
		if maxPages != 0 && page >= maxPages {
			return out, true, nil
		}
		chunk, err := instance.ReadMemory(page*wasmPageSize, wasmPageSize)
		if err != nil {
			if page == 0 {
				return nil, false, err
			}
			return out, false, nil
		}
		out = append(out, chunk...)
		page++
		if page > 1<<20 { // pathological safety valve, not a spec'd bound
			return out, true, nil
		}
	}
}

func capabilityNames(s capability.Set) []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	return out
}

func appendDetail(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}

// Package forensics implements the ForensicDump structure and its stable,
// versioned wire encoding (C4). A Dump is the only record of a crashed
// invocation the caller ever sees; once produced it is immutable.
package forensics

import (
	"github.com/munitionsys/munition/runtime"
)

// CauseKind is the closed set of reasons an invocation can crash.
type CauseKind string

const (
	CauseFuelExhausted       CauseKind = "fuel_exhausted"
	CauseTrap                CauseKind = "trap"
	CauseTimeout              CauseKind = "timeout"
	CauseHostDenied           CauseKind = "host_denied"
	CauseInstantiationFailed  CauseKind = "instantiation_failed"
	CauseInvalidModule        CauseKind = "invalid_module"
)

// Cause is the tagged variant recorded as dump.cause. Only the fields
// relevant to Kind are populated; the others are zero.
type Cause struct {
	Kind CauseKind

	// populated when Kind == CauseTrap
	TrapKind    runtime.TrapKind
	TrapMessage string

	// populated when Kind == CauseHostDenied
	DeniedCapability string

	// populated when Kind == CauseInstantiationFailed
	Reason string

	// Detail is an optional free-text note appended without overwriting
	// Kind — used by capture-degradation: capture failure never
	// masks the original cause.
	Detail string
}

// Dump is the in-memory form of a ForensicDump. All fields mirror
// the design exactly.
type Dump struct {
	Cause Cause

	FuelConsumed uint64
	FuelRemaining uint64
	WallTimeNs uint64
	CapturedAtNs uint64

	MemoryPages     []byte // raw, uncompressed; Encode compresses
	MemoryTruncated bool

	Globals []runtime.Value

	RequestedCapabilities []string
	GrantedCapabilities   []string

	Function string
	Args     []runtime.Value
}

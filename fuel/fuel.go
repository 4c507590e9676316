// Package fuel computes fuel allocations. It is a pure function of its
// inputs; it holds no mutable global state and performs no I/O.
package fuel

import "github.com/munitionsys/munition/config"

// DefaultFuel returns the configured default fuel allocation.
func DefaultFuel(cfg config.Defaults) uint64 {
	return cfg.DefaultFuel
}

// bytesPerFuelUnit is the heuristic divisor used by ForModule to scale an
// allocation to a module's declared complexity. A higher complexity score
// means more fuel per byte of wasm.
const bytesPerFuelUnit = 8

// ForModule returns a fuel allocation scaled to wasmSizeBytes when
// declaredComplexity is supplied (1-255, where higher means "more fuel
// per byte"); otherwise it falls back to DefaultFuel.
func ForModule(cfg config.Defaults, wasmSizeBytes uint64, declaredComplexity *uint8) uint64 {
	if declaredComplexity == nil {
		return DefaultFuel(cfg)
	}
	scaled := wasmSizeBytes * uint64(*declaredComplexity) / bytesPerFuelUnit
	if scaled == 0 {
		return DefaultFuel(cfg)
	}
	return scaled
}

package manager

import (
	"github.com/munitionsys/munition/capability"
	"github.com/munitionsys/munition/config"
)

// Options configures one fire() call. Fuel and TimeoutMS are pointers so
// an explicit zero (fuel=0 is a meaningful boundary case per the design's
// testable properties) is distinguishable from "unset, use the default."
type Options struct {
	Fuel                 *uint64
	TimeoutMS            *uint32
	Capabilities         capability.Set
	MaxMemoryPagesInDump uint32
}

type resolvedOptions struct {
	Fuel                 uint64
	TimeoutMS            uint32
	Capabilities         capability.Set
	MaxMemoryPagesInDump uint32
}

func (o Options) resolve(defaults config.Defaults) resolvedOptions {
	r := resolvedOptions{
		Fuel:                 defaults.DefaultFuel,
		TimeoutMS:             defaults.DefaultTimeoutMS,
		Capabilities:          capability.NewSet(),
		MaxMemoryPagesInDump:  o.MaxMemoryPagesInDump,
	}
	if o.Fuel != nil {
		r.Fuel = *o.Fuel
	}
	if o.TimeoutMS != nil {
		r.TimeoutMS = *o.TimeoutMS
	}
	if o.Capabilities != nil {
		r.Capabilities = o.Capabilities
	}
	return r
}

// Package capability implements the closed capability atom set that gates
// host function visibility for a WASM invocation.
package capability

import "fmt"

// Capability is a symbolic permission atom. The set of valid atoms is
// closed; see the const block below.
type Capability string

const (
	Compute          Capability = "compute"
	MemoryRead       Capability = "memory_read"
	MemoryWrite      Capability = "memory_write"
	HostCall         Capability = "host_call"
	FilesystemRead   Capability = "filesystem_read"
	FilesystemWrite  Capability = "filesystem_write"
	Network          Capability = "network"
	Time             Capability = "time"
	Random           Capability = "random"
)

var known = map[Capability]bool{
	Compute:         true,
	MemoryRead:      true,
	MemoryWrite:     true,
	HostCall:        true,
	FilesystemRead:  true,
	FilesystemWrite: true,
	Network:         true,
	Time:            true,
	Random:          true,
}

// aliases expand a single requested atom into one or more canonical
// capabilities. Aliases are not themselves members of `known`.
var aliases = map[Capability][]Capability{
	"time_readonly": {Time},
	"full_fs":       {FilesystemRead, FilesystemWrite},
	"full_network":  {Network},
}

// implicitSet is always granted, regardless of what is requested.
var implicitSet = Set{Compute: {}, MemoryRead: {}, MemoryWrite: {}}

// Set is an unordered collection of capabilities. After Validate, a Set
// contains only known atoms.
type Set map[Capability]struct{}

// NewSet builds a Set from a slice, without validating membership.
func NewSet(caps ...Capability) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func (s Set) add(c Capability) {
	s[c] = struct{}{}
}

// Clone returns a shallow, independent copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Union returns a new Set containing every capability in either operand.
func (s Set) Union(other Set) Set {
	out := s.Clone()
	for c := range other {
		out.add(c)
	}
	return out
}

// UnknownCapabilityError reports a requested atom not in the closed set and
// not resolvable as an alias.
type UnknownCapabilityError struct {
	Capability Capability
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("capability: unknown capability %q", e.Capability)
}

// Validate expands aliases in requested and rejects anything that is
// neither a known atom nor a known alias. The returned Set contains only
// canonical, known atoms.
func Validate(requested Set) (Set, error) {
	out := make(Set, len(requested))
	for c := range requested {
		if expanded, isAlias := aliases[c]; isAlias {
			for _, e := range expanded {
				out.add(e)
			}
			continue
		}
		if !known[c] {
			return nil, &UnknownCapabilityError{Capability: c}
		}
		out.add(c)
	}
	return out, nil
}

// Implicit returns the always-granted capability set: compute, memory_read,
// memory_write.
func Implicit() Set {
	return implicitSet.Clone()
}

// Effective is the union of Implicit() and a validated requested set. It
// does not itself validate; callers run Validate first.
func Effective(validated Set) Set {
	return Implicit().Union(validated)
}

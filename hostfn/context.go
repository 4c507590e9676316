package hostfn

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

type ctxKey string

const (
	memoryKey     ctxKey = "memory"
	invocationKey ctxKey = "invocation"
)

// MemoryAccessor lets a host function read and write the calling guest's
// linear memory. Backends set one into the call's context before invoking
// a HostFunc; the function never touches the engine directly.
type MemoryAccessor interface {
	ReadMemory(offset, length uint32) ([]byte, error)
	WriteMemory(offset uint32, data []byte) error
}

// WithMemory attaches a MemoryAccessor scoped to one call.
func WithMemory(ctx context.Context, m MemoryAccessor) context.Context {
	return context.WithValue(ctx, memoryKey, m)
}

// MemoryFrom retrieves the MemoryAccessor attached by WithMemory. Returns
// nil if none was attached.
func MemoryFrom(ctx context.Context) MemoryAccessor {
	m, _ := ctx.Value(memoryKey).(MemoryAccessor)
	return m
}

// Invocation carries the per-invocation scratch resources host functions
// may touch: a disposable virtual filesystem, an outbound HTTP client, and
// a logger. None of this is shared across invocations — the Manager builds
// a fresh Invocation for every fire() call.
type Invocation struct {
	VFS        *VirtualFS
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// WithInvocation attaches per-invocation resources to ctx.
func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey, inv)
}

// InvocationFrom retrieves the Invocation attached by WithInvocation.
// Returns nil if none was attached.
func InvocationFrom(ctx context.Context) *Invocation {
	inv, _ := ctx.Value(invocationKey).(*Invocation)
	return inv
}

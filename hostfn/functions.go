package hostfn

import (
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	merrors "github.com/munitionsys/munition/errors"
	"github.com/munitionsys/munition/runtime"
)

func requireMemory(ctx context.Context) (MemoryAccessor, error) {
	m := MemoryFrom(ctx)
	if m == nil {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("hostfn: no memory accessor in context").Build()
	}
	return m, nil
}

// clockNowNs returns the host's wall-clock time as nanoseconds since the
// Unix epoch. Gated by capability.Time.
func clockNowNs(ctx context.Context, args []runtime.Value) ([]runtime.Value, error) {
	return []runtime.Value{runtime.I64(time.Now().UnixNano())}, nil
}

// maxRandomBytesPerCall bounds the native allocation random_bytes makes on
// the host's behalf. Fuel metering charges for wasm instructions, not for
// host-side allocations, so without this cap a granted random capability
// would let a module demand an unbounded buffer in a single call.
const maxRandomBytesPerCall = 1 << 20 // 1 MiB

// randomBytes fills length bytes of guest memory at ptr with CSPRNG
// output. args: [ptr, length]. Gated by capability.Random.
func randomBytes(ctx context.Context, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) != 2 {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("random_bytes: expected 2 args").Build()
	}
	mem, err := requireMemory(ctx)
	if err != nil {
		return nil, err
	}
	ptr, length := uint32(args[0].I32), uint32(args[1].I32)
	if length > maxRandomBytesPerCall {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("random_bytes: length %d exceeds max %d", length, maxRandomBytesPerCall).Build()
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("random_bytes: %v", err).Build()
	}
	if err := mem.WriteMemory(ptr, buf); err != nil {
		return nil, err
	}
	return []runtime.Value{runtime.I32(int32(length))}, nil
}

// fsRead reads a byte range out of the invocation's virtual file store
// into guest memory. args: [pathPtr, pathLen, offset, length, outPtr].
// Returns the number of bytes actually written. Gated by
// capability.FilesystemRead.
func fsRead(ctx context.Context, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) != 5 {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("fs_read: expected 5 args").Build()
	}
	mem, err := requireMemory(ctx)
	if err != nil {
		return nil, err
	}
	inv := InvocationFrom(ctx)
	if inv == nil || inv.VFS == nil {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("fs_read: no virtual filesystem attached").Build()
	}
	pathPtr, pathLen := uint32(args[0].I32), uint32(args[1].I32)
	offset, length := uint32(args[2].I32), uint32(args[3].I32)
	outPtr := uint32(args[4].I32)

	pathBytes, err := mem.ReadMemory(pathPtr, pathLen)
	if err != nil {
		return nil, err
	}
	data, err := inv.VFS.Read(string(pathBytes), offset, length)
	if err != nil {
		return nil, err
	}
	if err := mem.WriteMemory(outPtr, data); err != nil {
		return nil, err
	}
	return []runtime.Value{runtime.I32(int32(len(data)))}, nil
}

// fsWrite writes guest memory into the invocation's virtual file store.
// args: [pathPtr, pathLen, dataPtr, dataLen]. Gated by
// capability.FilesystemWrite.
func fsWrite(ctx context.Context, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) != 4 {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("fs_write: expected 4 args").Build()
	}
	mem, err := requireMemory(ctx)
	if err != nil {
		return nil, err
	}
	inv := InvocationFrom(ctx)
	if inv == nil || inv.VFS == nil {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("fs_write: no virtual filesystem attached").Build()
	}
	pathPtr, pathLen := uint32(args[0].I32), uint32(args[1].I32)
	dataPtr, dataLen := uint32(args[2].I32), uint32(args[3].I32)

	pathBytes, err := mem.ReadMemory(pathPtr, pathLen)
	if err != nil {
		return nil, err
	}
	data, err := mem.ReadMemory(dataPtr, dataLen)
	if err != nil {
		return nil, err
	}
	if err := inv.VFS.Write(string(pathBytes), data); err != nil {
		return nil, err
	}
	return []runtime.Value{runtime.I32(int32(len(data)))}, nil
}

// netFetch performs a size-capped HTTP GET through the invocation's
// injected http.Client and writes the response body into guest memory.
// args: [urlPtr, urlLen, outPtr, outCap]. Gated by capability.Network.
func netFetch(ctx context.Context, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) != 4 {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("net_fetch: expected 4 args").Build()
	}
	mem, err := requireMemory(ctx)
	if err != nil {
		return nil, err
	}
	inv := InvocationFrom(ctx)
	if inv == nil || inv.HTTPClient == nil {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("net_fetch: no http client attached").Build()
	}
	urlPtr, urlLen := uint32(args[0].I32), uint32(args[1].I32)
	outPtr, outCap := uint32(args[2].I32), uint32(args[3].I32)

	urlBytes, err := mem.ReadMemory(urlPtr, urlLen)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, string(urlBytes), nil)
	if err != nil {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("net_fetch: %v", err).Build()
	}
	resp, err := inv.HTTPClient.Do(req)
	if err != nil {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("net_fetch: %v", err).Build()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(outCap)))
	if err != nil {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("net_fetch: %v", err).Build()
	}
	if err := mem.WriteMemory(outPtr, body); err != nil {
		return nil, err
	}
	return []runtime.Value{runtime.I32(int32(len(body)))}, nil
}

// hostLog writes a guest string to the invocation's structured logger.
// args: [ptr, len]. Gated by capability.HostCall.
func hostLog(ctx context.Context, args []runtime.Value) ([]runtime.Value, error) {
	if len(args) != 2 {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindHostPanic).Detail("host_log: expected 2 args").Build()
	}
	mem, err := requireMemory(ctx)
	if err != nil {
		return nil, err
	}
	inv := InvocationFrom(ctx)
	ptr, length := uint32(args[0].I32), uint32(args[1].I32)
	msg, err := mem.ReadMemory(ptr, length)
	if err != nil {
		return nil, err
	}
	if inv != nil && inv.Logger != nil {
		inv.Logger.Info("guest log", zap.String("message", string(msg)))
	}
	return nil, nil
}

package hostfn

import (
	"sync"

	merrors "github.com/munitionsys/munition/errors"
)

// VirtualFS is a disposable, in-memory file store scoped to one
// invocation. It never touches the host filesystem; it exists so
// filesystem_read/filesystem_write have something real to gate without
// violating the isolation guarantee (sharing host filesystem access across
// invocations would leak state between calls).
type VirtualFS struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewVirtualFS returns an empty store. Passing seed files lets a caller
// pre-populate scratch input data for a module under test.
func NewVirtualFS(seed map[string][]byte) *VirtualFS {
	files := make(map[string][]byte, len(seed))
	for k, v := range seed {
		files[k] = append([]byte(nil), v...)
	}
	return &VirtualFS{files: files}
}

func (v *VirtualFS) Read(path string, offset, length uint32) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok := v.files[path]
	if !ok {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindTrap).Detail("vfs: no such file %q", path).Build()
	}
	if uint64(offset) > uint64(len(data)) {
		return nil, merrors.New(merrors.PhaseCall, merrors.KindTrap).Detail("vfs: offset %d past end of %q", offset, path).Build()
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), nil
}

func (v *VirtualFS) Write(path string, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.files == nil {
		v.files = map[string][]byte{}
	}
	v.files[path] = append([]byte(nil), data...)
	return nil
}

// Package hostproc exposes the process tarsier itself runs in as a bridge
// host. Only enumeration works here: entry points resolve through the
// system's dlsym, and the record buffer lives in our own address space.
// Load-event interception would require patching live code and is refused.
package hostproc

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// ErrNoIntercept is returned for interception attempts on a live process.
var ErrNoIntercept = errors.New("hostproc: cannot intercept in a live process")

// LiveHost resolves entry points in the running process.
type LiveHost struct {
	mu     sync.Mutex
	cbOnce sync.Once
	cb     uintptr
	recs   uintptr
	count  uintptr
}

// New returns a host over the current process.
func New() *LiveHost {
	return &LiveHost{}
}

// FindExport resolves name through the default symbol scope.
func (h *LiveHost) FindExport(name string) (uint64, bool) {
	addr, err := purego.Dlsym(purego.RTLD_DEFAULT, name)
	if err != nil || addr == 0 {
		return 0, false
	}
	return uint64(addr), true
}

// enumCallback returns the host's native callback, allocating it on first
// use. purego caps callbacks process-wide and never releases them, so the
// host keeps a single one for its lifetime and the callback writes into
// host state instead of per-call captures.
func (h *LiveHost) enumCallback() uintptr {
	h.cbOnce.Do(func() {
		h.cb = purego.NewCallback(func(r, c uintptr) uintptr {
			h.recs, h.count = r, c
			return 0
		})
	})
	return h.cb
}

// CallEnum invokes the enumeration entry point with the shared callback and
// captures the (records, count) pair it delivers.
func (h *LiveHost) CallEnum(addr uint64) (uint64, uint64, error) {
	if addr == 0 {
		return 0, 0, fmt.Errorf("hostproc: nil entry point")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs, h.count = 0, 0
	purego.SyscallN(uintptr(addr), h.enumCallback())
	return uint64(h.recs), uint64(h.count), nil
}

// ReadMem reads memory in our own address space. The buffer comes from the
// entry point we just called, so the address is trusted.
func (h *LiveHost) ReadMem(addr, size uint64) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("hostproc: nil read")
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
	out := make([]byte, size)
	copy(out, src)
	return out, nil
}

// ReadCString reads a NUL-terminated string from our own address space.
func (h *LiveHost) ReadCString(addr uint64) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("hostproc: nil string")
	}
	const maxLen = 4096
	p := uintptr(addr)
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		b := *(*byte)(unsafe.Pointer(p + uintptr(i)))
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf), nil
}

// InterceptLoad always fails; live text segments are not patched.
func (h *LiveHost) InterceptLoad(addr uint64, fn func(base, namePtr uint64)) error {
	return ErrNoIntercept
}

// ClearInterceptLoad is a no-op; nothing can have been installed.
func (h *LiveHost) ClearInterceptLoad(addr uint64) {}

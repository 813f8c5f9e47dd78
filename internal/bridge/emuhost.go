package bridge

import (
	"fmt"
	"sync"

	"github.com/tarsierlabs/tarsier/internal/emulator"
	"github.com/tarsierlabs/tarsier/internal/loader"
)

// EmuHost exposes an emulated process to the bridge. Exports resolve through
// the loader (the debug interface's synthesized entry points included), and
// interception uses address hooks.
type EmuHost struct {
	ldr *loader.Loader
	emu *emulator.Emulator

	mu       sync.Mutex
	thunk    uint64 // callback stub handed to the enumeration entry point
	capRecs  uint64
	capCount uint64
}

// NewEmuHost wraps a loader and its emulator as a bridge host.
func NewEmuHost(ldr *loader.Loader) *EmuHost {
	return &EmuHost{ldr: ldr, emu: ldr.Emulator()}
}

// FindExport resolves an entry point via the loader.
func (h *EmuHost) FindExport(name string) (uint64, bool) {
	return h.ldr.FindExport(name)
}

// CallEnum calls the enumeration entry point, passing a hooked stub as the
// callback. The stub captures the (records, count) arguments and returns,
// which ends the emulated call.
func (h *EmuHost) CallEnum(addr uint64) (uint64, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.thunk == 0 {
		thunk, err := h.emu.AllocStub()
		if err != nil {
			return 0, 0, fmt.Errorf("allocate callback stub: %w", err)
		}
		h.thunk = thunk
		h.emu.HookAddress(thunk, func(e *emulator.Emulator) bool {
			h.capRecs = e.X(0)
			h.capCount = e.X(1)
			return false
		})
	}

	h.capRecs, h.capCount = 0, 0
	if _, err := h.emu.Call(addr, h.thunk); err != nil {
		return 0, 0, err
	}
	return h.capRecs, h.capCount, nil
}

// ReadMem reads emulated memory.
func (h *EmuHost) ReadMem(addr, size uint64) ([]byte, error) {
	return h.emu.MemRead(addr, size)
}

// ReadCString reads a NUL-terminated string from emulated memory.
func (h *EmuHost) ReadCString(addr uint64) (string, error) {
	return h.emu.MemReadString(addr, 4096)
}

// InterceptLoad hooks the load-event entry point. The hook leaves execution
// untouched; the entry point's own RET still runs after fn.
func (h *EmuHost) InterceptLoad(addr uint64, fn func(base, namePtr uint64)) error {
	h.emu.HookAddress(addr, func(e *emulator.Emulator) bool {
		fn(e.X(0), e.X(1))
		return false
	})
	return nil
}

// ClearInterceptLoad removes the hook at addr.
func (h *EmuHost) ClearInterceptLoad(addr uint64) {
	h.emu.RemoveAddressHook(addr)
}

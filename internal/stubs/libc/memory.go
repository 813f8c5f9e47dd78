// Package libc provides stub implementations for libc functions.
// Import this package to register all libc stubs with the default registry.
package libc

import (
	"github.com/tarsierlabs/tarsier/internal/emulator"
	"github.com/tarsierlabs/tarsier/internal/stubs"
)

func init() {
	stubs.Register(stubs.StubDef{Name: "malloc", Hook: stubMalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "calloc", Hook: stubCalloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "realloc", Hook: stubRealloc, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "free", Hook: stubFree, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "getpagesize", Hook: stubGetPageSize, Category: "libc"})

	// C++ operator new/delete
	stubs.Register(stubs.StubDef{
		Name:     "_Znwm",
		Aliases:  []string{"_Znam", "_ZnwmSt11align_val_t", "_ZnamSt11align_val_t"},
		Hook:     stubNew,
		Category: "libc",
	})
	stubs.Register(stubs.StubDef{
		Name:     "_ZdlPv",
		Aliases:  []string{"_ZdaPv", "_ZdlPvm", "_ZdaPvm"},
		Hook:     stubDelete,
		Category: "libc",
	})
}

func alloc(emu *emulator.Emulator, size uint64) uint64 {
	if size == 0 {
		size = 16
	}
	size = (size + 15) & ^uint64(15)

	ptr := emu.Malloc(size)

	// Zero-initialize
	zeros := make([]byte, min(size, 4096))
	emu.MemWrite(ptr, zeros)
	return ptr
}

func stubMalloc(emu *emulator.Emulator) bool {
	size := emu.X(0)
	ptr := alloc(emu, size)

	stubs.DefaultRegistry.Log("libc", "malloc", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubCalloc(emu *emulator.Emulator) bool {
	total := emu.X(0) * emu.X(1)
	ptr := alloc(emu, total)

	stubs.DefaultRegistry.Log("libc", "calloc", stubs.FormatPtrPair("total", total, "->", ptr))
	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubRealloc(emu *emulator.Emulator) bool {
	old := emu.X(0)
	size := emu.X(1)
	ptr := alloc(emu, size)

	// Preserve old contents up to the new size; the old block leaks.
	if old != 0 && size > 0 && size < 0x100000 {
		if data, err := emu.MemRead(old, size); err == nil {
			emu.MemWrite(ptr, data)
		}
	}

	stubs.DefaultRegistry.Log("libc", "realloc", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubFree(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "free", "")
	stubs.ReturnFromStub(emu)
	return false
}

func stubGetPageSize(emu *emulator.Emulator) bool {
	emu.SetX(0, 0x1000)
	stubs.ReturnFromStub(emu)
	return false
}

func stubNew(emu *emulator.Emulator) bool {
	size := emu.X(0)
	ptr := alloc(emu, size)

	stubs.DefaultRegistry.Log("libc", "new", stubs.FormatPtrPair("size", size, "->", ptr))
	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}

func stubDelete(emu *emulator.Emulator) bool {
	stubs.DefaultRegistry.Log("libc", "delete", "")
	stubs.ReturnFromStub(emu)
	return false
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

package libc

import (
	"github.com/tarsierlabs/tarsier/internal/emulator"
	"github.com/tarsierlabs/tarsier/internal/stubs"
)

// memOpLimit caps memcpy/memset sizes as a sanity measure.
const memOpLimit = 0x100000

func init() {
	stubs.Register(stubs.StubDef{Name: "memcpy", Hook: stubMemcpy, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "memmove", Hook: stubMemcpy, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "memset", Hook: stubMemset, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "strlen", Hook: stubStrlen, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "strcmp", Hook: stubStrcmp, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "strncmp", Hook: stubStrncmp, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "strcpy", Hook: stubStrcpy, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "strncpy", Hook: stubStrncpy, Category: "libc"})
	stubs.Register(stubs.StubDef{Name: "strdup", Hook: stubStrdup, Category: "libc"})
}

func stubMemcpy(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	src := emu.X(1)
	n := emu.X(2)

	if n > 0 && n < memOpLimit {
		if data, err := emu.MemRead(src, n); err == nil {
			emu.MemWrite(dest, data)
		}
	}

	stubs.DefaultRegistry.Log("libc", "memcpy",
		stubs.FormatPtrPair("dst", dest, "n", n))
	emu.SetX(0, dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubMemset(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	c := byte(emu.X(1) & 0xFF)
	n := emu.X(2)

	if n > 0 && n < memOpLimit {
		data := make([]byte, n)
		for i := range data {
			data[i] = c
		}
		emu.MemWrite(dest, data)
	}

	stubs.DefaultRegistry.Log("libc", "memset",
		stubs.FormatPtrPair("dst", dest, "n", n))
	emu.SetX(0, dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrlen(emu *emulator.Emulator) bool {
	str, _ := emu.MemReadString(emu.X(0), 4096)

	emu.SetX(0, uint64(len(str)))
	stubs.ReturnFromStub(emu)
	return false
}

func cmpResult(s1, s2 string) uint64 {
	switch {
	case s1 < s2:
		return 0xffffffffffffffff // -1
	case s1 > s2:
		return 1
	default:
		return 0
	}
}

func stubStrcmp(emu *emulator.Emulator) bool {
	s1, _ := emu.MemReadString(emu.X(0), 4096)
	s2, _ := emu.MemReadString(emu.X(1), 4096)

	emu.SetX(0, cmpResult(s1, s2))
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrncmp(emu *emulator.Emulator) bool {
	n := int(emu.X(2))
	s1, _ := emu.MemReadString(emu.X(0), n)
	s2, _ := emu.MemReadString(emu.X(1), n)
	if len(s1) > n {
		s1 = s1[:n]
	}
	if len(s2) > n {
		s2 = s2[:n]
	}

	emu.SetX(0, cmpResult(s1, s2))
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrcpy(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	str, _ := emu.MemReadString(emu.X(1), 4096)
	emu.MemWriteString(dest, str)

	emu.SetX(0, dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrncpy(emu *emulator.Emulator) bool {
	dest := emu.X(0)
	n := emu.X(2)

	str, _ := emu.MemReadString(emu.X(1), int(n))
	data := make([]byte, n)
	copy(data, str)
	emu.MemWrite(dest, data)

	emu.SetX(0, dest)
	stubs.ReturnFromStub(emu)
	return false
}

func stubStrdup(emu *emulator.Emulator) bool {
	str, _ := emu.MemReadString(emu.X(0), 4096)
	ptr := alloc(emu, uint64(len(str))+1)
	emu.MemWriteString(ptr, str)

	stubs.DefaultRegistry.Log("libc", "strdup", stubs.FormatPtr("->", ptr))
	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}

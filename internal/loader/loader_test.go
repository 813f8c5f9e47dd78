package loader_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tarsierlabs/tarsier/internal/loader"
)

// writeMinimalSO emits a bare ET_DYN ARM64 object with one PT_LOAD segment
// at vaddr and the given e_entry. No sections, no dynamic info.
func writeMinimalSO(t *testing.T, dir, name string, entry, vaddr uint64) string {
	t.Helper()

	buf := make([]byte, 64+56)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 3)   // ET_DYN
	le.PutUint16(buf[18:], 183) // EM_AARCH64
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], 64) // e_phoff
	le.PutUint16(buf[52:], 64) // e_ehsize
	le.PutUint16(buf[54:], 56) // e_phentsize
	le.PutUint16(buf[56:], 1)  // e_phnum

	ph := buf[64:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], 5) // R+X
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[40:], 0x1000) // p_memsz
	le.PutUint64(ph[48:], 0x1000) // p_align

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadZeroEntry(t *testing.T) {
	_, ldr := newEnv(t)
	path := writeMinimalSO(t, t.TempDir(), "libnoentry.so", 0, 0x10000)

	lib, err := ldr.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// e_entry of 0 stays 0; relocating it against the first segment vaddr
	// would wrap below the load base.
	if lib.Entry != 0 {
		t.Errorf("entry for e_entry=0: got 0x%x, want 0", lib.Entry)
	}
	if lib.Base != loader.LoadBase {
		t.Errorf("base: got 0x%x, want 0x%x", lib.Base, uint64(loader.LoadBase))
	}
}

func TestLoadRelocatesEntry(t *testing.T) {
	_, ldr := newEnv(t)
	path := writeMinimalSO(t, t.TempDir(), "libentry.so", 0x10040, 0x10000)

	lib, err := ldr.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := lib.Base + 0x40; lib.Entry != want {
		t.Errorf("entry: got 0x%x, want 0x%x", lib.Entry, want)
	}
}

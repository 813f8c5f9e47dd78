package loader

import (
	"debug/elf"
	"testing"
)

func TestStripVersion(t *testing.T) {
	cases := map[string]string{
		"malloc":               "malloc",
		"memcpy@GLIBC_2.17":    "memcpy",
		"pthread_create@@2.34": "pthread_create",
		"":                     "",
	}
	for in, want := range cases {
		if got := stripVersion(in); got != want {
			t.Errorf("stripVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSegmentFlags(t *testing.T) {
	text := Segment{Flags: elf.PF_R | elf.PF_X}
	data := Segment{Flags: elf.PF_R | elf.PF_W}

	if !text.IsExecutable() || !text.IsReadable() || text.IsWritable() {
		t.Errorf("text segment flags misread")
	}
	if data.IsExecutable() || !data.IsReadable() || !data.IsWritable() {
		t.Errorf("data segment flags misread")
	}
}

func TestAddAddend(t *testing.T) {
	if got := addAddend(0x1000, 0x10); got != 0x1010 {
		t.Errorf("positive addend: 0x%x", got)
	}
	if got := addAddend(0x1000, -0x10); got != 0xff0 {
		t.Errorf("negative addend: 0x%x", got)
	}
	if got := addAddend(0x1000, 0); got != 0x1000 {
		t.Errorf("zero addend: 0x%x", got)
	}
}

func TestDynSymbolIndexing(t *testing.T) {
	img := &image{
		dynSyms: []elf.Symbol{
			{Name: "first"},
			{Name: "second"},
		},
	}

	// Index 0 is the reserved undefined symbol.
	if _, ok := img.dynSymbol(0); ok {
		t.Error("symbol index 0 should not resolve")
	}
	if sym, ok := img.dynSymbol(1); !ok || sym.Name != "first" {
		t.Errorf("index 1: %v %v", sym, ok)
	}
	if sym, ok := img.dynSymbol(2); !ok || sym.Name != "second" {
		t.Errorf("index 2: %v %v", sym, ok)
	}
	if _, ok := img.dynSymbol(3); ok {
		t.Error("out of range index should not resolve")
	}
}

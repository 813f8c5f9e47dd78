package loader_test

import (
	"testing"

	"github.com/tarsierlabs/tarsier/internal/bridge"
	"github.com/tarsierlabs/tarsier/internal/emulator"
	"github.com/tarsierlabs/tarsier/internal/loader"
	tlog "github.com/tarsierlabs/tarsier/internal/log"
)

func newEnv(t *testing.T) (*emulator.Emulator, *loader.Loader) {
	t.Helper()
	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })

	ldr, err := loader.New(emu, tlog.NewNop())
	if err != nil {
		t.Fatalf("create loader: %v", err)
	}
	return emu, ldr
}

func TestExportDiscovery(t *testing.T) {
	_, ldr := newEnv(t)

	for _, name := range []string{loader.ExportIterLibs, loader.ExportLibLoaded} {
		if addr, ok := ldr.FindExport(name); !ok || addr == 0 {
			t.Errorf("export %s not discoverable", name)
		}
	}
	if _, ok := ldr.FindExport("no_such_export"); ok {
		t.Error("unknown export should not resolve")
	}
}

func TestRegistryEnumeration(t *testing.T) {
	_, ldr := newEnv(t)
	br := bridge.New(bridge.NewEmuHost(ldr), tlog.NewNop())

	// Empty registry enumerates cleanly.
	libs, err := br.MappedLibs()
	if err != nil {
		t.Fatalf("MappedLibs: %v", err)
	}
	if len(libs) != 0 {
		t.Fatalf("expected empty registry, got %d entries", len(libs))
	}

	if err := ldr.Debug().Add(0x40000000, "libalpha.so"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ldr.Debug().Add(0x50000000, "libbeta.so"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	libs, err = br.MappedLibs()
	if err != nil {
		t.Fatalf("MappedLibs: %v", err)
	}
	if len(libs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(libs))
	}
	if libs[0].Base != 0x40000000 || libs[0].Name != "libalpha.so" {
		t.Errorf("entry 0: %v", libs[0])
	}
	if libs[1].Base != 0x50000000 || libs[1].Name != "libbeta.so" {
		t.Errorf("entry 1: %v", libs[1])
	}

	// Registrations between enumerations show up in the next snapshot.
	if err := ldr.Debug().Add(0x60000000, "libgamma.so"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	libs, err = br.MappedLibs()
	if err != nil {
		t.Fatalf("MappedLibs: %v", err)
	}
	if len(libs) != 3 || libs[2].Name != "libgamma.so" {
		t.Fatalf("expected libgamma.so as entry 2, got %v", libs)
	}
}

func TestLoadEventInterception(t *testing.T) {
	_, ldr := newEnv(t)
	br := bridge.New(bridge.NewEmuHost(ldr), tlog.NewNop())

	var got []bridge.MappedLib
	if err := br.SetObserver(func(m bridge.MappedLib) { got = append(got, m) }); err != nil {
		t.Fatalf("SetObserver: %v", err)
	}

	if err := ldr.Debug().Add(0x40000000, "libalpha.so"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Base != 0x40000000 || got[0].Name != "libalpha.so" {
		t.Errorf("event: %v", got[0])
	}

	// A replacement observer takes over.
	var replacement []bridge.MappedLib
	if err := br.SetObserver(func(m bridge.MappedLib) { replacement = append(replacement, m) }); err != nil {
		t.Fatalf("SetObserver replace: %v", err)
	}
	if err := ldr.Debug().Add(0x50000000, "libbeta.so"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("replaced observer received %d events, expected 1", len(got))
	}
	if len(replacement) != 1 || replacement[0].Name != "libbeta.so" {
		t.Errorf("replacement observer: %v", replacement)
	}

	// After clearing, events go nowhere but the registry keeps growing.
	br.ClearObserver()
	if err := ldr.Debug().Add(0x60000000, "libgamma.so"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(replacement) != 1 {
		t.Errorf("cleared observer received an event")
	}
	if ldr.Debug().Count() != 3 {
		t.Errorf("registry count: %d", ldr.Debug().Count())
	}
}

func TestRegistrySnapshotIsFresh(t *testing.T) {
	_, ldr := newEnv(t)
	br := bridge.New(bridge.NewEmuHost(ldr), tlog.NewNop())

	if err := ldr.Debug().Add(0x40000000, "libalpha.so"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	first, err := br.MappedLibs()
	if err != nil {
		t.Fatalf("MappedLibs: %v", err)
	}
	second, err := br.MappedLibs()
	if err != nil {
		t.Fatalf("MappedLibs: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("unexpected sizes: %d, %d", len(first), len(second))
	}
	if first[0] != second[0] {
		t.Errorf("snapshots disagree: %v vs %v", first[0], second[0])
	}
}

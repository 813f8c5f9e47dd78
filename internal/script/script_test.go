package script

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/tarsierlabs/tarsier/internal/bridge"
	tlog "github.com/tarsierlabs/tarsier/internal/log"
)

type memHost struct {
	exports map[string]uint64
	mem     map[uint64][]byte
	strings map[uint64]string
	recs    uint64
	count   uint64

	intercept func(base, namePtr uint64)
}

func (f *memHost) FindExport(name string) (uint64, bool) {
	addr, ok := f.exports[name]
	return addr, ok
}

func (f *memHost) CallEnum(addr uint64) (uint64, uint64, error) {
	return f.recs, f.count, nil
}

func (f *memHost) ReadMem(addr, size uint64) ([]byte, error) {
	buf, ok := f.mem[addr]
	if !ok || uint64(len(buf)) < size {
		return nil, fmt.Errorf("unmapped read at 0x%x", addr)
	}
	return buf[:size], nil
}

func (f *memHost) ReadCString(addr uint64) (string, error) {
	s, ok := f.strings[addr]
	if !ok {
		return "", fmt.Errorf("unmapped string at 0x%x", addr)
	}
	return s, nil
}

func (f *memHost) InterceptLoad(addr uint64, fn func(base, namePtr uint64)) error {
	f.intercept = fn
	return nil
}

func (f *memHost) ClearInterceptLoad(addr uint64) { f.intercept = nil }

func testHost() *memHost {
	h := &memHost{
		exports: map[string]uint64{
			bridge.ExportIterLibs:  0xF0000000,
			bridge.ExportLibLoaded: 0xF0000004,
		},
		mem:     map[uint64][]byte{},
		strings: map[uint64]string{},
	}

	buf := make([]byte, bridge.RecordSize)
	binary.LittleEndian.PutUint64(buf, 0x40000000)
	binary.LittleEndian.PutUint64(buf[8:], 0x9000)
	h.mem[0x1000] = buf
	h.strings[0x9000] = "libfoo.so"
	h.recs, h.count = 0x1000, 1
	return h
}

func TestGetMappedLibs(t *testing.T) {
	host := testHost()
	r, err := New(bridge.New(host, tlog.NewNop()), tlog.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v, err := r.Run(`
		var libs = getMappedLibs();
		libs.length + ":" + libs[0].name + ":" + libs[0].base.toString(16)
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := v.String(); got != "1:libfoo.so:40000000" {
		t.Errorf("script result: %q", got)
	}
}

func TestOnMappedLibLoad(t *testing.T) {
	host := testHost()
	host.strings[0x2000] = "libbar.so"

	r, err := New(bridge.New(host, tlog.NewNop()), tlog.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Run(`
		var seen = [];
		onMappedLibLoad(function(lib) { seen.push(lib.name); });
	`); err != nil {
		t.Fatalf("Run: %v", err)
	}

	host.intercept(0x41000000, 0x2000)

	v, err := r.Run(`seen.join(",")`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := v.String(); got != "libbar.so" {
		t.Errorf("observed libs: %q", got)
	}
}

func TestClearObserverFromScript(t *testing.T) {
	host := testHost()

	r, err := New(bridge.New(host, tlog.NewNop()), tlog.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Run(`onMappedLibLoad(function(lib) {}); clearMappedLibObserver();`); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if host.intercept != nil {
		t.Error("interception should be removed after clear")
	}
}

func TestUnavailableThrows(t *testing.T) {
	host := testHost()
	delete(host.exports, bridge.ExportIterLibs)

	r, err := New(bridge.New(host, tlog.NewNop()), tlog.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	v, err := r.Run(`
		var caught = "";
		try { getMappedLibs(); } catch (e) { caught = "" + e; }
		caught
	`)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.String() == "" {
		t.Error("missing enumeration export should throw in script")
	}
}

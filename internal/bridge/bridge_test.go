package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	tlog "github.com/tarsierlabs/tarsier/internal/log"
)

// fakeHost backs the bridge with in-memory data instead of a process.
type fakeHost struct {
	exports   map[string]uint64
	mem       map[uint64][]byte
	strings   map[uint64]string
	enumRecs  uint64
	enumCount uint64
	enumErr   error

	findCalls  map[string]int
	enumCalls  int
	intercept  func(base, namePtr uint64)
	interceptN int
	clearN     int
	badPatch   bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		exports:   map[string]uint64{},
		mem:       map[uint64][]byte{},
		strings:   map[uint64]string{},
		findCalls: map[string]int{},
	}
}

func (f *fakeHost) FindExport(name string) (uint64, bool) {
	f.findCalls[name]++
	addr, ok := f.exports[name]
	return addr, ok
}

func (f *fakeHost) CallEnum(addr uint64) (uint64, uint64, error) {
	f.enumCalls++
	return f.enumRecs, f.enumCount, f.enumErr
}

func (f *fakeHost) ReadMem(addr, size uint64) ([]byte, error) {
	buf, ok := f.mem[addr]
	if !ok || uint64(len(buf)) < size {
		return nil, fmt.Errorf("unmapped read at 0x%x", addr)
	}
	return buf[:size], nil
}

func (f *fakeHost) ReadCString(addr uint64) (string, error) {
	s, ok := f.strings[addr]
	if !ok {
		return "", fmt.Errorf("unmapped string at 0x%x", addr)
	}
	return s, nil
}

func (f *fakeHost) InterceptLoad(addr uint64, fn func(base, namePtr uint64)) error {
	if f.badPatch {
		return errors.New("text segment not writable")
	}
	f.intercept = fn
	f.interceptN++
	return nil
}

func (f *fakeHost) ClearInterceptLoad(addr uint64) {
	f.intercept = nil
	f.clearN++
}

// setRecords installs count records at a fixed buffer address.
func (f *fakeHost) setRecords(libs []MappedLib) {
	const bufAddr = 0x1000
	nameAddr := uint64(0x9000)

	buf := make([]byte, len(libs)*RecordSize)
	for i, lib := range libs {
		binary.LittleEndian.PutUint64(buf[i*RecordSize:], lib.Base)
		if lib.Name != "" {
			binary.LittleEndian.PutUint64(buf[i*RecordSize+8:], nameAddr)
			f.strings[nameAddr] = lib.Name
			nameAddr += 0x100
		}
	}
	f.mem[bufAddr] = buf
	f.enumRecs = bufAddr
	f.enumCount = uint64(len(libs))
}

func fullHost() *fakeHost {
	f := newFakeHost()
	f.exports[ExportIterLibs] = 0xF0000000
	f.exports[ExportLibLoaded] = 0xF0000004
	return f
}

func TestMappedLibs(t *testing.T) {
	host := fullHost()
	host.setRecords([]MappedLib{
		{Base: 0x40000000, Name: "libfoo.so"},
		{Base: 0x50000000, Name: ""},
	})

	b := New(host, tlog.NewNop())
	libs, err := b.MappedLibs()
	if err != nil {
		t.Fatalf("MappedLibs: %v", err)
	}
	if len(libs) != 2 {
		t.Fatalf("expected 2 libs, got %d", len(libs))
	}
	if libs[0].Base != 0x40000000 || libs[0].Name != "libfoo.so" {
		t.Errorf("lib 0: got %v", libs[0])
	}
	if libs[1].Base != 0x50000000 || libs[1].Name != "" {
		t.Errorf("null name pointer should yield empty name, got %q", libs[1].Name)
	}
}

func TestMappedLibsFreshPerCall(t *testing.T) {
	host := fullHost()
	host.setRecords(nil)

	b := New(host, tlog.NewNop())
	for i := 0; i < 3; i++ {
		if _, err := b.MappedLibs(); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if host.enumCalls != 3 {
		t.Errorf("expected 3 enum calls, got %d", host.enumCalls)
	}
}

func TestMappedLibsEmpty(t *testing.T) {
	host := fullHost()
	host.setRecords(nil)

	b := New(host, tlog.NewNop())
	libs, err := b.MappedLibs()
	if err != nil {
		t.Fatalf("MappedLibs: %v", err)
	}
	if len(libs) != 0 {
		t.Errorf("expected no libs, got %d", len(libs))
	}
}

func TestEnumerateUnavailable(t *testing.T) {
	host := newFakeHost()
	host.exports[ExportLibLoaded] = 0xF0000004

	b := New(host, tlog.NewNop())
	if _, err := b.MappedLibs(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := b.MappedLibs(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("second call: expected ErrUnavailable, got %v", err)
	}
	// Discovery runs once regardless of how often a capability is asked for,
	// and a disabled capability never touches the host.
	if n := host.findCalls[ExportIterLibs]; n != 1 {
		t.Errorf("expected 1 export lookup, got %d", n)
	}
	if host.enumCalls != 0 {
		t.Errorf("disabled enumeration invoked the host %d times", host.enumCalls)
	}
	if !b.CanIntercept() {
		t.Error("intercept capability should survive a missing enum export")
	}
}

func TestMissingExportDiagnosticOnce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger := &tlog.Logger{Logger: zap.New(core)}

	host := newFakeHost()
	host.exports[ExportLibLoaded] = 0xF0000004

	b := New(host, logger)
	for i := 0; i < 3; i++ {
		if _, err := b.MappedLibs(); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}

	warned := logs.FilterMessage("entry point not found, capability disabled").All()
	if len(warned) != 1 {
		t.Fatalf("expected exactly 1 diagnostic, got %d", len(warned))
	}
	if got := warned[0].ContextMap()["export"]; got != ExportIterLibs {
		t.Errorf("diagnostic names export %v, want %s", got, ExportIterLibs)
	}
}

func TestDecodeRejectsBadBuffers(t *testing.T) {
	host := fullHost()
	b := New(host, tlog.NewNop())

	host.enumRecs, host.enumCount = 0, 5
	if _, err := b.MappedLibs(); err == nil {
		t.Error("nil buffer with nonzero count should fail")
	}

	host.enumRecs, host.enumCount = 0x1000, maxRecords+1
	if _, err := b.MappedLibs(); err == nil {
		t.Error("implausible count should fail")
	}

	host.enumRecs, host.enumCount = 0x7777, 1 // nothing mapped there
	if _, err := b.MappedLibs(); err == nil {
		t.Error("unreadable buffer should fail")
	}
}

func TestUnreadableNameDegradesToEmpty(t *testing.T) {
	host := fullHost()
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint64(buf, 0x40000000)
	binary.LittleEndian.PutUint64(buf[8:], 0xBAD00000) // not in strings
	host.mem[0x1000] = buf
	host.enumRecs, host.enumCount = 0x1000, 1

	b := New(host, tlog.NewNop())
	libs, err := b.MappedLibs()
	if err != nil {
		t.Fatalf("MappedLibs: %v", err)
	}
	if len(libs) != 1 || libs[0].Name != "" {
		t.Fatalf("expected one lib with empty name, got %v", libs)
	}
}

func TestObserverDelivery(t *testing.T) {
	host := fullHost()
	host.strings[0x2000] = "libbar.so"

	b := New(host, tlog.NewNop())
	var got []MappedLib
	if err := b.SetObserver(func(m MappedLib) { got = append(got, m) }); err != nil {
		t.Fatalf("SetObserver: %v", err)
	}

	host.intercept(0x41000000, 0x2000)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Base != 0x41000000 || got[0].Name != "libbar.so" {
		t.Errorf("event: got %v", got[0])
	}
}

func TestObserverReplacement(t *testing.T) {
	host := fullHost()
	host.strings[0x2000] = "libbar.so"

	b := New(host, tlog.NewNop())
	var first, second int
	if err := b.SetObserver(func(MappedLib) { first++ }); err != nil {
		t.Fatalf("SetObserver: %v", err)
	}
	if err := b.SetObserver(func(MappedLib) { second++ }); err != nil {
		t.Fatalf("SetObserver replace: %v", err)
	}

	host.intercept(0x41000000, 0x2000)
	if first != 0 {
		t.Errorf("replaced observer received %d events", first)
	}
	if second != 1 {
		t.Errorf("active observer received %d events, expected 1", second)
	}
	// One interception serves every observer generation.
	if host.interceptN != 1 {
		t.Errorf("expected 1 interception install, got %d", host.interceptN)
	}
}

func TestClearObserver(t *testing.T) {
	host := fullHost()

	b := New(host, tlog.NewNop())
	var events int
	if err := b.SetObserver(func(MappedLib) { events++ }); err != nil {
		t.Fatalf("SetObserver: %v", err)
	}
	b.ClearObserver()
	if host.clearN != 1 {
		t.Errorf("expected interception removed, clearN=%d", host.clearN)
	}
	if host.intercept != nil {
		host.intercept(0x41000000, 0)
	}
	if events != 0 {
		t.Errorf("cleared observer received %d events", events)
	}

	// Clearing twice is fine.
	b.ClearObserver()
}

func TestObserverUnavailable(t *testing.T) {
	host := newFakeHost()
	host.exports[ExportIterLibs] = 0xF0000000

	b := New(host, tlog.NewNop())
	err := b.SetObserver(func(MappedLib) {})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestObserverInterceptFailure(t *testing.T) {
	host := fullHost()
	host.badPatch = true

	b := New(host, tlog.NewNop())
	if err := b.SetObserver(func(MappedLib) {}); err == nil {
		t.Fatal("expected error when the host cannot patch")
	}
	// A failed install must not leave a dangling observer.
	host.badPatch = false
	host.strings[0x2000] = "libbar.so"
	if host.intercept != nil {
		t.Fatal("intercept should not be installed after failure")
	}
}

func TestNullNameEvent(t *testing.T) {
	host := fullHost()

	b := New(host, tlog.NewNop())
	var got MappedLib
	if err := b.SetObserver(func(m MappedLib) { got = m }); err != nil {
		t.Fatalf("SetObserver: %v", err)
	}
	host.intercept(0x42000000, 0)
	if got.Base != 0x42000000 || got.Name != "" {
		t.Errorf("null name event: got %v", got)
	}
}

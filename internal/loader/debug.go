package loader

import (
	"fmt"
	"sync"

	"github.com/tarsierlabs/tarsier/internal/emulator"
	tlog "github.com/tarsierlabs/tarsier/internal/log"
	"go.uber.org/zap"
)

// Exported entry point names of the debug interface.
const (
	ExportIterLibs  = "jni_loader_iter_libs"
	ExportLibLoaded = "jni_loader_lib_loaded"
)

// LibraryRecordSize is the stride of one record handed to the iteration
// callback: u64 base address, then a pointer to a NUL-terminated name.
const LibraryRecordSize = 16

type libRecord struct {
	base uint64
	name string
}

// DebugInterface tracks mapped libraries and synthesizes the two entry
// points instrumentation attaches to.
//
// jni_loader_iter_libs(callback) serializes the current registry into guest
// memory and transfers control to the callback with (records, count). The
// transfer is a tail call: the callback returns straight to the original
// caller. Unicorn cannot start a nested emulation from inside a hook, so a
// real re-entrant call is not an option here.
//
// jni_loader_lib_loaded(base, name) is a bare RET. The loader invokes it
// after every successful mapping; interceptors claim it with HookAddress.
type DebugInterface struct {
	emu *emulator.Emulator
	log *tlog.Logger

	mu      sync.Mutex
	records []libRecord

	iterLibs  uint64
	libLoaded uint64
}

func newDebugInterface(emu *emulator.Emulator, logger *tlog.Logger) (*DebugInterface, error) {
	d := &DebugInterface{emu: emu, log: logger}

	addr, err := emu.AllocStub()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ExportIterLibs, err)
	}
	d.iterLibs = addr
	emu.HookAddress(addr, d.onIterLibs)

	addr, err = emu.AllocStub()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ExportLibLoaded, err)
	}
	d.libLoaded = addr

	logger.StubInstall("export", ExportIterLibs, d.iterLibs, "debug")
	logger.StubInstall("export", ExportLibLoaded, d.libLoaded, "debug")
	return d, nil
}

// Export resolves a debug entry point by name.
func (d *DebugInterface) Export(name string) (uint64, bool) {
	switch name {
	case ExportIterLibs:
		return d.iterLibs, true
	case ExportLibLoaded:
		return d.libLoaded, true
	}
	return 0, false
}

// IterLibsAddr returns the address of jni_loader_iter_libs.
func (d *DebugInterface) IterLibsAddr() uint64 { return d.iterLibs }

// LibLoadedAddr returns the address of jni_loader_lib_loaded.
func (d *DebugInterface) LibLoadedAddr() uint64 { return d.libLoaded }

// Count returns the number of registered libraries.
func (d *DebugInterface) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Add registers a mapping and fires the load-event entry point. When called
// from inside a hook (dlopen does this) the guest call is deferred until the
// current emulation stops.
func (d *DebugInterface) Add(base uint64, name string) error {
	d.mu.Lock()
	d.records = append(d.records, libRecord{base: base, name: name})
	d.mu.Unlock()

	namePtr := d.emu.Malloc(uint64(len(name)) + 1)
	if err := d.emu.MemWriteString(namePtr, name); err != nil {
		return fmt.Errorf("write name: %w", err)
	}

	if d.emu.Running() {
		d.emu.Defer(func() {
			if err := d.fire(base, namePtr, name); err != nil {
				d.log.Error("deferred load event", zap.Error(err))
			}
		})
		return nil
	}
	return d.fire(base, namePtr, name)
}

func (d *DebugInterface) fire(base, namePtr uint64, name string) error {
	if _, err := d.emu.Call(d.libLoaded, base, namePtr); err != nil {
		return fmt.Errorf("%s: %w", ExportLibLoaded, err)
	}
	d.log.Trace(d.libLoaded, "export", ExportLibLoaded,
		fmt.Sprintf("%s @ %s", name, tlog.Hex(base)))
	return nil
}

// onIterLibs handles a guest call to jni_loader_iter_libs. It serializes a
// fresh snapshot of the registry, puts (records, count) in X0/X1 and
// redirects the PC to the callback; LR still points at the guest caller.
func (d *DebugInterface) onIterLibs(e *emulator.Emulator) bool {
	callback := e.X(0)

	recs, count, err := d.serialize()
	if err != nil {
		d.log.Error("registry serialization failed", zap.Error(err))
		recs, count = 0, 0
	}

	d.log.Trace(d.iterLibs, "export", ExportIterLibs,
		fmt.Sprintf("%d libs -> callback %s", count, tlog.Hex(callback)))

	e.SetX(0, recs)
	e.SetX(1, count)

	if callback == 0 {
		// No callback: behave like an empty function.
		e.SetPC(e.LR())
		return false
	}
	e.SetPC(callback)
	return false
}

// serialize writes the registry snapshot into guest memory: the record array
// first, the name strings packed behind it. Built fresh on every call so the
// callback always sees the current state.
func (d *DebugInterface) serialize() (uint64, uint64, error) {
	d.mu.Lock()
	snapshot := append([]libRecord{}, d.records...)
	d.mu.Unlock()

	count := uint64(len(snapshot))
	stringsSize := uint64(0)
	for _, rec := range snapshot {
		stringsSize += uint64(len(rec.name)) + 1
	}

	size := count*LibraryRecordSize + stringsSize
	if size == 0 {
		size = LibraryRecordSize
	}
	base := d.emu.Malloc(size)

	namePtr := base + count*LibraryRecordSize
	for i, rec := range snapshot {
		recAddr := base + uint64(i)*LibraryRecordSize
		if err := d.emu.MemWriteU64(recAddr, rec.base); err != nil {
			return 0, 0, err
		}
		if err := d.emu.MemWriteU64(recAddr+8, namePtr); err != nil {
			return 0, 0, err
		}
		if err := d.emu.MemWriteString(namePtr, rec.name); err != nil {
			return 0, 0, err
		}
		namePtr += uint64(len(rec.name)) + 1
	}
	return base, count, nil
}
